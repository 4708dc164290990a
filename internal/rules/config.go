// Package rules generates the host firewall declarations for a cluster node.
package rules

import (
	"fmt"
	"net/netip"
)

// DefaultClusterNode is the node address used when no cluster nodes are configured.
const DefaultClusterNode = "172.16.254.254"

// DefaultAppPorts is the TCP port set opened to everyone when app_ports is unset.
var DefaultAppPorts = []int{80, 443, 6443, 8000, 8080, 8081, 8140, 8142, 8143, 8170, 8800}

// Config holds the parameters for rule generation.
// The package does no file I/O; internal/config loads Config from YAML.
type Config struct {
	// ClusterNodes lists the IPv4 addresses of the cluster members.
	// nil defaults to [DefaultClusterNode]; an explicit empty list yields no node rules.
	ClusterNodes []string `yaml:"cluster_nodes"`

	// AppPorts lists the TCP ports opened without a source restriction.
	// nil defaults to DefaultAppPorts.
	AppPorts []int `yaml:"app_ports"`

	// PodSubnet is the pod network CIDR. Empty means no pod network rule.
	PodSubnet string `yaml:"pod_subnet"`

	// ServiceSubnet is the service network CIDR. Empty means no service network rule.
	ServiceSubnet string `yaml:"service_subnet"`

	// ManageCommonChains toggles the filter/nat/raw chain declarations.
	// nil defaults to true.
	ManageCommonChains *bool `yaml:"manage_common_chains"`

	// DecommissionedNodes lists former cluster members whose rules are
	// declared absent so the backend removes them.
	DecommissionedNodes []string `yaml:"decommissioned_nodes"`
}

// Bool returns a pointer to b, for setting ManageCommonChains.
func Bool(b bool) *bool {
	return &b
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ClusterNodes == nil {
		c.ClusterNodes = []string{DefaultClusterNode}
	}
	if c.AppPorts == nil {
		c.AppPorts = append([]int(nil), DefaultAppPorts...)
	}
	if c.ManageCommonChains == nil {
		c.ManageCommonChains = Bool(true)
	}
}

// ChainsManaged reports whether the common chains are declared.
// An unset ManageCommonChains counts as true.
func (c *Config) ChainsManaged() bool {
	return c.ManageCommonChains == nil || *c.ManageCommonChains
}

// Validate checks every address, subnet and port. It returns a *ConfigError
// describing the first problem found.
func (c *Config) Validate() error {
	seen := make(map[string]string, len(c.ClusterNodes)+len(c.DecommissionedNodes))
	checkNodes := func(field string, nodes []string) error {
		for i, addr := range nodes {
			name := fmt.Sprintf("%s[%d]", field, i)
			if err := validateIPv4Address(name, addr); err != nil {
				return err
			}
			if prev, dup := seen[addr]; dup {
				return &ConfigError{
					Kind:   DuplicateNode,
					Field:  name,
					Value:  addr,
					Reason: "already listed as " + prev,
				}
			}
			seen[addr] = name
		}
		return nil
	}
	if err := checkNodes("cluster_nodes", c.ClusterNodes); err != nil {
		return err
	}
	if err := checkNodes("decommissioned_nodes", c.DecommissionedNodes); err != nil {
		return err
	}

	if err := validatePorts("app_ports", c.AppPorts); err != nil {
		return err
	}

	if c.PodSubnet != "" {
		if err := validateIPv4CIDR("pod_subnet", c.PodSubnet); err != nil {
			return err
		}
	}
	if c.ServiceSubnet != "" {
		if err := validateIPv4CIDR("service_subnet", c.ServiceSubnet); err != nil {
			return err
		}
	}
	return nil
}

func validateIPv4Address(field, addr string) error {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return &ConfigError{Kind: InvalidAddress, Field: field, Value: addr, Reason: "not an IP address"}
	}
	// IPv4-mapped IPv6 (::ffff:a.b.c.d) is not an IPv4 address.
	if !ip.Is4() {
		return &ConfigError{Kind: InvalidAddress, Field: field, Value: addr, Reason: "not an IPv4 address"}
	}
	return nil
}

func validateIPv4CIDR(field, cidr string) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return &ConfigError{Kind: InvalidAddress, Field: field, Value: cidr, Reason: "not a CIDR"}
	}
	if !prefix.Addr().Is4() {
		return &ConfigError{Kind: InvalidAddress, Field: field, Value: cidr, Reason: "not an IPv4 CIDR"}
	}
	return nil
}

func validatePorts(field string, ports []int) error {
	if ports != nil && len(ports) == 0 {
		return &ConfigError{Kind: InvalidPort, Field: field, Value: "[]", Reason: "at least one port is required"}
	}
	seen := make(map[int]struct{}, len(ports))
	for i, p := range ports {
		name := fmt.Sprintf("%s[%d]", field, i)
		if p < MinPort || p > MaxPort {
			return &ConfigError{
				Kind:   InvalidPort,
				Field:  name,
				Value:  fmt.Sprint(p),
				Reason: fmt.Sprintf("must be within [%d,%d]", MinPort, MaxPort),
			}
		}
		if _, dup := seen[p]; dup {
			return &ConfigError{Kind: InvalidPort, Field: name, Value: fmt.Sprint(p), Reason: "duplicate port"}
		}
		seen[p] = struct{}{}
	}
	return nil
}
