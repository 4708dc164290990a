package cmd

import (
	"github.com/spf13/cobra"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// Rule parameter overrides shared by generate and apply.
var (
	flagClusterNodes       []string
	flagAppPorts           []int
	flagPodSubnet          string
	flagServiceSubnet      string
	flagManageCommonChains bool
)

func addRuleFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceVar(&flagClusterNodes, "cluster-node", nil, "cluster node IPv4 address (repeatable, overrides cluster_nodes)")
	f.IntSliceVar(&flagAppPorts, "app-port", nil, "public TCP application port (repeatable, overrides app_ports)")
	f.StringVar(&flagPodSubnet, "pod-subnet", "", "pod network CIDR (overrides pod_subnet)")
	f.StringVar(&flagServiceSubnet, "service-subnet", "", "service network CIDR (overrides service_subnet)")
	f.BoolVar(&flagManageCommonChains, "manage-common-chains", true, "declare the filter, nat and raw chains (overrides manage_common_chains)")
}

func applyRuleOverrides(cmd *cobra.Command, cfg *rules.Config) {
	f := cmd.Flags()
	if f.Changed("cluster-node") {
		cfg.ClusterNodes = append([]string{}, flagClusterNodes...)
	}
	if f.Changed("app-port") {
		cfg.AppPorts = append([]int{}, flagAppPorts...)
	}
	if f.Changed("pod-subnet") {
		cfg.PodSubnet = flagPodSubnet
	}
	if f.Changed("service-subnet") {
		cfg.ServiceSubnet = flagServiceSubnet
	}
	if f.Changed("manage-common-chains") {
		cfg.ManageCommonChains = rules.Bool(flagManageCommonChains)
	}
}
