package rules

import (
	"fmt"
	"log/slog"
	"slices"
)

// RulePriority is the priority of every generated rule.
const RulePriority = 110

// Fixed descriptions of the cluster-wide rules.
const (
	AppPortsDescription       = "allow tcp app ports"
	PodNetworkDescription     = "allow pod network"
	ServiceNetworkDescription = "allow service network"
)

// commonChains are declared, in this order, when chain management is on.
var commonChains = []ChainRef{
	{Table: TableFilter, Name: "INPUT"},
	{Table: TableFilter, Name: "OUTPUT"},
	{Table: TableFilter, Name: "FORWARD"},
	{Table: TableNAT, Name: "PREROUTING"},
	{Table: TableNAT, Name: "INPUT"},
	{Table: TableNAT, Name: "OUTPUT"},
	{Table: TableNAT, Name: "POSTROUTING"},
	{Table: TableRaw, Name: "PREROUTING"},
	{Table: TableRaw, Name: "OUTPUT"},
}

// nodeRule describes one rule of the per-node group.
type nodeRule struct {
	description string // format with the node address
	proto       Proto
	dport       Port
}

var nodeRules = [...]nodeRule{
	{"allow tcp port 2379-2380 from %s for etcd", ProtoTCP, Range(2379, 2380)},
	{"allow tcp port 6783 from %s for Weave", ProtoTCP, Single(6783)},
	{"allow udp ports 6783-6784 from %s for Weave", ProtoUDP, Range(6783, 6784)},
	{"allow tcp port 10250 from %s for Kubelet", ProtoTCP, Single(10250)},
}

// NodeRuleCount is the number of rules declared per cluster node.
const NodeRuleCount = len(nodeRules)

// Generator turns a Config into chain and rule declarations. It holds no
// state besides its logger and is safe for concurrent use.
type Generator struct {
	logger *slog.Logger
}

// NewGenerator creates a Generator with the given logger.
func NewGenerator(logger *slog.Logger) *Generator {
	return &Generator{
		logger: logger.With("component", "rules"),
	}
}

// Generate validates cfg and returns its declarations. Defaults are applied to
// a copy; cfg itself is not modified. On error no declarations are returned.
func (g *Generator) Generate(cfg Config) (Declarations, error) {
	cfg = cloneConfig(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Declarations{}, err
	}

	var d Declarations
	if cfg.ChainsManaged() {
		d.Chains = make([]ChainDeclaration, 0, len(commonChains))
		for _, ref := range commonChains {
			d.Chains = append(d.Chains, ChainDeclaration{
				Name:          ref.Name,
				Table:         ref.Table,
				Family:        FamilyIPv4,
				IgnoreForeign: true,
			})
		}
	}

	d.Rules = make([]RuleDeclaration, 0,
		NodeRuleCount*(len(cfg.ClusterNodes)+len(cfg.DecommissionedNodes))+3)
	for _, addr := range cfg.ClusterNodes {
		d.Rules = appendNodeRules(d.Rules, addr, EnsurePresent)
	}
	for _, addr := range cfg.DecommissionedNodes {
		d.Rules = appendNodeRules(d.Rules, addr, EnsureAbsent)
	}

	d.Rules = append(d.Rules, newRule(AppPortsDescription, "", ProtoTCP, List(cfg.AppPorts...), EnsurePresent))
	if cfg.PodSubnet != "" {
		d.Rules = append(d.Rules, newRule(PodNetworkDescription, cfg.PodSubnet, ProtoAll, Port{}, EnsurePresent))
	}
	if cfg.ServiceSubnet != "" {
		d.Rules = append(d.Rules, newRule(ServiceNetworkDescription, cfg.ServiceSubnet, ProtoAll, Port{}, EnsurePresent))
	}

	g.logger.Debug("generated declarations",
		"chains", len(d.Chains),
		"rules", len(d.Rules),
		"nodes", len(cfg.ClusterNodes),
		"decommissioned", len(cfg.DecommissionedNodes),
	)
	return d, nil
}

func appendNodeRules(dst []RuleDeclaration, addr string, ensure Ensure) []RuleDeclaration {
	for _, nr := range nodeRules {
		dst = append(dst, newRule(fmt.Sprintf(nr.description, addr), addr, nr.proto, nr.dport, ensure))
	}
	return dst
}

// isNodeRule reports whether r is one of the per-node rules for its source.
func isNodeRule(r RuleDeclaration) bool {
	if r.Source == "" {
		return false
	}
	for _, nr := range nodeRules {
		if r.Description == fmt.Sprintf(nr.description, r.Source) {
			return true
		}
	}
	return false
}

func newRule(description, source string, proto Proto, dport Port, ensure Ensure) RuleDeclaration {
	return RuleDeclaration{
		Priority:    RulePriority,
		Description: description,
		Ensure:      ensure,
		Source:      source,
		DPort:       dport,
		Proto:       proto,
		Action:      ActionAccept,
		Chain:       DefaultChain,
		Table:       DefaultTable,
	}
}

// cloneConfig copies the slices of cfg so defaults never alias caller memory.
func cloneConfig(cfg Config) Config {
	out := cfg
	out.ClusterNodes = slices.Clone(cfg.ClusterNodes)
	out.AppPorts = slices.Clone(cfg.AppPorts)
	out.DecommissionedNodes = slices.Clone(cfg.DecommissionedNodes)
	if cfg.ManageCommonChains != nil {
		out.ManageCommonChains = Bool(*cfg.ManageCommonChains)
	}
	return out
}
