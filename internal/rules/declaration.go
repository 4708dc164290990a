package rules

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Ensure is the desired presence of a declaration.
type Ensure string

const (
	EnsurePresent Ensure = "present"
	EnsureAbsent  Ensure = "absent"
)

// Proto is the L4 protocol matched by a rule.
type Proto string

const (
	ProtoTCP Proto = "tcp"
	ProtoUDP Proto = "udp"
	ProtoAll Proto = "all"
)

// Action is the verdict applied to matching packets.
type Action string

const (
	ActionAccept Action = "accept"
	ActionDrop   Action = "drop"
)

// Table is a packet-filter rule processing context.
type Table string

const (
	TableFilter Table = "filter"
	TableNAT    Table = "nat"
	TableRaw    Table = "raw"
)

// Family is the protocol family of a chain.
type Family string

// FamilyIPv4 is the only family declared.
const FamilyIPv4 Family = "IPv4"

// Rule placement defaults.
const (
	DefaultChain = "INPUT"
	DefaultTable = TableFilter
)

// RuleDeclaration is a single firewall rule keyed by its identity.
type RuleDeclaration struct {
	Priority    int
	Description string
	Ensure      Ensure
	Source      string // address or CIDR; empty matches any source
	DPort       Port   // zero Port matches any destination port
	Proto       Proto
	Action      Action
	Chain       string
	Table       Table
}

// Identity returns the reconciliation key, e.g. "110 allow tcp app ports".
func (r RuleDeclaration) Identity() string {
	return fmt.Sprintf("%d %s", r.Priority, r.Description)
}

// Fingerprint returns a short digest of the rule's match and verdict. Two
// declarations with the same identity and fingerprint install the same rule.
// Ensure is not part of the digest.
func (r RuleDeclaration) Fingerprint() string {
	canonical := strings.Join([]string{
		r.Source,
		r.DPort.Kind().String(),
		r.DPort.String(),
		string(r.Proto),
		string(r.Action),
		r.Chain,
		string(r.Table),
	}, "|")
	sum := blake2b.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:4])
}

// Equal reports whether r and o are structurally identical.
func (r RuleDeclaration) Equal(o RuleDeclaration) bool {
	return r.Priority == o.Priority &&
		r.Description == o.Description &&
		r.Ensure == o.Ensure &&
		r.Source == o.Source &&
		r.DPort.Equal(o.DPort) &&
		r.Proto == o.Proto &&
		r.Action == o.Action &&
		r.Chain == o.Chain &&
		r.Table == o.Table
}

// ChainRef returns the chain the rule is placed in.
func (r RuleDeclaration) ChainRef() ChainRef {
	return ChainRef{Table: r.Table, Name: r.Chain}
}

// ChainDeclaration declares a chain the backend must manage.
type ChainDeclaration struct {
	Name          string
	Table         Table
	Family        Family
	IgnoreForeign bool // leave rules this module did not create untouched
}

// Identity returns the chain key, e.g. "INPUT:filter:IPv4".
func (c ChainDeclaration) Identity() string {
	return fmt.Sprintf("%s:%s:%s", c.Name, c.Table, c.Family)
}

// Ref returns the chain's table and name.
func (c ChainDeclaration) Ref() ChainRef {
	return ChainRef{Table: c.Table, Name: c.Name}
}

// ChainRef names a chain within a table.
type ChainRef struct {
	Table Table
	Name  string
}

func (c ChainRef) String() string {
	return c.Name + ":" + string(c.Table)
}

// Declarations is the ordered output of a generation.
type Declarations struct {
	Chains []ChainDeclaration
	Rules  []RuleDeclaration
}

// Rule returns the rule with the given identity.
func (d Declarations) Rule(identity string) (RuleDeclaration, bool) {
	for _, r := range d.Rules {
		if r.Identity() == identity {
			return r, true
		}
	}
	return RuleDeclaration{}, false
}

// Chain returns the chain with the given identity.
func (d Declarations) Chain(identity string) (ChainDeclaration, bool) {
	for _, c := range d.Chains {
		if c.Identity() == identity {
			return c, true
		}
	}
	return ChainDeclaration{}, false
}

// ContainsRule reports whether a rule with r's identity exists and equals r.
func (d Declarations) ContainsRule(r RuleDeclaration) bool {
	got, ok := d.Rule(r.Identity())
	return ok && got.Equal(r)
}

// ContainsChain reports whether a chain with c's identity exists and equals c.
func (d Declarations) ContainsChain(c ChainDeclaration) bool {
	got, ok := d.Chain(c.Identity())
	return ok && got == c
}

// RulesFrom returns the rules whose source is exactly source, in order.
func (d Declarations) RulesFrom(source string) []RuleDeclaration {
	var out []RuleDeclaration
	for _, r := range d.Rules {
		if r.Source == source {
			out = append(out, r)
		}
	}
	return out
}

// NodeRules returns the node-scoped rules of present and decommissioned
// nodes, NodeRuleCount per node, in declaration order.
func (d Declarations) NodeRules() []RuleDeclaration {
	var out []RuleDeclaration
	for _, r := range d.Rules {
		if isNodeRule(r) {
			out = append(out, r)
		}
	}
	return out
}

// Identities returns the identity of every chain and then every rule.
func (d Declarations) Identities() []string {
	ids := make([]string, 0, len(d.Chains)+len(d.Rules))
	for _, c := range d.Chains {
		ids = append(ids, c.Identity())
	}
	for _, r := range d.Rules {
		ids = append(ids, r.Identity())
	}
	return ids
}
