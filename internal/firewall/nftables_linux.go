//go:build linux

package firewall

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// nftConn is the subset of *nftables.Conn used by NftablesController.
type nftConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	ListTablesOfFamily(family nftables.TableFamily) ([]*nftables.Table, error)
	AddChain(c *nftables.Chain) *nftables.Chain
	ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error)
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	AddRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	AddSet(s *nftables.Set, vals []nftables.SetElement) error
	Flush() error
}

// NftablesController implements Controller using the Linux nftables
// subsystem via the google/nftables netlink library. Each rules.Table maps to
// an IPv4 nftables table named <prefix>_<table>.
type NftablesController struct {
	prefix  string
	newConn func() (nftConn, error)
	logger  *slog.Logger
}

// NewNftablesController returns a new NftablesController for tables with the
// given prefix.
func NewNftablesController(prefix string, logger *slog.Logger) *NftablesController {
	return &NftablesController{
		prefix: prefix,
		newConn: func() (nftConn, error) {
			return nftables.New()
		},
		logger: logger.With("component", "firewall"),
	}
}

// EnsureChain creates the chain's table and the chain itself. Well-known
// chain names become base chains hooked at the matching netfilter stage.
func (c *NftablesController) EnsureChain(chain rules.ChainDeclaration) error {
	conn, err := c.newConn()
	if err != nil {
		return fmt.Errorf("firewall: nftables: ensure chain: %w", err)
	}

	table := conn.AddTable(c.table(chain.Table))
	conn.AddChain(c.chain(table, chain.Ref()))

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("firewall: nftables: ensure chain %s: %w", chain.Identity(), err)
	}

	c.logger.Debug("nftables chain ensured",
		"chain", chain.Identity(),
		"table", table.Name,
	)
	return nil
}

// ListRules returns the rules installed in the chain. Rules without a pamfw
// comment are reported as foreign.
func (c *NftablesController) ListRules(ref rules.ChainRef) ([]ExistingRule, error) {
	conn, err := c.newConn()
	if err != nil {
		return nil, fmt.Errorf("firewall: nftables: list rules: %w", err)
	}

	exists, err := c.chainExists(conn, ref)
	if err != nil {
		return nil, fmt.Errorf("firewall: nftables: list rules of %s: %w", ref, err)
	}
	if !exists {
		return nil, nil
	}

	table := c.table(ref.Table)
	nftRules, err := conn.GetRules(table, &nftables.Chain{Name: ref.Name, Table: table})
	if err != nil {
		return nil, fmt.Errorf("firewall: nftables: list rules of %s: %w", ref, err)
	}

	out := make([]ExistingRule, 0, len(nftRules))
	for _, r := range nftRules {
		er := ExistingRule{Handle: r.Handle}
		if id, fp, ok := ParseRuleComment(string(r.UserData)); ok {
			er.Identity = id
			er.Fingerprint = fp
		}
		out = append(out, er)
	}
	return out, nil
}

// Apply deletes and adds the plan's rules in a single netlink batch.
func (c *NftablesController) Apply(plan ChainPlan) error {
	conn, err := c.newConn()
	if err != nil {
		return fmt.Errorf("firewall: nftables: apply: %w", err)
	}

	table := conn.AddTable(c.table(plan.Chain.Table))
	chain := conn.AddChain(c.chain(table, plan.Chain))

	for _, er := range plan.ToDelete {
		if err := conn.DelRule(&nftables.Rule{Table: table, Chain: chain, Handle: er.Handle}); err != nil {
			return fmt.Errorf("firewall: nftables: apply: delete rule %d: %w", er.Handle, err)
		}
	}

	for _, r := range plan.ToAdd {
		exprs, err := buildRuleExprs(conn, table, r)
		if err != nil {
			return fmt.Errorf("firewall: nftables: apply: rule %q: %w", r.Identity(), err)
		}
		conn.AddRule(&nftables.Rule{
			Table:    table,
			Chain:    chain,
			Exprs:    exprs,
			UserData: []byte(RuleComment(r)),
		})
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("firewall: nftables: apply chain %s: %w", plan.Chain, err)
	}

	c.logger.Debug("nftables rules applied",
		"chain", plan.Chain.String(),
		"added", len(plan.ToAdd),
		"deleted", len(plan.ToDelete),
	)
	return nil
}

// Teardown deletes every pamfw table. It is idempotent: missing tables are
// skipped.
func (c *NftablesController) Teardown() error {
	conn, err := c.newConn()
	if err != nil {
		return fmt.Errorf("firewall: nftables: teardown: %w", err)
	}

	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return fmt.Errorf("firewall: nftables: teardown: list tables: %w", err)
	}

	owned := make(map[string]bool, 3)
	for _, t := range []rules.Table{rules.TableFilter, rules.TableNAT, rules.TableRaw} {
		owned[c.tableName(t)] = true
	}

	deleted := 0
	for _, t := range tables {
		if owned[t.Name] {
			conn.DelTable(t)
			deleted++
		}
	}
	if deleted == 0 {
		c.logger.Debug("no nftables tables to remove")
		return nil
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("firewall: nftables: teardown: %w", err)
	}
	c.logger.Debug("nftables tables removed", "count", deleted)
	return nil
}

func (c *NftablesController) chainExists(conn nftConn, ref rules.ChainRef) (bool, error) {
	chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return false, err
	}
	name := c.tableName(ref.Table)
	for _, ch := range chains {
		if ch.Table != nil && ch.Table.Name == name && ch.Name == ref.Name {
			return true, nil
		}
	}
	return false, nil
}

func (c *NftablesController) tableName(t rules.Table) string {
	return c.prefix + "_" + string(t)
}

func (c *NftablesController) table(t rules.Table) *nftables.Table {
	return &nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   c.tableName(t),
	}
}

var chainHooks = map[string]*nftables.ChainHook{
	"PREROUTING":  nftables.ChainHookPrerouting,
	"INPUT":       nftables.ChainHookInput,
	"FORWARD":     nftables.ChainHookForward,
	"OUTPUT":      nftables.ChainHookOutput,
	"POSTROUTING": nftables.ChainHookPostrouting,
}

// chain describes the nftables chain for ref. Chains without a well-known
// hook name are regular chains.
func (c *NftablesController) chain(table *nftables.Table, ref rules.ChainRef) *nftables.Chain {
	ch := &nftables.Chain{Name: ref.Name, Table: table}
	hook, ok := chainHooks[ref.Name]
	if !ok {
		return ch
	}
	ch.Hooknum = hook
	ch.Type = nftables.ChainTypeFilter
	switch ref.Table {
	case rules.TableNAT:
		ch.Type = nftables.ChainTypeNAT
		if ref.Name == "PREROUTING" || ref.Name == "OUTPUT" {
			ch.Priority = nftables.ChainPriorityNATDest
		} else {
			ch.Priority = nftables.ChainPriorityNATSource
		}
	case rules.TableRaw:
		ch.Priority = nftables.ChainPriorityRaw
	default:
		ch.Priority = nftables.ChainPriorityFilter
	}
	return ch
}

// buildRuleExprs converts a RuleDeclaration into nftables match expressions
// and a verdict. Port lists are added to conn as anonymous sets.
func buildRuleExprs(conn nftConn, table *nftables.Table, rule rules.RuleDeclaration) ([]expr.Any, error) {
	var exprs []expr.Any

	if rule.Source != "" {
		srcExprs, err := buildSourceMatchExprs(rule.Source)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, srcExprs...)
	}

	if rule.Proto != "" && rule.Proto != rules.ProtoAll {
		proto, err := protocolNumber(rule.Proto)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     []byte{proto},
			},
		)
	}

	if !rule.DPort.IsZero() {
		if rule.Proto != rules.ProtoTCP && rule.Proto != rules.ProtoUDP {
			return nil, fmt.Errorf("destination port requires tcp or udp, got %q", rule.Proto)
		}
		portExprs, err := buildPortMatchExprs(conn, table, rule.DPort)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, portExprs...)
	}

	exprs = append(exprs, &expr.Counter{})

	switch rule.Action {
	case rules.ActionAccept:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
	case rules.ActionDrop:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
	default:
		return nil, fmt.Errorf("unsupported action %q", rule.Action)
	}

	return exprs, nil
}

// buildPortMatchExprs loads the transport destination port and matches it
// against a single port, an inclusive range or an anonymous set.
func buildPortMatchExprs(conn nftConn, table *nftables.Table, p rules.Port) ([]expr.Any, error) {
	load := &expr.Payload{
		DestRegister: 1,
		Base:         expr.PayloadBaseTransportHeader,
		Offset:       2, // TCP/UDP destination port offset
		Len:          2,
	}
	v := p.Values()

	switch p.Kind() {
	case rules.PortSingle:
		return []expr.Any{
			load,
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: portBytes(uint16(v[0]))},
		}, nil
	case rules.PortRange:
		return []expr.Any{
			load,
			&expr.Cmp{Op: expr.CmpOpGte, Register: 1, Data: portBytes(uint16(v[0]))},
			&expr.Cmp{Op: expr.CmpOpLte, Register: 1, Data: portBytes(uint16(v[1]))},
		}, nil
	case rules.PortList:
		set := &nftables.Set{
			Table:     table,
			Anonymous: true,
			Constant:  true,
			KeyType:   nftables.TypeInetService,
		}
		elems := make([]nftables.SetElement, len(v))
		for i, port := range v {
			elems[i] = nftables.SetElement{Key: portBytes(uint16(port))}
		}
		if err := conn.AddSet(set, elems); err != nil {
			return nil, fmt.Errorf("add port set: %w", err)
		}
		return []expr.Any{
			load,
			&expr.Lookup{
				SourceRegister: 1,
				SetName:        set.Name,
				SetID:          set.ID,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported port kind %v", p.Kind())
	}
}

// ipv4SourceOffset is the source address offset in the IPv4 header.
const ipv4SourceOffset = 12

// buildSourceMatchExprs matches the packet source against a node address or
// a subnet. Subnets are masked in the register and compared against their
// network address, so "10.48.0.5/24" matches 10.48.0.0/24.
func buildSourceMatchExprs(source string) ([]expr.Any, error) {
	prefix, err := parseSource(source)
	if err != nil {
		return nil, err
	}

	load := &expr.Payload{
		DestRegister: 1,
		Base:         expr.PayloadBaseNetworkHeader,
		Offset:       ipv4SourceOffset,
		Len:          4,
	}
	network := prefix.Masked().Addr().As4()

	if prefix.IsSingleIP() {
		return []expr.Any{
			load,
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: network[:]},
		}, nil
	}

	mask := net.CIDRMask(prefix.Bits(), 32)
	return []expr.Any{
		load,
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           mask,
			Xor:            make([]byte, 4),
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: network[:]},
	}, nil
}

// parseSource reads a bare address as a /32.
func parseSource(source string) (netip.Prefix, error) {
	var prefix netip.Prefix
	if addr, err := netip.ParseAddr(source); err == nil {
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	} else if prefix, err = netip.ParsePrefix(source); err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid source %q", source)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("source %q is not IPv4", source)
	}
	return prefix, nil
}

// protocolNumber maps a protocol to its IP protocol number.
func protocolNumber(proto rules.Proto) (byte, error) {
	switch proto {
	case rules.ProtoTCP:
		return unix.IPPROTO_TCP, nil
	case rules.ProtoUDP:
		return unix.IPPROTO_UDP, nil
	default:
		return 0, fmt.Errorf("unsupported protocol %q", proto)
	}
}

// portBytes is the network-order form of a transport port.
func portBytes(port uint16) []byte {
	return []byte{byte(port >> 8), byte(port)}
}
