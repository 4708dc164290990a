package render

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// MaxMultiportPorts is the most ports one iptables multiport match accepts.
const MaxMultiportPorts = 15

// tableOrder fixes the order of table sections in restore output.
var tableOrder = []rules.Table{rules.TableFilter, rules.TableNAT, rules.TableRaw}

var builtinChains = map[rules.Table]map[string]bool{
	rules.TableFilter: {"INPUT": true, "OUTPUT": true, "FORWARD": true},
	rules.TableNAT:    {"PREROUTING": true, "INPUT": true, "OUTPUT": true, "POSTROUTING": true},
	rules.TableRaw:    {"PREROUTING": true, "OUTPUT": true},
}

// OwnedChainPrefix prefixes the chain that holds a built-in chain's rules in
// restore output: rules for filter INPUT live in PAMFW-INPUT.
const OwnedChainPrefix = "PAMFW-"

// IPTablesRestore renders d as input for `iptables-restore --noflush`.
//
// Rules for a built-in chain are written to an owned chain that the output
// redeclares, so --noflush still flushes it and replaying the output yields
// the same rule set. Absent rules are left out of the owned chain and listed
// as comments. Built-in chains are never redeclared, which keeps rules the
// module did not create in place. The jump from a built-in chain into its
// owned chain cannot be made idempotent inside iptables-restore, so it is
// emitted as a check-then-insert comment for the caller to run.
func IPTablesRestore(d rules.Declarations) (string, error) {
	var b restoreBuilder
	for _, table := range tableOrder {
		b.startTransaction(string(table))

		declared := make(map[string]bool)
		declare := func(name string) {
			if !declared[name] {
				declared[name] = true
				b.writeChain(name)
			}
		}

		for _, c := range d.Chains {
			if c.Table != table {
				continue
			}
			if builtinChains[table][c.Name] {
				b.writeComment(fmt.Sprintf("chain %s ignore_foreign=%t", c.Identity(), c.IgnoreForeign))
				continue
			}
			declare(c.Name)
		}

		var jumps, lines []string
		for _, r := range d.Rules {
			if r.Table != table {
				continue
			}
			target := r.Chain
			if builtinChains[table][r.Chain] {
				target = OwnedChainPrefix + r.Chain
				if !declared[target] {
					jumps = append(jumps, jumpCommand(table, r.Chain, target))
				}
			}
			declare(target)

			if r.Ensure == rules.EnsureAbsent {
				lines = append(lines, "# absent "+strconv.Quote(r.Identity()))
				continue
			}
			line, err := ruleSpec(target, r)
			if err != nil {
				return "", err
			}
			lines = append(lines, line)
		}

		for _, j := range jumps {
			b.writeComment("jump: " + j)
		}
		for _, line := range lines {
			b.writeRule(line)
		}
		b.endTransaction()
	}
	return b.String(), nil
}

// jumpCommand returns the shell command that links a built-in chain to its
// owned chain exactly once.
func jumpCommand(table rules.Table, builtin, owned string) string {
	check := fmt.Sprintf("iptables -t %s -C %s -j %s", table, builtin, owned)
	insert := fmt.Sprintf("iptables -t %s -I %s -j %s", table, builtin, owned)
	return check + " || " + insert
}

// ruleSpec renders one present rule as an -A line on chain.
func ruleSpec(chain string, r rules.RuleDeclaration) (string, error) {
	parts := []string{"-A", chain}

	if r.Source != "" {
		parts = append(parts, "-s", r.Source)
	}
	if r.Proto != "" && r.Proto != rules.ProtoAll {
		parts = append(parts, "-p", string(r.Proto))
	}

	dport, err := dportSpec(r.DPort)
	if err != nil {
		return "", fmt.Errorf("render: iptables: rule %q: %w", r.Identity(), err)
	}
	parts = append(parts, dport...)

	parts = append(parts, "-m", "comment", "--comment", strconv.Quote(r.Identity()))

	target, err := jumpTarget(r.Action)
	if err != nil {
		return "", fmt.Errorf("render: iptables: rule %q: %w", r.Identity(), err)
	}
	parts = append(parts, "-j", target)
	return strings.Join(parts, " "), nil
}

// dportSpec is the serialization rule for each Port variant.
func dportSpec(p rules.Port) ([]string, error) {
	v := p.Values()
	switch p.Kind() {
	case rules.PortNone:
		return nil, nil
	case rules.PortSingle:
		return []string{"--dport", strconv.Itoa(v[0])}, nil
	case rules.PortRange:
		return []string{"--dport", fmt.Sprintf("%d:%d", v[0], v[1])}, nil
	case rules.PortList:
		if len(v) > MaxMultiportPorts {
			return nil, fmt.Errorf("%d ports exceed the multiport limit of %d", len(v), MaxMultiportPorts)
		}
		ports := make([]string, len(v))
		for i, port := range v {
			ports[i] = strconv.Itoa(port)
		}
		return []string{"-m", "multiport", "--dports", strings.Join(ports, ",")}, nil
	default:
		return nil, fmt.Errorf("unknown port kind %v", p.Kind())
	}
}

func jumpTarget(a rules.Action) (string, error) {
	switch a {
	case rules.ActionAccept:
		return "ACCEPT", nil
	case rules.ActionDrop:
		return "DROP", nil
	default:
		return "", fmt.Errorf("unsupported action %q", a)
	}
}

// restoreBuilder writes iptables-restore input. A table header is only
// written once the table has content, e.g.
//
//	*filter
//	:PAMFW-INPUT - [0:0]
//	-A PAMFW-INPUT -s 10.0.0.1 -p tcp --dport 10250 -m comment --comment "..." -j ACCEPT
//	COMMIT
type restoreBuilder struct {
	buf       bytes.Buffer
	tableName string
	isWriting bool
}

func (b *restoreBuilder) startTransaction(tableName string) {
	b.tableName = tableName
	b.isWriting = false
}

func (b *restoreBuilder) openTable() {
	if !b.isWriting {
		b.writeLine("*" + b.tableName)
		b.isWriting = true
	}
}

func (b *restoreBuilder) endTransaction() {
	if b.isWriting {
		b.writeLine("COMMIT")
	}
	b.tableName = ""
	b.isWriting = false
}

func (b *restoreBuilder) writeChain(name string) {
	b.openTable()
	b.writeLine(fmt.Sprintf(":%s - [0:0]", name))
}

func (b *restoreBuilder) writeComment(text string) {
	b.openTable()
	b.writeLine("# " + text)
}

func (b *restoreBuilder) writeRule(rule string) {
	b.openTable()
	b.writeLine(rule)
}

func (b *restoreBuilder) writeLine(line string) {
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

func (b *restoreBuilder) String() string {
	return b.buf.String()
}
