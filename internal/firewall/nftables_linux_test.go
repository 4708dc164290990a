//go:build linux

package firewall

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// Compile-time check that NftablesController implements Controller.
var _ Controller = (*NftablesController)(nil)

// fakeConn records the netlink batch instead of sending it to the kernel.
type fakeConn struct {
	tables []*nftables.Table
	chains []*nftables.Chain
	rules  []*nftables.Rule

	addedTables  []*nftables.Table
	addedChains  []*nftables.Chain
	addedRules   []*nftables.Rule
	addedSets    []*nftables.Set
	setElems     [][]nftables.SetElement
	deletedRules []*nftables.Rule
	deletedTabs  []*nftables.Table
	flushes      int

	flushErr error
	nextSet  uint32
}

func (f *fakeConn) AddTable(t *nftables.Table) *nftables.Table {
	f.addedTables = append(f.addedTables, t)
	return t
}

func (f *fakeConn) DelTable(t *nftables.Table) { f.deletedTabs = append(f.deletedTabs, t) }

func (f *fakeConn) ListTablesOfFamily(nftables.TableFamily) ([]*nftables.Table, error) {
	return f.tables, nil
}

func (f *fakeConn) AddChain(c *nftables.Chain) *nftables.Chain {
	f.addedChains = append(f.addedChains, c)
	return c
}

func (f *fakeConn) ListChainsOfTableFamily(nftables.TableFamily) ([]*nftables.Chain, error) {
	return f.chains, nil
}

func (f *fakeConn) GetRules(*nftables.Table, *nftables.Chain) ([]*nftables.Rule, error) {
	return f.rules, nil
}

func (f *fakeConn) AddRule(r *nftables.Rule) *nftables.Rule {
	f.addedRules = append(f.addedRules, r)
	return r
}

func (f *fakeConn) DelRule(r *nftables.Rule) error {
	if r.Handle == 0 {
		return errors.New("rule handle is required")
	}
	f.deletedRules = append(f.deletedRules, r)
	return nil
}

func (f *fakeConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	f.nextSet++
	s.ID = f.nextSet
	if s.Anonymous {
		s.Name = fmt.Sprintf("__set%d", s.ID)
	}
	f.addedSets = append(f.addedSets, s)
	f.setElems = append(f.setElems, vals)
	return nil
}

func (f *fakeConn) Flush() error {
	f.flushes++
	return f.flushErr
}

func fakeController(conn *fakeConn) *NftablesController {
	ctrl := NewNftablesController("pamfw", testLogger())
	ctrl.newConn = func() (nftConn, error) { return conn, nil }
	return ctrl
}

func TestNftablesController_EnsureChain(t *testing.T) {
	conn := &fakeConn{}
	ctrl := fakeController(conn)

	err := ctrl.EnsureChain(rules.ChainDeclaration{Name: "POSTROUTING", Table: rules.TableNAT, Family: rules.FamilyIPv4})
	if err != nil {
		t.Fatalf("EnsureChain() error = %v", err)
	}
	if len(conn.addedTables) != 1 || conn.addedTables[0].Name != "pamfw_nat" {
		t.Fatalf("added tables = %+v, want pamfw_nat", conn.addedTables)
	}
	if len(conn.addedChains) != 1 {
		t.Fatalf("added chains = %d, want 1", len(conn.addedChains))
	}
	ch := conn.addedChains[0]
	if ch.Type != nftables.ChainTypeNAT {
		t.Errorf("chain type = %q, want nat", ch.Type)
	}
	if ch.Hooknum != nftables.ChainHookPostrouting {
		t.Error("POSTROUTING chain not hooked at postrouting")
	}
	if ch.Priority != nftables.ChainPriorityNATSource {
		t.Error("POSTROUTING chain priority is not srcnat")
	}
	if conn.flushes != 1 {
		t.Errorf("flushes = %d, want 1", conn.flushes)
	}
}

func TestNftablesController_EnsureChainRegular(t *testing.T) {
	conn := &fakeConn{}
	ctrl := fakeController(conn)

	if err := ctrl.EnsureChain(rules.ChainDeclaration{Name: "PAMFW", Table: rules.TableFilter}); err != nil {
		t.Fatalf("EnsureChain() error = %v", err)
	}
	if ch := conn.addedChains[0]; ch.Hooknum != nil || ch.Priority != nil {
		t.Errorf("custom chain hooked: %+v", ch)
	}
}

func TestNftablesController_EnsureChainFlushError(t *testing.T) {
	conn := &fakeConn{flushErr: errors.New("operation not permitted")}
	ctrl := fakeController(conn)

	err := ctrl.EnsureChain(rules.ChainDeclaration{Name: "INPUT", Table: rules.TableFilter})
	if err == nil {
		t.Fatal("EnsureChain() error = nil, want error")
	}
	if !strings.HasPrefix(err.Error(), "firewall: nftables: ensure chain INPUT:filter:IPv4") {
		t.Errorf("unexpected error %q", err)
	}
}

func TestNftablesController_ListRules(t *testing.T) {
	managed := testRule("allow tcp app ports", rules.List(443))
	filter := &nftables.Table{Name: "pamfw_filter", Family: nftables.TableFamilyIPv4}
	conn := &fakeConn{
		chains: []*nftables.Chain{{Name: "INPUT", Table: filter}},
		rules: []*nftables.Rule{
			{Handle: 11, UserData: []byte(RuleComment(managed))},
			{Handle: 12, UserData: []byte("added by hand")},
			{Handle: 13},
		},
	}
	ctrl := fakeController(conn)

	got, err := ctrl.ListRules(inputFilter)
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListRules() = %d rules, want 3", len(got))
	}
	if got[0].Identity != managed.Identity() || got[0].Fingerprint != managed.Fingerprint() || got[0].Handle != 11 {
		t.Errorf("managed rule = %+v", got[0])
	}
	if !got[1].Foreign() || !got[2].Foreign() {
		t.Errorf("rules without a pamfw comment not foreign: %+v", got[1:])
	}
}

func TestNftablesController_ListRulesMissingChain(t *testing.T) {
	other := &nftables.Table{Name: "kube-proxy", Family: nftables.TableFamilyIPv4}
	conn := &fakeConn{
		chains: []*nftables.Chain{{Name: "INPUT", Table: other}},
		rules:  []*nftables.Rule{{Handle: 1}},
	}
	ctrl := fakeController(conn)

	got, err := ctrl.ListRules(inputFilter)
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListRules() = %+v, want none for missing chain", got)
	}
}

func TestNftablesController_Apply(t *testing.T) {
	conn := &fakeConn{}
	ctrl := fakeController(conn)
	add := testRule("allow tcp app ports", rules.List(443, 80))

	err := ctrl.Apply(ChainPlan{
		Chain:    inputFilter,
		ToAdd:    []rules.RuleDeclaration{add},
		ToDelete: []ExistingRule{{Handle: 21}, {Handle: 22}},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if len(conn.deletedRules) != 2 || conn.deletedRules[0].Handle != 21 || conn.deletedRules[1].Handle != 22 {
		t.Errorf("deleted rules = %+v, want handles 21 and 22", conn.deletedRules)
	}
	if len(conn.addedRules) != 1 {
		t.Fatalf("added rules = %d, want 1", len(conn.addedRules))
	}
	r := conn.addedRules[0]
	if got := string(r.UserData); got != RuleComment(add) {
		t.Errorf("UserData = %q, want %q", got, RuleComment(add))
	}
	if r.Table.Name != "pamfw_filter" || r.Chain.Name != "INPUT" {
		t.Errorf("rule placed in %s/%s", r.Table.Name, r.Chain.Name)
	}
	if len(conn.addedSets) != 1 || len(conn.setElems[0]) != 2 {
		t.Errorf("port set not added: %+v", conn.addedSets)
	}
	if conn.flushes != 1 {
		t.Errorf("flushes = %d, want one batch", conn.flushes)
	}
}

func TestNftablesController_ApplyInvalidRule(t *testing.T) {
	conn := &fakeConn{}
	ctrl := fakeController(conn)
	bad := testRule("bad source", rules.Single(22))
	bad.Source = "not-an-ip"

	err := ctrl.Apply(ChainPlan{Chain: inputFilter, ToAdd: []rules.RuleDeclaration{bad}})
	if err == nil {
		t.Fatal("Apply() error = nil, want error")
	}
	if conn.flushes != 0 {
		t.Error("batch flushed despite invalid rule")
	}
}

func TestNftablesController_Teardown(t *testing.T) {
	conn := &fakeConn{tables: []*nftables.Table{
		{Name: "pamfw_filter"},
		{Name: "pamfw_raw"},
		{Name: "kube-proxy"},
	}}
	ctrl := fakeController(conn)

	if err := ctrl.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if len(conn.deletedTabs) != 2 {
		t.Fatalf("deleted tables = %d, want 2", len(conn.deletedTabs))
	}
	for _, tab := range conn.deletedTabs {
		if !strings.HasPrefix(tab.Name, "pamfw_") {
			t.Errorf("deleted foreign table %q", tab.Name)
		}
	}
}

func TestNftablesController_TeardownNothingOwned(t *testing.T) {
	conn := &fakeConn{tables: []*nftables.Table{{Name: "kube-proxy"}}}
	ctrl := fakeController(conn)

	if err := ctrl.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if conn.flushes != 0 {
		t.Errorf("flushes = %d, want 0", conn.flushes)
	}
}

func TestBuildRuleExprsSinglePort(t *testing.T) {
	r := testRule("allow tcp port 10250 from 10.0.0.1 for Kubelet", rules.Single(10250))
	r.Source = "10.0.0.1"

	exprs, err := buildRuleExprs(&fakeConn{}, nil, r)
	if err != nil {
		t.Fatalf("buildRuleExprs() error = %v", err)
	}
	// payload+cmp (src), meta+cmp (proto), payload+cmp (dport), counter, verdict
	if len(exprs) != 8 {
		t.Fatalf("expected 8 exprs, got %d", len(exprs))
	}
	cmpPort, ok := exprs[5].(*expr.Cmp)
	if !ok {
		t.Fatalf("exprs[5] = %T, want *expr.Cmp", exprs[5])
	}
	if cmpPort.Data[0] != 0x28 || cmpPort.Data[1] != 0x0a {
		t.Errorf("port data = %v, want [0x28 0x0a]", cmpPort.Data)
	}
	v, ok := exprs[7].(*expr.Verdict)
	if !ok || v.Kind != expr.VerdictAccept {
		t.Errorf("last expr = %#v, want accept verdict", exprs[7])
	}
}

func TestBuildRuleExprsPortRange(t *testing.T) {
	r := testRule("allow udp ports 6783-6784 from 10.0.0.1 for Weave", rules.Range(6783, 6784))
	r.Proto = rules.ProtoUDP

	exprs, err := buildRuleExprs(&fakeConn{}, nil, r)
	if err != nil {
		t.Fatalf("buildRuleExprs() error = %v", err)
	}
	// meta+cmp (proto), payload+gte+lte (dport), counter, verdict
	if len(exprs) != 7 {
		t.Fatalf("expected 7 exprs, got %d", len(exprs))
	}
	gte, ok := exprs[3].(*expr.Cmp)
	if !ok || gte.Op != expr.CmpOpGte {
		t.Errorf("exprs[3] = %#v, want gte cmp", exprs[3])
	}
	lte, ok := exprs[4].(*expr.Cmp)
	if !ok || lte.Op != expr.CmpOpLte {
		t.Errorf("exprs[4] = %#v, want lte cmp", exprs[4])
	}
}

func TestBuildRuleExprsPortList(t *testing.T) {
	conn := &fakeConn{}
	table := &nftables.Table{Name: "pamfw_filter", Family: nftables.TableFamilyIPv4}
	r := testRule("allow tcp app ports", rules.List(80, 443, 8140))

	exprs, err := buildRuleExprs(conn, table, r)
	if err != nil {
		t.Fatalf("buildRuleExprs() error = %v", err)
	}
	if len(conn.addedSets) != 1 {
		t.Fatalf("sets added = %d, want 1", len(conn.addedSets))
	}
	set := conn.addedSets[0]
	if !set.Anonymous || !set.Constant || set.Table != table {
		t.Errorf("set = %+v, want anonymous constant set in filter table", set)
	}
	if len(conn.setElems[0]) != 3 {
		t.Errorf("set elements = %d, want 3", len(conn.setElems[0]))
	}
	lookup, ok := exprs[3].(*expr.Lookup)
	if !ok {
		t.Fatalf("exprs[3] = %T, want *expr.Lookup", exprs[3])
	}
	if lookup.SetName != set.Name || lookup.SetID != set.ID {
		t.Errorf("lookup references %s/%d, want %s/%d", lookup.SetName, lookup.SetID, set.Name, set.ID)
	}
}

func TestBuildRuleExprsSubnetAllProtocols(t *testing.T) {
	r := rules.RuleDeclaration{
		Priority:    110,
		Description: "allow pod network",
		Ensure:      rules.EnsurePresent,
		Source:      "10.48.0.0/24",
		Proto:       rules.ProtoAll,
		Action:      rules.ActionAccept,
		Chain:       "INPUT",
		Table:       rules.TableFilter,
	}

	exprs, err := buildRuleExprs(&fakeConn{}, nil, r)
	if err != nil {
		t.Fatalf("buildRuleExprs() error = %v", err)
	}
	// payload+bitwise+cmp (src), counter, verdict
	if len(exprs) != 5 {
		t.Fatalf("expected 5 exprs, got %d", len(exprs))
	}
	if _, ok := exprs[1].(*expr.Bitwise); !ok {
		t.Errorf("exprs[1] = %T, want *expr.Bitwise", exprs[1])
	}
}

func TestBuildSourceMatchExprs(t *testing.T) {
	tests := []struct {
		source   string
		wantMask []byte
		wantData []byte
	}{
		{"10.0.0.1", nil, []byte{10, 0, 0, 1}},
		{"10.0.0.1/32", nil, []byte{10, 0, 0, 1}},
		{"10.48.0.0/24", []byte{255, 255, 255, 0}, []byte{10, 48, 0, 0}},
		{"10.48.0.5/24", []byte{255, 255, 255, 0}, []byte{10, 48, 0, 0}},
		{"172.16.0.0/12", []byte{255, 240, 0, 0}, []byte{172, 16, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			exprs, err := buildSourceMatchExprs(tt.source)
			if err != nil {
				t.Fatalf("buildSourceMatchExprs() error = %v", err)
			}
			load, ok := exprs[0].(*expr.Payload)
			if !ok || load.Offset != ipv4SourceOffset || load.Len != 4 {
				t.Fatalf("exprs[0] = %#v, want 4-byte load of the source address", exprs[0])
			}
			if tt.wantMask == nil {
				if len(exprs) != 2 {
					t.Fatalf("expected 2 exprs, got %d", len(exprs))
				}
			} else {
				if len(exprs) != 3 {
					t.Fatalf("expected 3 exprs, got %d", len(exprs))
				}
				bw, ok := exprs[1].(*expr.Bitwise)
				if !ok {
					t.Fatalf("exprs[1] = %T, want *expr.Bitwise", exprs[1])
				}
				if diff := cmp.Diff(tt.wantMask, bw.Mask); diff != "" {
					t.Errorf("mask mismatch (-want +got):\n%s", diff)
				}
			}
			c, ok := exprs[len(exprs)-1].(*expr.Cmp)
			if !ok {
				t.Fatalf("last expr = %T, want *expr.Cmp", exprs[len(exprs)-1])
			}
			if diff := cmp.Diff(tt.wantData, c.Data); diff != "" {
				t.Errorf("compared address mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildSourceMatchExprsRejectsNonIPv4(t *testing.T) {
	for _, source := range []string{"bogus", "fd00::1", "fd00::/64", "::ffff:10.0.0.1"} {
		if _, err := buildSourceMatchExprs(source); err == nil {
			t.Errorf("buildSourceMatchExprs(%q) error = nil, want error", source)
		}
	}
}

func TestBuildRuleExprsDrop(t *testing.T) {
	r := testRule("drop ssh", rules.Single(22))
	r.Action = rules.ActionDrop

	exprs, err := buildRuleExprs(&fakeConn{}, nil, r)
	if err != nil {
		t.Fatalf("buildRuleExprs() error = %v", err)
	}
	v, ok := exprs[len(exprs)-1].(*expr.Verdict)
	if !ok || v.Kind != expr.VerdictDrop {
		t.Errorf("last expr = %#v, want drop verdict", exprs[len(exprs)-1])
	}
}

func TestBuildRuleExprsErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *rules.RuleDeclaration)
	}{
		{"invalid source", func(r *rules.RuleDeclaration) { r.Source = "bogus" }},
		{"ipv6 source", func(r *rules.RuleDeclaration) { r.Source = "fd00::1" }},
		{"port without transport", func(r *rules.RuleDeclaration) { r.Proto = rules.ProtoAll }},
		{"unknown protocol", func(r *rules.RuleDeclaration) { r.Proto = rules.Proto("icmp") }},
		{"unknown action", func(r *rules.RuleDeclaration) { r.Action = rules.Action("reject") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRule("allow tcp port 22", rules.Single(22))
			tt.mutate(&r)
			if _, err := buildRuleExprs(&fakeConn{}, nil, r); err == nil {
				t.Error("buildRuleExprs() error = nil, want error")
			}
		})
	}
}

func TestPortBytes(t *testing.T) {
	tests := []struct {
		port uint16
		want [2]byte
	}{
		{80, [2]byte{0x00, 0x50}},
		{6443, [2]byte{0x19, 0x2b}},
		{65535, [2]byte{0xff, 0xff}},
	}
	for _, tt := range tests {
		got := portBytes(tt.port)
		if got[0] != tt.want[0] || got[1] != tt.want[1] {
			t.Errorf("portBytes(%d) = %v, want %v", tt.port, got, tt.want)
		}
	}
}

func TestEnsureChainRequiresPrivileges(t *testing.T) {
	ctrl := NewNftablesController("pamfwtest", testLogger())

	err := ctrl.EnsureChain(rules.ChainDeclaration{Name: "PAMFWTEST", Table: rules.TableFilter})
	if err == nil {
		// Running as root.
		_ = ctrl.Teardown()
		return
	}
	if !strings.HasPrefix(err.Error(), "firewall: nftables: ensure chain") {
		t.Errorf("unexpected error prefix: %q", err)
	}
}
