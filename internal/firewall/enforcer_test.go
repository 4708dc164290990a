package firewall

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockController records method calls and returns configurable errors.
type mockController struct {
	ensureChainCalls []rules.ChainDeclaration
	listRulesCalls   []rules.ChainRef
	applyCalls       []ChainPlan
	teardownCalls    int

	installed map[rules.ChainRef][]ExistingRule

	ensureChainErr error
	listRulesErr   error
	applyErr       error
	teardownErr    error
}

func (m *mockController) EnsureChain(chain rules.ChainDeclaration) error {
	m.ensureChainCalls = append(m.ensureChainCalls, chain)
	return m.ensureChainErr
}

func (m *mockController) ListRules(chain rules.ChainRef) ([]ExistingRule, error) {
	m.listRulesCalls = append(m.listRulesCalls, chain)
	if m.listRulesErr != nil {
		return nil, m.listRulesErr
	}
	return m.installed[chain], nil
}

func (m *mockController) Apply(plan ChainPlan) error {
	m.applyCalls = append(m.applyCalls, plan)
	return m.applyErr
}

func (m *mockController) Teardown() error {
	m.teardownCalls++
	return m.teardownErr
}

func newTestEnforcer(ctrl Controller, cfg Config) *Enforcer {
	return NewEnforcer(rules.NewGenerator(testLogger()), ctrl, cfg, testLogger())
}

func TestEnforcer_ApplyDefaultConfig(t *testing.T) {
	mock := &mockController{}
	enf := newTestEnforcer(mock, DefaultConfig())

	if err := enf.Apply(rules.Config{}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if len(mock.ensureChainCalls) != 9 {
		t.Errorf("EnsureChain called %d times, want 9", len(mock.ensureChainCalls))
	}
	for _, c := range mock.ensureChainCalls {
		if !c.IgnoreForeign {
			t.Errorf("chain %s ensured without IgnoreForeign", c.Identity())
		}
	}
	if len(mock.applyCalls) != 1 {
		t.Fatalf("Apply called %d times, want 1 (INPUT:filter only)", len(mock.applyCalls))
	}
	p := mock.applyCalls[0]
	if p.Chain != inputFilter {
		t.Errorf("applied chain = %s, want INPUT:filter", p.Chain)
	}
	// 4 node rules + app ports
	if len(p.ToAdd) != 5 {
		t.Errorf("ToAdd = %d rules, want 5", len(p.ToAdd))
	}
}

func TestEnforcer_ApplyIsIdempotent(t *testing.T) {
	gen := rules.NewGenerator(testLogger())
	d, err := gen.Generate(rules.Config{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	var current []ExistingRule
	for i, r := range d.Rules {
		current = append(current, installed(uint64(i+1), r))
	}
	mock := &mockController{installed: map[rules.ChainRef][]ExistingRule{inputFilter: current}}
	enf := NewEnforcer(gen, mock, DefaultConfig(), testLogger())

	if err := enf.Apply(rules.Config{}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(mock.applyCalls) != 0 {
		t.Errorf("Apply called %d times on an up-to-date backend, want 0", len(mock.applyCalls))
	}
}

func TestEnforcer_ApplyWithoutCommonChains(t *testing.T) {
	mock := &mockController{}
	enf := newTestEnforcer(mock, DefaultConfig())

	if err := enf.Apply(rules.Config{ManageCommonChains: rules.Bool(false)}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// The rules' own chain is still ensured.
	if len(mock.ensureChainCalls) != 1 {
		t.Fatalf("EnsureChain called %d times, want 1", len(mock.ensureChainCalls))
	}
	if got := mock.ensureChainCalls[0].Identity(); got != "INPUT:filter:IPv4" {
		t.Errorf("ensured chain = %s, want INPUT:filter:IPv4", got)
	}
}

func TestEnforcer_ApplyDisabled(t *testing.T) {
	mock := &mockController{}
	enf := newTestEnforcer(mock, Config{Enabled: false, TablePrefix: "test"})

	if err := enf.Apply(rules.Config{}); err != nil {
		t.Fatalf("Apply() error = %v, want nil", err)
	}
	if len(mock.ensureChainCalls) != 0 {
		t.Errorf("EnsureChain called %d times, want 0", len(mock.ensureChainCalls))
	}
}

func TestEnforcer_ApplyZeroConfigDisabled(t *testing.T) {
	mock := &mockController{}
	enf := newTestEnforcer(mock, Config{})

	if err := enf.Apply(rules.Config{}); err != nil {
		t.Fatalf("Apply() error = %v, want nil", err)
	}
	if len(mock.ensureChainCalls)+len(mock.applyCalls) != 0 {
		t.Error("zero Config enabled enforcement")
	}
}

func TestEnforcer_ApplyNilController(t *testing.T) {
	enf := newTestEnforcer(nil, DefaultConfig())

	if err := enf.Apply(rules.Config{}); err == nil {
		t.Fatal("Apply() error = nil, want error without backend")
	}
}

func TestEnforcer_ApplyInvalidConfigTouchesNothing(t *testing.T) {
	mock := &mockController{}
	enf := newTestEnforcer(mock, DefaultConfig())

	err := enf.Apply(rules.Config{AppPorts: []int{0}})
	if !errors.Is(err, rules.ErrInvalidPort) {
		t.Fatalf("Apply() error = %v, want ErrInvalidPort", err)
	}
	if len(mock.ensureChainCalls)+len(mock.listRulesCalls)+len(mock.applyCalls) != 0 {
		t.Error("backend was called for an invalid configuration")
	}
}

func TestEnforcer_ApplyPropagatesErrors(t *testing.T) {
	tests := []struct {
		name string
		mock *mockController
	}{
		{"ensure chain", &mockController{ensureChainErr: errors.New("permission denied")}},
		{"list rules", &mockController{listRulesErr: errors.New("netlink error")}},
		{"apply", &mockController{applyErr: errors.New("batch rejected")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enf := newTestEnforcer(tt.mock, DefaultConfig())
			if err := enf.Apply(rules.Config{}); err == nil {
				t.Fatal("Apply() error = nil, want error")
			}
		})
	}
}

func TestEnforcer_PlanPurge(t *testing.T) {
	stale := testRule("allow tcp port 10250 from 10.9.9.9 for Kubelet", rules.Single(10250))
	mock := &mockController{installed: map[rules.ChainRef][]ExistingRule{
		inputFilter: {installed(5, stale), {Handle: 6}},
	}}
	enf := newTestEnforcer(mock, Config{Enabled: true, TablePrefix: "pamfw", PurgeUnmanaged: true})

	plans, err := enf.Plan(rules.Config{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	p := planFor(t, plans, inputFilter)
	deleted := handles(p.ToDelete)
	if !deleted[5] {
		t.Error("stale managed rule not deleted with purge")
	}
	if deleted[6] {
		t.Error("foreign rule deleted in ignore_foreign chain")
	}
	if len(mock.applyCalls) != 0 || len(mock.ensureChainCalls) != 0 {
		t.Error("Plan() modified the backend")
	}
}

func TestEnforcer_Teardown(t *testing.T) {
	mock := &mockController{}
	enf := newTestEnforcer(mock, DefaultConfig())

	if err := enf.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if mock.teardownCalls != 1 {
		t.Errorf("Teardown called %d times, want 1", mock.teardownCalls)
	}

	mock.teardownErr = errors.New("busy")
	if err := enf.Teardown(); err == nil {
		t.Error("Teardown() error = nil, want error")
	}
}

func TestEnforcer_TeardownNilController(t *testing.T) {
	enf := newTestEnforcer(nil, DefaultConfig())
	if err := enf.Teardown(); err != nil {
		t.Errorf("Teardown() error = %v, want nil", err)
	}
}
