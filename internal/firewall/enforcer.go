package firewall

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// Enforcer combines a rules.Generator with a Controller to reconcile the
// local packet filter with the generated declarations.
type Enforcer struct {
	generator  *rules.Generator
	controller Controller
	cfg        Config
	logger     *slog.Logger
}

// NewEnforcer creates an Enforcer. The controller may be nil if no backend
// is available; Plan and Apply then fail and Teardown is a no-op.
func NewEnforcer(generator *rules.Generator, controller Controller, cfg Config, logger *slog.Logger) *Enforcer {
	cfg.ApplyDefaults()
	return &Enforcer{
		generator:  generator,
		controller: controller,
		cfg:        cfg,
		logger:     logger.With("component", "firewall"),
	}
}

// Plan generates the declarations for rulesCfg and returns the per-chain
// changes without touching the backend.
func (e *Enforcer) Plan(rulesCfg rules.Config) ([]ChainPlan, error) {
	d, err := e.generate(rulesCfg)
	if err != nil {
		return nil, fmt.Errorf("firewall: plan: %w", err)
	}
	plans, err := e.plan(d)
	if err != nil {
		return nil, fmt.Errorf("firewall: plan: %w", err)
	}
	return plans, nil
}

// Apply reconciles the backend with the declarations for rulesCfg. It is a
// no-op when enforcement is disabled.
func (e *Enforcer) Apply(rulesCfg rules.Config) error {
	if !e.cfg.Enabled {
		e.logger.Info("firewall enforcement disabled, skipping apply")
		return nil
	}

	d, err := e.generate(rulesCfg)
	if err != nil {
		return fmt.Errorf("firewall: apply: %w", err)
	}

	for _, c := range chainsToEnsure(d) {
		if err := e.controller.EnsureChain(c); err != nil {
			return fmt.Errorf("firewall: apply: %w", err)
		}
	}

	plans, err := e.plan(d)
	if err != nil {
		return fmt.Errorf("firewall: apply: %w", err)
	}

	var added, deleted, unchanged int
	for _, p := range plans {
		unchanged += len(p.Unchanged)
		if p.IsEmpty() {
			continue
		}
		if err := e.controller.Apply(p); err != nil {
			return fmt.Errorf("firewall: apply: %w", err)
		}
		added += len(p.ToAdd)
		deleted += len(p.ToDelete)
		e.logger.Debug("chain reconciled",
			"chain", p.Chain.String(),
			"added", len(p.ToAdd),
			"deleted", len(p.ToDelete),
		)
	}

	e.logger.Info("applied firewall rules",
		"added", added,
		"deleted", deleted,
		"unchanged", unchanged,
	)
	return nil
}

func (e *Enforcer) generate(rulesCfg rules.Config) (rules.Declarations, error) {
	if e.controller == nil {
		return rules.Declarations{}, errors.New("no firewall backend available")
	}
	return e.generator.Generate(rulesCfg)
}

// plan lists the installed rules of every chain the declarations touch and
// diffs them against d.
func (e *Enforcer) plan(d rules.Declarations) ([]ChainPlan, error) {
	chains := chainsToEnsure(d)
	existing := make(map[rules.ChainRef][]ExistingRule, len(chains))
	for _, c := range chains {
		current, err := e.controller.ListRules(c.Ref())
		if err != nil {
			return nil, err
		}
		if len(current) > 0 {
			existing[c.Ref()] = current
		}
	}
	return ComputePlan(d, existing, e.cfg.PurgeUnmanaged), nil
}

// Teardown removes everything the backend created. It is safe to call when
// the controller is nil.
func (e *Enforcer) Teardown() error {
	if e.controller == nil {
		return nil
	}
	if err := e.controller.Teardown(); err != nil {
		return fmt.Errorf("firewall: teardown: %w", err)
	}
	e.logger.Info("firewall tables removed")
	return nil
}

// chainsToEnsure returns the declared chains followed by any chain that is
// only referenced by a rule, in declaration order.
func chainsToEnsure(d rules.Declarations) []rules.ChainDeclaration {
	seen := make(map[rules.ChainRef]bool, len(d.Chains))
	out := make([]rules.ChainDeclaration, 0, len(d.Chains))
	for _, c := range d.Chains {
		if seen[c.Ref()] {
			continue
		}
		seen[c.Ref()] = true
		out = append(out, c)
	}
	for _, r := range d.Rules {
		ref := r.ChainRef()
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, rules.ChainDeclaration{
			Name:          ref.Name,
			Table:         ref.Table,
			Family:        rules.FamilyIPv4,
			IgnoreForeign: true,
		})
	}
	return out
}
