package firewall

import (
	"cmp"
	"slices"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// ChainPlan describes the changes needed to bring one chain in line with the
// declarations.
type ChainPlan struct {
	Chain     rules.ChainRef
	ToAdd     []rules.RuleDeclaration
	ToDelete  []ExistingRule
	Unchanged []string // identities already installed
}

// IsEmpty reports whether the plan changes nothing.
func (p ChainPlan) IsEmpty() bool {
	return len(p.ToAdd) == 0 && len(p.ToDelete) == 0
}

// ComputePlan compares the declarations against the rules observed in each
// chain and returns one plan per chain, ordered by table then chain name.
// Rules are matched by identity; a matching rule with a different fingerprint
// is replaced. Undeclared rules are only deleted when purge is set and the
// chain is declared; foreign rules survive in chains declared with IgnoreForeign.
func ComputePlan(d rules.Declarations, existing map[rules.ChainRef][]ExistingRule, purge bool) []ChainPlan {
	ignoreForeign := make(map[rules.ChainRef]bool)
	declared := make(map[rules.ChainRef]bool)
	for _, c := range d.Chains {
		declared[c.Ref()] = true
		ignoreForeign[c.Ref()] = c.IgnoreForeign
	}

	desired := make(map[rules.ChainRef][]rules.RuleDeclaration)
	for _, r := range d.Rules {
		desired[r.ChainRef()] = append(desired[r.ChainRef()], r)
	}

	refs := make(map[rules.ChainRef]struct{})
	for ref := range desired {
		refs[ref] = struct{}{}
	}
	for ref := range existing {
		refs[ref] = struct{}{}
	}
	for ref := range declared {
		refs[ref] = struct{}{}
	}

	plans := make([]ChainPlan, 0, len(refs))
	for ref := range refs {
		// Chains only reached through rules are never purged.
		plans = append(plans, planChain(ref, desired[ref], existing[ref], purge && declared[ref], ignoreForeign[ref]))
	}
	slices.SortFunc(plans, func(a, b ChainPlan) int {
		if c := cmp.Compare(a.Chain.Table, b.Chain.Table); c != 0 {
			return c
		}
		return cmp.Compare(a.Chain.Name, b.Chain.Name)
	})
	return plans
}

func planChain(ref rules.ChainRef, desired []rules.RuleDeclaration, existing []ExistingRule, purge, ignoreForeign bool) ChainPlan {
	plan := ChainPlan{Chain: ref}

	installed := make(map[string][]ExistingRule, len(existing))
	for _, er := range existing {
		if er.Foreign() {
			if purge && !ignoreForeign {
				plan.ToDelete = append(plan.ToDelete, er)
			}
			continue
		}
		installed[er.Identity] = append(installed[er.Identity], er)
	}

	wanted := make(map[string]struct{}, len(desired))
	for _, r := range desired {
		id := r.Identity()
		wanted[id] = struct{}{}
		current := installed[id]

		if r.Ensure == rules.EnsureAbsent {
			plan.ToDelete = append(plan.ToDelete, current...)
			continue
		}

		keep := -1
		for i, er := range current {
			if er.Fingerprint == r.Fingerprint() {
				keep = i
				break
			}
		}
		if keep < 0 {
			plan.ToAdd = append(plan.ToAdd, r)
		} else {
			plan.Unchanged = append(plan.Unchanged, id)
		}
		for i, er := range current {
			if i != keep {
				plan.ToDelete = append(plan.ToDelete, er)
			}
		}
	}

	if purge {
		for _, er := range existing {
			if er.Foreign() {
				continue
			}
			if _, ok := wanted[er.Identity]; !ok {
				plan.ToDelete = append(plan.ToDelete, er)
			}
		}
	}
	return plan
}
