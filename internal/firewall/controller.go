package firewall

import (
	"regexp"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// ExistingRule is a rule observed in a live chain.
type ExistingRule struct {
	Handle      uint64 // backend rule handle
	Identity    string // "" for rules pamfw did not create
	Fingerprint string
}

// Foreign reports whether the rule carries no pamfw identity.
func (r ExistingRule) Foreign() bool {
	return r.Identity == ""
}

// Controller abstracts the packet-filter backend for testability.
type Controller interface {
	// EnsureChain creates the chain (and its table) if it does not exist.
	EnsureChain(chain rules.ChainDeclaration) error
	// ListRules returns the rules currently installed in the chain.
	// A chain that does not exist has no rules.
	ListRules(chain rules.ChainRef) ([]ExistingRule, error)
	// Apply executes a chain plan as one atomic batch.
	Apply(plan ChainPlan) error
	// Teardown removes everything the controller created.
	// Implementations must be idempotent.
	Teardown() error
}

// commentRe matches a rule comment written by RuleComment.
var commentRe = regexp.MustCompile(`^(\d+ .+) #([0-9a-f]{8})$`)

// RuleComment returns the comment a backend stores with an installed rule:
// "<identity> #<fingerprint>".
func RuleComment(r rules.RuleDeclaration) string {
	return r.Identity() + " #" + r.Fingerprint()
}

// ParseRuleComment splits a stored comment into identity and fingerprint.
// Comments not written by RuleComment yield ok=false.
func ParseRuleComment(comment string) (identity, fingerprint string, ok bool) {
	m := commentRe.FindStringSubmatch(comment)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
