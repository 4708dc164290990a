package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/config"
	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/firewall"
	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

var applyDryRun bool

// newController builds the packet-filter backend for this platform.
// Replaced in tests.
var newController = platformController

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Reconcile the local nftables ruleset",
	Long: "Generate the declarations and reconcile them against the local nftables\n" +
		"ruleset. With --dry-run the changes are printed and nothing is modified.",
	Args: cobra.NoArgs,
	RunE: runApply,
}

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Remove all pamfw nftables tables",
	Args:  cobra.NoArgs,
	RunE:  runTeardown,
}

func init() {
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "print the changes without applying them")
	addRuleFlags(applyCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(teardownCmd)
}

func runApply(cmd *cobra.Command, _ []string) error {
	cfg, logger, enforcer, err := setupEnforcer(cmd)
	if err != nil {
		return fmt.Errorf("pamfw apply: %w", err)
	}

	if applyDryRun {
		plans, err := enforcer.Plan(cfg.Rules)
		if err != nil {
			return fmt.Errorf("pamfw apply: %w", err)
		}
		printPlans(cmd.OutOrStdout(), plans)
		return nil
	}

	if err := enforcer.Apply(cfg.Rules); err != nil {
		return fmt.Errorf("pamfw apply: %w", err)
	}
	logger.Debug("apply finished")
	return nil
}

func runTeardown(cmd *cobra.Command, _ []string) error {
	_, _, enforcer, err := setupEnforcer(cmd)
	if err != nil {
		return fmt.Errorf("pamfw teardown: %w", err)
	}
	if err := enforcer.Teardown(); err != nil {
		return fmt.Errorf("pamfw teardown: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "pamfw tables removed")
	return nil
}

func setupEnforcer(cmd *cobra.Command) (*config.Config, *slog.Logger, *firewall.Enforcer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := setupLogger(cfg.LogLevel)

	ctrl, err := newController(cfg.Firewall.TablePrefix, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	enforcer := firewall.NewEnforcer(rules.NewGenerator(logger), ctrl, cfg.Firewall, logger)
	return cfg, logger, enforcer, nil
}

// printPlans writes a human-readable summary of the pending changes.
func printPlans(w io.Writer, plans []firewall.ChainPlan) {
	changed := false
	for _, p := range plans {
		if p.IsEmpty() {
			continue
		}
		changed = true
		fmt.Fprintf(w, "%s\n", p.Chain)
		for _, er := range p.ToDelete {
			id := er.Identity
			if er.Foreign() {
				id = "(foreign rule)"
			}
			fmt.Fprintf(w, "  - %s [handle %d]\n", id, er.Handle)
		}
		for _, r := range p.ToAdd {
			fmt.Fprintf(w, "  + %s\n", r.Identity())
		}
		if n := len(p.Unchanged); n > 0 {
			fmt.Fprintf(w, "  = %d unchanged\n", n)
		}
	}
	if !changed {
		fmt.Fprintln(w, "no changes")
	}
}
