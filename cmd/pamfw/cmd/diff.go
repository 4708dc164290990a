package cmd

import (
	"errors"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/config"
	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/render"
	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// errDeclarationsDiffer is returned by diff so the process exits non-zero.
var errDeclarationsDiffer = errors.New("declarations differ")

var diffFormat string

var diffCmd = &cobra.Command{
	Use:   "diff OLD NEW",
	Short: "Compare the declarations of two config files",
	Long: "Render the declarations generated from two config files and print a\n" +
		"unified diff. Exits non-zero when they differ.",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE:         runDiff,
}

func init() {
	diffCmd.Flags().StringVar(&diffFormat, "format", string(render.FormatYAML), "render format to compare (yaml, json, iptables)")
	rootCmd.AddCommand(diffCmd)
}

func runDiff(cmd *cobra.Command, args []string) error {
	format, err := render.ParseFormat(diffFormat)
	if err != nil {
		return fmt.Errorf("pamfw diff: %w", err)
	}

	oldCfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("pamfw diff: %w", err)
	}
	newCfg, err := config.Load(args[1])
	if err != nil {
		return fmt.Errorf("pamfw diff: %w", err)
	}

	level := newCfg.LogLevel
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	gen := rules.NewGenerator(setupLogger(level))

	oldText, err := renderConfig(gen, oldCfg, format)
	if err != nil {
		return fmt.Errorf("pamfw diff: %s: %w", args[0], err)
	}
	newText, err := renderConfig(gen, newCfg, format)
	if err != nil {
		return fmt.Errorf("pamfw diff: %s: %w", args[1], err)
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: args[0],
		ToFile:   args[1],
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Errorf("pamfw diff: %w", err)
	}
	if text == "" {
		return nil
	}

	fmt.Fprint(cmd.OutOrStdout(), text)
	return fmt.Errorf("pamfw diff: %w", errDeclarationsDiffer)
}

func renderConfig(gen *rules.Generator, cfg *config.Config, format render.Format) (string, error) {
	d, err := gen.Generate(cfg.Rules)
	if err != nil {
		return "", err
	}
	return render.String(d, format)
}
