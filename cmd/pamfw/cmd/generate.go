package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/fsutil"
	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/render"
	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

var (
	generateFormat string
	generateOutput string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print the firewall declarations for this node",
	Long: "Generate the chain and rule declarations from the config file and flag\n" +
		"overrides, and write them as YAML, JSON or an iptables-restore script.",
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&generateFormat, "format", string(render.FormatYAML), "output format (yaml, json, iptables)")
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "", "write to this file instead of stdout")
	addRuleFlags(generateCmd)
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	format, err := render.ParseFormat(generateFormat)
	if err != nil {
		return fmt.Errorf("pamfw generate: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("pamfw generate: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)

	d, err := rules.NewGenerator(logger).Generate(cfg.Rules)
	if err != nil {
		return fmt.Errorf("pamfw generate: %w", err)
	}

	out, err := render.String(d, format)
	if err != nil {
		return fmt.Errorf("pamfw generate: %w", err)
	}

	if generateOutput == "" {
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	}

	dir, name := filepath.Split(generateOutput)
	if dir == "" {
		dir = "."
	}
	if err := fsutil.WriteFileAtomic(dir, name, []byte(out), 0o644); err != nil {
		return fmt.Errorf("pamfw generate: write %s: %w", generateOutput, err)
	}
	logger.Info("declarations written",
		"path", generateOutput,
		"format", string(format),
		"chains", len(d.Chains),
		"rules", len(d.Rules),
	)
	return nil
}
