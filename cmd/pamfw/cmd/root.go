// Package cmd implements the pamfw CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

// Build info set from main.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersionInfo sets the version info from build-time ldflags.
func SetVersionInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("pamfw version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

var rootCmd = &cobra.Command{
	Use:   "pamfw",
	Short: "pamfw generates the host firewall for cluster nodes",
	Long: "pamfw computes the host firewall rules a cluster node needs: etcd, Weave and\n" +
		"Kubelet access between cluster members, public application ports and the pod\n" +
		"and service networks. Rules can be rendered or reconciled against nftables.",
	// No Run function; prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")

	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("pamfw version {{.Version}}\ncommit: %s\nbuilt: %s\n", buildCommit, buildDate))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads the config file and applies CLI flag overrides. Flags
// only override the file when set on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	applyRuleOverrides(cmd, &cfg.Rules)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
