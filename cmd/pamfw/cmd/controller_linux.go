//go:build linux

package cmd

import (
	"log/slog"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/firewall"
)

func platformController(tablePrefix string, logger *slog.Logger) (firewall.Controller, error) {
	return firewall.NewNftablesController(tablePrefix, logger), nil
}
