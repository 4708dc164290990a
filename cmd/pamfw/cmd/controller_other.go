//go:build !linux

package cmd

import (
	"errors"
	"log/slog"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/firewall"
)

func platformController(string, *slog.Logger) (firewall.Controller, error) {
	return nil, errors.New("nftables is only available on linux")
}
