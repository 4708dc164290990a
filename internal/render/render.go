// Package render encodes generated declarations for firewall backends and
// for human review.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// Format selects an output encoding.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatIPTables Format = "iptables"
)

// Formats lists the supported formats.
var Formats = []Format{FormatYAML, FormatJSON, FormatIPTables}

// ParseFormat maps a format name to a Format. The empty string selects YAML.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatYAML:
		return FormatYAML, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatIPTables:
		return FormatIPTables, nil
	default:
		return "", fmt.Errorf("render: unknown format %q (want yaml, json or iptables)", s)
	}
}

// Write encodes d to w in the given format.
func Write(w io.Writer, d rules.Declarations, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(newDocument(d)); err != nil {
			return fmt.Errorf("render: yaml: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(newDocument(d)); err != nil {
			return fmt.Errorf("render: json: %w", err)
		}
		return nil
	case FormatIPTables:
		out, err := IPTablesRestore(d)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	default:
		return fmt.Errorf("render: unknown format %q", format)
	}
}

// String encodes d in the given format and returns the result.
func String(d rules.Declarations, format Format) (string, error) {
	var sb strings.Builder
	if err := Write(&sb, d, format); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type document struct {
	Chains []chainDoc `json:"chains" yaml:"chains"`
	Rules  []ruleDoc  `json:"rules" yaml:"rules"`
}

type chainDoc struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Table         string `json:"table" yaml:"table"`
	Family        string `json:"family" yaml:"family"`
	IgnoreForeign bool   `json:"ignore_foreign" yaml:"ignore_foreign"`
}

type ruleDoc struct {
	ID          string      `json:"id" yaml:"id"`
	Priority    int         `json:"priority" yaml:"priority"`
	Description string      `json:"description" yaml:"description"`
	Ensure      string      `json:"ensure" yaml:"ensure"`
	Source      string      `json:"source,omitempty" yaml:"source,omitempty"`
	DPort       *rules.Port `json:"dport,omitempty" yaml:"dport,omitempty"`
	Proto       string      `json:"proto" yaml:"proto"`
	Action      string      `json:"action" yaml:"action"`
	Chain       string      `json:"chain" yaml:"chain"`
	Table       string      `json:"table" yaml:"table"`
}

func newDocument(d rules.Declarations) document {
	doc := document{
		Chains: make([]chainDoc, 0, len(d.Chains)),
		Rules:  make([]ruleDoc, 0, len(d.Rules)),
	}
	for _, c := range d.Chains {
		doc.Chains = append(doc.Chains, chainDoc{
			ID:            c.Identity(),
			Name:          c.Name,
			Table:         string(c.Table),
			Family:        string(c.Family),
			IgnoreForeign: c.IgnoreForeign,
		})
	}
	for _, r := range d.Rules {
		rd := ruleDoc{
			ID:          r.Identity(),
			Priority:    r.Priority,
			Description: r.Description,
			Ensure:      string(r.Ensure),
			Source:      r.Source,
			Proto:       string(r.Proto),
			Action:      string(r.Action),
			Chain:       r.Chain,
			Table:       string(r.Table),
		}
		if !r.DPort.IsZero() {
			p := r.DPort
			rd.DPort = &p
		}
		doc.Rules = append(doc.Rules, rd)
	}
	return doc
}
