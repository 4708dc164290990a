package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by ConfigError via errors.Is.
var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidPort    = errors.New("invalid port")
	ErrDuplicateNode  = errors.New("duplicate node")
)

// ErrorKind classifies a ConfigError.
type ErrorKind int

const (
	// InvalidAddress marks a node address or subnet that is not valid IPv4.
	InvalidAddress ErrorKind = iota + 1
	// InvalidPort marks an app port outside [MinPort, MaxPort], a repeated
	// port, or an empty port list.
	InvalidPort
	// DuplicateNode marks an address listed more than once.
	DuplicateNode
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidAddress:
		return "InvalidAddress"
	case InvalidPort:
		return "InvalidPort"
	case DuplicateNode:
		return "DuplicateNode"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ConfigError reports a configuration value rejected before any declaration
// is produced.
type ConfigError struct {
	Kind   ErrorKind
	Field  string // e.g. "cluster_nodes[1]"
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rules: config: %s %q: %s", e.Field, e.Value, e.Reason)
}

// Unwrap returns the sentinel error for the error kind.
func (e *ConfigError) Unwrap() error {
	switch e.Kind {
	case InvalidAddress:
		return ErrInvalidAddress
	case InvalidPort:
		return ErrInvalidPort
	case DuplicateNode:
		return ErrDuplicateNode
	default:
		return nil
	}
}
