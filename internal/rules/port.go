package rules

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Valid port bounds.
const (
	MinPort = 1
	MaxPort = 65535
)

// PortKind discriminates the Port variants.
type PortKind int

const (
	// PortNone is the zero Port: no destination port match.
	PortNone PortKind = iota
	// PortSingle matches exactly one port.
	PortSingle
	// PortRange matches an inclusive [low, high] range.
	PortRange
	// PortList matches any of an ordered list of ports.
	PortList
)

func (k PortKind) String() string {
	switch k {
	case PortNone:
		return "none"
	case PortSingle:
		return "single"
	case PortRange:
		return "range"
	case PortList:
		return "list"
	default:
		return fmt.Sprintf("PortKind(%d)", int(k))
	}
}

// Port is a destination port match: Single(p), Range(lo, hi) or List(p...).
// The zero value matches any port.
type Port struct {
	kind  PortKind
	ports []int
}

// Single returns a Port matching p.
func Single(p int) Port {
	return Port{kind: PortSingle, ports: []int{p}}
}

// Range returns a Port matching low through high inclusive.
func Range(low, high int) Port {
	return Port{kind: PortRange, ports: []int{low, high}}
}

// List returns a Port matching any of ps, keeping their order.
func List(ps ...int) Port {
	return Port{kind: PortList, ports: slices.Clone(ps)}
}

// Kind returns the variant.
func (p Port) Kind() PortKind { return p.kind }

// IsZero reports whether p is the no-port value.
func (p Port) IsZero() bool { return p.kind == PortNone }

// Values returns a copy of the ports: one for Single, [low, high] for Range,
// the list for List and nil for the zero Port.
func (p Port) Values() []int {
	return slices.Clone(p.ports)
}

// Equal reports whether p and o are the same variant with the same ports.
func (p Port) Equal(o Port) bool {
	return p.kind == o.kind && slices.Equal(p.ports, o.ports)
}

// String renders the port as "6783", "2379-2380" or "443,80".
func (p Port) String() string {
	switch p.kind {
	case PortSingle:
		return strconv.Itoa(p.ports[0])
	case PortRange:
		return fmt.Sprintf("%d-%d", p.ports[0], p.ports[1])
	case PortList:
		parts := make([]string, len(p.ports))
		for i, v := range p.ports {
			parts[i] = strconv.Itoa(v)
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// portDoc is the explicit encoding of a Port on the wire.
type portDoc struct {
	Kind  string `json:"kind" yaml:"kind"`
	Ports []int  `json:"ports" yaml:"ports,flow"`
}

// MarshalJSON encodes the port as {"kind": ..., "ports": [...]}, or null for
// the zero Port.
func (p Port) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(portDoc{Kind: p.kind.String(), Ports: p.ports})
}

// MarshalYAML encodes the port like MarshalJSON.
func (p Port) MarshalYAML() (interface{}, error) {
	if p.IsZero() {
		return nil, nil
	}
	return portDoc{Kind: p.kind.String(), Ports: p.ports}, nil
}
