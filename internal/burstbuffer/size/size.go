// Package size implements the burst buffer size representation.
//
// Capacities are tracked in GB-granularity units. A size may instead be expressed as a count of
// burst buffer nodes; on the wire this is encoded by setting NodeFlag in the packed uint32 value.
// Within this module sizes are always carried as a tagged Size value and only packed/unpacked at
// the serialisation boundary.
package size

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeFlag is set on a packed size value when the value is a node count rather than a capacity.
const NodeFlag uint32 = 0x80000000

// MaxMagnitude is the largest magnitude representable without colliding with NodeFlag.
const MaxMagnitude uint32 = NodeFlag - 1

// NoLimitPacked is the packed value reserved to mean "no limit". It is the packing of
// NodeCount(MaxMagnitude - 1), which therefore can't be used as a limit; see AsLimit.
const NoLimitPacked uint32 = 0xfffffffe

// Unit identifies what the magnitude of a Size counts.
type Unit uint8

const (
	// Gigabytes is the default capacity unit.
	Gigabytes Unit = iota
	// Nodes indicates the size is a count of burst buffer nodes.
	Nodes
)

func (u Unit) String() string {
	if u == Nodes {
		return "nodes"
	}
	return "GB"
}

// Size is a magnitude plus the unit it is measured in.
type Size struct {
	Value uint32
	Unit  Unit
}

// Zero is an empty capacity.
var Zero = Size{}

// GB returns a capacity of v GB-granularity units.
func GB(v uint32) Size {
	return Size{Value: clamp(uint64(v)), Unit: Gigabytes}
}

// NodeCount returns a size of v nodes.
func NodeCount(v uint32) Size {
	return Size{Value: clamp(uint64(v)), Unit: Nodes}
}

// Unpack decodes a packed uint32 size as found on the wire.
func Unpack(raw uint32) Size {
	if raw&NodeFlag != 0 {
		return Size{Value: raw &^ NodeFlag, Unit: Nodes}
	}
	return Size{Value: raw, Unit: Gigabytes}
}

// Pack encodes s for the wire, setting NodeFlag for node counts.
func (s Size) Pack() uint32 {
	v := s.Value &^ NodeFlag
	if s.Unit == Nodes {
		v |= NodeFlag
	}
	return v
}

func (s Size) InNodes() bool {
	return s.Unit == Nodes
}

func (s Size) IsZero() bool {
	return s.Value == 0
}

// Cmp compares magnitudes only: -1 if s < other, 0 if equal, +1 if s > other.
func (s Size) Cmp(other Size) int {
	if s.Value < other.Value {
		return -1
	} else if s.Value > other.Value {
		return 1
	}
	return 0
}

// Add returns the sum of the magnitudes of a and b.
// The result is a node count if either operand is one. Sums saturate at MaxMagnitude;
// the second return value is false if saturation occurred.
func Add(a, b Size) (Size, bool) {
	sum := uint64(a.Value) + uint64(b.Value)
	return Size{Value: clamp(sum), Unit: combine(a, b)}, sum <= uint64(MaxMagnitude)
}

// Sub returns the magnitude of a minus the magnitude of b.
// The result is a node count if either operand is one. If b is larger than a the result is
// zero and the second return value is false.
func Sub(a, b Size) (Size, bool) {
	unit := combine(a, b)
	if b.Value > a.Value {
		return Size{Unit: unit}, false
	}
	return Size{Value: a.Value - b.Value, Unit: unit}, true
}

func combine(a, b Size) Unit {
	if a.Unit == Nodes || b.Unit == Nodes {
		return Nodes
	}
	return Gigabytes
}

func clamp(v uint64) uint32 {
	if v > uint64(MaxMagnitude) {
		return MaxMagnitude
	}
	return uint32(v)
}

// Parse translates a size such as "10G", "2048M", "3T", "1P" or "4N" into a Size.
// The suffix is case-insensitive. M values are rounded up to whole GB. Anything after the first
// suffix character is ignored. A missing or non-positive number yields zero.
func Parse(text string) Size {
	digits, rest := splitNumber(strings.TrimLeft(text, " \t\n"))
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return Zero
	}
	v := uint64(n)
	if rest == "" {
		return Size{Value: clamp(v), Unit: Gigabytes}
	}
	switch rest[0] {
	case 'm', 'M':
		v = (v + 1023) / 1024
	case 'g', 'G':
	case 't', 'T':
		v *= 1024
	case 'p', 'P':
		v *= 1024 * 1024
	case 'n', 'N':
		return Size{Value: clamp(v), Unit: Nodes}
	}
	return Size{Value: clamp(v), Unit: Gigabytes}
}

// splitNumber returns the leading signed integer of s and the remainder.
func splitNumber(s string) (string, string) {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start {
		return "", s
	}
	return s[:i], s[i:]
}

// Format renders s using the largest unit that divides it exactly. Intended for diagnostics.
func Format(s Size) string {
	switch {
	case s.Unit == Nodes:
		return fmt.Sprintf("%dN", s.Value)
	case s.Value == 0:
		return "0"
	case s.Value%(1024*1024) == 0:
		return fmt.Sprintf("%dP", s.Value/(1024*1024))
	case s.Value%1024 == 0:
		return fmt.Sprintf("%dT", s.Value/1024)
	default:
		return fmt.Sprintf("%dG", s.Value)
	}
}

func (s Size) String() string {
	return Format(s)
}

// AsLimit returns s adjusted so that its packed form can't be mistaken for NoLimitPacked.
// The only affected value, a limit of MaxMagnitude-1 nodes, is raised to MaxMagnitude nodes.
func AsLimit(s Size) Size {
	if s.Pack() == NoLimitPacked {
		return NodeCount(MaxMagnitude)
	}
	return s
}

// UnmarshalText allows sizes to be decoded directly from configuration.
func (s *Size) UnmarshalText(text []byte) error {
	*s = Parse(string(text))
	return nil
}
