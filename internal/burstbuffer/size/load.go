package size

import "fmt"

// Load is an accumulated amount of burst buffer. Capacity and node counts are totalled apart:
// they can't be meaningfully added to one another.
type Load struct {
	GB    uint32
	Nodes uint32
}

// Add returns l with s added to the total of its unit. Totals saturate at MaxMagnitude; the
// second return value is false if saturation occurred.
func (l Load) Add(s Size) (Load, bool) {
	total := l.In(s.Unit)
	sum, ok := Add(total, s)
	return l.with(sum), ok
}

// Sub returns l with s taken from the total of its unit. If s exceeds that total the total
// becomes zero and the second return value is false.
func (l Load) Sub(s Size) (Load, bool) {
	total := l.In(s.Unit)
	rest, ok := Sub(total, s)
	return l.with(rest), ok
}

// In returns the total held in unit u.
func (l Load) In(u Unit) Size {
	if u == Nodes {
		return NodeCount(l.Nodes)
	}
	return GB(l.GB)
}

func (l Load) IsZero() bool {
	return l.GB == 0 && l.Nodes == 0
}

func (l Load) with(s Size) Load {
	if s.Unit == Nodes {
		l.Nodes = s.Value
	} else {
		l.GB = s.Value
	}
	return l
}

func (l Load) String() string {
	switch {
	case l.Nodes == 0:
		return GB(l.GB).String()
	case l.GB == 0:
		return NodeCount(l.Nodes).String()
	default:
		return fmt.Sprintf("%s+%s", GB(l.GB), NodeCount(l.Nodes))
	}
}
