package hook

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
)

// PoolEntry is one line of GetSysState output: a pool of burst buffer capacity.
type PoolEntry struct {
	Id string
	// Unit of Granularity and Free; one of B, M, G, T or P.
	Units       string
	Granularity uint64
	Free        uint64
}

// FreeSize returns the free capacity of the pool in GB-granularity units, rounding down.
func (e PoolEntry) FreeSize() size.Size {
	return size.GB(clampUint32(toGB(e.Free, e.Units)))
}

// ParseSysState parses GetSysState output. Each non-empty line not starting with '#' holds
// whitespace separated fields: id, units, granularity and free capacity.
func ParseSysState(output string) ([]PoolEntry, error) {
	var entries []PoolEntry
	scanner := bufio.NewScanner(strings.NewReader(output))
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, &ErrOutputParse{Hook: GetSysState, Line: lineNumber, Message: "expected 4 fields: id units granularity free"}
		}
		units := strings.ToUpper(fields[1][:1])
		if !strings.Contains("BMGTP", units) {
			return nil, &ErrOutputParse{Hook: GetSysState, Line: lineNumber, Message: "unknown units " + fields[1]}
		}
		granularity, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, &ErrOutputParse{Hook: GetSysState, Line: lineNumber, Message: "invalid granularity " + fields[2]}
		}
		free, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return nil, &ErrOutputParse{Hook: GetSysState, Line: lineNumber, Message: "invalid free space " + fields[3]}
		}
		entries = append(entries, PoolEntry{Id: fields[0], Units: units, Granularity: granularity, Free: free})
	}
	if err := scanner.Err(); err != nil {
		return nil, &ErrOutputParse{Hook: GetSysState, Line: lineNumber, Message: err.Error()}
	}
	return entries, nil
}

// TotalFree sums the free capacity of every pool.
func TotalFree(entries []PoolEntry) size.Size {
	total := size.Zero
	for _, e := range entries {
		total, _ = size.Add(total, e.FreeSize())
	}
	return total
}

func toGB(v uint64, units string) uint64 {
	var divisor uint64
	switch units {
	case "B":
		divisor = 1024 * 1024 * 1024
	case "M":
		divisor = 1024
	case "G":
		return v
	case "T":
		return saturatingMul(v, 1024)
	case "P":
		return saturatingMul(v, 1024*1024)
	default:
		return v
	}
	return v / divisor
}

func saturatingMul(v, m uint64) uint64 {
	if v > ^uint64(0)/m {
		return ^uint64(0)
	}
	return v * m
}

func clampUint32(v uint64) uint32 {
	if v > uint64(size.MaxMagnitude) {
		return size.MaxMagnitude
	}
	return uint32(v)
}
