package resourcelimits

import (
	"strconv"
	"strings"
)

// parseCPUMillicores parses a Kubernetes-style CPU quantity string into
// millicores, truncating (not rounding) to an integer. "1" and "1000m" both
// parse to 1000; "0.5" parses to 500. ok is false if raw cannot be parsed
// as a number at all.
func parseCPUMillicores(raw string) (millicores int64, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if strings.HasSuffix(raw, "m") {
		val, err := strconv.ParseFloat(strings.TrimSuffix(raw, "m"), 64)
		if err != nil {
			return 0, false
		}
		return int64(val), true
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return int64(val * 1000), true
}

// parseMemoryBytes parses a Kubernetes-style memory quantity string into
// bytes. Binary suffixes (Ki, Mi, Gi) are powers of 1024; decimal suffixes
// (k, M, G) are powers of 1000; a bare integer is interpreted as bytes.
func parseMemoryBytes(raw string) (bytes int64, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}

	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"Ki", 1024},
		{"Mi", 1024 * 1024},
		{"Gi", 1024 * 1024 * 1024},
		{"k", 1000},
		{"M", 1000 * 1000},
		{"G", 1000 * 1000 * 1000},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(raw, m.suffix) {
			mantissa := strings.TrimSuffix(raw, m.suffix)
			val, err := strconv.ParseInt(mantissa, 10, 64)
			if err != nil {
				return 0, false
			}
			return val * m.factor, true
		}
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return val, true
}
