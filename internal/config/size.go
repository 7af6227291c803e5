package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Size multiplier constants (decimal / SI).
const (
	kilobyte = 1000
	megabyte = 1000 * kilobyte
	gigabyte = 1000 * megabyte
)

// Size multiplier constants (binary / IEC).
const (
	kibibyte = 1024
	mebibyte = 1024 * kibibyte
	gibibyte = 1024 * mebibyte
)

// sizeSuffixes is ordered so longer suffixes match before their tails.
var sizeSuffixes = []struct {
	suffix     string
	multiplier int64
}{
	{"GIB", gibibyte},
	{"MIB", mebibyte},
	{"KIB", kibibyte},
	{"GB", gigabyte},
	{"MB", megabyte},
	{"KB", kilobyte},
	{"B", 1},
}

// ParseSize converts a human-readable size such as "100MB" or "1.5GiB" to
// bytes. An empty string or "0" means no limit. A bare number is raw bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	upper := strings.ToUpper(s)

	for _, sf := range sizeSuffixes {
		if !strings.HasSuffix(upper, sf.suffix) {
			continue
		}

		numStr := strings.TrimSpace(s[:len(s)-len(sf.suffix)])

		n, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}

		if n < 0 {
			return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
		}

		return int64(n * float64(sf.multiplier)), nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	return n, nil
}
