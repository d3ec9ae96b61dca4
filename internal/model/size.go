package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidConfig marks a task or worker description that cannot be used,
// such as an unparseable size or a missing command.
var ErrInvalidConfig = errors.New("invalid configuration")

// ParseSize converts a size string such as "512", "64K", "256M", "2G" or
// "2GiB" to bytes. Suffixes are binary multiples and case-insensitive.
func ParseSize(s string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("%w: empty size", ErrInvalidConfig)
	}
	v = strings.TrimSuffix(v, "B")
	v = strings.TrimSuffix(v, "I")

	mult := int64(1)
	switch {
	case strings.HasSuffix(v, "K"):
		mult = 1 << 10
	case strings.HasSuffix(v, "M"):
		mult = 1 << 20
	case strings.HasSuffix(v, "G"):
		mult = 1 << 30
	case strings.HasSuffix(v, "T"):
		mult = 1 << 40
	}
	if mult > 1 {
		v = v[:len(v)-1]
	}

	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%w: size %q", ErrInvalidConfig, s)
	}
	bytes := n * float64(mult)
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: size %q overflows", ErrInvalidConfig, s)
	}
	return int64(bytes), nil
}
