package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseBytes parses sizes such as "512", "64kb", "1.5m" or "2GB".
// "0" and "unlimited" both yield 0, which stores treat as no cap.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return 0, fmt.Errorf("empty size")
	case "0", "unlimited":
		return 0, nil
	}

	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	case 't':
		mult = 1 << 40
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}
