// Package domain retention.go contains functions to validate artifact retention against config values.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ValidateRetention checks that retention is positive and within [min, max].
// Returns ErrRetentionInvalid on any violation.
func ValidateRetention(retention, minRetention, maxRetention time.Duration) error {
	if retention <= 0 {
		return ErrRetentionInvalid
	}
	if retention < minRetention {
		return ErrRetentionInvalid
	}
	if retention > maxRetention {
		return ErrRetentionInvalid
	}
	return nil
}

// ClampRetention returns retention constrained to the inclusive range [min, max].
func ClampRetention(retention, minRetention, maxRetention time.Duration) time.Duration {
	if retention < minRetention {
		return minRetention
	}
	if retention > maxRetention {
		return maxRetention
	}
	return retention
}

// ParseRetention parses a retention label such as "72h" or "30m". Day and week
// units are not accepted; time.ParseDuration would reject them with a less
// helpful message.
func ParseRetention(label string) (time.Duration, error) {
	s := strings.TrimSpace(label)
	if s == "" {
		return 0, fmt.Errorf("empty retention label")
	}
	if strings.ContainsAny(s, "dwyDWYM") {
		return 0, fmt.Errorf("unsupported retention unit in %q", s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}
