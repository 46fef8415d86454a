package domain

import (
	"strings"
	"testing"
	"time"
)

func TestValidateRetention(t *testing.T) {
	t.Parallel()
	minR, maxR := time.Hour, 30*24*time.Hour
	tests := []struct {
		name string
		in   time.Duration
		ok   bool
	}{
		{"zero", 0, false},
		{"negative", -time.Hour, false},
		{"below min", time.Minute, false},
		{"at min", time.Hour, true},
		{"inside", 72 * time.Hour, true},
		{"at max", maxR, true},
		{"above max", maxR + time.Second, false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateRetention(tc.in, minR, maxR)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err != ErrRetentionInvalid {
				t.Fatalf("expected ErrRetentionInvalid, got %v", err)
			}
		})
	}
}

func TestClampRetention(t *testing.T) {
	if got := ClampRetention(time.Second, time.Minute, time.Hour); got != time.Minute {
		t.Fatalf("clamp low = %v", got)
	}
	if got := ClampRetention(2*time.Hour, time.Minute, time.Hour); got != time.Hour {
		t.Fatalf("clamp high = %v", got)
	}
	if got := ClampRetention(5*time.Minute, time.Minute, time.Hour); got != 5*time.Minute {
		t.Fatalf("clamp inside = %v", got)
	}
}

func TestParseRetention(t *testing.T) {
	t.Parallel()
	good := map[string]time.Duration{
		"72h":   72 * time.Hour,
		" 30m ": 30 * time.Minute,
		"1h30m": 90 * time.Minute,
		"45s":   45 * time.Second,
	}
	for in, want := range good {
		got, err := ParseRetention(in)
		if err != nil {
			t.Fatalf("ParseRetention(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseRetention(%q) = %v, want %v", in, got, want)
		}
	}
	bad := map[string]string{
		"":    "empty retention label",
		"   ": "empty retention label",
		"7d":  "unsupported retention unit",
		"2w":  "unsupported retention unit",
		"abc": "time: invalid duration",
	}
	for in, want := range bad {
		_, err := ParseRetention(in)
		if err == nil {
			t.Fatalf("ParseRetention(%q) expected error", in)
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("ParseRetention(%q) error %q, want substring %q", in, err, want)
		}
	}
}
