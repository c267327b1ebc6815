package nagad

import (
	"strings"
	"testing"
	"time"
)

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	got := FormatTimestamp(ts)
	if got != "20240102150405" {
		t.Errorf("FormatTimestamp = %q, want %q", got, "20240102150405")
	}
	if len(got) != 14 {
		t.Errorf("timestamp length = %d, want 14", len(got))
	}
}

func TestRandomChallenge(t *testing.T) {
	for _, n := range []int{1, 8, 40, 100} {
		got := RandomChallenge(n)
		if len(got) != n {
			t.Errorf("RandomChallenge(%d) length = %d", n, len(got))
		}
		for _, r := range got {
			if !strings.ContainsRune(challengeAlphabet, r) {
				t.Errorf("RandomChallenge(%d) contains %q outside alphabet", n, r)
			}
		}
	}

	if got := RandomChallenge(0); got != "" {
		t.Errorf("RandomChallenge(0) = %q, want empty", got)
	}
	if got := RandomChallenge(-5); got != "" {
		t.Errorf("RandomChallenge(-5) = %q, want empty", got)
	}

	// Two successive calls should (overwhelmingly) differ.
	a, b := RandomChallenge(40), RandomChallenge(40)
	if a == b {
		t.Errorf("two challenges identical: %q", a)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		paisa int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{50, "0.50"},
		{100, "1.00"},
		{50000, "500.00"},
		{123456789, "1234567.89"},
		{-2550, "-25.50"},
	}

	for _, tt := range tests {
		if got := FormatAmount(tt.paisa); got != tt.want {
			t.Errorf("FormatAmount(%d) = %q, want %q", tt.paisa, got, tt.want)
		}
	}
}
