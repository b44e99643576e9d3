package connection

import (
	"testing"
	"time"
)

func TestBackoff_Sequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}

	for attempts, w := range want {
		got := Backoff(attempts, time.Second, 30*time.Second)
		if got != w {
			t.Errorf("Backoff(%d) = %v, want %v", attempts, got, w)
		}
	}
}

func TestBackoff_EdgeCases(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		base     time.Duration
		max      time.Duration
		want     time.Duration
	}{
		{"negative attempts", -3, time.Second, 30 * time.Second, time.Second},
		{"zero base", 4, 0, 30 * time.Second, 0},
		{"base above max", 0, time.Minute, 30 * time.Second, 30 * time.Second},
		{"huge attempts no overflow", 200, time.Second, 30 * time.Second, 30 * time.Second},
		{"millisecond base", 3, time.Millisecond, time.Second, 8 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(tt.attempts, tt.base, tt.max); got != tt.want {
				t.Errorf("Backoff(%d, %v, %v) = %v, want %v", tt.attempts, tt.base, tt.max, got, tt.want)
			}
		})
	}
}
