package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt no jitter",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2},
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "second attempt doubles",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2},
			attempt:     2,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name:        "clamped to max",
			policy:      Policy{InitialMs: 100, MaxMs: 500, Factor: 2},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name:        "jitter at max random",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0.1},
			attempt:     1,
			randomValue: 1.0,
			// base = 100, jitter = 100 * 0.1 * 1.0 = 10
			expected: 110 * time.Millisecond,
		},
		{
			name:        "attempt 0 treated as 1",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2},
			attempt:     0,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestReconnectSchedule(t *testing.T) {
	// Five consecutive recoverable failures must produce the
	// non-decreasing capped schedule 5s, 10s, 20s, 40s, 60s, 60s.
	policy := Reconnect()
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	var prev time.Duration
	for i, expected := range want {
		got := Compute(policy, i+1)
		if got != expected {
			t.Errorf("attempt %d = %v, want %v", i+1, got, expected)
		}
		if got < prev {
			t.Errorf("attempt %d delay %v decreased from %v", i+1, got, prev)
		}
		prev = got
	}
}

func TestStorePolicyStaysUnderCap(t *testing.T) {
	policy := Store()
	for attempt := 1; attempt <= 20; attempt++ {
		got := ComputeWithRand(policy, attempt, 1.0)
		if got > time.Duration(policy.MaxMs)*time.Millisecond {
			t.Errorf("attempt %d = %v exceeds cap", attempt, got)
		}
	}
}
