// Package backoff computes exponential reconnection delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the first delay in milliseconds.
	InitialMs float64
	// MaxMs caps the delay in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added to the base.
	Jitter float64
}

// Compute calculates the delay for a given attempt number. The formula is
// base = initialMs * factor^(attempt-1), jitter = base * jitter * random(),
// result = min(maxMs, base + jitter). Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided random value in
// [0.0, 1.0). Tests use it for deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Reconnect returns the policy for automatic reconnection after recoverable
// transport failures: 5s doubling to a 60s cap, no jitter, so consecutive
// failures produce the schedule 5s, 10s, 20s, 40s, 60s, 60s, ...
func Reconnect() Policy {
	return Policy{
		InitialMs: 5000,
		MaxMs:     60000,
		Factor:    2,
	}
}

// Store returns the policy for coordination store connection retries:
// short delays with jitter so a blip does not synchronize the fleet.
func Store() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     5000,
		Factor:    2,
		Jitter:    0.2,
	}
}
