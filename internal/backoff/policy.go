// Package backoff provides exponential backoff helpers shared by the file
// lock, event bus, and provider retry paths.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs caps the exponential base in milliseconds. Jitter is added
	// after the cap.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// JitterMs is the maximum random jitter in milliseconds added on top
	// of the capped base.
	JitterMs float64
}

// Compute calculates the backoff duration for a given attempt number.
// The formula is: min(maxMs, initialMs * factor^(attempt-1)) + jitterMs * random().
// Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	if policy.MaxMs > 0 {
		base = math.Min(policy.MaxMs, base)
	}

	jitter := policy.JitterMs * randomValue

	return time.Duration(math.Round(base+jitter)) * time.Millisecond
}

// LockPolicy returns the schedule for contended file-lock acquisition.
// Base 50ms doubling to a 500ms cap, plus up to 30ms of jitter.
func LockPolicy() Policy {
	return Policy{
		InitialMs: 50,
		MaxMs:     500,
		Factor:    2,
		JitterMs:  30,
	}
}

// ProviderPolicy returns the schedule for transient provider errors.
// A single retry waits roughly 1.2s before the second attempt.
func ProviderPolicy() Policy {
	return Policy{
		InitialMs: 1200,
		MaxMs:     1400,
		Factor:    1,
		JitterMs:  200,
	}
}

// BusPolicy returns the fixed redelivery schedule for critical bus events.
func BusPolicy() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     100,
		Factor:    1,
		JitterMs:  0,
	}
}
