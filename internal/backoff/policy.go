// Package backoff provides exponential backoff utilities for retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the delay.
	Jitter float64
}

// ComputeBackoff returns the delay after the given 0-based attempt:
// initial * factor^attempt, plus jitter, capped at max.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand is ComputeBackoff with a caller-supplied random value in [0, 1).
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(policy.Initial) * math.Pow(policy.Factor, float64(attempt))
	total := base + base*policy.Jitter*randomValue
	if policy.Max > 0 {
		total = math.Min(float64(policy.Max), total)
	}
	return time.Duration(math.Round(total))
}

// ProviderPolicy is the provider retry schedule: 1s, 2s, 4s, ... (2^attempt seconds).
func ProviderPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: time.Second,
		Max:     time.Minute,
		Factor:  2,
	}
}

// DefaultPolicy returns a short jittered policy for internal calls.
// Initial: 100ms, Max: 5s, Factor: 2, Jitter: 10%
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: 100 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}
