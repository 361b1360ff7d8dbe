// Package backoff computes exponential retry delays with jitter for the
// Skill Engine's per-step retry policy (spec §3 Skill "retry policy").
// The Auto-Heal Wrapper does not use it. Adapted
// from the teacher's internal/backoff package, unchanged in algorithm.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes exponential backoff: base delay, ceiling, growth
// factor, and a randomization fraction applied on top of the base.
type Policy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// Compute returns the delay for attempt (1-indexed) using a process-wide
// random source.
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) //nolint:gosec // jitter, not security-sensitive
}

// ComputeWithRand is Compute with an injected random value in [0,1) for
// deterministic tests.
func ComputeWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(p.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// FromSkillPolicy builds a Policy from the skill step's retry fields
// (spec §3 Skill "retry policy": max attempts, initial delay, max delay,
// multiplier). Jitter is fixed at 10%, matching the teacher's
// DefaultPolicy.
func FromSkillPolicy(initialDelay, maxDelay time.Duration, multiplier float64) Policy {
	if multiplier <= 0 {
		multiplier = 2
	}
	return Policy{
		InitialMs: float64(initialDelay.Milliseconds()),
		MaxMs:     float64(maxDelay.Milliseconds()),
		Factor:    multiplier,
		Jitter:    0.1,
	}
}
