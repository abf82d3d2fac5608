package pipeline

import (
	"time"
)

// BackoffPolicy is an explicit retry schedule: exponential delay starting at
// Base, doubling per attempt, capped at Max, bounded to MaxAttempts total
// attempts (including the first).
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Next reports whether another attempt is allowed after the given 1-based
// attempt number, and if so how long to wait before it.
func (p BackoffPolicy) Next(attempt int) (bool, time.Duration) {
	if attempt >= p.MaxAttempts {
		return false, 0
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if delay > p.Max {
		delay = p.Max
	}
	return true, delay
}

// DefaultBackoff matches the transcription API guidance: 1s base, 60s cap,
// 3 attempts.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 60 * time.Second, MaxAttempts: 3}
}
