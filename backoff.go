package humanfn

import (
	"math"
	"strings"
	"time"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// ParseBackoffStrategy normalizes a strategy name; unknown or empty values
// fall back to exponential.
func ParseBackoffStrategy(raw string) BackoffStrategy {
	switch BackoffStrategy(strings.ToLower(strings.TrimSpace(raw))) {
	case BackoffLinear:
		return BackoffLinear
	default:
		return BackoffExponential
	}
}

// IsValidBackoffStrategy reports whether raw names a known strategy.
func IsValidBackoffStrategy(raw string) bool {
	switch BackoffStrategy(strings.ToLower(strings.TrimSpace(raw))) {
	case BackoffLinear, BackoffExponential, "":
		return true
	default:
		return false
	}
}

// BackoffDelay computes the delay before the next attempt.
//
//	exponential: base * 2^attempts
//	linear:      base * (attempts+1)
func BackoffDelay(attempts int, strategy BackoffStrategy, base time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 0 {
		return 0
	}
	if ParseBackoffStrategy(string(strategy)) == BackoffLinear {
		return base * time.Duration(attempts+1)
	}
	delay := float64(base) * math.Pow(2, float64(attempts))
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0.
	SleepDuration(attempt int, err error) time.Duration
}

// LinearBackoffStrategy grows the delay by Base per attempt.
type LinearBackoffStrategy struct {
	Base time.Duration
	Max  time.Duration
}

// SleepDuration implements RetryStrategy.
func (l LinearBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	return capDelay(BackoffDelay(attempt, BackoffLinear, l.Base), l.Max)
}

// ExponentialBackoffStrategy doubles the delay per attempt.
//
//	ExponentialBackoffStrategy{Base: time.Minute, Max: time.Hour}
type ExponentialBackoffStrategy struct {
	Base time.Duration
	Max  time.Duration
}

// SleepDuration implements RetryStrategy.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	return capDelay(BackoffDelay(attempt, BackoffExponential, e.Base), e.Max)
}

// StrategyFor returns the RetryStrategy matching a named backoff.
func StrategyFor(strategy BackoffStrategy, base time.Duration) RetryStrategy {
	if ParseBackoffStrategy(string(strategy)) == BackoffLinear {
		return LinearBackoffStrategy{Base: base}
	}
	return ExponentialBackoffStrategy{Base: base}
}

func capDelay(delay, max time.Duration) time.Duration {
	if max > 0 && delay > max {
		return max
	}
	return delay
}
