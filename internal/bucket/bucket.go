// Package bucket implements the continuous-refill token bucket used by the
// rate limiter. Everything here is pure: time is passed in, state is passed
// in and returned, and nothing is stored.
package bucket

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidConfig = errors.New("invalid bucket config")

// Config is the policy for a single bucket.
type Config struct {
	Capacity   float64 // maximum tokens, also the largest burst
	RefillRate float64 // tokens added per second
}

// Validate reports whether the config can be used by TryConsume.
// Capacity must hold at least one whole token so Limit is a positive integer.
func (c Config) Validate() error {
	if math.IsNaN(c.Capacity) || math.IsInf(c.Capacity, 0) || c.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be at least 1, got %v", ErrInvalidConfig, c.Capacity)
	}
	if math.IsNaN(c.RefillRate) || math.IsInf(c.RefillRate, 0) || c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %v", ErrInvalidConfig, c.RefillRate)
	}
	return nil
}

// Limit is the capacity as reported to callers.
func (c Config) Limit() int64 { return int64(math.Floor(c.Capacity)) }

// State is the persisted part of a bucket.
type State struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"lastRefill"` // unix milliseconds
}

// Full returns the state of a bucket that has never been used.
func Full(c Config, nowMs int64) State {
	return State{Tokens: c.Capacity, LastRefill: nowMs}
}

// Result is the outcome of a single consume attempt.
type Result struct {
	Allowed    bool  `json:"allowed"`
	Remaining  int64 `json:"remaining"`
	Limit      int64 `json:"limit"`
	ResetAt    int64 `json:"resetAt"`              // unix seconds when the bucket is full again
	RetryAfter int64 `json:"retryAfter,omitempty"` // seconds, set only when denied

	// Degraded is set when the decision came from a failure policy
	// rather than from bucket state.
	Degraded bool `json:"degraded,omitempty"`
}
