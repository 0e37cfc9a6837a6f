package ratelimit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest is returned before the bucket is touched.
	ErrInvalidRequest = errors.New("invalid rate limit request")

	// ErrStoreUnavailable wraps any StateStore failure, including timeouts.
	ErrStoreUnavailable = errors.New("state store unavailable")

	ErrInvalidPolicy = errors.New("invalid rate limit policy")
)

// FailurePolicy decides the answer when the StateStore cannot be reached.
type FailurePolicy int

const (
	FailClosed FailurePolicy = iota
	FailOpen
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "closed", "fail-closed":
		return FailClosed, nil
	case "open", "fail-open":
		return FailOpen, nil
	}
	return FailClosed, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidPolicy, s)
}

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "open"
	}
	return "closed"
}
