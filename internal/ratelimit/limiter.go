package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/AlexKimmel/tokengate/internal/audit"
	"github.com/AlexKimmel/tokengate/internal/bucket"
)

const (
	StatusAllowed = "allowed"
	StatusBlocked = "blocked"

	DefaultTTL = 5 * time.Minute
)

var clientEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// StorageKey is the shared key format every StateStore backend uses.
// Colons in clientID are escaped so the first separator after the prefix
// always ends the client part.
func StorageKey(clientID, resource string) string {
	return "rate-limit:" + clientEscaper.Replace(clientID) + ":" + resource
}

// StateStore holds bucket state shared by all instances of the service.
type StateStore interface {
	// Get returns ok=false when no state exists, including after TTL expiry.
	Get(ctx context.Context, clientID, resource string) (st bucket.State, ok bool, err error)
	Set(ctx context.Context, clientID, resource string, st bucket.State, ttl time.Duration) error
}

// UpdateFunc computes the next state from the current one.
// It may be called more than once if the store retries.
type UpdateFunc func(cur bucket.State, ok bool) bucket.State

// AtomicStore can run a read-modify-write for one key without interleaving
// with other writers of the same key.
type AtomicStore interface {
	StateStore
	Update(ctx context.Context, clientID, resource string, ttl time.Duration, fn UpdateFunc) error
}

// MetricsSink counts decisions. Errors are logged by the caller and dropped.
type MetricsSink interface {
	IncrementCheck(clientID, status string) error
	ObserveCheck(d time.Duration)
	StoreError(op string)
}

// AuditSink receives one event per decision.
type AuditSink interface {
	Publish(ctx context.Context, e audit.Event) error
}

// NopMetrics discards everything so the hot path never checks for nil.
type NopMetrics struct{}

func (NopMetrics) IncrementCheck(string, string) error { return nil }
func (NopMetrics) ObserveCheck(time.Duration)          {}
func (NopMetrics) StoreError(string)                   {}

type nopAudit struct{}

func (nopAudit) Publish(context.Context, audit.Event) error { return nil }
