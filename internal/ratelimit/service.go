package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/tokengate/internal/audit"
	"github.com/AlexKimmel/tokengate/internal/bucket"
)

// Service runs one rate limit check end to end: load state, consume,
// persist, then report to metrics and audit. It is safe for concurrent use.
//
// When the store implements AtomicStore the load/consume/persist cycle runs
// as a single atomic update. Otherwise, or with WithRelaxedConsistency, it is
// a plain get then set, and two concurrent checks for the same key can both
// be admitted from the same state.
type Service struct {
	policies *Policies
	store    StateStore
	metrics  MetricsSink
	audit    AuditSink
	log      zerolog.Logger
	now      func() time.Time
	ttl      time.Duration
	timeout  time.Duration
	failure  FailurePolicy
	relaxed  bool
}

type Option func(*Service) error

func WithMetrics(m MetricsSink) Option {
	return func(s *Service) error {
		if m == nil {
			return fmt.Errorf("%w: metrics sink cannot be nil", ErrInvalidPolicy)
		}
		s.metrics = m
		return nil
	}
}

func WithAudit(a AuditSink) Option {
	return func(s *Service) error {
		if a == nil {
			return fmt.Errorf("%w: audit sink cannot be nil", ErrInvalidPolicy)
		}
		s.audit = a
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidPolicy)
		}
		s.now = now
		return nil
	}
}

// WithTTL sets the idle time after which the store forgets a bucket.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: ttl must be positive", ErrInvalidPolicy)
		}
		s.ttl = ttl
		return nil
	}
}

// WithStoreTimeout bounds the store round trip of a single check.
func WithStoreTimeout(t time.Duration) Option {
	return func(s *Service) error {
		if t <= 0 {
			return fmt.Errorf("%w: store timeout must be positive", ErrInvalidPolicy)
		}
		s.timeout = t
		return nil
	}
}

func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *Service) error {
		s.failure = p
		return nil
	}
}

// WithRelaxedConsistency forces get-then-set even on an AtomicStore.
func WithRelaxedConsistency() Option {
	return func(s *Service) error {
		s.relaxed = true
		return nil
	}
}

func New(store StateStore, policies *Policies, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", ErrInvalidPolicy)
	}
	if policies == nil {
		return nil, fmt.Errorf("%w: policies cannot be nil", ErrInvalidPolicy)
	}
	s := &Service{
		policies: policies,
		store:    store,
		metrics:  NopMetrics{},
		audit:    nopAudit{},
		log:      zerolog.Nop(),
		now:      time.Now,
		ttl:      DefaultTTL,
		timeout:  100 * time.Millisecond,
		failure:  FailClosed,
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Check consumes a single token.
func (s *Service) Check(ctx context.Context, clientID, resource string) (bucket.Result, error) {
	return s.CheckN(ctx, clientID, resource, 1)
}

// CheckN consumes cost tokens. Only invalid input and cancellation of ctx
// produce an error; store outages are answered by the failure policy.
func (s *Service) CheckN(ctx context.Context, clientID, resource string, cost float64) (bucket.Result, error) {
	start := time.Now()

	if clientID == "" {
		return bucket.Result{}, fmt.Errorf("%w: client id is required", ErrInvalidRequest)
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost <= 0 {
		return bucket.Result{}, fmt.Errorf("%w: cost must be a positive number, got %v", ErrInvalidRequest, cost)
	}

	// a cost above capacity is never admitted but is still a decision:
	// it is denied, persisted and reported like any other
	cfg := s.policies.For(clientID, resource)

	now := s.now()
	res, err := s.decide(ctx, clientID, resource, cfg, cost, now.UnixMilli())
	if err != nil {
		if ctx.Err() != nil {
			return bucket.Result{}, fmt.Errorf("rate limit check: %w", ctx.Err())
		}
		s.log.Warn().Err(err).
			Str("client_id", clientID).
			Str("resource", resource).
			Str("policy", s.failure.String()).
			Msg("state store failed, applying failure policy")
		res = s.degraded(cfg, now)
	}

	s.report(ctx, clientID, resource, res, now)
	s.metrics.ObserveCheck(time.Since(start))
	return res, nil
}

func (s *Service) decide(ctx context.Context, clientID, resource string, cfg bucket.Config, cost float64, nowMs int64) (bucket.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if as, ok := s.store.(AtomicStore); ok && !s.relaxed {
		var res bucket.Result
		err := as.Update(ctx, clientID, resource, s.ttl, func(cur bucket.State, found bool) bucket.State {
			if !found {
				cur = bucket.Full(cfg, nowMs)
			}
			var next bucket.State
			res, next = bucket.TryConsume(cfg, cur, cost, nowMs)
			return next
		})
		if err != nil {
			s.metrics.StoreError("update")
			return bucket.Result{}, fmt.Errorf("%w: update: %w", ErrStoreUnavailable, err)
		}
		return res, nil
	}

	cur, found, err := s.store.Get(ctx, clientID, resource)
	if err != nil {
		s.metrics.StoreError("get")
		return bucket.Result{}, fmt.Errorf("%w: get: %w", ErrStoreUnavailable, err)
	}
	if !found {
		cur = bucket.Full(cfg, nowMs)
	}

	res, next := bucket.TryConsume(cfg, cur, cost, nowMs)

	// denied checks still move lastRefill forward and must be written
	if err := s.store.Set(ctx, clientID, resource, next, s.ttl); err != nil {
		s.metrics.StoreError("set")
		return bucket.Result{}, fmt.Errorf("%w: set: %w", ErrStoreUnavailable, err)
	}
	return res, nil
}

func (s *Service) degraded(cfg bucket.Config, now time.Time) bucket.Result {
	res := bucket.Result{
		Limit:    cfg.Limit(),
		ResetAt:  now.Unix(),
		Degraded: true,
	}
	if s.failure == FailOpen {
		res.Allowed = true
		return res
	}
	res.RetryAfter = 1
	return res
}

func (s *Service) report(ctx context.Context, clientID, resource string, res bucket.Result, now time.Time) {
	status := StatusBlocked
	if res.Allowed {
		status = StatusAllowed
	}
	if err := s.metrics.IncrementCheck(clientID, status); err != nil {
		s.log.Warn().Err(err).Str("client_id", clientID).Msg("metrics increment failed")
	}

	if err := s.audit.Publish(ctx, audit.NewEvent(clientID, resource, res.Allowed, now)); err != nil {
		s.log.Warn().Err(err).Str("client_id", clientID).Msg("audit publish failed")
	}

	s.log.Debug().
		Str("client_id", clientID).
		Str("resource", resource).
		Bool("allowed", res.Allowed).
		Int64("remaining", res.Remaining).
		Bool("degraded", res.Degraded).
		Msg("rate limit check")
}
