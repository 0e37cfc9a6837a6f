package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/tokengate/internal/audit"
	"github.com/AlexKimmel/tokengate/internal/config"
	"github.com/AlexKimmel/tokengate/internal/obs"
	"github.com/AlexKimmel/tokengate/internal/ratelimit"
	"github.com/AlexKimmel/tokengate/internal/ratelimit/memory"
	"github.com/AlexKimmel/tokengate/internal/ratelimit/redisstore"
)

type bucketStore interface {
	ratelimit.StateStore
	Delete(ctx context.Context, clientID, resource string) error
	Close() error
}

// app holds everything built from one config file.
type app struct {
	cfg      *config.Root
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  *obs.Metrics
	store    bucketStore
	audit    *audit.Dispatcher
	svc      *ratelimit.Service
}

func build(cfg *config.Root, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = obs.NewMetrics(a.registry)

	var rdb redis.UniversalClient
	switch cfg.Store.Backend {
	case "redis":
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Store.Redis.Addrs,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		var opts []redisstore.Option
		if cfg.Store.MaxRetries > 0 {
			opts = append(opts, redisstore.WithMaxRetries(cfg.Store.MaxRetries))
		}
		a.store = redisstore.New(rdb, opts...)
	default:
		var opts []memory.Option
		if cfg.Store.MaxKeys > 0 {
			opts = append(opts, memory.WithMaxKeys(cfg.Store.MaxKeys))
		}
		a.store = memory.New(append(opts, memory.WithSweepAfter(cfg.Store.TTL()))...)
	}

	var sink audit.Sink
	switch cfg.Audit.Sink {
	case "log":
		sink = audit.NewLogSink(log.With().Str("component", "audit").Logger())
	case "redis":
		sink = audit.NewStreamSink(rdb, cfg.Audit.Stream, cfg.Audit.MaxLen)
	}

	opts := []ratelimit.Option{
		ratelimit.WithMetrics(a.metrics),
		ratelimit.WithLogger(log.With().Str("component", "ratelimit").Logger()),
		ratelimit.WithTTL(cfg.Store.TTL()),
		ratelimit.WithStoreTimeout(cfg.Store.Timeout()),
	}
	if sink != nil {
		drop, _ := audit.ParseDropPolicy(cfg.Audit.DropPolicy)
		a.audit = audit.NewDispatcher(sink,
			audit.WithQueueSize(cfg.Audit.QueueSize),
			audit.WithDropPolicy(drop),
			audit.WithDropHook(func(audit.Event) { a.metrics.AuditDropped.Inc() }),
			audit.WithLogger(log),
		)
		opts = append(opts, ratelimit.WithAudit(a.audit))
	}

	failure, _ := ratelimit.ParseFailurePolicy(cfg.Store.FailurePolicy)
	opts = append(opts, ratelimit.WithFailurePolicy(failure))
	if cfg.Store.Consistency == "relaxed" {
		opts = append(opts, ratelimit.WithRelaxedConsistency())
	}

	policies, err := cfg.Limits.Policies()
	if err == nil {
		a.svc, err = ratelimit.New(a.store, policies, opts...)
	}
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

// Close drains audit before closing the store, which may share its client.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close(ctx))
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
