package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/tokengate/internal/auth"
	"github.com/AlexKimmel/tokengate/internal/config"
	"github.com/AlexKimmel/tokengate/internal/gateway"
	"github.com/AlexKimmel/tokengate/internal/obs"
	"github.com/AlexKimmel/tokengate/internal/proxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rate limiting gateway",
	Long:  `Serve the check API and, when an upstream is configured, proxy admitted requests to it.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	handler, err := newHandler(a)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.Store.Backend).
			Str("failure_policy", cfg.Store.FailurePolicy).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
	return nil
}

// newHandler assembles the ops endpoints, the check API and the proxied
// gateway behind auth and rate limiting.
func newHandler(a *app) (http.Handler, error) {
	cfg := a.cfg
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	mux.Handle("/v1/check", gateway.CheckHandler(a.svc))

	// ops and decision endpoints are never charged against the gateway buckets
	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
		"/v1/check":                      {},
	}

	// reset exists only when an admin key can authenticate for it
	if cfg.Auth.HasAdmin() {
		mux.Handle("/v1/buckets", gateway.ResetHandler(a.store))
		skip["/v1/buckets"] = struct{}{}
	}

	if cfg.Upstream.URL != "" {
		up, err := proxy.Handler(cfg.Upstream.URL, cfg.Upstream.Timeout(), proxy.NewHTTPTransport(), a.log)
		if err != nil {
			return nil, err
		}
		mux.Handle("/", up)
	}

	mws := []gateway.Middleware{
		obs.Logger(a.log),
		a.metrics.Middleware(map[string]struct{}{cfg.Observability.PrometheusPath: {}}),
		gateway.BodyLimit(cfg.Server.MaxBody()),
	}
	if len(cfg.Auth.Keys) > 0 {
		mws = append(mws, auth.NewStatic(cfg.Auth.Header, cfg.Auth.StaticKeys()).Middleware(map[string]struct{}{
			"/health":                        {},
			"/version":                       {},
			cfg.Observability.PrometheusPath: {},
		}))
	}
	mws = append(mws, gateway.RateLimit(a.svc, skip))

	return gateway.Chain(mux, mws...), nil
}
