package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/badpractice-agent/internal/config"
	"github.com/rcourtman/badpractice-agent/internal/scan"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	metricsWriteTimeout      = 10 * time.Second
	metricsIdleTimeout       = 30 * time.Second
)

type statusFunc func(ctx context.Context) (scan.StatusReport, error)

// newMetricsHandler serves Prometheus metrics on /metrics and the agent's
// scan status as JSON on /healthz.
func newMetricsHandler(status statusFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		st, err := status(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	return mux
}

// startMetricsServer binds cfg.Addr and serves until ctx is done, returning
// the bound address. An empty addr disables it.
func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, status statusFunc) (string, error) {
	if cfg.Addr == "" {
		return "", nil
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("metrics listen on %s: %w", cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           newMetricsHandler(status),
		ReadHeaderTimeout: metricsReadHeaderTimeout,
		WriteTimeout:      metricsWriteTimeout,
		IdleTimeout:       metricsIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultMetricsShutdownTimeout
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Dur("timeout", timeout).Msg("Metrics server did not drain before shutdown timeout")
		}
	}()

	addr := ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("Metrics server stopped unexpectedly")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving /metrics and /healthz")
	return addr, nil
}
