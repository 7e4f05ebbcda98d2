package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/badpractice-agent/internal/analyzer"
	"github.com/rcourtman/badpractice-agent/internal/classifier"
	"github.com/rcourtman/badpractice-agent/internal/config"
	"github.com/rcourtman/badpractice-agent/internal/ledger"
	"github.com/rcourtman/badpractice-agent/internal/logging"
	"github.com/rcourtman/badpractice-agent/internal/notifications"
	"github.com/rcourtman/badpractice-agent/internal/scan"
	"github.com/rcourtman/badpractice-agent/pkg/tlsutil"
)

// loadConfig reads the configuration for --root and initializes logging.
// toFile adds the rolling agent log; one-shot commands log to stderr only.
func loadConfig(toFile bool) (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "bp"})

	cfg, err := config.Load(rootDir)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	lc := logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "bp",
	}
	if toFile {
		lc.FilePath = cfg.Log.File
		lc.MaxSizeMB = cfg.Log.MaxSizeMB
		lc.MaxAgeDays = cfg.Log.MaxAgeDays
		lc.Compress = cfg.Log.Compress
	}
	logging.Init(lc)
	return cfg, nil
}

// agent bundles what a scanning command needs.
type agent struct {
	cfg   *config.Config
	store ledger.Store
	scope *classifier.Scope
	orch  *scan.Orchestrator
}

func newAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	tlsutil.SetDNSCacheTTL(cfg.Analyzer.DNSCacheTTL)

	a, err := analyzer.New(cfg.Analyzer)
	if err != nil {
		return nil, fmt.Errorf("configure analyzer: %w", err)
	}

	store, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	transport := notifications.New(cfg.Email)
	scope := classifier.NewScope(cfg.Scope.ExcludeDirs, cfg.Scope.IgnorePatterns)

	orch, err := scan.New(scan.Options{
		Root:         cfg.Root,
		Workers:      cfg.Scan.Workers,
		MaxFileBytes: cfg.Scope.MaxFileBytes,
		Scope:        scope,
		EpochMode:    cfg.Scan.EpochMode,
		FileCooldown: cfg.Scan.FileCooldown,
	}, a, store, transport)
	if err != nil {
		store.Close()
		return nil, err
	}

	log.Info().
		Str("root", cfg.Root).
		Str("provider", cfg.Analyzer.Provider).
		Str("model", cfg.Analyzer.Model).
		Str("ledger", cfg.Ledger.Backend).
		Str("transport", transport.Name()).
		Msg("Agent configured")
	return &agent{cfg: cfg, store: store, scope: scope, orch: orch}, nil
}

func (a *agent) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close ledger")
	}
}
