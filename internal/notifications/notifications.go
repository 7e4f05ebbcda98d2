// Package notifications delivers composed reports.
package notifications

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/badpractice-agent/internal/config"
	"github.com/rcourtman/badpractice-agent/internal/report"
)

// Transport sends one report. Errors are reported to the caller, which logs
// them; ledger state is never rolled back on a failed send.
type Transport interface {
	Name() string
	Send(ctx context.Context, r report.Report) error
}

// New returns the e-mail transport when SMTP is configured and the log-only
// fallback otherwise.
func New(cfg config.EmailConfig) Transport {
	if !cfg.Enabled || cfg.SMTPHost == "" {
		return LogTransport{}
	}
	return NewEmailTransport(cfg)
}

// LogTransport writes the report to the log instead of sending it.
type LogTransport struct{}

func (LogTransport) Name() string { return "log" }

func (LogTransport) Send(ctx context.Context, r report.Report) error {
	log.Info().
		Str("report", r.ID).
		Str("mode", string(r.Mode)).
		Str("subject", r.Subject()).
		Int("items", len(r.Items)).
		Msg("Email not configured; skipping send.")
	log.Debug().Str("report", r.ID).Msg(r.Text())
	return nil
}
