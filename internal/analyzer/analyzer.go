// Package analyzer asks a language model to review one configuration file
// and returns the bad practices it found as structured suggestions.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rcourtman/badpractice-agent/internal/config"
	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/internal/models"
)

// Request is a single file review.
type Request struct {
	Path     string
	Category models.Category
	Content  []byte
	// Hints is the formatted repository context shared by every request.
	Hints string
}

// Suggestion is one problem reported by the model.
type Suggestion struct {
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
	Severity    string `json:"severity"`
}

// Analyzer reviews files. Implementations must be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) ([]Suggestion, error)
}

// Provider is a chat completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// RetryConfig bounds how hard Client tries before giving up on a file.
type RetryConfig struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration // per attempt
}

// Client is the Analyzer used by the scan orchestrator. It wraps a Provider
// with prompting, response parsing, rate limiting and retries.
type Client struct {
	provider Provider
	retry    RetryConfig
	limiter  *rate.Limiter
	maxChars int
	metrics  *Metrics
}

// NewClient builds a Client around provider. ratePerMinute <= 0 disables
// rate limiting.
func NewClient(provider Provider, retry RetryConfig, ratePerMinute, maxChars int) *Client {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	if retry.MaxBackoff < retry.Backoff {
		retry.MaxBackoff = retry.Backoff
	}
	if retry.Timeout <= 0 {
		retry.Timeout = config.DefaultAnalyzerTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerMinute > 0 {
		burst := ratePerMinute / 6
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), burst)
	}

	return &Client{
		provider: provider,
		retry:    retry,
		limiter:  limiter,
		maxChars: maxChars,
		metrics:  GetMetrics(),
	}
}

// New creates the configured provider and wraps it in a Client.
func New(cfg config.AnalyzerConfig) (*Client, error) {
	var (
		provider Provider
		err      error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "openai", "groq":
		provider, err = NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Temperature, cfg.MaxTokens)
	case "anthropic":
		provider, err = NewAnthropicProvider(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Temperature, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown analyzer provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return NewClient(provider, RetryConfig{
		Attempts:   cfg.Attempts,
		Backoff:    cfg.Backoff,
		MaxBackoff: cfg.MaxBackoff,
		Timeout:    cfg.Timeout,
	}, cfg.RatePerMinute, cfg.MaxContentChars), nil
}

// Analyze reviews req.Content. A response that cannot be parsed, a 4xx other
// than 408/429, or a cancelled ctx ends retrying early.
func (c *Client) Analyze(ctx context.Context, req Request) ([]Suggestion, error) {
	system, user := buildPrompt(req, c.maxChars)
	name := c.provider.Name()

	var lastErr error
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, bperrors.WrapAnalyzerError("analyze", req.Path, err, 0)
		}

		suggestions, err := c.attempt(ctx, name, req.Path, system, user)
		if err == nil {
			if attempt > 1 {
				log.Info().Str("path", req.Path).Int("attempt", attempt).Msg("Analyzer succeeded after retry")
			}
			return suggestions, nil
		}
		lastErr = err

		if ctx.Err() != nil || !bperrors.IsRetryableError(err) {
			return nil, err
		}
		if attempt == c.retry.Attempts {
			break
		}

		delay := c.backoff(attempt)
		log.Warn().
			Err(err).
			Str("path", req.Path).
			Str("provider", name).
			Int("attempt", attempt).
			Int("max_attempts", c.retry.Attempts).
			Dur("retry_in", delay).
			Msg("Analyzer call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("analysis failed after %d attempts: %w", c.retry.Attempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, provider, path, system, user string) ([]Suggestion, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
	defer cancel()

	start := time.Now()
	text, err := c.provider.Complete(attemptCtx, system, user)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			c.metrics.RecordAttempt(provider, "timeout", elapsed)
			return nil, bperrors.WrapAnalyzerTimeout("analyze", path, err)
		}
		c.metrics.RecordAttempt(provider, "error", elapsed)
		var scanErr *bperrors.ScanError
		if errors.As(err, &scanErr) {
			if scanErr.Path == "" {
				scanErr.Path = path
			}
			return nil, scanErr
		}
		return nil, bperrors.WrapAnalyzerError("analyze", path, err, 0)
	}

	suggestions, err := ParseSuggestions(text)
	if err != nil {
		c.metrics.RecordAttempt(provider, "unparseable", elapsed)
		return nil, bperrors.NewScanError(bperrors.ErrorTypeAnalyzer, "parse", path, err).NonRetryable()
	}
	c.metrics.RecordAttempt(provider, "ok", elapsed)
	return suggestions, nil
}

// backoff is exponential from the base delay with up to 50% jitter, capped.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.retry.Backoff
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d <= 0 || d > c.retry.MaxBackoff {
		d = c.retry.MaxBackoff
	}
	if half := int64(d / 2); half > 0 {
		d += time.Duration(rand.Int64N(half))
	}
	if d > c.retry.MaxBackoff {
		d = c.retry.MaxBackoff
	}
	return d
}
