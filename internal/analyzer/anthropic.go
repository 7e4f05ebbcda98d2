package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rcourtman/badpractice-agent/internal/config"
	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/pkg/tlsutil"
)

// AnthropicProvider reviews files with Claude through the official SDK.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewAnthropicProvider creates a provider. An empty baseURL uses the SDK default.
func NewAnthropicProvider(apiKey, model, baseURL string, temperature float64, maxTokens int) (*AnthropicProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("analyzer API key is required (set ANTHROPIC_API_KEY)")
	}
	if model == "" {
		model = config.DefaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(tlsutil.NewHTTPClient(0)),
		// Client.Analyze owns retries.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AnthropicProvider{
		client:      anthropic.NewClient(opts...),
		model:       model,
		temperature: temperature,
		maxTokens:   int64(maxTokens),
	}, nil
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends one message and returns the concatenated text blocks.
func (p *AnthropicProvider) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(p.temperature),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", bperrors.WrapAnalyzerError("messages", "", err, apiErr.StatusCode)
		}
		return "", fmt.Errorf("API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(text.String()), nil
}
