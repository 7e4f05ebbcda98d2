package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rcourtman/badpractice-agent/internal/config"
	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/pkg/tlsutil"
)

const maxErrorBody = 512

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
// The default endpoint is Groq.
type OpenAIProvider struct {
	apiKey      string
	model       string
	endpoint    string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewOpenAIProvider creates a provider. baseURL may be the API root
// (".../v1") or the full chat completions URL.
func NewOpenAIProvider(apiKey, model, baseURL string, temperature float64, maxTokens int) (*OpenAIProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("analyzer API key is required (set GROQ_API_KEY or LLM_API_KEY)")
	}
	if baseURL == "" {
		baseURL = config.DefaultGroqBaseURL
	}
	if model == "" {
		model = config.DefaultGroqModel
	}
	return &OpenAIProvider{
		apiKey:      apiKey,
		model:       model,
		endpoint:    chatEndpoint(baseURL),
		temperature: temperature,
		maxTokens:   maxTokens,
		// Attempts are bounded by the caller's context.
		client: tlsutil.NewHTTPClient(0),
	}, nil
}

func chatEndpoint(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}

type openaiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one chat completion and returns the assistant text.
func (p *OpenAIProvider) Complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(openaiRequest{
		Model: p.model,
		Messages: []openaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp openaiError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return "", bperrors.WrapAnalyzerError("chat", "", fmt.Errorf("API error (%d): %s", resp.StatusCode, msg), resp.StatusCode)
	}

	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", bperrors.NewScanError(bperrors.ErrorTypeAnalyzer, "chat", "", fmt.Errorf("failed to parse response: %w", err)).NonRetryable()
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
