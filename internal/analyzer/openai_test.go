package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
)

func TestOpenAIProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var raw map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.Equal(t, "llama-3.1-8b-instant", raw["model"])
		assert.Contains(t, raw, "temperature", "temperature 0 must be sent explicitly")
		assert.Equal(t, float64(0), raw["temperature"])
		if messages, ok := raw["messages"].([]any); assert.True(t, ok) && assert.Len(t, messages, 2) {
			assert.Equal(t, "system", messages[0].(map[string]any)["role"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"llama-3.1-8b-instant","choices":[{"message":{"role":"assistant","content":"  []  "},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("gsk-test", "llama-3.1-8b-instant", server.URL+"/openai/v1/", 0, 512)
	require.NoError(t, err)

	out, err := p.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestOpenAIProviderStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"test"}}`)
			}))
			defer server.Close()

			p, err := NewOpenAIProvider("k", "m", server.URL, 0, 0)
			require.NoError(t, err)

			_, err = p.Complete(context.Background(), "s", "u")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tt.retryable, bperrors.IsRetryableError(err))

			var scanErr *bperrors.ScanError
			require.True(t, errors.As(err, &scanErr))
			assert.Equal(t, tt.status, scanErr.StatusCode)
		})
	}
}

func TestOpenAIProviderMalformedBodyIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("k", "m", server.URL, 0, 0)
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.False(t, bperrors.IsRetryableError(err))
}

func TestChatEndpoint(t *testing.T) {
	assert.Equal(t, "https://api.groq.com/openai/v1/chat/completions", chatEndpoint("https://api.groq.com/openai/v1"))
	assert.Equal(t, "http://x/v1/chat/completions", chatEndpoint("http://x/v1/chat/completions/"))
}

func TestClientEndToEndWithOpenAIServer(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
			return
		}
		content := "```json\n[{\"description\":\"Image tag is latest\",\"suggestion\":\"Pin a digest\",\"severity\":\"high\"}]\n```"
		body, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		})
		_, _ = w.Write(body)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("k", "m", server.URL, 0, 0)
	require.NoError(t, err)
	c := NewClient(p, fastRetry(), 0, 0)

	got, err := c.Analyze(context.Background(), dockerReq)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Image tag is latest", got[0].Description)
	assert.Equal(t, int32(2), calls.Load())
}
