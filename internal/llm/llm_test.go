package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"alcyxob/runplan/internal/config"
	"alcyxob/runplan/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func completionBody(content string) []byte {
	b, _ := json.Marshal(ChatCompletionResponse{
		ID:      "test-123",
		Model:   "test-model",
		Choices: []Choice{{Message: Message{Role: RoleAssistant, Content: content}, FinishReason: "stop"}},
		Usage:   Usage{TotalTokens: 15},
	})
	return b
}

func testConfig(baseURL string) config.OpenAIConfig {
	return config.OpenAIConfig{
		BaseURL:              baseURL,
		APIKey:               "test-key",
		Model:                "batch-model",
		InteractiveModel:     "interactive-model",
		MaxTokens:            4096,
		InteractiveMaxTokens: 2048,
		Temperature:          0.7,
		Timeout:              5 * time.Second,
		InteractiveTimeout:   5 * time.Second,
		RateLimitPerMinute:   600,
	}
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := testConfig(srv.URL)
	logger := zaptest.NewLogger(t)
	return NewAdapter(NewClient(cfg, logger), cfg, logger)
}

func TestChatCompletion_Success(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write(completionBody("hello"))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL + "/v1/")
	client := NewClient(cfg, zaptest.NewLogger(t))

	resp, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "m", got.Model)
}

func TestChatCompletion_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit","code":"429"}}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zaptest.NewLogger(t))
	_, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{Model: "m"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "slow down", apiErr.Message)
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Here is your plan:\n```json\n{\"a\":1}\n```\nEnjoy!": `{"a":1}`,
		"```json\n{\"a\":1}\n```":                           `{"a":1}`,
		"```\n{\"a\":1}\n```":                               `{"a":1}`,
		"  {\"a\":1}  ":                                     `{"a":1}`,
		"{\n  // weeks follow\n  \"a\": 1\n}":               "{\n  \n  \"a\": 1\n}",
		"{\"a\": /* inline */ 1}":                           `{"a":  1}`,
		"{\"url\": \"http://example.com\"}":                 `{"url": "http://example.com"}`,
		"{\"s\": \"quote \\\" // not a comment\"}":          `{"s": "quote \" // not a comment"}`,
		"no json here":                                      "no json here",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestRequestPlan_ExtractsJSONFromProse(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody("Here is your plan:\n```json\n{\"a\":1}\n```\nEnjoy!"))
	})

	res, err := a.RequestPlan(context.Background(), "prompt", time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, res.Plan)
	assert.Equal(t, `{"a":1}`, res.Content)
	assert.Equal(t, "batch-model", res.Model)
}

func TestRequestPlan_Timeout(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	_, err := a.RequestPlan(context.Background(), "prompt", 50*time.Millisecond)

	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.Equal(t, domain.ErrMsgTimeout, pe.Message)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRequestPlan_InvalidJSONKeepsRawText(t *testing.T) {
	raw := "Sorry, I cannot produce { that"
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody(raw))
	})

	_, err := a.RequestPlan(context.Background(), "prompt", time.Second)

	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindInvalidJSON, pe.Kind)
	assert.Equal(t, domain.ErrMsgInvalidJSON, pe.Message)
	assert.Equal(t, raw, pe.RawText)
}

func TestRequestPlan_UpstreamFailure(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	})

	_, err := a.RequestPlan(context.Background(), "prompt", time.Second)

	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUpstreamFailure, pe.Kind)
	assert.Contains(t, pe.Message, "bad key")
}

func TestGenerateInteractive(t *testing.T) {
	t.Run("parsed", func(t *testing.T) {
		var model string
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			var req ChatCompletionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			model = req.Model
			_, _ = w.Write(completionBody(`{"plan_title":"Ten K"}`))
		})
		res, err := a.GenerateInteractive(context.Background(), "prompt")
		require.NoError(t, err)
		assert.Equal(t, "Ten K", res.Plan["plan_title"])
		assert.Equal(t, "interactive-model", model)
	})

	t.Run("fallback", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(completionBody("Week 1: run a bit"))
		})
		res, err := a.GenerateInteractive(context.Background(), "prompt")
		require.NoError(t, err)
		assert.Equal(t, "Personalized Training Plan", res.Plan["plan_title"])
		assert.Equal(t, "Week 1: run a bit", res.Plan["plan_content"])
		assert.Equal(t, []any{}, res.Plan["weekly_breakdown"])
	})
}

// emptyCompleter answers without any choices.
type emptyCompleter struct{}

func (emptyCompleter) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	return &ChatCompletionResponse{ID: "test-123", Model: req.Model}, nil
}

func TestRequestPlan_NoChoices(t *testing.T) {
	cfg := testConfig("http://unused")
	a := NewAdapter(emptyCompleter{}, cfg, zaptest.NewLogger(t))

	_, err := a.RequestPlan(context.Background(), "prompt", time.Second)

	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUpstreamFailure, pe.Kind)
	assert.Equal(t, "model returned no choices", pe.Message)

	_, err = a.GenerateInteractive(context.Background(), "prompt")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUpstreamFailure, pe.Kind)

	// Over HTTP the client rejects the reply first; the kind is the same.
	a = newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"test-123","model":"test-model","choices":[]}`))
	})
	_, err = a.RequestPlan(context.Background(), "prompt", time.Second)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUpstreamFailure, pe.Kind)
}

func TestRequestPlan_RateLimitWaitPastDeadline(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(completionBody(`{"plan_title":"Ten K"}`))
	}))
	t.Cleanup(srv.Close)
	cfg := testConfig(srv.URL)
	cfg.RateLimitPerMinute = 1
	logger := zaptest.NewLogger(t)
	a := NewAdapter(NewClient(cfg, logger), cfg, logger)

	_, err := a.RequestPlan(context.Background(), "prompt", time.Second)
	require.NoError(t, err)

	// The next token is a minute away, well past the request deadline.
	_, err = a.RequestPlan(context.Background(), "prompt", 100*time.Millisecond)

	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.Equal(t, domain.ErrMsgTimeout, pe.Message)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.EqualValues(t, 1, calls.Load())
}
