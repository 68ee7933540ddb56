package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"alcyxob/runplan/internal/config"
	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/metrics"

	"go.uber.org/zap"
)

const (
	batchSystemPrompt       = "You are an expert running coach. Always respond with valid JSON."
	interactiveSystemPrompt = "You are an expert running coach with deep knowledge of training methodologies, physiology, and race preparation. You create personalized, progressive training plans that are safe, effective, and tailored to individual runners' needs and goals. Always respond with valid JSON format as requested."
)

// PlanErrorKind classifies a failed plan request.
type PlanErrorKind string

const (
	KindTimeout         PlanErrorKind = "timeout"
	KindUpstreamFailure PlanErrorKind = "upstream_failure"
	KindInvalidJSON     PlanErrorKind = "invalid_json"
)

// PlanError is returned by RequestPlan for every failure.
type PlanError struct {
	Kind    PlanErrorKind
	Message string
	// RawText is the model reply, set for KindInvalidJSON.
	RawText string
	Err     error
}

func (e *PlanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PlanError) Unwrap() error { return e.Err }

// PlanResult is a successfully parsed model reply.
type PlanResult struct {
	Plan    map[string]any
	Content string // Plan re-encoded as JSON text
	RawText string
	Model   string
}

// ChatCompleter is the part of Client the adapter needs.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error)
}

// Adapter turns prompts into structured plans.
type Adapter struct {
	client ChatCompleter
	cfg    config.OpenAIConfig
	logger *zap.Logger
}

func NewAdapter(client ChatCompleter, cfg config.OpenAIConfig, logger *zap.Logger) *Adapter {
	return &Adapter{client: client, cfg: cfg, logger: logger}
}

// Timeout is the configured bound for batch requests.
func (a *Adapter) Timeout() time.Duration { return a.cfg.Timeout }

// RequestPlan calls the batch model with prompt bounded by timeout and
// parses the reply. Every failure is a *PlanError. No retries are made.
func (a *Adapter) RequestPlan(ctx context.Context, prompt string, timeout time.Duration) (*PlanResult, error) {
	return a.request(ctx, a.cfg.Model, batchSystemPrompt, prompt, a.cfg.MaxTokens, timeout)
}

func (a *Adapter) request(ctx context.Context, model, system, prompt string, maxTokens int, timeout time.Duration) (*PlanResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := a.client.ChatCompletion(ctx, ChatCompletionRequest{
		Model: model,
		Messages: []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: a.cfg.Temperature,
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.RecordModelRequest(model, string(KindTimeout), elapsed)
			a.logger.Warn("Model request timed out", zap.String("model", model), zap.Duration("elapsed", elapsed))
			return nil, &PlanError{Kind: KindTimeout, Message: domain.ErrMsgTimeout, Err: err}
		}
		metrics.RecordModelRequest(model, string(KindUpstreamFailure), elapsed)
		a.logger.Warn("Model request failed", zap.String("model", model), zap.Error(err))
		return nil, &PlanError{Kind: KindUpstreamFailure, Message: err.Error(), Err: err}
	}

	if len(resp.Choices) == 0 {
		metrics.RecordModelRequest(model, string(KindUpstreamFailure), elapsed)
		a.logger.Warn("Model reply has no choices", zap.String("model", model))
		return nil, &PlanError{Kind: KindUpstreamFailure, Message: "model returned no choices"}
	}
	raw := resp.Choices[0].Message.Content
	var plan map[string]any
	if err := json.Unmarshal([]byte(Normalize(raw)), &plan); err != nil || plan == nil {
		metrics.RecordModelRequest(model, string(KindInvalidJSON), elapsed)
		a.logger.Warn("Model reply is not valid JSON", zap.String("model", model), zap.Int("raw_length", len(raw)))
		return nil, &PlanError{Kind: KindInvalidJSON, Message: domain.ErrMsgInvalidJSON, RawText: raw, Err: err}
	}

	content, err := json.Marshal(plan)
	if err != nil {
		return nil, &PlanError{Kind: KindInvalidJSON, Message: domain.ErrMsgInvalidJSON, RawText: raw, Err: err}
	}

	metrics.RecordModelRequest(model, "ok", elapsed)
	a.logger.Debug("Model request completed",
		zap.String("model", model),
		zap.Duration("elapsed", elapsed),
		zap.Int("total_tokens", resp.Usage.TotalTokens))

	return &PlanResult{Plan: plan, Content: string(content), RawText: raw, Model: model}, nil
}

// InteractiveResult is the answer of the single-shot endpoint.
type InteractiveResult struct {
	Plan        map[string]any `json:"plan"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// FallbackPlan wraps an unparseable reply in the shape the client renders.
func FallbackPlan(content string) map[string]any {
	return map[string]any{
		"plan_title":       "Personalized Training Plan",
		"introduction":     "Your personalized training plan has been generated.",
		"goals_summary":    "Focus on consistent training and gradual progression.",
		"weekly_breakdown": []any{},
		"plan_content":     content,
	}
}

// GenerateInteractive runs the single-shot path: interactive model, shorter
// timeout, and a fallback plan instead of an InvalidJSON failure. Timeout
// and upstream failures are still returned as *PlanError.
func (a *Adapter) GenerateInteractive(ctx context.Context, prompt string) (*InteractiveResult, error) {
	model := a.cfg.InteractiveModel
	if model == "" {
		model = a.cfg.Model
	}
	res, err := a.request(ctx, model, interactiveSystemPrompt, prompt, a.cfg.InteractiveMaxTokens, a.cfg.InteractiveTimeout)
	if err != nil {
		var pe *PlanError
		if errors.As(err, &pe) && pe.Kind == KindInvalidJSON {
			return &InteractiveResult{Plan: FallbackPlan(Normalize(pe.RawText)), GeneratedAt: time.Now().UTC()}, nil
		}
		return nil, err
	}
	return &InteractiveResult{Plan: res.Plan, GeneratedAt: time.Now().UTC()}, nil
}
