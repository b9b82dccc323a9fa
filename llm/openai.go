package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/config"
	"github.com/BaSui01/agentroom/internal/tlsutil"
	"github.com/BaSui01/agentroom/types"
)

const chatCompletionsPath = "/v1/chat/completions"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		FinishReason string      `json:"finish_reason"`
		Message      chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// OpenAICompat calls an OpenAI compatible chat-completions endpoint.
type OpenAICompat struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
	logger       *zap.Logger
}

// NewOpenAICompat builds a generator from the llm config section.
func NewOpenAICompat(cfg config.LLMConfig, logger *zap.Logger) *OpenAICompat {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAICompat{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client:       tlsutil.SecureHTTPClient(timeout),
		logger:       logger.With(zap.String("component", "openai_compat")),
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func (g *OpenAICompat) WithHTTPClient(c *http.Client) *OpenAICompat {
	g.client = c
	return g
}

// Generate sends the agent system prompt and prompt as one chat turn.
func (g *OpenAICompat) Generate(ctx context.Context, cfg types.GenerationConfig, prompt string) (*Result, error) {
	model := modelOf(cfg, g.defaultModel)
	if model == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "no model configured")
	}

	body := chatRequest{Model: model, MaxTokens: cfg.MaxTokens}
	if cfg.Temperature > 0 {
		temp := cfg.Temperature
		body.Temperature = &temp
	}
	if cfg.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: cfg.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+chatCompletionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		g.logger.Warn("generation rejected by upstream",
			zap.String("agent_id", cfg.AgentID),
			zap.String("model", model),
			zap.Int("status", resp.StatusCode))
		return nil, mapHTTPError(resp.StatusCode, msg)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrGenerationFailed, "decode chat response").WithCause(err).WithRetryable(true)
	}
	if len(out.Choices) == 0 {
		return nil, types.NewError(types.ErrGenerationFailed, "upstream returned no choices")
	}

	result := &Result{Text: out.Choices[0].Message.Content, Model: out.Model}
	if result.Model == "" {
		result.Model = model
	}
	if out.Usage != nil {
		result.Usage = types.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}
	}
	return result, nil
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.ErrUpstreamTimeout, "generation timed out").WithCause(err).WithRetryable(true)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrGenerationFailed, "generation cancelled").WithCause(err)
	}
	return types.NewError(types.ErrGenerationFailed, "generation transport error").WithCause(err).WithRetryable(true)
}

// mapHTTPError maps an upstream status to a structured error.
func mapHTTPError(status int, msg string) *types.Error {
	switch {
	case status == http.StatusUnauthorized:
		return types.NewError(types.ErrGenerationFailed, "upstream unauthorized: "+msg).WithHTTPStatus(http.StatusBadGateway)
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(status).WithRetryable(true)
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return types.NewError(types.ErrUpstreamTimeout, msg).WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrGenerationFailed, msg).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	default:
		return types.NewError(types.ErrGenerationFailed, msg).WithHTTPStatus(http.StatusBadGateway)
	}
}

// readErrorMessage prefers the OpenAI error envelope and falls back to raw text.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		if envelope.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", envelope.Error.Message, envelope.Error.Type)
		}
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(data))
}
