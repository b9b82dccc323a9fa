package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/internal/telemetry"
	"github.com/BaSui01/agentroom/types"
)

// Recorder receives one observation per generation call.
// *metrics.Collector implements it.
type Recorder interface {
	RecordGeneration(model, status string, duration time.Duration, usage types.TokenUsage)
}

type instrumented struct {
	next      Generator
	recorder  Recorder
	estimator types.Tokenizer
	tracer    trace.Tracer
	logger    *zap.Logger
}

// InstrumentOption configures Instrumented.
type InstrumentOption func(*instrumented)

// WithUsageEstimator fills in token usage when the upstream reports none.
func WithUsageEstimator(t types.Tokenizer) InstrumentOption {
	return func(i *instrumented) { i.estimator = t }
}

// Instrumented wraps next with a span, metrics and logging. recorder may be nil.
func Instrumented(next Generator, recorder Recorder, logger *zap.Logger, opts ...InstrumentOption) Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &instrumented{
		next:     next,
		recorder: recorder,
		tracer:   telemetry.Tracer("llm"),
		logger:   logger.With(zap.String("component", "generator")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *instrumented) Generate(ctx context.Context, cfg types.GenerationConfig, prompt string) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("agent.id", cfg.AgentID),
		attribute.String("llm.model", cfg.Model),
	))
	defer span.End()

	start := time.Now()
	res, err := i.next.Generate(ctx, cfg, prompt)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if i.recorder != nil {
			i.recorder.RecordGeneration(cfg.Model, string(errorStatus(err)), elapsed, types.TokenUsage{})
		}
		i.logger.Error("generation failed",
			zap.String("agent_id", cfg.AgentID),
			zap.String("model", cfg.Model),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	if res.Usage.TotalTokens == 0 && i.estimator != nil {
		p, c := i.estimator.CountTokens(prompt), i.estimator.CountTokens(res.Text)
		res.Usage = types.TokenUsage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
	}
	model := res.Model
	if model == "" {
		model = cfg.Model
	}

	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", res.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", res.Usage.CompletionTokens),
	)
	if i.recorder != nil {
		i.recorder.RecordGeneration(model, "success", elapsed, res.Usage)
	}
	i.logger.Debug("generation completed",
		zap.String("agent_id", cfg.AgentID),
		zap.String("model", model),
		zap.Duration("elapsed", elapsed),
		zap.Int("total_tokens", res.Usage.TotalTokens))
	return res, nil
}

func errorStatus(err error) types.ErrorCode {
	if code := types.GetErrorCode(err); code != "" {
		return code
	}
	return types.ErrGenerationFailed
}
