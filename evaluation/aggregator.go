package evaluation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentroom/directory"
	"github.com/BaSui01/agentroom/internal/telemetry"
	"github.com/BaSui01/agentroom/llm"
	"github.com/BaSui01/agentroom/types"
)

// DefaultCallTimeout bounds one evaluator invocation.
const DefaultCallTimeout = 2 * time.Minute

// Store persists evaluation rows.
type Store interface {
	CreateEvaluation(ctx context.Context, eval *types.Evaluation) error
	UpdateEvaluation(ctx context.Context, eval *types.Evaluation) error
}

// Selector reserves evaluator agents.
type Selector interface {
	SelectMany(ctx context.Context, role types.AgentRole, specialization string, n int) ([]*directory.Lease, error)
}

// StepRecorder writes one ledger step per evaluator.
type StepRecorder interface {
	Begin(ctx context.Context, taskID string, stepType types.StepType, agentID string, attempt int, input string) (*types.Step, error)
	Complete(ctx context.Context, step *types.Step, output string, usage types.TokenUsage) error
	Fail(ctx context.Context, step *types.Step, cause error) error
	RecordFailure(ctx context.Context, taskID string, stepType types.StepType, input string, cause error) (*types.Step, error)
}

// Recorder receives per-evaluation outcomes. *metrics.Collector implements it.
type Recorder interface {
	RecordEvaluation(status types.EvaluationStatus, result types.EvaluationResult)
}

// Request describes one evaluation round.
type Request struct {
	Round          int
	EvaluatorCount int
	Threshold      float64
	Specialization string
	Prompt         string
}

// Outcome is the joined result of a round.
type Outcome struct {
	Round        int
	Evaluations  []*types.Evaluation
	Approved     int
	Counted      int
	Failed       int
	ApprovalRate float64
	Threshold    float64
	// Feedback concatenates the completed verdicts for the revision prompt.
	Feedback string
	Usage    types.TokenUsage
}

// Aggregator runs evaluation rounds.
type Aggregator struct {
	generator   llm.Generator
	selector    Selector
	store       Store
	steps       StepRecorder
	recorder    Recorder
	callTimeout time.Duration
	now         func() time.Time
	tracer      trace.Tracer
	logger      *zap.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCallTimeout sets the per-evaluator timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an Aggregator.
func NewAggregator(gen llm.Generator, selector Selector, store Store, steps StepRecorder, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		generator:   gen,
		selector:    selector,
		store:       store,
		steps:       steps,
		callTimeout: DefaultCallTimeout,
		now:         time.Now,
		tracer:      telemetry.Tracer("evaluation"),
		logger:      logger.With(zap.String("component", "evaluation_aggregator")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate reserves up to req.EvaluatorCount evaluators, invokes them in
// parallel and waits for every one to reach a terminal status. It returns an
// error only when no evaluator could be reserved or none completed.
func (a *Aggregator) Evaluate(ctx context.Context, task *types.Task, req Request) (*Outcome, error) {
	ctx, span := a.tracer.Start(ctx, "evaluation.round", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("evaluation.round", req.Round),
	))
	defer span.End()

	count := req.EvaluatorCount
	if count <= 0 {
		count = types.DefaultEvaluatorCount
	}
	leases, err := a.selector.SelectMany(ctx, types.RoleEvaluator, req.Specialization, count)
	if err != nil {
		if _, lerr := a.steps.RecordFailure(context.WithoutCancel(ctx), task.ID, types.StepEvaluation, req.Prompt, err); lerr != nil {
			a.logger.Error("record failed step", zap.String("task_id", task.ID), zap.Error(lerr))
		}
		return nil, err
	}
	defer func() { _ = directory.ReleaseAll(ctx, leases) }()

	evals := make([]*types.Evaluation, len(leases))
	for i, lease := range leases {
		eval := &types.Evaluation{
			ID:          uuid.NewString(),
			TaskID:      task.ID,
			Round:       req.Round,
			EvaluatorID: lease.AgentID(),
			Status:      types.EvaluationInProgress,
			CreatedAt:   a.now(),
		}
		if err := a.store.CreateEvaluation(ctx, eval); err != nil {
			return nil, types.Errorf(types.ErrInternalError, "create evaluation for %s", lease.AgentID()).WithCause(err)
		}
		evals[i] = eval
	}

	a.logger.Info("evaluation round started",
		zap.String("task_id", task.ID),
		zap.String("room_id", task.RoomID),
		zap.Int("round", req.Round),
		zap.Int("evaluators", len(leases)))

	var (
		mu    sync.Mutex
		usage types.TokenUsage
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range leases {
		lease, eval := leases[i], evals[i]
		g.Go(func() error {
			u := a.runOne(gctx, task, lease, eval, req.Prompt)
			mu.Lock()
			usage.Add(u)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rate, approved, counted := ApprovalRate(evals)
	out := &Outcome{
		Round:        req.Round,
		Evaluations:  evals,
		Approved:     approved,
		Counted:      counted,
		Failed:       len(evals) - counted,
		ApprovalRate: rate,
		Threshold:    req.Threshold,
		Feedback:     CombineFeedback(evals),
		Usage:        usage,
	}
	span.SetAttributes(
		attribute.Float64("evaluation.approval_rate", rate),
		attribute.Int("evaluation.counted", counted),
		attribute.Int("evaluation.failed", out.Failed),
	)

	if counted == 0 {
		return out, types.Errorf(types.ErrGenerationFailed, "all %d evaluations failed", len(evals))
	}
	a.logger.Info("evaluation round joined",
		zap.String("task_id", task.ID),
		zap.Int("round", req.Round),
		zap.Int("approved", approved),
		zap.Int("counted", counted),
		zap.Int("failed", out.Failed),
		zap.Float64("approval_rate", rate))
	return out, nil
}

// runOne drives a single evaluator to a terminal status. Persistence errors
// are logged; the in-memory evaluation still reflects the outcome.
func (a *Aggregator) runOne(ctx context.Context, task *types.Task, lease *directory.Lease, eval *types.Evaluation, prompt string) types.TokenUsage {
	agent := lease.Agent
	logger := a.logger.With(zap.String("task_id", task.ID), zap.String("agent_id", agent.ID))

	step, err := a.steps.Begin(ctx, task.ID, types.StepEvaluation, agent.ID, task.RetryCount, prompt)
	if err != nil {
		logger.Error("open evaluation step failed", zap.Error(err))
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	res, genErr := a.generator.Generate(callCtx, agent.GenerationConfig(), prompt)
	cancel()

	// Results are persisted even if the round context ended.
	wctx := context.WithoutCancel(ctx)
	if genErr != nil {
		if callCtx.Err() == context.DeadlineExceeded && !types.IsCode(genErr, types.ErrUpstreamTimeout) {
			genErr = types.Errorf(types.ErrUpstreamTimeout, "evaluator %s timed out after %s", agent.ID, a.callTimeout).WithCause(genErr)
		}
		eval.Fail(genErr, a.now())
		logger.Error("evaluator invocation failed", zap.Error(genErr))
		if step != nil {
			if err := a.steps.Fail(wctx, step, genErr); err != nil {
				logger.Error("close evaluation step failed", zap.Error(err))
			}
		}
		a.persist(wctx, eval, logger)
		return types.TokenUsage{}
	}

	v := ParseVerdict(res.Text)
	if v.Defaulted {
		logger.Warn("evaluator output unparsable, using default verdict",
			zap.Float64("score", v.Score), zap.String("result", string(v.Result)))
	}
	eval.Complete(v.Result, v.Score, v.Feedback, v.Suggestions, a.now())
	eval.ParsedFromDefault = v.Defaulted
	if step != nil {
		if err := a.steps.Complete(wctx, step, res.Text, res.Usage); err != nil {
			logger.Error("close evaluation step failed", zap.Error(err))
		}
	}
	a.persist(wctx, eval, logger)
	return res.Usage
}

func (a *Aggregator) persist(ctx context.Context, eval *types.Evaluation, logger *zap.Logger) {
	if err := a.store.UpdateEvaluation(ctx, eval); err != nil {
		logger.Error("persist evaluation failed", zap.String("evaluation_id", eval.ID), zap.Error(err))
	}
	if a.recorder != nil {
		a.recorder.RecordEvaluation(eval.Status, eval.Result)
	}
}

// CombineFeedback renders completed verdicts, most critical first. It is the
// revision context handed to the next execution attempt.
func CombineFeedback(evals []*types.Evaluation) string {
	var b strings.Builder
	write := func(e *types.Evaluation) {
		score := 0.0
		if e.Score != nil {
			score = *e.Score
		}
		fmt.Fprintf(&b, "- evaluator %s (%s, score %.2f)", e.EvaluatorID, e.Result, score)
		if e.Feedback != "" {
			fmt.Fprintf(&b, ": %s", e.Feedback)
		}
		b.WriteString("\n")
		if e.Suggestions != "" {
			fmt.Fprintf(&b, "  suggestions: %s\n", e.Suggestions)
		}
	}
	for _, e := range evals {
		if e.Status == types.EvaluationCompleted && !e.IsApproved {
			write(e)
		}
	}
	for _, e := range evals {
		if e.Status == types.EvaluationCompleted && e.IsApproved {
			write(e)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
