package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/config"
	"github.com/BaSui01/agentroom/directory"
	"github.com/BaSui01/agentroom/evaluation"
	"github.com/BaSui01/agentroom/internal/pool"
	"github.com/BaSui01/agentroom/internal/telemetry"
	"github.com/BaSui01/agentroom/llm"
	"github.com/BaSui01/agentroom/notify"
	"github.com/BaSui01/agentroom/store"
	"github.com/BaSui01/agentroom/types"
)

// Store is the persistence the orchestrator drives tasks through.
type Store interface {
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*types.Task, error)
	UpdateTask(ctx context.Context, task *types.Task, expected types.TaskStatus) error
	ListEvaluations(ctx context.Context, taskID string, round int) ([]*types.Evaluation, error)
	FailOpenSteps(ctx context.Context, reason string, now time.Time) (int64, error)
	FailOpenEvaluations(ctx context.Context, reason string, now time.Time) (int64, error)
	ResetLoads(ctx context.Context) error
}

// AgentSelector reserves one agent for a stage.
type AgentSelector interface {
	Select(ctx context.Context, role types.AgentRole, specialization string) (*directory.Lease, error)
}

// StepLedger records the stages run for a task.
type StepLedger interface {
	Begin(ctx context.Context, taskID string, stepType types.StepType, agentID string, attempt int, input string) (*types.Step, error)
	Complete(ctx context.Context, step *types.Step, output string, usage types.TokenUsage) error
	Fail(ctx context.Context, step *types.Step, cause error) error
	Record(ctx context.Context, taskID string, stepType types.StepType, agentID string, status types.StepStatus, input, output string) (*types.Step, error)
	RecordFailure(ctx context.Context, taskID string, stepType types.StepType, input string, cause error) (*types.Step, error)
	Steps(ctx context.Context, taskID string) ([]*types.Step, error)
}

// Evaluator runs one evaluation round. *evaluation.Aggregator implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, task *types.Task, req evaluation.Request) (*evaluation.Outcome, error)
}

// Runner executes pipeline drives. Jobs with the same key must not overlap.
// *pool.GoroutinePool implements it.
type Runner interface {
	Submit(ctx context.Context, key string, job pool.Job) error
}

// Metrics receives pipeline measurements. *metrics.Collector implements it.
type Metrics interface {
	RecordStage(stage, status string, duration time.Duration)
	RecordTaskTransition(from, to types.TaskStatus)
	RecordEvaluationRound(decision string, approvalRate float64)
}

type nopMetrics struct{}

func (nopMetrics) RecordStage(string, string, time.Duration)               {}
func (nopMetrics) RecordTaskTransition(types.TaskStatus, types.TaskStatus) {}
func (nopMetrics) RecordEvaluationRound(string, float64)                   {}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store     Store
	Agents    AgentSelector
	Generator llm.Generator
	Ledger    StepLedger
	Evaluator Evaluator
	Notifier  notify.Port
	Runner    Runner
	Metrics   Metrics
}

// Failure reasons carried by task.failed events.
const (
	ReasonStageFailed      = "stage_failed"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonDeadline         = "deadline_exceeded"
	ReasonQueueFull        = "queue_full"
)

// Orchestrator owns the task state machine. Every mutation of task state
// goes through its exported operations.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	deps   Deps
	stages map[types.TaskStatus]Stage
	now    func() time.Time
	tracer trace.Tracer
	logger *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Unset counts, thresholds and timeouts fall
// back to defaults; MaxRetries 0 is kept and disables revisions.
func New(cfg config.OrchestratorConfig, deps Deps, logger *zap.Logger, opts ...Option) *Orchestrator {
	def := config.DefaultOrchestratorConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.EvaluatorCount <= 0 {
		cfg.EvaluatorCount = def.EvaluatorCount
	}
	if cfg.EvaluationThreshold <= 0 || cfg.EvaluationThreshold > 1 {
		cfg.EvaluationThreshold = def.EvaluationThreshold
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		tracer: telemetry.Tracer("orchestrator"),
		logger: logger.With(zap.String("component", "orchestrator")),
	}
	o.stages = defaultStages(o)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateTask persists a new task in Pending and starts its pipeline. The
// caller has already checked that creatorID belongs to the room.
func (o *Orchestrator) CreateTask(ctx context.Context, roomID, creatorID string, spec types.TaskSpec) (*types.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	room, err := o.deps.Store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, storeError(err, "load room %s", roomID)
	}

	now := o.now()
	task := &types.Task{
		ID:             uuid.NewString(),
		RoomID:         room.ID,
		CreatorID:      creatorID,
		Title:          spec.Title,
		Requirement:    spec.Requirement,
		Status:         types.StatusPending,
		Type:           spec.Type,
		Priority:       spec.Priority,
		Specialization: spec.Specialization,
		Params:         spec.Params,
		MaxRetries:     o.maxRetries(room, spec),
		Deadline:       spec.Deadline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if task.Priority == "" {
		task.Priority = types.PriorityNormal
	}
	if err := o.deps.Store.CreateTask(ctx, task); err != nil {
		return nil, storeError(err, "create task")
	}

	o.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("room_id", task.RoomID),
		zap.String("creator_id", creatorID),
		zap.Int("max_retries", task.MaxRetries))
	o.systemMessage(ctx, task, types.MessageText, fmt.Sprintf("Task %q created by %s.", task.Title, creatorID), nil)
	o.emit(ctx, types.EventTaskCreated, task, map[string]any{
		"title":     task.Title,
		"creatorId": creatorID,
	})

	if err := o.start(ctx, task); err != nil {
		return task, err
	}
	return task, nil
}

func (o *Orchestrator) maxRetries(room *types.Room, spec types.TaskSpec) int {
	switch {
	case spec.MaxRetries != nil:
		return *spec.MaxRetries
	case room.Settings.MaxRetries != nil && *room.Settings.MaxRetries >= 0:
		return *room.Settings.MaxRetries
	default:
		return o.cfg.MaxRetries
	}
}

// StartExecution moves a Pending task into requirement analysis and
// schedules its pipeline.
func (o *Orchestrator) StartExecution(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := o.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError(err, "load task %s", taskID)
	}
	if err := o.start(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (o *Orchestrator) start(ctx context.Context, task *types.Task) error {
	if task.Status != types.StatusPending {
		return types.Errorf(types.ErrInvalidTransition, "task %s is %s, not pending", task.ID, task.Status)
	}
	if task.DeadlinePassed(o.now()) {
		o.fail(ctx, task, deadlineError(task), ReasonDeadline, nil)
		return nil
	}
	if err := o.transition(ctx, task, types.StatusRequirementAnalysis, nil); err != nil {
		return err
	}
	o.emit(ctx, types.EventTaskStarted, task, nil)
	o.schedule(ctx, task)
	return nil
}

// Feedback is the task creator's answer to a requirement analysis.
type Feedback struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// HandleRequirementFeedback applies the user's verdict on the analysis. An
// approval moves the task on to planning; a rejection re-runs the analysis
// with the comment as extra context.
func (o *Orchestrator) HandleRequirementFeedback(ctx context.Context, taskID, userID string, fb Feedback) (*types.Task, error) {
	task, err := o.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError(err, "load task %s", taskID)
	}
	if task.Status != types.StatusRequirementConfirmation {
		return nil, types.Errorf(types.ErrInvalidTransition,
			"task %s is %s; feedback is only accepted during requirement confirmation", task.ID, task.Status)
	}
	if !fb.Approved && fb.Comment == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "a rejection needs a comment")
	}

	next, verdict := types.StatusPlanning, "approved"
	if !fb.Approved {
		next, verdict = types.StatusRequirementAnalysis, "rejected"
	}
	if err := o.transition(ctx, task, next, nil); err != nil {
		return nil, err
	}

	if _, err := o.deps.Ledger.Record(ctx, task.ID, types.StepUserFeedback, "", types.StepStatusCompleted, fb.Comment, verdict); err != nil {
		o.logger.Error("record feedback step failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	content := fb.Comment
	if content == "" {
		content = "Requirement analysis approved."
	}
	if _, err := o.deps.Notifier.SendUserMessage(ctx, userID, notify.Outgoing{
		RoomID:   task.RoomID,
		TaskID:   task.ID,
		Kind:     types.MessageFeedback,
		Content:  content,
		Metadata: map[string]any{"approved": fb.Approved},
	}); err != nil {
		o.logger.Warn("feedback message not recorded", zap.String("task_id", task.ID), zap.Error(err))
	}
	o.emit(ctx, types.EventRequirementFeedback, task, map[string]any{
		"approved": fb.Approved,
		"userId":   userID,
	})
	o.logger.Info("requirement feedback applied",
		zap.String("task_id", task.ID),
		zap.String("user_id", userID),
		zap.Bool("approved", fb.Approved))

	o.schedule(ctx, task)
	return task, nil
}

// CancelTask marks a non-terminal task cancelled. Cancelling a cancelled
// task is a no-op; in-flight stage results are discarded when they return.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID, userID string) (*types.Task, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		task, err := o.deps.Store.GetTask(ctx, taskID)
		if err != nil {
			return nil, storeError(err, "load task %s", taskID)
		}
		if task.Status == types.StatusCancelled {
			return task, nil
		}
		if task.IsTerminal() {
			return nil, types.Errorf(types.ErrInvalidTransition, "task %s is already %s", task.ID, task.Status)
		}
		err = o.transition(ctx, task, types.StatusCancelled, nil)
		if isConflict(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		o.logger.Info("task cancelled", zap.String("task_id", task.ID), zap.String("user_id", userID))
		o.systemMessage(ctx, task, types.MessageText, fmt.Sprintf("Task cancelled by %s.", userID), nil)
		o.emit(ctx, types.EventTaskCancelled, task, map[string]any{"userId": userID})
		return task, nil
	}
	return nil, types.Errorf(types.ErrInvalidTransition, "task %s keeps changing, retry the cancellation", taskID)
}

// GetTask returns the current task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := o.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError(err, "load task %s", taskID)
	}
	return task, nil
}

// ResumeOptions controls Resume.
type ResumeOptions struct {
	// ResetLoads zeroes every agent load counter first. Only safe when no
	// other instance is running pipelines.
	ResetLoads bool
}

// Resume closes the steps and evaluations a crash left open and re-drives
// every task that sits in an automated status. It returns the number of
// tasks scheduled.
func (o *Orchestrator) Resume(ctx context.Context, opts ResumeOptions) (int, error) {
	now := o.now()
	const reason = "interrupted by restart"
	steps, err := o.deps.Store.FailOpenSteps(ctx, reason, now)
	if err != nil {
		return 0, storeError(err, "close open steps")
	}
	evals, err := o.deps.Store.FailOpenEvaluations(ctx, reason, now)
	if err != nil {
		return 0, storeError(err, "close open evaluations")
	}
	if opts.ResetLoads {
		if err := o.deps.Store.ResetLoads(ctx); err != nil {
			return 0, storeError(err, "reset agent loads")
		}
	}

	statuses := []types.TaskStatus{types.StatusPending}
	for _, s := range types.AllTaskStatuses() {
		if s.IsAutomated() {
			statuses = append(statuses, s)
		}
	}
	tasks, err := o.deps.Store.ListTasks(ctx, store.TaskFilter{Statuses: statuses})
	if err != nil {
		return 0, storeError(err, "list resumable tasks")
	}
	for _, task := range tasks {
		if task.Status == types.StatusPending {
			if err := o.start(ctx, task); err != nil {
				o.logger.Warn("pending task not started", zap.String("task_id", task.ID), zap.Error(err))
			}
			continue
		}
		o.schedule(ctx, task)
	}
	o.logger.Info("pipelines resumed",
		zap.Int("tasks", len(tasks)),
		zap.Int64("failed_steps", steps),
		zap.Int64("failed_evaluations", evals),
		zap.Bool("reset_loads", opts.ResetLoads))
	return len(tasks), nil
}

// storeError turns a persistence error into a service error.
func storeError(err error, format string, args ...any) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return types.NewError(types.ErrNotFound, msg+": not found").WithCause(err)
	case errors.Is(err, store.ErrConflict):
		return types.NewError(types.ErrInvalidTransition, msg).WithCause(err)
	default:
		return types.NewError(types.ErrInternalError, msg).WithCause(err)
	}
}

func deadlineError(task *types.Task) error {
	return types.Errorf(types.ErrDeadlineExceeded, "deadline exceeded at %s", task.Deadline.Format(time.RFC3339))
}
