// Package ledger keeps the append-only record of pipeline stages run for a task.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/types"
)

// StepStore is the persistence the ledger writes through.
type StepStore interface {
	AppendStep(ctx context.Context, step *types.Step) error
	UpdateStep(ctx context.Context, step *types.Step) error
	ListSteps(ctx context.Context, taskID string) ([]*types.Step, error)
}

// Ledger appends steps with gap-free ordinals. Appends for one task are
// serialized in process; the store's unique (task_id, ordinal) index covers
// other processes.
type Ledger struct {
	store  StepStore
	now    func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Ledger. now defaults to time.Now.
func New(store StepStore, now func() time.Time, logger *zap.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		now:    now,
		logger: logger.With(zap.String("component", "step_ledger")),
		locks:  make(map[string]*taskLock),
	}
}

func (l *Ledger) lock(taskID string) func() {
	l.mu.Lock()
	tl, ok := l.locks[taskID]
	if !ok {
		tl = &taskLock{}
		l.locks[taskID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, taskID)
		}
		l.mu.Unlock()
	}
}

func (l *Ledger) append(ctx context.Context, step *types.Step) error {
	unlock := l.lock(step.TaskID)
	defer unlock()
	if err := l.store.AppendStep(ctx, step); err != nil {
		return types.Errorf(types.ErrInternalError, "append %s step", step.Type).WithCause(err)
	}
	l.logger.Debug("step appended",
		zap.String("task_id", step.TaskID),
		zap.String("type", string(step.Type)),
		zap.Int("ordinal", step.Ordinal),
		zap.String("status", string(step.Status)))
	return nil
}

// Begin opens an in-progress step run by agentID.
func (l *Ledger) Begin(ctx context.Context, taskID string, stepType types.StepType, agentID string, attempt int, input string) (*types.Step, error) {
	if stepType.RequiresAgent() && agentID == "" {
		return nil, types.Errorf(types.ErrInvalidRequest, "%s step needs an agent", stepType)
	}
	now := l.now()
	step := &types.Step{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Type:      stepType,
		Status:    types.StepStatusInProgress,
		AgentID:   agentID,
		Attempt:   attempt,
		Input:     input,
		StartedAt: &now,
		CreatedAt: now,
	}
	if err := l.append(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// Complete closes step as completed with the agent output and token usage.
func (l *Ledger) Complete(ctx context.Context, step *types.Step, output string, usage types.TokenUsage) error {
	step.Output = output
	step.PromptTokens = usage.PromptTokens
	step.CompletionTokens = usage.CompletionTokens
	return l.finish(ctx, step, types.StepStatusCompleted)
}

// Fail closes step as failed with cause.
func (l *Ledger) Fail(ctx context.Context, step *types.Step, cause error) error {
	if cause != nil {
		step.Error = cause.Error()
	}
	return l.finish(ctx, step, types.StepStatusFailed)
}

func (l *Ledger) finish(ctx context.Context, step *types.Step, status types.StepStatus) error {
	if step.Status.IsTerminal() {
		return types.Errorf(types.ErrInvalidTransition, "step %s is already %s", step.ID, step.Status)
	}
	now := l.now()
	step.Status = status
	step.CompletedAt = &now
	if err := l.store.UpdateStep(ctx, step); err != nil {
		return types.Errorf(types.ErrInternalError, "close step %s", step.ID).WithCause(err)
	}
	return nil
}

// Record appends an already finished step, e.g. user feedback. agentID is
// empty only for user feedback.
func (l *Ledger) Record(ctx context.Context, taskID string, stepType types.StepType, agentID string, status types.StepStatus, input, output string) (*types.Step, error) {
	if stepType.RequiresAgent() && agentID == "" {
		return nil, types.Errorf(types.ErrInvalidRequest, "%s step needs an agent", stepType)
	}
	step := l.closed(taskID, stepType, status, input)
	step.AgentID = agentID
	step.Output = output
	if err := l.append(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// RecordFailure appends a failed step for a stage that never reached an
// agent, e.g. when no agent could be reserved.
func (l *Ledger) RecordFailure(ctx context.Context, taskID string, stepType types.StepType, input string, cause error) (*types.Step, error) {
	step := l.closed(taskID, stepType, types.StepStatusFailed, input)
	if cause != nil {
		step.Error = cause.Error()
	}
	if err := l.append(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

func (l *Ledger) closed(taskID string, stepType types.StepType, status types.StepStatus, input string) *types.Step {
	now := l.now()
	return &types.Step{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Type:        stepType,
		Status:      status,
		Input:       input,
		StartedAt:   &now,
		CompletedAt: &now,
		CreatedAt:   now,
	}
}

// Steps returns the ledger of a task in ordinal order.
func (l *Ledger) Steps(ctx context.Context, taskID string) ([]*types.Step, error) {
	return l.store.ListSteps(ctx, taskID)
}
