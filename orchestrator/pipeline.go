package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/internal/pool"
	"github.com/BaSui01/agentroom/notify"
	"github.com/BaSui01/agentroom/store"
	"github.com/BaSui01/agentroom/types"
)

const maxCASAttempts = 3

func isConflict(err error) bool {
	return err != nil && errors.Is(err, store.ErrConflict)
}

// transition moves task to `to` with a compare-and-set on its current
// status. mutate applies the field updates that belong to the move. On
// success task holds the persisted state; on failure it is unchanged.
func (o *Orchestrator) transition(ctx context.Context, task *types.Task, to types.TaskStatus, mutate func(*types.Task)) error {
	from := task.Status
	next := *task
	if mutate != nil {
		mutate(&next)
	}
	if err := next.TransitionTo(to, o.now()); err != nil {
		return err
	}
	if err := o.deps.Store.UpdateTask(ctx, &next, from); err != nil {
		if isConflict(err) {
			return types.Errorf(types.ErrInvalidTransition, "task %s changed while moving %s -> %s", task.ID, from, to).WithCause(err)
		}
		return storeError(err, "update task %s", task.ID)
	}
	*task = next

	o.deps.Metrics.RecordTaskTransition(from, to)
	o.logger.Info("task transitioned",
		zap.String("task_id", task.ID),
		zap.String("room_id", task.RoomID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("retry_count", task.RetryCount))
	o.emit(ctx, types.EventStageChanged, task, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

// schedule hands the task's pipeline to the runner. Drives run detached from
// the caller's request.
func (o *Orchestrator) schedule(ctx context.Context, task *types.Task) {
	taskID := task.ID
	err := o.deps.Runner.Submit(context.WithoutCancel(ctx), taskID, func(runCtx context.Context) error {
		return o.drive(runCtx, taskID)
	})
	switch {
	case err == nil:
	case errors.Is(err, pool.ErrPoolFull):
		o.logger.Error("pipeline queue full", zap.String("task_id", taskID))
		o.fail(ctx, task, types.NewError(types.ErrInternalError, "pipeline queue full").WithCause(err), ReasonQueueFull, nil)
	default:
		// Shutting down: Resume picks the task up on the next start.
		o.logger.Warn("pipeline not scheduled", zap.String("task_id", taskID), zap.Error(err))
	}
}

// drive runs automated stages until the task waits for a user or ends.
func (o *Orchestrator) drive(ctx context.Context, taskID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := o.deps.Store.GetTask(ctx, taskID)
		if err != nil {
			return storeError(err, "load task %s", taskID)
		}
		if task.IsTerminal() {
			return nil
		}
		stage, ok := o.stages[task.Status]
		if !ok {
			return nil
		}
		if task.DeadlinePassed(o.now()) {
			o.fail(ctx, task, deadlineError(task), ReasonDeadline, nil)
			return nil
		}
		if err := o.runStage(ctx, stage, task); err != nil {
			return err
		}
	}
}

// runStage executes one stage handler and applies its result. Only
// shutdown errors are returned; everything else ends in a transition or in
// the failure handler.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, task *types.Task) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.stage", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.status", string(task.Status)),
		attribute.String("stage", stage.Name()),
		attribute.Int("task.retry_count", task.RetryCount),
	))
	defer span.End()

	start := time.Now()
	room, err := o.deps.Store.GetRoom(ctx, task.RoomID)
	if err != nil {
		cause := storeError(err, "load room %s", task.RoomID)
		o.recordFailedStep(ctx, task, types.StepType(stage.Name()), "", cause)
		o.deps.Metrics.RecordStage(stage.Name(), "failure", time.Since(start))
		o.fail(ctx, task, cause, ReasonStageFailed, nil)
		return nil
	}

	res, err := stage.Run(ctx, &StageContext{Task: task, Room: room})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			o.deps.Metrics.RecordStage(stage.Name(), "interrupted", time.Since(start))
			return ctx.Err()
		}
		o.deps.Metrics.RecordStage(stage.Name(), "failure", time.Since(start))
		o.logger.Error("stage failed",
			zap.String("task_id", task.ID),
			zap.String("room_id", task.RoomID),
			zap.String("stage", stage.Name()),
			zap.Error(err))
		o.fail(ctx, task, err, ReasonStageFailed, nil)
		return nil
	}

	if res.Next == types.StatusFailed {
		o.deps.Metrics.RecordStage(stage.Name(), "failure", time.Since(start))
		o.failWith(ctx, task, res.Err, res.Reason, res.Apply, res.After)
		return nil
	}

	if err := o.transition(ctx, task, res.Next, res.Apply); err != nil {
		if isConflict(err) {
			o.deps.Metrics.RecordStage(stage.Name(), "discarded", time.Since(start))
			o.logger.Info("stage result discarded, task changed meanwhile",
				zap.String("task_id", task.ID),
				zap.String("stage", stage.Name()))
			return nil
		}
		o.deps.Metrics.RecordStage(stage.Name(), "failure", time.Since(start))
		o.fail(ctx, task, err, ReasonStageFailed, nil)
		return nil
	}
	o.deps.Metrics.RecordStage(stage.Name(), "success", time.Since(start))
	span.SetAttributes(attribute.String("task.next_status", string(res.Next)))
	if res.After != nil {
		res.After(ctx, task)
	}
	return nil
}

// fail is the shared failure handler. It is a no-op for terminal tasks and
// re-reads the task when it lost a race.
func (o *Orchestrator) fail(ctx context.Context, task *types.Task, cause error, reason string, mutate func(*types.Task)) {
	o.failWith(ctx, task, cause, reason, mutate, nil)
}

// failWith is fail with a hook that runs once the failed status is
// persisted, before the failure is announced.
func (o *Orchestrator) failWith(ctx context.Context, task *types.Task, cause error, reason string, mutate func(*types.Task), persisted func(context.Context, *types.Task)) {
	ctx = context.WithoutCancel(ctx)
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	for attempt := 0; ; attempt++ {
		if task.IsTerminal() {
			return
		}
		err := o.transition(ctx, task, types.StatusFailed, func(t *types.Task) {
			if mutate != nil {
				mutate(t)
			}
			t.Error = cause.Error()
		})
		if err == nil {
			break
		}
		if !isConflict(err) || attempt+1 >= maxCASAttempts {
			o.logger.Error("failure handler could not fail task",
				zap.String("task_id", task.ID), zap.NamedError("cause", cause), zap.Error(err))
			return
		}
		current, gerr := o.deps.Store.GetTask(ctx, task.ID)
		if gerr != nil {
			o.logger.Error("failure handler could not reload task", zap.String("task_id", task.ID), zap.Error(gerr))
			return
		}
		*task = *current
	}
	if persisted != nil {
		persisted(ctx, task)
	}

	o.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.String("room_id", task.RoomID),
		zap.String("reason", reason),
		zap.Int("retry_count", task.RetryCount),
		zap.Error(cause))
	prefix := "Task failed"
	if reason == ReasonRetriesExhausted {
		prefix = "Task failed after exhausting its revisions"
	}
	o.systemMessage(ctx, task, types.MessageError, fmt.Sprintf("%s: %s", prefix, cause.Error()), map[string]any{
		"reason": reason,
	})
	data := map[string]any{
		"error":      cause.Error(),
		"reason":     reason,
		"retryCount": task.RetryCount,
	}
	if code := types.GetErrorCode(cause); code != "" {
		data["code"] = string(code)
	}
	if task.ApprovalRate != nil {
		data["approvalRate"] = *task.ApprovalRate
	}
	o.emit(ctx, types.EventTaskFailed, task, data)
}

func (o *Orchestrator) emit(ctx context.Context, typ types.EventType, task *types.Task, data map[string]any) {
	if err := o.deps.Notifier.EmitEvent(ctx, *types.NewEvent(typ, task, o.now(), data)); err != nil {
		o.logger.Warn("event not emitted", zap.String("event", string(typ)), zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (o *Orchestrator) systemMessage(ctx context.Context, task *types.Task, kind types.MessageKind, content string, meta map[string]any) {
	o.send(ctx, task, func(ctx context.Context, out notify.Outgoing) (*types.Message, error) {
		return o.deps.Notifier.SendSystemMessage(ctx, out)
	}, notify.Outgoing{Kind: kind, Content: content, Metadata: meta})
}

func (o *Orchestrator) agentMessage(ctx context.Context, task *types.Task, agentID, content string, meta map[string]any) {
	o.send(ctx, task, func(ctx context.Context, out notify.Outgoing) (*types.Message, error) {
		return o.deps.Notifier.SendAgentMessage(ctx, agentID, out)
	}, notify.Outgoing{Kind: types.MessageStageOutput, Content: content, Metadata: meta})
}

func (o *Orchestrator) send(ctx context.Context, task *types.Task, fn func(context.Context, notify.Outgoing) (*types.Message, error), out notify.Outgoing) {
	out.RoomID = task.RoomID
	out.TaskID = task.ID
	if _, err := fn(ctx, out); err != nil {
		o.logger.Warn("room message not recorded", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// recordFailedStep appends a failed step for a stage that never got as far
// as opening one.
func (o *Orchestrator) recordFailedStep(ctx context.Context, task *types.Task, stepType types.StepType, input string, cause error) {
	if _, err := o.deps.Ledger.RecordFailure(context.WithoutCancel(ctx), task.ID, stepType, input, cause); err != nil {
		o.logger.Error("record failed step", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// generation is the output of one agent stage.
type generation struct {
	AgentID string
	Text    string
	Usage   types.TokenUsage
}

// generate reserves an agent for role, records the step and invokes the
// generation capability. The agent is released once the step is closed.
func (o *Orchestrator) generate(ctx context.Context, task *types.Task, role types.AgentRole, stepType types.StepType, prompt string) (*generation, error) {
	lease, err := o.deps.Agents.Select(ctx, role, task.Specialization)
	if err != nil {
		o.recordFailedStep(ctx, task, stepType, prompt, err)
		return nil, err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			o.logger.Warn("agent release failed", zap.String("agent_id", lease.AgentID()), zap.Error(err))
		}
	}()
	agent := lease.Agent

	step, err := o.deps.Ledger.Begin(ctx, task.ID, stepType, agent.ID, task.RetryCount, prompt)
	if err != nil {
		return nil, err
	}
	o.logger.Info("stage started",
		zap.String("task_id", task.ID),
		zap.String("room_id", task.RoomID),
		zap.String("stage", string(stepType)),
		zap.String("agent_id", agent.ID),
		zap.Int("attempt", task.RetryCount))

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	res, genErr := o.deps.Generator.Generate(callCtx, agent.GenerationConfig(), prompt)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	wctx := context.WithoutCancel(ctx)
	if genErr == nil && strings.TrimSpace(res.Text) == "" {
		genErr = types.Errorf(types.ErrGenerationFailed, "agent %s returned an empty %s", agent.ID, stepType)
	}
	if genErr != nil {
		if timedOut && !types.IsCode(genErr, types.ErrUpstreamTimeout) {
			genErr = types.Errorf(types.ErrUpstreamTimeout, "%s timed out after %s", stepType, o.cfg.StageTimeout).WithCause(genErr)
		}
		if err := o.deps.Ledger.Fail(wctx, step, genErr); err != nil {
			o.logger.Error("close failed step", zap.String("task_id", task.ID), zap.Error(err))
		}
		return nil, genErr
	}
	if err := o.deps.Ledger.Complete(wctx, step, res.Text, res.Usage); err != nil {
		return nil, err
	}
	return &generation{AgentID: agent.ID, Text: res.Text, Usage: res.Usage}, nil
}
