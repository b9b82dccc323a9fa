package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/evaluation"
	"github.com/BaSui01/agentroom/notify"
	"github.com/BaSui01/agentroom/types"
)

// StageContext is what a stage handler sees.
type StageContext struct {
	Task *types.Task
	Room *types.Room
}

// StepResult tells the orchestrator how to move on after a stage.
type StepResult struct {
	// Next is the status to move to. StatusFailed routes through the
	// failure handler with Err and Reason.
	Next types.TaskStatus
	// Apply sets the task fields persisted together with the transition.
	Apply func(t *types.Task)
	// After runs once the transition is persisted. For StatusFailed it runs
	// before the failure is announced. It is skipped when the result is
	// discarded.
	After  func(ctx context.Context, t *types.Task)
	Err    error
	Reason string
}

// Stage handles one automated status. A returned error is a stage failure.
type Stage interface {
	Name() string
	Run(ctx context.Context, sc *StageContext) (*StepResult, error)
}

func defaultStages(o *Orchestrator) map[types.TaskStatus]Stage {
	return map[types.TaskStatus]Stage{
		types.StatusRequirementAnalysis: &analysisStage{o: o},
		types.StatusPlanning:            &planningStage{o: o},
		types.StatusExecution:           &executionStage{o: o},
		types.StatusEvaluation:          &evaluationStage{o: o},
		types.StatusRevision:            &revisionStage{o: o},
	}
}

type analysisStage struct{ o *Orchestrator }

func (s *analysisStage) Name() string { return string(types.StepRequirementAnalysis) }

func (s *analysisStage) Run(ctx context.Context, sc *StageContext) (*StepResult, error) {
	task := sc.Task
	rejection, err := s.pendingRejection(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	gen, err := s.o.generate(ctx, task, types.RoleRequirementAnalyst, types.StepRequirementAnalysis, analysisPrompt(task, rejection))
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Next: types.StatusRequirementConfirmation,
		Apply: func(t *types.Task) {
			t.AnalyzedRequirement = gen.Text
			t.AnalystAgentID = gen.AgentID
		},
		After: func(ctx context.Context, t *types.Task) {
			s.o.agentMessage(ctx, t, gen.AgentID, gen.Text, map[string]any{"stage": s.Name()})
			s.o.send(ctx, t, func(ctx context.Context, out notify.Outgoing) (*types.Message, error) {
				return s.o.deps.Notifier.SendSystemMessage(ctx, out)
			}, notify.Outgoing{
				Kind:        types.MessageApprovalRequest,
				Content:     "Please review the requirement analysis and approve it or reply with changes.",
				RecipientID: t.CreatorID,
				Metadata:    map[string]any{"stage": s.Name()},
			})
			s.o.emit(ctx, types.EventRequirementAnalyzed, t, map[string]any{
				"analyzedRequirement": t.AnalyzedRequirement,
				"agentId":             gen.AgentID,
			})
		},
	}, nil
}

// pendingRejection returns the comment of a rejection that no analysis has
// answered yet.
func (s *analysisStage) pendingRejection(ctx context.Context, taskID string) (string, error) {
	steps, err := s.o.deps.Ledger.Steps(ctx, taskID)
	if err != nil {
		return "", storeError(err, "list steps of %s", taskID)
	}
	comment := ""
	for _, st := range steps {
		switch {
		case st.Type == types.StepUserFeedback && st.Output == "rejected":
			comment = st.Input
		case st.Type == types.StepRequirementAnalysis && st.Status == types.StepStatusCompleted:
			comment = ""
		}
	}
	return comment, nil
}

type planningStage struct{ o *Orchestrator }

func (s *planningStage) Name() string { return string(types.StepPlanning) }

func (s *planningStage) Run(ctx context.Context, sc *StageContext) (*StepResult, error) {
	task := sc.Task
	gen, err := s.o.generate(ctx, task, types.RoleCoordinator, types.StepPlanning, planningPrompt(task))
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Next: types.StatusExecution,
		Apply: func(t *types.Task) {
			t.ExecutionPlan = gen.Text
			t.CoordinatorAgentID = gen.AgentID
		},
		After: func(ctx context.Context, t *types.Task) {
			s.o.agentMessage(ctx, t, gen.AgentID, gen.Text, map[string]any{"stage": s.Name()})
		},
	}, nil
}

type executionStage struct{ o *Orchestrator }

func (s *executionStage) Name() string { return string(types.StepExecution) }

func (s *executionStage) Run(ctx context.Context, sc *StageContext) (*StepResult, error) {
	task := sc.Task
	revision := ""
	if task.RetryCount > 0 {
		var err error
		if revision, err = s.latestRevision(ctx, task.ID); err != nil {
			return nil, err
		}
	}
	gen, err := s.o.generate(ctx, task, types.RoleWorker, types.StepExecution, executionPrompt(task, revision))
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Next: types.StatusEvaluation,
		Apply: func(t *types.Task) {
			t.Result = gen.Text
			t.WorkAgentID = gen.AgentID
		},
		After: func(ctx context.Context, t *types.Task) {
			s.o.agentMessage(ctx, t, gen.AgentID, gen.Text, map[string]any{
				"stage":      s.Name(),
				"retryCount": t.RetryCount,
			})
		},
	}, nil
}

func (s *executionStage) latestRevision(ctx context.Context, taskID string) (string, error) {
	steps, err := s.o.deps.Ledger.Steps(ctx, taskID)
	if err != nil {
		return "", storeError(err, "list steps of %s", taskID)
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Type == types.StepRevision {
			return steps[i].Input, nil
		}
	}
	return "", nil
}

type evaluationStage struct{ o *Orchestrator }

func (s *evaluationStage) Name() string { return string(types.StepEvaluation) }

func (s *evaluationStage) Run(ctx context.Context, sc *StageContext) (*StepResult, error) {
	o := s.o
	task := sc.Task
	threshold := sc.Room.Threshold(o.cfg.EvaluationThreshold)
	out, err := o.deps.Evaluator.Evaluate(ctx, task, evaluation.Request{
		Round:          task.RetryCount + 1,
		EvaluatorCount: sc.Room.EvaluatorCount(o.cfg.EvaluatorCount),
		Threshold:      threshold,
		Specialization: task.Specialization,
		Prompt:         evaluationPrompt(task),
	})
	if err != nil {
		return nil, err
	}

	rate := out.ApprovalRate
	decision := evaluation.Decide(rate, threshold, task.CanRetry())
	o.logger.Info("evaluation decided",
		zap.String("task_id", task.ID),
		zap.Int("round", out.Round),
		zap.Float64("approval_rate", rate),
		zap.Float64("threshold", threshold),
		zap.String("decision", string(decision)))
	// The round is reported only after its transition is saved; a task
	// cancelled meanwhile never hears about it.
	report := func(ctx context.Context, t *types.Task) {
		o.deps.Metrics.RecordEvaluationRound(string(decision), rate)
		o.emit(ctx, types.EventEvaluationCompleted, t, map[string]any{
			"round":        out.Round,
			"approvalRate": rate,
			"threshold":    threshold,
			"approved":     out.Approved,
			"counted":      out.Counted,
			"failed":       out.Failed,
			"decision":     string(decision),
		})
	}

	setRate := func(t *types.Task) { t.ApprovalRate = &rate }
	switch decision {
	case evaluation.DecisionComplete:
		return &StepResult{
			Next:  types.StatusCompleted,
			Apply: setRate,
			After: func(ctx context.Context, t *types.Task) {
				report(ctx, t)
				o.systemMessage(ctx, t, types.MessageText,
					fmt.Sprintf("Task completed with approval rate %.0f%% (threshold %.0f%%).", rate*100, threshold*100), nil)
				o.emit(ctx, types.EventTaskCompleted, t, map[string]any{
					"approvalRate": rate,
					"threshold":    threshold,
					"retryCount":   t.RetryCount,
					"durationMs":   t.Duration().Milliseconds(),
				})
			},
		}, nil
	case evaluation.DecisionRevise:
		return &StepResult{
			Next: types.StatusRevision,
			Apply: func(t *types.Task) {
				setRate(t)
				t.RetryCount++
			},
			After: func(ctx context.Context, t *types.Task) {
				report(ctx, t)
				o.systemMessage(ctx, t, types.MessageFeedback,
					fmt.Sprintf("Approval rate %.0f%% is below %.0f%%; starting revision %d of %d.\n%s",
						rate*100, threshold*100, t.RetryCount, t.MaxRetries, out.Feedback),
					map[string]any{"retryCount": t.RetryCount})
				o.emit(ctx, types.EventTaskRevision, t, map[string]any{
					"retryCount":   t.RetryCount,
					"maxRetries":   t.MaxRetries,
					"approvalRate": rate,
				})
			},
		}, nil
	default:
		return &StepResult{
			Next:   types.StatusFailed,
			Apply:  setRate,
			After:  report,
			Reason: ReasonRetriesExhausted,
			Err: fmt.Errorf("approval rate %.2f stayed below threshold %.2f after %d revisions",
				rate, threshold, task.RetryCount),
		}, nil
	}
}

// revisionStage records the evaluator feedback the next execution works
// from and sends the task back to execution.
type revisionStage struct{ o *Orchestrator }

func (s *revisionStage) Name() string { return string(types.StepRevision) }

func (s *revisionStage) Run(ctx context.Context, sc *StageContext) (*StepResult, error) {
	task := sc.Task
	evals, err := s.o.deps.Store.ListEvaluations(ctx, task.ID, task.RetryCount)
	if err != nil {
		return nil, storeError(err, "list evaluations of %s", task.ID)
	}
	feedback := evaluation.CombineFeedback(evals)
	summary := fmt.Sprintf("revision %d of %d", task.RetryCount, task.MaxRetries)
	// The revision is owed by the worker that produced the rejected result.
	if _, err := s.o.deps.Ledger.Record(ctx, task.ID, types.StepRevision, task.WorkAgentID, types.StepStatusCompleted, feedback, summary); err != nil {
		return nil, err
	}
	return &StepResult{Next: types.StatusExecution}, nil
}
