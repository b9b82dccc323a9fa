package types

import (
	"math"
	"time"
)

// EvaluationStatus is the lifecycle of one evaluator invocation.
type EvaluationStatus string

const (
	EvaluationPending    EvaluationStatus = "pending"
	EvaluationInProgress EvaluationStatus = "in_progress"
	EvaluationCompleted  EvaluationStatus = "completed"
	EvaluationFailed     EvaluationStatus = "failed"
)

// IsTerminal returns true once the evaluation can no longer change.
func (s EvaluationStatus) IsTerminal() bool {
	return s == EvaluationCompleted || s == EvaluationFailed
}

// EvaluationResult is an evaluator's verdict.
type EvaluationResult string

const (
	ResultPass             EvaluationResult = "pass"
	ResultFail             EvaluationResult = "fail"
	ResultNeedsImprovement EvaluationResult = "needs_improvement"
	ResultExcellent        EvaluationResult = "excellent"
)

// ParseEvaluationResult normalises evaluator spellings such as "PASS",
// "needs-improvement" or "Needs Improvement".
func ParseEvaluationResult(s string) (EvaluationResult, bool) {
	switch normalizeResult(s) {
	case "pass", "passed", "approve", "approved":
		return ResultPass, true
	case "fail", "failed", "reject", "rejected":
		return ResultFail, true
	case "needs_improvement", "needsimprovement", "improve", "revise":
		return ResultNeedsImprovement, true
	case "excellent":
		return ResultExcellent, true
	default:
		return "", false
	}
}

func normalizeResult(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			out = append(out, c+'a'-'A')
		case c == '-' || c == ' ':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// IsApproving reports whether the verdict counts towards the approval rate.
// Approval is gated on the verdict, never on the numeric score.
func (r EvaluationResult) IsApproving() bool {
	return r == ResultPass || r == ResultExcellent
}

// Evaluation is one evaluator's verdict on a task for one evaluation round.
type Evaluation struct {
	ID                string           `gorm:"primaryKey;size:36" json:"id"`
	TaskID            string           `gorm:"size:36;not null;index:idx_evaluations_task" json:"task_id"`
	Round             int              `gorm:"not null" json:"round"`
	EvaluatorID       string           `gorm:"size:64;not null" json:"evaluator_id"`
	Status            EvaluationStatus `gorm:"size:16;not null" json:"status"`
	Result            EvaluationResult `gorm:"size:32" json:"result,omitempty"`
	Score             *float64         `json:"score,omitempty"`
	Feedback          string           `gorm:"type:text" json:"feedback,omitempty"`
	Suggestions       string           `gorm:"type:text" json:"suggestions,omitempty"`
	IsApproved        bool             `gorm:"not null" json:"is_approved"`
	RequiresRevision  bool             `gorm:"not null" json:"requires_revision"`
	ParsedFromDefault bool             `gorm:"not null" json:"parsed_from_default"`
	Error             string           `gorm:"type:text" json:"error,omitempty"`
	EvaluatedAt       *time.Time       `json:"evaluated_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// TableName pins the table name.
func (Evaluation) TableName() string { return "task_evaluations" }

// Complete records a verdict and derives the approval flags.
func (e *Evaluation) Complete(result EvaluationResult, score float64, feedback, suggestions string, now time.Time) {
	s := clampScore(score)
	e.Status = EvaluationCompleted
	e.Result = result
	e.Score = &s
	e.Feedback = feedback
	e.Suggestions = suggestions
	e.IsApproved = result.IsApproving()
	e.RequiresRevision = !e.IsApproved
	e.EvaluatedAt = &now
}

// Fail marks the invocation failed. Failed evaluations are excluded from the aggregate.
func (e *Evaluation) Fail(err error, now time.Time) {
	e.Status = EvaluationFailed
	e.IsApproved = false
	e.RequiresRevision = false
	if err != nil {
		e.Error = err.Error()
	}
	e.EvaluatedAt = &now
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
