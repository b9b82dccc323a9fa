package types

import "time"

// StepType names the pipeline stage a step records.
type StepType string

const (
	StepRequirementAnalysis StepType = "requirement_analysis"
	StepPlanning            StepType = "planning"
	StepExecution           StepType = "execution"
	StepEvaluation          StepType = "evaluation"
	StepUserFeedback        StepType = "user_feedback"
	StepRevision            StepType = "revision"
	StepApproval            StepType = "approval"
)

// RequiresAgent reports whether a step of this type is attributed to an
// agent. User feedback steps, approvals and rejections alike, have none.
func (t StepType) RequiresAgent() bool {
	return t != StepUserFeedback
}

// StepStatus is the outcome of a step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusWaiting    StepStatus = "waiting"
)

// IsTerminal returns true for completed, failed and skipped steps.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Step is one executed pipeline stage. Ordinal is assigned by the ledger and
// is strictly increasing per task starting at 1.
type Step struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	TaskID           string     `gorm:"size:36;not null;uniqueIndex:idx_steps_task_ordinal" json:"task_id"`
	Ordinal          int        `gorm:"not null;uniqueIndex:idx_steps_task_ordinal" json:"ordinal"`
	Type             StepType   `gorm:"size:32;not null" json:"type"`
	Status           StepStatus `gorm:"size:16;not null" json:"status"`
	AgentID          string     `gorm:"size:64" json:"agent_id,omitempty"`
	Attempt          int        `gorm:"not null" json:"attempt"`
	Input            string     `gorm:"type:text" json:"input,omitempty"`
	Output           string     `gorm:"type:text" json:"output,omitempty"`
	Error            string     `gorm:"type:text" json:"error,omitempty"`
	PromptTokens     int        `json:"prompt_tokens,omitempty"`
	CompletionTokens int        `json:"completion_tokens,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TableName pins the table name.
func (Step) TableName() string { return "task_steps" }

// Duration returns how long the step ran.
func (s *Step) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}
