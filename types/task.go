package types

import (
	"fmt"
	"time"
)

// TaskStatus is the orchestration state of a task.
type TaskStatus string

const (
	StatusPending                 TaskStatus = "pending"
	StatusRequirementAnalysis     TaskStatus = "requirement_analysis"
	StatusRequirementConfirmation TaskStatus = "requirement_confirmation"
	StatusPlanning                TaskStatus = "planning"
	StatusExecution               TaskStatus = "execution"
	StatusEvaluation              TaskStatus = "evaluation"
	StatusRevision                TaskStatus = "revision"
	StatusCompleted               TaskStatus = "completed"
	StatusFailed                  TaskStatus = "failed"
	StatusCancelled               TaskStatus = "cancelled"
)

// DefaultMaxRetries is the revision budget applied when a task does not set one.
const DefaultMaxRetries = 3

// Pipeline edges. Failed and Cancelled are reachable from every non-terminal
// status and are added in init. RequirementConfirmation -> RequirementAnalysis
// is the requirement rejection edge; Evaluation -> Revision -> Execution is the
// revision loop.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusRequirementAnalysis: true,
	},
	StatusRequirementAnalysis: {
		StatusRequirementConfirmation: true,
	},
	StatusRequirementConfirmation: {
		StatusPlanning:            true,
		StatusRequirementAnalysis: true,
	},
	StatusPlanning: {
		StatusExecution: true,
	},
	StatusExecution: {
		StatusEvaluation: true,
	},
	StatusEvaluation: {
		StatusCompleted: true,
		StatusRevision:  true,
	},
	StatusRevision: {
		StatusExecution: true,
	},
}

var terminalTaskStatuses = map[TaskStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

func init() {
	for from, edges := range taskTransitions {
		if terminalTaskStatuses[from] {
			continue
		}
		edges[StatusFailed] = true
		edges[StatusCancelled] = true
	}
}

// AllTaskStatuses lists every status in pipeline order.
func AllTaskStatuses() []TaskStatus {
	return []TaskStatus{
		StatusPending,
		StatusRequirementAnalysis,
		StatusRequirementConfirmation,
		StatusPlanning,
		StatusExecution,
		StatusEvaluation,
		StatusRevision,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	}
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s == StatusPending || s == StatusRequirementConfirmation || s.IsAutomated() || s.IsTerminal()
}

// IsTerminal returns true if no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return terminalTaskStatuses[s]
}

// IsAutomated reports whether the orchestrator drives the status without
// waiting on a user. Tasks left in an automated status by a crash are resumable.
func (s TaskStatus) IsAutomated() bool {
	switch s {
	case StatusRequirementAnalysis, StatusPlanning, StatusExecution, StatusEvaluation, StatusRevision:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the edge s -> to exists.
func (s TaskStatus) CanTransitionTo(to TaskStatus) bool {
	return taskTransitions[s][to]
}

// TaskPriority is a free-form priority tag.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Task is the unit under orchestration. It belongs to exactly one room.
type Task struct {
	ID                  string         `gorm:"primaryKey;size:36" json:"id"`
	RoomID              string         `gorm:"size:36;not null;index:idx_tasks_room" json:"room_id"`
	CreatorID           string         `gorm:"size:64;not null" json:"creator_id"`
	Title               string         `gorm:"size:255;not null" json:"title"`
	Requirement         string         `gorm:"type:text;not null" json:"requirement"`
	AnalyzedRequirement string         `gorm:"type:text" json:"analyzed_requirement,omitempty"`
	ExecutionPlan       string         `gorm:"type:text" json:"execution_plan,omitempty"`
	Result              string         `gorm:"type:text" json:"result,omitempty"`
	Status              TaskStatus     `gorm:"size:32;not null;index:idx_tasks_status" json:"status"`
	Type                string         `gorm:"size:64" json:"type,omitempty"`
	Priority            TaskPriority   `gorm:"size:16" json:"priority,omitempty"`
	Specialization      string         `gorm:"size:64" json:"specialization,omitempty"`
	Params              map[string]any `gorm:"type:text;serializer:json" json:"params,omitempty"`
	RetryCount          int            `gorm:"not null" json:"retry_count"`
	MaxRetries          int            `gorm:"not null" json:"max_retries"`
	AnalystAgentID      string         `gorm:"size:64" json:"analyst_agent_id,omitempty"`
	CoordinatorAgentID  string         `gorm:"size:64" json:"coordinator_agent_id,omitempty"`
	WorkAgentID         string         `gorm:"size:64" json:"work_agent_id,omitempty"`
	ApprovalRate        *float64       `json:"approval_rate,omitempty"`
	Error               string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	Deadline            *time.Time     `json:"deadline,omitempty"`
}

// TableName pins the table name.
func (Task) TableName() string { return "tasks" }

// IsTerminal returns true if the task can no longer change.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// CanRetry reports whether the revision budget has room for another round.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// DeadlinePassed reports whether the optional deadline lies before now.
func (t *Task) DeadlinePassed(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// TransitionTo moves the task along a legal edge and stamps lifecycle times.
func (t *Task) TransitionTo(to TaskStatus, now time.Time) error {
	if !t.Status.CanTransitionTo(to) {
		return Errorf(ErrInvalidTransition, "task %s cannot move from %s to %s", t.ID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	if to == StatusRequirementAnalysis && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if to.IsTerminal() {
		completed := now
		t.CompletedAt = &completed
	}
	return nil
}

// Duration returns the task duration (or time since start if still running).
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(*t.StartedAt)
	}
	return time.Since(*t.StartedAt)
}

// TaskSpec is what a caller supplies to create a task.
type TaskSpec struct {
	Title          string         `json:"title"`
	Requirement    string         `json:"requirement"`
	Type           string         `json:"type,omitempty"`
	Priority       TaskPriority   `json:"priority,omitempty"`
	Specialization string         `json:"specialization,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
	Deadline       *time.Time     `json:"deadline,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Validate checks the spec for the minimum a pipeline needs.
func (s *TaskSpec) Validate() error {
	if s.Title == "" {
		return NewError(ErrInvalidRequest, "title is required")
	}
	if s.Requirement == "" {
		return NewError(ErrInvalidRequest, "requirement is required")
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return NewError(ErrInvalidRequest, "max_retries must not be negative")
	}
	switch s.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		return NewError(ErrInvalidRequest, fmt.Sprintf("unknown priority %q", s.Priority))
	}
	return nil
}
