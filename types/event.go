package types

import "time"

// EventType names an outbound orchestration event.
type EventType string

const (
	EventTaskCreated         EventType = "task.created"
	EventTaskStarted         EventType = "task.started"
	EventStageChanged        EventType = "task.stage_changed"
	EventRequirementAnalyzed EventType = "requirement.analyzed"
	EventRequirementFeedback EventType = "requirement.feedback"
	EventEvaluationCompleted EventType = "evaluation.completed"
	EventTaskRevision        EventType = "task.revision"
	EventTaskCompleted       EventType = "task.completed"
	EventTaskFailed          EventType = "task.failed"
	EventTaskCancelled       EventType = "task.cancelled"
)

// Event is emitted to the notification port. Data carries stage-specific fields.
type Event struct {
	Type      EventType      `json:"type"`
	TaskID    string         `json:"taskId"`
	RoomID    string         `json:"roomId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event for the task.
func NewEvent(typ EventType, task *Task, now time.Time, data map[string]any) *Event {
	return &Event{
		Type:      typ,
		TaskID:    task.ID,
		RoomID:    task.RoomID,
		Timestamp: now,
		Data:      data,
	}
}
