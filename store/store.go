package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentroom/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a conditional update found the row in a
	// different state than expected.
	ErrConflict = errors.New("conflict")
)

// RoomStore persists rooms and their membership.
type RoomStore interface {
	// CreateRoom inserts the room and registers its owner as a member.
	CreateRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	AddMember(ctx context.Context, member *types.Member) error
	GetMember(ctx context.Context, roomID, userID string) (*types.Member, error)
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	RoomID   string
	Statuses []types.TaskStatus
	Limit    int
	Offset   int
}

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)
	// UpdateTask writes every field of task only if the stored status still
	// equals expected. It returns ErrConflict otherwise.
	UpdateTask(ctx context.Context, task *types.Task, expected types.TaskStatus) error
}

// StepStore persists the per-task step ledger.
type StepStore interface {
	// AppendStep assigns the next ordinal for step.TaskID and inserts the step.
	AppendStep(ctx context.Context, step *types.Step) error
	UpdateStep(ctx context.Context, step *types.Step) error
	ListSteps(ctx context.Context, taskID string) ([]*types.Step, error)
	// FailOpenSteps marks every pending or in-progress step failed.
	FailOpenSteps(ctx context.Context, reason string, now time.Time) (int64, error)
}

// EvaluationStore persists evaluator verdicts.
type EvaluationStore interface {
	CreateEvaluation(ctx context.Context, eval *types.Evaluation) error
	UpdateEvaluation(ctx context.Context, eval *types.Evaluation) error
	// ListEvaluations returns evaluations of one round, or all rounds when round is 0.
	ListEvaluations(ctx context.Context, taskID string, round int) ([]*types.Evaluation, error)
	// FailOpenEvaluations marks every pending or in-progress evaluation failed.
	FailOpenEvaluations(ctx context.Context, reason string, now time.Time) (int64, error)
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	Role types.AgentRole
	// Specializations restricts the result to these values; "" matches
	// agents without a specialization.
	Specializations []string
	// Eligible keeps only active, available agents with spare capacity.
	Eligible bool
}

// AgentStore persists specialized agents and their load counters.
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, agentID string) (*types.Agent, error)
	// ListAgents orders by current_load then id.
	ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error)
	// TryReserve atomically increments the load of an eligible agent. It
	// reports false when the agent is no longer eligible or full.
	TryReserve(ctx context.Context, agentID string) (bool, error)
	// Release decrements the load, never below zero.
	Release(ctx context.Context, agentID string) error
	ResetLoads(ctx context.Context) error
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	TaskID string
	Since  time.Time
	Limit  int
}

// MessageStore persists the room message log.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *types.Message) error
	ListMessages(ctx context.Context, roomID string, filter MessageFilter) ([]*types.Message, error)
}

// Store aggregates every port.
type Store interface {
	RoomStore
	TaskStore
	StepStore
	EvaluationStore
	AgentStore
	MessageStore
	Ping(ctx context.Context) error
}
