package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/api"
	"github.com/BaSui01/agentroom/orchestrator"
	"github.com/BaSui01/agentroom/types"
)

// TaskService is the orchestrator surface the API drives.
type TaskService interface {
	CreateTask(ctx context.Context, roomID, creatorID string, spec types.TaskSpec) (*types.Task, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	HandleRequirementFeedback(ctx context.Context, taskID, userID string, fb orchestrator.Feedback) (*types.Task, error)
	CancelTask(ctx context.Context, taskID, userID string) (*types.Task, error)
}

// TaskRecords reads the step ledger and evaluations of a task.
type TaskRecords interface {
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
	ListSteps(ctx context.Context, taskID string) ([]*types.Step, error)
	ListEvaluations(ctx context.Context, taskID string, round int) ([]*types.Evaluation, error)
}

// TaskHandler serves /api/v1/tasks.
type TaskHandler struct {
	tasks   TaskService
	records TaskRecords
	logger  *zap.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskService, records TaskRecords, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		tasks:   tasks,
		records: records,
		logger:  logger.With(zap.String("component", "task_handler")),
	}
}

// Register mounts the task routes on mux.
func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tasks/{taskID}", h.HandleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/feedback", h.HandleFeedback)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/cancel", h.HandleCancel)
}

// load fetches the task and checks the caller belongs to its room.
func (h *TaskHandler) load(r *http.Request) (*types.Task, string, error) {
	task, err := h.tasks.GetTask(r.Context(), r.PathValue("taskID"))
	if err != nil {
		return nil, "", err
	}
	userID, err := authorize(r, h.records, task.RoomID)
	if err != nil {
		return nil, "", err
	}
	return task, userID, nil
}

// HandleGetTask returns the task with its step ledger and all evaluations.
func (h *TaskHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, _, err := h.load(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	steps, err := h.records.ListSteps(r.Context(), task.ID)
	if err != nil {
		WriteError(w, r, storeError(err, "list steps"), h.logger)
		return
	}
	evals, err := h.records.ListEvaluations(r.Context(), task.ID, 0)
	if err != nil {
		WriteError(w, r, storeError(err, "list evaluations"), h.logger)
		return
	}
	WriteSuccess(w, r, api.TaskDetail{Task: task, Steps: steps, Evaluations: evals})
}

// HandleFeedback approves or rejects the requirement analysis.
func (h *TaskHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	task, userID, err := h.load(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req api.FeedbackRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	updated, err := h.tasks.HandleRequirementFeedback(r.Context(), task.ID, userID, orchestrator.Feedback{
		Approved: req.Approved,
		Comment:  req.Comment,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, updated)
}

// HandleCancel cancels the task. Cancelling a cancelled task succeeds.
func (h *TaskHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	task, userID, err := h.load(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	updated, err := h.tasks.CancelTask(r.Context(), task.ID, userID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, updated)
}
