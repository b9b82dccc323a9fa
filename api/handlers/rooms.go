package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/api"
	"github.com/BaSui01/agentroom/store"
	"github.com/BaSui01/agentroom/types"
)

const (
	defaultTaskPage    = 50
	maxTaskPage        = 200
	defaultMessagePage = 100
	maxMessagePage     = 500
)

// RoomStore is what the room endpoints read and write through.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *types.Room) error
	AddMember(ctx context.Context, member *types.Member) error
	GetMember(ctx context.Context, roomID, userID string) (*types.Member, error)
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*types.Task, error)
	ListMessages(ctx context.Context, roomID string, filter store.MessageFilter) ([]*types.Message, error)
}

// RoomStream upgrades a request to a room event stream.
type RoomStream interface {
	Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, roomID string) error
}

// RoomHandler serves /api/v1/rooms.
type RoomHandler struct {
	store  RoomStore
	tasks  TaskService
	stream RoomStream
	now    func() time.Time
	logger *zap.Logger
}

// NewRoomHandler creates a RoomHandler. stream may be nil, in which case the
// stream endpoint answers 404.
func NewRoomHandler(s RoomStore, tasks TaskService, stream RoomStream, logger *zap.Logger) *RoomHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomHandler{
		store:  s,
		tasks:  tasks,
		stream: stream,
		now:    time.Now,
		logger: logger.With(zap.String("component", "room_handler")),
	}
}

// Register mounts the room routes on mux.
func (h *RoomHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/rooms", h.HandleCreateRoom)
	mux.HandleFunc("POST /api/v1/rooms/{roomID}/members", h.HandleAddMember)
	mux.HandleFunc("POST /api/v1/rooms/{roomID}/tasks", h.HandleCreateTask)
	mux.HandleFunc("GET /api/v1/rooms/{roomID}/tasks", h.HandleListTasks)
	mux.HandleFunc("GET /api/v1/rooms/{roomID}/messages", h.HandleListMessages)
	mux.HandleFunc("GET /api/v1/rooms/{roomID}/stream", h.HandleStream)
}

// HandleCreateRoom creates a room owned by the caller.
func (h *RoomHandler) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, err := caller(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req api.CreateRoomRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := validateRoom(&req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	now := h.now()
	room := &types.Room{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		OwnerID:     userID,
		Settings:    req.Settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateRoom(r.Context(), room); err != nil {
		WriteError(w, r, storeError(err, "create room"), h.logger)
		return
	}
	h.logger.Info("room created", zap.String("room_id", room.ID), zap.String("owner_id", userID))
	WriteCreated(w, r, room)
}

func validateRoom(req *api.CreateRoomRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return types.NewError(types.ErrInvalidRequest, "name is required")
	}
	s := req.Settings
	if s.EvaluationThreshold < 0 || s.EvaluationThreshold > 1 {
		return types.NewError(types.ErrInvalidRequest, "settings.evaluation_threshold must be within [0, 1]")
	}
	if s.EvaluatorCount < 0 {
		return types.NewError(types.ErrInvalidRequest, "settings.evaluator_count must not be negative")
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return types.NewError(types.ErrInvalidRequest, "settings.max_retries must not be negative")
	}
	return nil
}

// HandleAddMember adds a participant. Only the room owner may call it.
func (h *RoomHandler) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	userID, err := caller(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	self, err := h.store.GetMember(r.Context(), roomID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		WriteError(w, r, storeError(err, "load membership"), h.logger)
		return
	}
	if self == nil || self.Role != types.MemberOwner {
		WriteErrorMessage(w, r, types.ErrForbidden, "only the room owner can add members", h.logger)
		return
	}

	var req api.AddMemberRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, "user_id is required", h.logger)
		return
	}
	if req.Role == "" {
		req.Role = types.MemberParticipant
	}
	if req.Role != types.MemberParticipant {
		WriteErrorMessage(w, r, types.ErrInvalidRequest, "role must be participant", h.logger)
		return
	}

	member := &types.Member{
		RoomID:   roomID,
		UserID:   strings.TrimSpace(req.UserID),
		Role:     req.Role,
		JoinedAt: h.now(),
	}
	if err := h.store.AddMember(r.Context(), member); err != nil {
		WriteError(w, r, storeError(err, "add member"), h.logger)
		return
	}
	h.logger.Info("member added", zap.String("room_id", roomID), zap.String("user_id", member.UserID))
	WriteCreated(w, r, member)
}

// HandleCreateTask creates a task in the room and starts its pipeline.
func (h *RoomHandler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	userID, err := authorize(r, h.store, roomID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req api.CreateTaskRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	task, err := h.tasks.CreateTask(r.Context(), roomID, userID, req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteCreated(w, r, task)
}

// HandleListTasks lists room tasks, newest first. Optional query parameters:
// status (repeatable or comma separated), limit, offset.
func (h *RoomHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if _, err := authorize(r, h.store, roomID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	limit, err := queryInt(r, "limit", defaultTaskPage)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if limit == 0 || limit > maxTaskPage {
		limit = maxTaskPage
	}
	statuses, err := parseStatuses(r.URL.Query()["status"])
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	tasks, err := h.store.ListTasks(r.Context(), store.TaskFilter{
		RoomID:   roomID,
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		WriteError(w, r, storeError(err, "list tasks"), h.logger)
		return
	}
	WriteSuccess(w, r, api.ListTasksResponse{Tasks: tasks, Limit: limit, Offset: offset})
}

func parseStatuses(values []string) ([]types.TaskStatus, error) {
	var out []types.TaskStatus
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			st := types.TaskStatus(s)
			if !st.Valid() {
				return nil, types.Errorf(types.ErrInvalidRequest, "unknown status %q", s)
			}
			out = append(out, st)
		}
	}
	return out, nil
}

// HandleListMessages returns the room message log in order. Optional query
// parameters: task_id, since (RFC 3339), limit.
func (h *RoomHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if _, err := authorize(r, h.store, roomID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	limit, err := queryInt(r, "limit", defaultMessagePage)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if limit == 0 || limit > maxMessagePage {
		limit = maxMessagePage
	}
	filter := store.MessageFilter{TaskID: r.URL.Query().Get("task_id"), Limit: limit}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteErrorMessage(w, r, types.ErrInvalidRequest, "since must be an RFC 3339 timestamp", h.logger)
			return
		}
		filter.Since = since
	}

	msgs, err := h.store.ListMessages(r.Context(), roomID, filter)
	if err != nil {
		WriteError(w, r, storeError(err, "list messages"), h.logger)
		return
	}
	WriteSuccess(w, r, api.ListMessagesResponse{Messages: msgs})
}

// HandleStream upgrades to a websocket carrying the room's messages and
// task events.
func (h *RoomHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	userID, err := authorize(r, h.store, roomID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if h.stream == nil {
		WriteErrorMessage(w, r, types.ErrNotFound, "streaming is disabled", h.logger)
		return
	}
	if err := h.stream.Serve(r.Context(), w, r, roomID); err != nil {
		// The response is already hijacked or written by the upgrader.
		h.logger.Debug("room stream ended",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// =============================================================================
// access
// =============================================================================

// caller returns the authenticated user id.
func caller(r *http.Request) (string, error) {
	userID, ok := types.UserID(r.Context())
	if !ok || userID == "" {
		return "", types.NewError(types.ErrUnauthorized, "authentication required")
	}
	return userID, nil
}

type memberChecker interface {
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
}

// authorize returns the caller's id if they belong to roomID.
func authorize(r *http.Request, m memberChecker, roomID string) (string, error) {
	userID, err := caller(r)
	if err != nil {
		return "", err
	}
	ok, err := m.IsRoomMember(r.Context(), roomID, userID)
	if err != nil {
		return "", storeError(err, "check membership")
	}
	if !ok {
		return "", types.Errorf(types.ErrForbidden, "not a member of room %s", roomID)
	}
	return userID, nil
}

// storeError maps persistence errors that reach a handler directly.
func storeError(err error, op string) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return types.Errorf(types.ErrNotFound, "%s: not found", op).WithCause(err)
	case errors.Is(err, store.ErrAlreadyExists):
		return types.Errorf(types.ErrInvalidRequest, "%s: already exists", op).
			WithCause(err).
			WithHTTPStatus(http.StatusConflict)
	default:
		return types.Errorf(types.ErrInternalError, "%s failed", op).WithCause(err)
	}
}
