package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/types"
)

// MessageStore persists the room message log.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *types.Message) error
}

// Dispatcher persists messages and fans them out to sinks.
type Dispatcher struct {
	store  MessageStore
	sinks  []Sink
	now    func() time.Time
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher. now defaults to time.Now.
func NewDispatcher(store MessageStore, now func() time.Time, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:  store,
		sinks:  sinks,
		now:    now,
		logger: logger.With(zap.String("component", "notify")),
	}
}

// AddSink registers another sink. Not safe for use after dispatching started.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// SendSystemMessage records a message from the system.
func (d *Dispatcher) SendSystemMessage(ctx context.Context, out Outgoing) (*types.Message, error) {
	return d.send(ctx, types.SenderSystem, "", out)
}

// SendAgentMessage records a message written by an agent.
func (d *Dispatcher) SendAgentMessage(ctx context.Context, agentID string, out Outgoing) (*types.Message, error) {
	return d.send(ctx, types.SenderAgent, agentID, out)
}

// SendUserMessage records a message written by a room member.
func (d *Dispatcher) SendUserMessage(ctx context.Context, userID string, out Outgoing) (*types.Message, error) {
	return d.send(ctx, types.SenderUser, userID, out)
}

func (d *Dispatcher) send(ctx context.Context, sender types.SenderType, senderID string, out Outgoing) (*types.Message, error) {
	kind := out.Kind
	if kind == "" {
		kind = types.MessageText
	}
	msg := &types.Message{
		ID:          uuid.NewString(),
		RoomID:      out.RoomID,
		TaskID:      out.TaskID,
		SenderType:  sender,
		SenderID:    senderID,
		Kind:        kind,
		Content:     out.Content,
		RecipientID: out.RecipientID,
		Metadata:    out.Metadata,
		CreatedAt:   d.now(),
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		return nil, types.NewError(types.ErrInternalError, "append room message").WithCause(err)
	}
	for _, s := range d.sinks {
		if err := s.PublishMessage(ctx, msg); err != nil {
			d.logger.Warn("sink rejected message",
				zap.String("sink", s.Name()),
				zap.String("room_id", msg.RoomID),
				zap.Error(err))
		}
	}
	return msg, nil
}

// EmitEvent fans an event out to every sink. Events are not persisted.
func (d *Dispatcher) EmitEvent(ctx context.Context, event types.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}
	for _, s := range d.sinks {
		if err := s.PublishEvent(ctx, event); err != nil {
			d.logger.Warn("sink rejected event",
				zap.String("sink", s.Name()),
				zap.String("event", string(event.Type)),
				zap.String("task_id", event.TaskID),
				zap.Error(err))
		}
	}
	return nil
}
