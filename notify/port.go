package notify

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/agentroom/types"
)

// Outgoing is the content of a room message before it gets a sender.
type Outgoing struct {
	RoomID      string
	TaskID      string
	Kind        types.MessageKind
	Content     string
	RecipientID string
	Metadata    map[string]any
}

// Port is what the orchestrator uses to talk to a room.
type Port interface {
	SendSystemMessage(ctx context.Context, out Outgoing) (*types.Message, error)
	SendAgentMessage(ctx context.Context, agentID string, out Outgoing) (*types.Message, error)
	SendUserMessage(ctx context.Context, userID string, out Outgoing) (*types.Message, error)
	EmitEvent(ctx context.Context, event types.Event) error
}

// Sink receives every persisted message and emitted event.
type Sink interface {
	Name() string
	PublishMessage(ctx context.Context, msg *types.Message) error
	PublishEvent(ctx context.Context, event types.Event) error
}

// Envelope kinds on push channels.
const (
	EnvelopeMessage = "message"
	EnvelopeEvent   = "event"
)

// Envelope is the wire frame written to websocket subscribers and redis.
type Envelope struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"roomId"`
	Message *types.Message `json:"message,omitempty"`
	Event   *types.Event   `json:"event,omitempty"`
}

func messageEnvelope(msg *types.Message) Envelope {
	return Envelope{Type: EnvelopeMessage, RoomID: msg.RoomID, Message: msg}
}

func eventEnvelope(ev types.Event) Envelope {
	return Envelope{Type: EnvelopeEvent, RoomID: ev.RoomID, Event: &ev}
}

func (e Envelope) marshal() ([]byte, error) {
	return json.Marshal(e)
}
