package types

import "time"

// SenderType tags who wrote a room message.
type SenderType string

const (
	SenderSystem SenderType = "system"
	SenderAgent  SenderType = "agent"
	SenderUser   SenderType = "user"
)

// MessageKind classifies room messages for clients.
type MessageKind string

const (
	MessageText            MessageKind = "text"
	MessageApprovalRequest MessageKind = "approval_request"
	MessageStageOutput     MessageKind = "stage_output"
	MessageFeedback        MessageKind = "feedback"
	MessageError           MessageKind = "error"
)

// Message is one entry of a room's message log.
type Message struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	RoomID      string         `gorm:"size:36;not null;index:idx_messages_room" json:"room_id"`
	TaskID      string         `gorm:"size:36;index:idx_messages_task" json:"task_id,omitempty"`
	SenderType  SenderType     `gorm:"size:16;not null" json:"sender_type"`
	SenderID    string         `gorm:"size:64" json:"sender_id,omitempty"`
	Kind        MessageKind    `gorm:"size:32;not null" json:"kind"`
	Content     string         `gorm:"type:text;not null" json:"content"`
	RecipientID string         `gorm:"size:64" json:"recipient_id,omitempty"`
	Metadata    map[string]any `gorm:"type:text;serializer:json" json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TableName pins the table name.
func (Message) TableName() string { return "room_messages" }
