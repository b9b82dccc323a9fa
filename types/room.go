package types

import "time"

// DefaultEvaluationThreshold is the approval rate a task needs to complete.
const DefaultEvaluationThreshold = 0.7

// DefaultEvaluatorCount is the number of evaluators asked per round.
const DefaultEvaluatorCount = 3

// RoomSettings holds per-room orchestration policy. Zero values fall back to
// service defaults.
type RoomSettings struct {
	EvaluationThreshold float64 `json:"evaluation_threshold,omitempty"`
	EvaluatorCount      int     `json:"evaluator_count,omitempty"`
	MaxRetries          *int    `json:"max_retries,omitempty"`
}

// Room groups participants, agents and tasks. It is the authorization boundary.
type Room struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	Name        string       `gorm:"size:128;not null" json:"name"`
	Description string       `gorm:"type:text" json:"description,omitempty"`
	OwnerID     string       `gorm:"size:64;not null" json:"owner_id"`
	Settings    RoomSettings `gorm:"type:text;serializer:json" json:"settings"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TableName pins the table name.
func (Room) TableName() string { return "rooms" }

// Threshold returns the configured threshold or fallback.
func (r *Room) Threshold(fallback float64) float64 {
	if r != nil && r.Settings.EvaluationThreshold > 0 && r.Settings.EvaluationThreshold <= 1 {
		return r.Settings.EvaluationThreshold
	}
	return fallback
}

// EvaluatorCount returns the configured evaluator count or fallback.
func (r *Room) EvaluatorCount(fallback int) int {
	if r != nil && r.Settings.EvaluatorCount > 0 {
		return r.Settings.EvaluatorCount
	}
	return fallback
}

// MemberRole distinguishes room owners from participants.
type MemberRole string

const (
	MemberOwner       MemberRole = "owner"
	MemberParticipant MemberRole = "participant"
)

// Member is one human participant of a room.
type Member struct {
	RoomID   string     `gorm:"primaryKey;size:36" json:"room_id"`
	UserID   string     `gorm:"primaryKey;size:64" json:"user_id"`
	Role     MemberRole `gorm:"size:16;not null" json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
}

// TableName pins the table name.
func (Member) TableName() string { return "room_members" }
