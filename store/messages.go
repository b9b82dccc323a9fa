package store

import (
	"context"

	"github.com/BaSui01/agentroom/types"
)

const defaultMessageLimit = 200

// AppendMessage adds an entry to the room message log.
func (s *GormStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	return s.db(ctx).Create(msg).Error
}

// ListMessages returns the room log oldest first.
func (s *GormStore) ListMessages(ctx context.Context, roomID string, filter MessageFilter) ([]*types.Message, error) {
	q := s.db(ctx).Where("room_id = ?", roomID)
	if filter.TaskID != "" {
		q = q.Where("task_id = ?", filter.TaskID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at > ?", filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	var msgs []*types.Message
	err := q.Order("created_at").Order("id").Limit(limit).Find(&msgs).Error
	return msgs, err
}
