package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/BaSui01/agentroom/types"
)

// CreateTask inserts a new task.
func (s *GormStore) CreateTask(ctx context.Context, task *types.Task) error {
	if err := s.db(ctx).Create(task).Error; err != nil {
		return duplicate(err, "task", task.ID)
	}
	return nil
}

// GetTask loads a task by id.
func (s *GormStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	if err := s.db(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return nil, notFound(err, "task", taskID)
	}
	return &task, nil
}

// ListTasks returns tasks newest first.
func (s *GormStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	q := s.db(ctx).Model(&types.Task{})
	if filter.RoomID != "" {
		q = q.Where("room_id = ?", filter.RoomID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var tasks []*types.Task
	if err := q.Order("created_at DESC").Order("id").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask is a compare-and-set on the task status.
func (s *GormStore) UpdateTask(ctx context.Context, task *types.Task, expected types.TaskStatus) error {
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(task).
			Where("status = ?", expected).
			Select("*").
			Omit("id", "created_at").
			Updates(task)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}

		var current types.Task
		if err := tx.Select("id", "status").First(&current, "id = ?", task.ID).Error; err != nil {
			return notFound(err, "task", task.ID)
		}
		return fmt.Errorf("task %s is %s, expected %s: %w", task.ID, current.Status, expected, ErrConflict)
	})
}
