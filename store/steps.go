package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentroom/internal/database"
	"github.com/BaSui01/agentroom/types"
)

// AppendStep allocates ordinal = max(ordinal)+1 inside a transaction. The
// unique (task_id, ordinal) index turns a concurrent allocation from another
// process into a retry.
func (s *GormStore) AppendStep(ctx context.Context, step *types.Step) error {
	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		err = s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
			var last int
			if err := tx.Model(&types.Step{}).
				Where("task_id = ?", step.TaskID).
				Select("COALESCE(MAX(ordinal), 0)").
				Scan(&last).Error; err != nil {
				return err
			}
			step.Ordinal = last + 1
			return tx.Create(step).Error
		})
		if err == nil || !database.IsUniqueViolation(err) {
			return err
		}
		s.logger.Debug("step ordinal collision, retrying",
			zap.String("task_id", step.TaskID), zap.Int("attempt", attempt+1))
	}
	return err
}

// UpdateStep writes the mutable fields of an existing step.
func (s *GormStore) UpdateStep(ctx context.Context, step *types.Step) error {
	res := s.db(ctx).Model(step).
		Select("status", "agent_id", "output", "error", "prompt_tokens", "completion_tokens", "started_at", "completed_at").
		Updates(step)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "step", step.ID)
	}
	return nil
}

// ListSteps returns the ledger of a task in ordinal order.
func (s *GormStore) ListSteps(ctx context.Context, taskID string) ([]*types.Step, error) {
	var steps []*types.Step
	err := s.db(ctx).Where("task_id = ?", taskID).Order("ordinal").Find(&steps).Error
	return steps, err
}

// FailOpenSteps closes steps abandoned by a previous process.
func (s *GormStore) FailOpenSteps(ctx context.Context, reason string, now time.Time) (int64, error) {
	res := s.db(ctx).Model(&types.Step{}).
		Where("status IN ?", []types.StepStatus{types.StepStatusPending, types.StepStatusInProgress}).
		Updates(map[string]any{
			"status":       types.StepStatusFailed,
			"error":        reason,
			"completed_at": now,
		})
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
