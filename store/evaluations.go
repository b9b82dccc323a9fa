package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/agentroom/types"
)

// CreateEvaluation inserts a new evaluation row.
func (s *GormStore) CreateEvaluation(ctx context.Context, eval *types.Evaluation) error {
	if err := s.db(ctx).Create(eval).Error; err != nil {
		return duplicate(err, "evaluation", eval.ID)
	}
	return nil
}

// UpdateEvaluation writes the verdict fields.
func (s *GormStore) UpdateEvaluation(ctx context.Context, eval *types.Evaluation) error {
	res := s.db(ctx).Model(eval).
		Select("status", "result", "score", "feedback", "suggestions", "is_approved",
			"requires_revision", "parsed_from_default", "error", "evaluated_at").
		Updates(eval)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "evaluation", eval.ID)
	}
	return nil
}

// ListEvaluations returns evaluations in creation order.
func (s *GormStore) ListEvaluations(ctx context.Context, taskID string, round int) ([]*types.Evaluation, error) {
	q := s.db(ctx).Where("task_id = ?", taskID)
	if round > 0 {
		q = q.Where("round = ?", round)
	}
	var evals []*types.Evaluation
	err := q.Order("round").Order("created_at").Order("id").Find(&evals).Error
	return evals, err
}

// FailOpenEvaluations closes evaluations abandoned by a previous process.
func (s *GormStore) FailOpenEvaluations(ctx context.Context, reason string, now time.Time) (int64, error) {
	res := s.db(ctx).Model(&types.Evaluation{}).
		Where("status IN ?", []types.EvaluationStatus{types.EvaluationPending, types.EvaluationInProgress}).
		Updates(map[string]any{
			"status":            types.EvaluationFailed,
			"error":             reason,
			"is_approved":       false,
			"requires_revision": false,
			"evaluated_at":      now,
		})
	return res.RowsAffected, res.Error
}
