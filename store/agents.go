package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentroom/types"
)

// agentConfigColumns are overwritten on upsert. current_load is runtime state
// and survives a re-sync.
var agentConfigColumns = []string{
	"name", "role", "specialization", "model", "system_prompt", "temperature",
	"max_tokens", "is_active", "is_available", "max_concurrent_tasks", "updated_at",
}

// UpsertAgent inserts the agent or refreshes its configuration.
func (s *GormStore) UpsertAgent(ctx context.Context, agent *types.Agent) error {
	return s.db(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(agentConfigColumns),
	}).Create(agent).Error
}

// GetAgent loads an agent by id.
func (s *GormStore) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	var agent types.Agent
	if err := s.db(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		return nil, notFound(err, "agent", agentID)
	}
	return &agent, nil
}

// ListAgents returns agents ordered by load then id.
func (s *GormStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error) {
	q := s.db(ctx).Model(&types.Agent{})
	if filter.Role != "" {
		q = q.Where("role = ?", filter.Role)
	}
	if len(filter.Specializations) > 0 {
		q = q.Where("COALESCE(specialization, '') IN ?", filter.Specializations)
	}
	if filter.Eligible {
		q = q.Where("is_active = ? AND is_available = ? AND current_load < max_concurrent_tasks", true, true)
	}
	var agents []*types.Agent
	err := q.Order("current_load").Order("id").Find(&agents).Error
	return agents, err
}

// TryReserve increments current_load only while the agent stays eligible.
func (s *GormStore) TryReserve(ctx context.Context, agentID string) (bool, error) {
	res := s.db(ctx).Model(&types.Agent{}).
		Where("id = ? AND is_active = ? AND is_available = ? AND current_load < max_concurrent_tasks", agentID, true, true).
		UpdateColumn("current_load", gorm.Expr("current_load + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release decrements current_load, never below zero.
func (s *GormStore) Release(ctx context.Context, agentID string) error {
	return s.db(ctx).Model(&types.Agent{}).
		Where("id = ? AND current_load > 0", agentID).
		UpdateColumn("current_load", gorm.Expr("current_load - 1")).Error
}

// ResetLoads zeroes every load counter.
func (s *GormStore) ResetLoads(ctx context.Context) error {
	return s.db(ctx).Model(&types.Agent{}).
		Where("current_load <> 0").
		UpdateColumn("current_load", 0).Error
}
