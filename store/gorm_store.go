package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentroom/internal/database"
	"github.com/BaSui01/agentroom/types"
)

// appendRetries bounds ordinal allocation retries on unique conflicts.
const appendRetries = 5

// GormStore implements Store on top of a database.PoolManager.
type GormStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a store backed by pool.
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{pool: pool, logger: logger.With(zap.String("component", "store"))}
}

// Models lists every persisted model, in dependency order.
func Models() []any {
	return []any{
		&types.Room{},
		&types.Member{},
		&types.Agent{},
		&types.Task{},
		&types.Step{},
		&types.Evaluation{},
		&types.Message{},
	}
}

// AutoMigrate creates the schema from the models. Production databases use
// internal/migration; this is for tests and throwaway sqlite files.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func (s *GormStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

func duplicate(err error, what, id string) error {
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", what, id, ErrAlreadyExists)
	}
	return err
}
