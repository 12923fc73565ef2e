package sqlite

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/example/attendance-tracker/internal/persistence"
	"github.com/example/attendance-tracker/internal/persistence/sqlite/migration"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Storage bundles the SQLite repositories over one connection pool.
type Storage struct {
	*SessionRepository
	*ParticipantRepository
	*IntervalRepository
	*QueueRepository

	pool   *ConnectionPool
	logger *slog.Logger
}

// Open connects to the database described by config. Call Migrate before use.
func Open(config migration.SQLiteConfig, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := NewConnectionPool(config)
	if err != nil {
		return nil, err
	}
	return &Storage{
		SessionRepository:     NewSessionRepository(pool),
		ParticipantRepository: NewParticipantRepository(pool),
		IntervalRepository:    NewIntervalRepository(pool),
		QueueRepository:       NewQueueRepository(pool),
		pool:                  pool,
		logger:                logger,
	}, nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.pool.Close()
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema migrations and returns how many ran.
func (s *Storage) Migrate(ctx context.Context) (int, error) {
	applied, err := s.migrations().RunMigrations(ctx)
	if err != nil {
		return applied, fmt.Errorf("failed to migrate database: %w", err)
	}
	return applied, nil
}

// MigrationStatus reports applied and pending embedded migrations.
func (s *Storage) MigrationStatus(ctx context.Context) (migration.Status, error) {
	return s.migrations().Status(ctx)
}

func (s *Storage) migrations() *migration.Manager {
	return migration.NewManager(
		migration.NewScanner(migrationFiles, "migrations"),
		migration.NewSQLiteExecutor(s.pool.DB()),
		s.logger,
	)
}

var (
	_ persistence.SessionRepository     = (*Storage)(nil)
	_ persistence.ParticipantRepository = (*Storage)(nil)
	_ persistence.IntervalRepository    = (*Storage)(nil)
	_ persistence.QueueRepository       = (*Storage)(nil)
)
