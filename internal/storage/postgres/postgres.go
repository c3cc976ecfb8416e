// Package postgres implements PostgreSQL-backed storage for Veritas using GORM.
// The repositories are dialect-neutral and are reused by the SQLite backend.
// GORM models never leave this package.
package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/veritas/internal/storage"
)

// Pool defaults.
const (
	defaultMaxOpen     = 25
	defaultMaxIdle     = 5
	defaultMaxLifetime = 30 * time.Minute
	defaultMaxIdleTime = 10 * time.Minute
)

// Config configures the PostgreSQL connection and pool.
// Zero values select the pool defaults.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	SlowQuery       time.Duration
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*Repositories
}

// Open connects to PostgreSQL and sizes the connection pool.
// Tables are created by Migrate.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger, cfg.SlowQuery),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := orDefault(cfg.MaxOpenConns, defaultMaxOpen)
	maxIdle := orDefault(cfg.MaxIdleConns, defaultMaxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(orDefault(cfg.ConnMaxLifetime, defaultMaxLifetime))
	sqlDB.SetConnMaxIdleTime(orDefault(cfg.ConnMaxIdleTime, defaultMaxIdleTime))

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)
	return &Store{Repositories: NewRepositories(db)}, nil
}

func (s *Store) Driver() string { return storage.DriverPostgres }

// Models returns every GORM model owned by the store.
func Models() []any {
	return []any{
		&ResponseModel{},
		&ExecutionModel{},
		&TicketModel{},
		&AuditEntryModel{},
		&CacheEntryModel{},
		&ReviewItemModel{},
		&JobModel{},
		&BudgetCounterModel{},
		&ActionWindowModel{},
	}
}

var _ storage.Store = (*Store)(nil)
