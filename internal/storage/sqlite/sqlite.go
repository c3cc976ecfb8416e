// Package sqlite opens the GORM repositories over an embedded SQLite file
// through the pure-Go glebarez driver.
//
// JSON columns are stored as TEXT. The pool is capped at one connection so
// that conditional updates in the repositories stay atomic.
package sqlite

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/veritas/internal/storage"
	pgstore "github.com/jkaninda/veritas/internal/storage/postgres"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const busyTimeoutMS = 5000

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // database file, or MemoryPath
	JournalMode string // defaults to wal
	SlowQuery   time.Duration
}

// dsn builds the driver connection string with pragmas.
func (c Config) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(ON)")
	if c.Path == MemoryPath {
		return "file::memory:?" + q.Encode()
	}
	mode := c.JournalMode
	if mode == "" {
		mode = "wal"
	}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", mode))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	return c.Path + "?" + q.Encode()
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	*pgstore.Repositories
}

// Open creates the database file if needed and returns an unmigrated Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.Path != MemoryPath {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger, cfg.SlowQuery),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{Repositories: pgstore.NewRepositories(db)}, nil
}

func (s *Store) Driver() string { return storage.DriverSQLite }

var _ storage.Store = (*Store)(nil)
