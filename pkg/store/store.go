// Package store persists sessions, the pending message queue, and extracted
// records in a single sqlite database.
//
// The store is the single source of truth for queue state and is safe for
// concurrent use from all session consumers plus the recovery coordinator.
// SQLite is opened in WAL mode with a busy timeout and a single connection,
// which serializes writers and makes the claim transaction atomic without
// advisory locks. Row-level claims are scoped by session id, so consumers for
// different sessions never contend on the same rows.
package store

import (
	"errors"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ucalyptus/open-mem/pkg/memory"
)

// Config holds store configuration.
type Config struct {
	// Path is the sqlite database path. Tests pass "file::memory:".
	Path string

	// Debug enables SQL statement logging.
	Debug bool
}

// Store wraps the gorm handle and exposes the queue, session, and record
// operations the rest of the system is built on.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the sqlite store at cfg.Path and runs
// migrations. The caller owns the returned store and must Close it.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)

	logLevel := gormlogger.Warn
	if cfg.Debug {
		logLevel = gormlogger.Info
	}
	gormLogger := gormlogger.New(
		log.New(&zapio.Writer{Log: logger, Level: zapcore.DebugLevel}, "", 0),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection prevents "database is locked" errors and serializes
	// the claim transaction against the recovery coordinator's reclaim pass.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// migrate runs all automigrations. Keep the model list in one place.
func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&memory.Session{},
		&memory.PendingMessage{},
		&memory.Observation{},
		&memory.Summary{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
