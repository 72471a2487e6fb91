package store

import (
	"fmt"
	"strings"
	"sync/atomic"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/donkeylabs/execore/internal/platform/config"
)

// sqlStore is the GORM-backed Store: Postgres in production, SQLite for
// local/dev and file-backed tests. stopped gates every adapter method so
// that calls issued after Close return the AdapterStopped contract (selects
// empty, updates no-op) instead of erroring against a dead connection.
type sqlStore struct {
	db      *gorm.DB
	stopped *atomic.Bool
}

// OpenSQL dials the configured driver and returns a Store. Callers still
// need to run migrations (see Migrate) before the tables exist; adapter
// reads during that boot window tolerate a missing table by returning empty
// results rather than erroring.
func OpenSQL(cfg *config.Config) (Store, error) {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "sqlite", "sqlite3":
		dsn := cfg.DatabaseDSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "":
		dialector = postgres.Open(cfg.DatabaseDSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.DatabaseDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	return &sqlStore{db: db, stopped: new(atomic.Bool)}, nil
}

// DB exposes the underlying GORM handle for migrations and embedder
// transactions.
func (s *sqlStore) DB() *gorm.DB { return s.db }

func (s *sqlStore) Jobs() JobAdapter {
	return &jobSQLAdapter{db: s.db, stopped: s.stopped}
}

func (s *sqlStore) WorkflowInstances() WorkflowInstanceAdapter {
	return &workflowSQLAdapter{db: s.db, stopped: s.stopped}
}

func (s *sqlStore) ManagedProcesses() ManagedProcessAdapter {
	return &processSQLAdapter{db: s.db, stopped: s.stopped}
}

// Close stops accepting new work from every adapter and closes the
// underlying connection pool. Per the adapter shutdown contract, already
// in-flight errors from a destroyed driver during a late tick are expected
// and swallowed by the adapters themselves, not here.
func (s *sqlStore) Close() error {
	s.stopped.Store(true)
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}

func tx(dbc DBContext, db *gorm.DB) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return db.WithContext(dbc.Ctx)
}

// missingTable reports whether err indicates the target table does not
// exist yet (the boot window before migrations run). Adapters use this to
// silently return an empty result instead of propagating a hard error.
func missingTable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"no such table", "does not exist", "relation", "doesn't exist"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
