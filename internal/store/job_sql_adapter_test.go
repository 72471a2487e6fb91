package store

import (
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func mockGorm(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return db, mock
}

// The claim must be one conditional UPDATE whose WHERE re-checks
// status=pending in the same statement, and the adapter must report the win
// purely from the statement's affected-row count.
func TestJobSQLAdapter_ClaimIsConditionalUpdate(t *testing.T) {
	db, mock := mockGorm(t)
	adapter := &jobSQLAdapter{db: db, stopped: new(atomic.Bool)}
	id := uuid.New()

	mock.ExpectExec(`UPDATE "jobs" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := adapter.Claim(Background(), id)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobSQLAdapter_ClaimLostRace(t *testing.T) {
	db, mock := mockGorm(t)
	adapter := &jobSQLAdapter{db: db, stopped: new(atomic.Bool)}
	id := uuid.New()

	// Another worker already flipped the row off pending: zero rows affected.
	mock.ExpectExec(`UPDATE "jobs" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := adapter.Claim(Background(), id)
	require.NoError(t, err)
	require.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobSQLAdapter_StoppedSwallowsAccess(t *testing.T) {
	db, _ := mockGorm(t)
	stopped := new(atomic.Bool)
	stopped.Store(true)
	adapter := &jobSQLAdapter{db: db, stopped: stopped}

	// No SQL expectations set: a stopped adapter must not touch the driver.
	got, err := adapter.Get(Background(), uuid.New())
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, adapter.Update(Background(), uuid.New(), map[string]any{"attempts": 1}))
}
