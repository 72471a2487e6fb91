package store

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/donkeylabs/execore/internal/errorsx"
)

// jobSQLAdapter is the GORM-backed JobAdapter. Claim is the one operation
// that must be a single atomic statement: a conditional UPDATE guarded by
// "status = pending" is atomic under both Postgres and SQLite without
// needing an explicit SELECT ... FOR UPDATE, which is what makes running
// several jobs-engine instances against the same table safe (each id is
// claimed at most once).
type jobSQLAdapter struct {
	db      *gorm.DB
	stopped *atomic.Bool
}

func (a *jobSQLAdapter) Create(dbc DBContext, job *Job) (*Job, error) {
	if a.stopped.Load() {
		return nil, errorsx.AdapterStopped()
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := tx(dbc, a.db).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (a *jobSQLAdapter) Get(dbc DBContext, id uuid.UUID) (*Job, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var j Job
	err := tx(dbc, a.db).Where("id = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (a *jobSQLAdapter) Update(dbc DBContext, id uuid.UUID, updates map[string]any) error {
	if a.stopped.Load() {
		return nil
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	return tx(dbc, a.db).Model(&Job{}).Where("id = ?", id).Updates(updates).Error
}

func (a *jobSQLAdapter) Delete(dbc DBContext, id uuid.UUID) (bool, error) {
	if a.stopped.Load() {
		return false, nil
	}
	res := tx(dbc, a.db).Where("id = ?", id).Delete(&Job{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (a *jobSQLAdapter) GetByStatus(dbc DBContext, status JobStatus, f Filters) ([]*Job, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var out []*Job
	q := applyFilters(tx(dbc, a.db).Where("status = ?", status), f).Order("created_at asc")
	err := q.Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *jobSQLAdapter) GetByName(dbc DBContext, name string, status JobStatus, f Filters) ([]*Job, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	q := tx(dbc, a.db).Where("name = ?", name)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*Job
	err := applyFilters(q, f).Order("created_at asc").Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *jobSQLAdapter) GetRunning(dbc DBContext, f Filters) ([]*Job, error) {
	return a.GetByStatus(dbc, JobRunning, f)
}

func (a *jobSQLAdapter) GetRunningExternal(dbc DBContext) ([]*Job, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var out []*Job
	err := tx(dbc, a.db).
		Where("status = ? AND external = ?", JobRunning, true).
		Order("created_at asc").
		Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *jobSQLAdapter) GetAll(dbc DBContext, f Filters) ([]*Job, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var out []*Job
	q := tx(dbc, a.db)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Name != "" {
		q = q.Where("name = ?", f.Name)
	}
	err := applyFilters(q, f).Order("created_at asc").Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *jobSQLAdapter) GetScheduledReady(dbc DBContext, now time.Time) ([]*Job, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var out []*Job
	err := tx(dbc, a.db).
		Where("status = ? AND run_at <= ?", JobScheduled, now).
		Order("run_at asc").
		Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

// Claim atomically transitions id from pending to running. The WHERE clause
// re-checks status in the same statement the UPDATE runs, so two concurrent
// callers racing on the same id can never both see RowsAffected > 0.
func (a *jobSQLAdapter) Claim(dbc DBContext, id uuid.UUID) (bool, error) {
	if a.stopped.Load() {
		return false, errorsx.AdapterStopped()
	}
	now := time.Now()
	res := tx(dbc, a.db).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobPending).
		Updates(map[string]any{
			"status":     JobRunning,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (a *jobSQLAdapter) DeleteTerminalBefore(dbc DBContext, cutoff time.Time) (int64, error) {
	if a.stopped.Load() {
		return 0, nil
	}
	res := tx(dbc, a.db).
		Where("status IN ? AND completed_at < ?", []JobStatus{JobCompleted, JobFailed}, cutoff).
		Delete(&Job{})
	if missingTable(res.Error) {
		return 0, nil
	}
	return res.RowsAffected, res.Error
}

func applyFilters(q *gorm.DB, f Filters) *gorm.DB {
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	return q
}
