package store

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/donkeylabs/execore/internal/errorsx"
)

type processSQLAdapter struct {
	db      *gorm.DB
	stopped *atomic.Bool
}

func (a *processSQLAdapter) Create(dbc DBContext, proc *ManagedProcess) (*ManagedProcess, error) {
	if a.stopped.Load() {
		return nil, errorsx.AdapterStopped()
	}
	if proc.ID == uuid.Nil {
		proc.ID = uuid.New()
	}
	now := time.Now()
	proc.CreatedAt = now
	proc.UpdatedAt = now
	if err := tx(dbc, a.db).Create(proc).Error; err != nil {
		return nil, err
	}
	return proc, nil
}

func (a *processSQLAdapter) Get(dbc DBContext, id uuid.UUID) (*ManagedProcess, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var p ManagedProcess
	err := tx(dbc, a.db).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *processSQLAdapter) GetByName(dbc DBContext, name string) (*ManagedProcess, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var p ManagedProcess
	err := tx(dbc, a.db).Where("name = ?", name).Order("created_at desc").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *processSQLAdapter) Update(dbc DBContext, id uuid.UUID, updates map[string]any) error {
	if a.stopped.Load() {
		return nil
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	return tx(dbc, a.db).Model(&ManagedProcess{}).Where("id = ?", id).Updates(updates).Error
}

func (a *processSQLAdapter) Delete(dbc DBContext, id uuid.UUID) (bool, error) {
	if a.stopped.Load() {
		return false, nil
	}
	res := tx(dbc, a.db).Where("id = ?", id).Delete(&ManagedProcess{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (a *processSQLAdapter) GetByStatus(dbc DBContext, status ProcessStatus, f Filters) ([]*ManagedProcess, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var out []*ManagedProcess
	err := applyFilters(tx(dbc, a.db).Where("status = ?", status), f).Order("created_at asc").Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *processSQLAdapter) GetRunning(dbc DBContext, f Filters) ([]*ManagedProcess, error) {
	return a.GetByStatus(dbc, ManagedRunning, f)
}

func (a *processSQLAdapter) GetOrphaned(dbc DBContext, heartbeatTimeout time.Duration, now time.Time) ([]*ManagedProcess, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	cutoff := now.Add(-heartbeatTimeout)
	var out []*ManagedProcess
	err := tx(dbc, a.db).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", ManagedRunning, cutoff).
		Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *processSQLAdapter) GetAll(dbc DBContext, f Filters) ([]*ManagedProcess, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	q := tx(dbc, a.db)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Name != "" {
		q = q.Where("name = ?", f.Name)
	}
	var out []*ManagedProcess
	err := applyFilters(q, f).Order("created_at asc").Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *processSQLAdapter) DeleteTerminalBefore(dbc DBContext, cutoff time.Time) (int64, error) {
	if a.stopped.Load() {
		return 0, nil
	}
	terminal := []ProcessStatus{ManagedStopped, ManagedDead, ManagedCrashed}
	res := tx(dbc, a.db).
		Where("status IN ? AND stopped_at < ?", terminal, cutoff).
		Delete(&ManagedProcess{})
	if missingTable(res.Error) {
		return 0, nil
	}
	return res.RowsAffected, res.Error
}
