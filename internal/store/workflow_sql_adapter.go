package store

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/donkeylabs/execore/internal/errorsx"
)

type workflowSQLAdapter struct {
	db      *gorm.DB
	stopped *atomic.Bool
}

func (a *workflowSQLAdapter) Create(dbc DBContext, inst *WorkflowInstance) (*WorkflowInstance, error) {
	if a.stopped.Load() {
		return nil, errorsx.AdapterStopped()
	}
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	now := time.Now()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	if err := tx(dbc, a.db).Create(inst).Error; err != nil {
		return nil, err
	}
	return inst, nil
}

func (a *workflowSQLAdapter) Get(dbc DBContext, id uuid.UUID) (*WorkflowInstance, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var inst WorkflowInstance
	err := tx(dbc, a.db).Where("id = ?", id).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (a *workflowSQLAdapter) Update(dbc DBContext, id uuid.UUID, updates map[string]any) error {
	if a.stopped.Load() {
		return nil
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	return tx(dbc, a.db).Model(&WorkflowInstance{}).Where("id = ?", id).Updates(updates).Error
}

func (a *workflowSQLAdapter) Delete(dbc DBContext, id uuid.UUID) (bool, error) {
	if a.stopped.Load() {
		return false, nil
	}
	res := tx(dbc, a.db).Where("id = ?", id).Delete(&WorkflowInstance{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (a *workflowSQLAdapter) GetByStatus(dbc DBContext, status WorkflowInstanceStatus, f Filters) ([]*WorkflowInstance, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	var out []*WorkflowInstance
	err := applyFilters(tx(dbc, a.db).Where("status = ?", status), f).Order("created_at asc").Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *workflowSQLAdapter) GetByName(dbc DBContext, name string, status WorkflowInstanceStatus, f Filters) ([]*WorkflowInstance, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	q := tx(dbc, a.db).Where("workflow_name = ?", name)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*WorkflowInstance
	err := applyFilters(q, f).Order("created_at asc").Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *workflowSQLAdapter) GetRunning(dbc DBContext, f Filters) ([]*WorkflowInstance, error) {
	return a.GetByStatus(dbc, WorkflowRunning, f)
}

func (a *workflowSQLAdapter) GetOrphaned(dbc DBContext, heartbeatTimeout time.Duration, now time.Time) ([]*WorkflowInstance, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	running, err := a.GetByStatus(dbc, WorkflowRunning, Filters{})
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-heartbeatTimeout)
	var out []*WorkflowInstance
	for _, inst := range running {
		hint, ok := WatchdogHintFrom(inst.Metadata)
		if !ok {
			continue
		}
		if hint.LastHeartbeat.Before(cutoff) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (a *workflowSQLAdapter) GetAll(dbc DBContext, f Filters) ([]*WorkflowInstance, error) {
	if a.stopped.Load() {
		return nil, nil
	}
	q := tx(dbc, a.db)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Name != "" {
		q = q.Where("workflow_name = ?", f.Name)
	}
	var out []*WorkflowInstance
	err := applyFilters(q, f).Order("created_at asc").Find(&out).Error
	if missingTable(err) {
		return nil, nil
	}
	return out, err
}

func (a *workflowSQLAdapter) DeleteTerminalBefore(dbc DBContext, cutoff time.Time) (int64, error) {
	if a.stopped.Load() {
		return 0, nil
	}
	terminal := []WorkflowInstanceStatus{WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowTimedOut}
	res := tx(dbc, a.db).
		Where("status IN ? AND completed_at < ?", terminal, cutoff).
		Delete(&WorkflowInstance{})
	if missingTable(res.Error) {
		return 0, nil
	}
	return res.RowsAffected, res.Error
}

// WatchdogHintFrom extracts the reserved metadata.__watchdog sub-object
// used to police isolated workflow subprocesses.
func WatchdogHintFrom(meta map[string]any) (WatchdogHint, bool) {
	raw, ok := meta["__watchdog"]
	if !ok {
		return WatchdogHint{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return WatchdogHint{}, false
	}
	hint := WatchdogHint{}
	switch pid := m["pid"].(type) {
	case float64:
		hint.PID = int(pid)
	case int:
		hint.PID = pid
	}
	switch hb := m["lastHeartbeat"].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, hb); err == nil {
			hint.LastHeartbeat = t
		}
	}
	return hint, hint.PID != 0
}
