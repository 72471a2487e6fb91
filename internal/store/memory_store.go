package store

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/donkeylabs/execore/internal/errorsx"
)

// memoryStore is the behavior-compatible in-memory Store used by tests and
// by the subprocess bootstrap when no shared database is configured. It
// honors the same contracts as the SQL adapters: partial updates keyed by
// column name, claim as an atomic check-and-set, stopped-state swallowing,
// and copies returned from every selector so a caller can never mutate a
// record the store still owns.
type memoryStore struct {
	mu      sync.RWMutex
	stopped atomic.Bool

	jobs      map[uuid.UUID]*Job
	instances map[uuid.UUID]*WorkflowInstance
	processes map[uuid.UUID]*ManagedProcess
}

// OpenMemory constructs an empty in-memory Store.
func OpenMemory() Store {
	return &memoryStore{
		jobs:      make(map[uuid.UUID]*Job),
		instances: make(map[uuid.UUID]*WorkflowInstance),
		processes: make(map[uuid.UUID]*ManagedProcess),
	}
}

func (s *memoryStore) Jobs() JobAdapter                           { return &memJobAdapter{s: s} }
func (s *memoryStore) WorkflowInstances() WorkflowInstanceAdapter { return &memWorkflowAdapter{s: s} }
func (s *memoryStore) ManagedProcesses() ManagedProcessAdapter    { return &memProcessAdapter{s: s} }

func (s *memoryStore) Close() error {
	s.stopped.Store(true)
	return nil
}

// ---------- jobs ----------

type memJobAdapter struct{ s *memoryStore }

func (a *memJobAdapter) Create(_ DBContext, job *Job) (*Job, error) {
	if a.s.stopped.Load() {
		return nil, errAdapterStopped()
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	cp := *job
	a.s.jobs[job.ID] = &cp
	return job, nil
}

func (a *memJobAdapter) Get(_ DBContext, id uuid.UUID) (*Job, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	j, ok := a.s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (a *memJobAdapter) Update(_ DBContext, id uuid.UUID, updates map[string]any) error {
	if a.s.stopped.Load() || len(updates) == 0 {
		return nil
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	j, ok := a.s.jobs[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		applyJobUpdate(j, k, v)
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (a *memJobAdapter) Delete(_ DBContext, id uuid.UUID) (bool, error) {
	if a.s.stopped.Load() {
		return false, nil
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	_, ok := a.s.jobs[id]
	delete(a.s.jobs, id)
	return ok, nil
}

func (a *memJobAdapter) GetByStatus(_ DBContext, status JobStatus, f Filters) ([]*Job, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectJobs(func(j *Job) bool { return j.Status == status }, f, byCreatedAt), nil
}

func (a *memJobAdapter) GetByName(_ DBContext, name string, status JobStatus, f Filters) ([]*Job, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectJobs(func(j *Job) bool {
		return j.Name == name && (status == "" || j.Status == status)
	}, f, byCreatedAt), nil
}

func (a *memJobAdapter) GetRunning(dbc DBContext, f Filters) ([]*Job, error) {
	return a.GetByStatus(dbc, JobRunning, f)
}

func (a *memJobAdapter) GetRunningExternal(_ DBContext) ([]*Job, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectJobs(func(j *Job) bool { return j.Status == JobRunning && j.External }, Filters{}, byCreatedAt), nil
}

func (a *memJobAdapter) GetAll(_ DBContext, f Filters) ([]*Job, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectJobs(func(j *Job) bool {
		if f.Status != "" && string(j.Status) != f.Status {
			return false
		}
		if f.Name != "" && j.Name != f.Name {
			return false
		}
		return true
	}, f, byCreatedAt), nil
}

func (a *memJobAdapter) GetScheduledReady(_ DBContext, now time.Time) ([]*Job, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectJobs(func(j *Job) bool {
		return j.Status == JobScheduled && j.RunAt != nil && !j.RunAt.After(now)
	}, Filters{}, byRunAt), nil
}

func (a *memJobAdapter) Claim(_ DBContext, id uuid.UUID) (bool, error) {
	if a.s.stopped.Load() {
		return false, errAdapterStopped()
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	j, ok := a.s.jobs[id]
	if !ok || j.Status != JobPending {
		return false, nil
	}
	now := time.Now()
	j.Status = JobRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (a *memJobAdapter) DeleteTerminalBefore(_ DBContext, cutoff time.Time) (int64, error) {
	if a.s.stopped.Load() {
		return 0, nil
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var n int64
	for id, j := range a.s.jobs {
		if (j.Status == JobCompleted || j.Status == JobFailed) &&
			j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(a.s.jobs, id)
			n++
		}
	}
	return n, nil
}

type jobOrder int

const (
	byCreatedAt jobOrder = iota
	byRunAt
)

func (a *memJobAdapter) selectJobs(match func(*Job) bool, f Filters, order jobOrder) []*Job {
	a.s.mu.RLock()
	var out []*Job
	for _, j := range a.s.jobs {
		if match(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	a.s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if order == byRunAt && out[i].RunAt != nil && out[k].RunAt != nil {
			return out[i].RunAt.Before(*out[k].RunAt)
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return applyMemFilters(out, f)
}

// ---------- workflow instances ----------

type memWorkflowAdapter struct{ s *memoryStore }

func (a *memWorkflowAdapter) Create(_ DBContext, inst *WorkflowInstance) (*WorkflowInstance, error) {
	if a.s.stopped.Load() {
		return nil, errAdapterStopped()
	}
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	now := time.Now()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	cp := cloneInstance(inst)
	a.s.instances[inst.ID] = cp
	return inst, nil
}

func (a *memWorkflowAdapter) Get(_ DBContext, id uuid.UUID) (*WorkflowInstance, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	inst, ok := a.s.instances[id]
	if !ok {
		return nil, nil
	}
	return cloneInstance(inst), nil
}

func (a *memWorkflowAdapter) Update(_ DBContext, id uuid.UUID, updates map[string]any) error {
	if a.s.stopped.Load() || len(updates) == 0 {
		return nil
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	inst, ok := a.s.instances[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		applyInstanceUpdate(inst, k, v)
	}
	inst.UpdatedAt = time.Now()
	return nil
}

func (a *memWorkflowAdapter) Delete(_ DBContext, id uuid.UUID) (bool, error) {
	if a.s.stopped.Load() {
		return false, nil
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	_, ok := a.s.instances[id]
	delete(a.s.instances, id)
	return ok, nil
}

func (a *memWorkflowAdapter) GetByStatus(_ DBContext, status WorkflowInstanceStatus, f Filters) ([]*WorkflowInstance, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectInstances(func(i *WorkflowInstance) bool { return i.Status == status }, f), nil
}

func (a *memWorkflowAdapter) GetByName(_ DBContext, name string, status WorkflowInstanceStatus, f Filters) ([]*WorkflowInstance, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectInstances(func(i *WorkflowInstance) bool {
		return i.WorkflowName == name && (status == "" || i.Status == status)
	}, f), nil
}

func (a *memWorkflowAdapter) GetRunning(dbc DBContext, f Filters) ([]*WorkflowInstance, error) {
	return a.GetByStatus(dbc, WorkflowRunning, f)
}

func (a *memWorkflowAdapter) GetOrphaned(_ DBContext, heartbeatTimeout time.Duration, now time.Time) ([]*WorkflowInstance, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	cutoff := now.Add(-heartbeatTimeout)
	return a.selectInstances(func(i *WorkflowInstance) bool {
		if i.Status != WorkflowRunning {
			return false
		}
		hint, ok := WatchdogHintFrom(i.Metadata)
		return ok && hint.LastHeartbeat.Before(cutoff)
	}, Filters{}), nil
}

func (a *memWorkflowAdapter) GetAll(_ DBContext, f Filters) ([]*WorkflowInstance, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectInstances(func(i *WorkflowInstance) bool {
		if f.Status != "" && string(i.Status) != f.Status {
			return false
		}
		if f.Name != "" && i.WorkflowName != f.Name {
			return false
		}
		return true
	}, f), nil
}

func (a *memWorkflowAdapter) DeleteTerminalBefore(_ DBContext, cutoff time.Time) (int64, error) {
	if a.s.stopped.Load() {
		return 0, nil
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var n int64
	for id, inst := range a.s.instances {
		switch inst.Status {
		case WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowTimedOut:
			if inst.CompletedAt != nil && inst.CompletedAt.Before(cutoff) {
				delete(a.s.instances, id)
				n++
			}
		}
	}
	return n, nil
}

func (a *memWorkflowAdapter) selectInstances(match func(*WorkflowInstance) bool, f Filters) []*WorkflowInstance {
	a.s.mu.RLock()
	var out []*WorkflowInstance
	for _, inst := range a.s.instances {
		if match(inst) {
			out = append(out, cloneInstance(inst))
		}
	}
	a.s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return applyMemFilters(out, f)
}

// ---------- managed processes ----------

type memProcessAdapter struct{ s *memoryStore }

func (a *memProcessAdapter) Create(_ DBContext, proc *ManagedProcess) (*ManagedProcess, error) {
	if a.s.stopped.Load() {
		return nil, errAdapterStopped()
	}
	if proc.ID == uuid.Nil {
		proc.ID = uuid.New()
	}
	now := time.Now()
	proc.CreatedAt = now
	proc.UpdatedAt = now
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	cp := *proc
	a.s.processes[proc.ID] = &cp
	return proc, nil
}

func (a *memProcessAdapter) Get(_ DBContext, id uuid.UUID) (*ManagedProcess, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	p, ok := a.s.processes[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (a *memProcessAdapter) GetByName(_ DBContext, name string) (*ManagedProcess, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	var latest *ManagedProcess
	for _, p := range a.s.processes {
		if p.Name != name {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (a *memProcessAdapter) Update(_ DBContext, id uuid.UUID, updates map[string]any) error {
	if a.s.stopped.Load() || len(updates) == 0 {
		return nil
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	p, ok := a.s.processes[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		applyProcessUpdate(p, k, v)
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (a *memProcessAdapter) Delete(_ DBContext, id uuid.UUID) (bool, error) {
	if a.s.stopped.Load() {
		return false, nil
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	_, ok := a.s.processes[id]
	delete(a.s.processes, id)
	return ok, nil
}

func (a *memProcessAdapter) GetByStatus(_ DBContext, status ProcessStatus, f Filters) ([]*ManagedProcess, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectProcesses(func(p *ManagedProcess) bool { return p.Status == status }, f), nil
}

func (a *memProcessAdapter) GetRunning(dbc DBContext, f Filters) ([]*ManagedProcess, error) {
	return a.GetByStatus(dbc, ManagedRunning, f)
}

func (a *memProcessAdapter) GetOrphaned(_ DBContext, heartbeatTimeout time.Duration, now time.Time) ([]*ManagedProcess, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	cutoff := now.Add(-heartbeatTimeout)
	return a.selectProcesses(func(p *ManagedProcess) bool {
		return p.Status == ManagedRunning &&
			(p.LastHeartbeat == nil || p.LastHeartbeat.Before(cutoff))
	}, Filters{}), nil
}

func (a *memProcessAdapter) GetAll(_ DBContext, f Filters) ([]*ManagedProcess, error) {
	if a.s.stopped.Load() {
		return nil, nil
	}
	return a.selectProcesses(func(p *ManagedProcess) bool {
		if f.Status != "" && string(p.Status) != f.Status {
			return false
		}
		if f.Name != "" && p.Name != f.Name {
			return false
		}
		return true
	}, f), nil
}

func (a *memProcessAdapter) DeleteTerminalBefore(_ DBContext, cutoff time.Time) (int64, error) {
	if a.s.stopped.Load() {
		return 0, nil
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var n int64
	for id, p := range a.s.processes {
		switch p.Status {
		case ManagedStopped, ManagedDead, ManagedCrashed:
			if p.StoppedAt != nil && p.StoppedAt.Before(cutoff) {
				delete(a.s.processes, id)
				n++
			}
		}
	}
	return n, nil
}

func (a *memProcessAdapter) selectProcesses(match func(*ManagedProcess) bool, f Filters) []*ManagedProcess {
	a.s.mu.RLock()
	var out []*ManagedProcess
	for _, p := range a.s.processes {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	a.s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return applyMemFilters(out, f)
}

// ---------- shared helpers ----------

func applyMemFilters[T any](in []T, f Filters) []T {
	if f.Offset > 0 {
		if f.Offset >= len(in) {
			return nil
		}
		in = in[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(in) {
		in = in[:f.Limit]
	}
	return in
}

func cloneInstance(inst *WorkflowInstance) *WorkflowInstance {
	cp := *inst
	cp.StepResults = cloneJSONMap(inst.StepResults)
	cp.BranchInstances = cloneJSONMap(inst.BranchInstances)
	cp.Metadata = cloneJSONMap(inst.Metadata)
	return &cp
}

func cloneJSONMap(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// applyJobUpdate mirrors GORM's column-keyed partial update onto the struct.
// Unknown keys are ignored, matching the SQL contract that a partial update
// touches only the fields it names.
func applyJobUpdate(j *Job, key string, v any) {
	switch key {
	case "status":
		j.Status = JobStatus(asString(v))
	case "run_at":
		j.RunAt = asTimePtr(v)
	case "started_at":
		j.StartedAt = asTimePtr(v)
	case "completed_at":
		j.CompletedAt = asTimePtr(v)
	case "attempts":
		j.Attempts = asInt(v)
	case "max_attempts":
		j.MaxAttempts = asInt(v)
	case "last_error":
		j.LastError = asString(v)
	case "last_error_at":
		j.LastErrorAt = asTimePtr(v)
	case "result":
		j.Result = asJSON(v)
	case "external":
		j.External = asBool(v)
	case "pid":
		j.PID = asIntPtr(v)
	case "socket_path":
		j.SocketPath = asString(v)
	case "tcp_port":
		j.TCPPort = asIntPtr(v)
	case "last_heartbeat":
		j.LastHeartbeat = asTimePtr(v)
	case "process_state":
		j.ProcessState = ProcessState(asString(v))
	}
}

func applyInstanceUpdate(inst *WorkflowInstance, key string, v any) {
	switch key {
	case "status":
		inst.Status = WorkflowInstanceStatus(asString(v))
	case "current_step":
		inst.CurrentStep = asString(v)
	case "input":
		inst.Input = asJSON(v)
	case "output":
		inst.Output = asJSON(v)
	case "error":
		inst.Error = asString(v)
	case "step_results":
		inst.StepResults = asJSONMap(v)
	case "branch_instances":
		inst.BranchInstances = asJSONMap(v)
	case "metadata":
		inst.Metadata = asJSONMap(v)
	case "started_at":
		inst.StartedAt = asTimePtr(v)
	case "completed_at":
		inst.CompletedAt = asTimePtr(v)
	case "branch_name":
		inst.BranchName = asString(v)
	}
}

func applyProcessUpdate(p *ManagedProcess, key string, v any) {
	switch key {
	case "status":
		p.Status = ProcessStatus(asString(v))
	case "pid":
		p.PID = asIntPtr(v)
	case "socket_path":
		p.SocketPath = asString(v)
	case "tcp_port":
		p.TCPPort = asIntPtr(v)
	case "started_at":
		p.StartedAt = asTimePtr(v)
	case "stopped_at":
		p.StoppedAt = asTimePtr(v)
	case "last_heartbeat":
		p.LastHeartbeat = asTimePtr(v)
	case "restart_count":
		p.RestartCount = asInt(v)
	case "consecutive_failures":
		p.ConsecutiveFailures = asInt(v)
	case "error":
		p.Error = asString(v)
	case "heartbeat_timeout_ms":
		p.HeartbeatTimeoutMs = asInt64(v)
	case "max_runtime_ms":
		p.MaxRuntimeMs = asInt64(v)
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case JobStatus:
		return string(t)
	case WorkflowInstanceStatus:
		return string(t)
	case ProcessStatus:
		return string(t)
	case ProcessState:
		return string(t)
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func asTimePtr(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		cp := t
		return &cp
	case *time.Time:
		if t == nil {
			return nil
		}
		cp := *t
		return &cp
	default:
		return nil
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asIntPtr(v any) *int {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		cp := t
		return &cp
	case *int:
		if t == nil {
			return nil
		}
		cp := *t
		return &cp
	case int64:
		cp := int(t)
		return &cp
	default:
		return nil
	}
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return false
	}
}

func asJSON(v any) datatypes.JSON {
	switch t := v.(type) {
	case nil:
		return nil
	case datatypes.JSON:
		return t
	case json.RawMessage:
		return datatypes.JSON(t)
	case []byte:
		return datatypes.JSON(t)
	case string:
		return datatypes.JSON(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return datatypes.JSON(b)
	}
}

func asJSONMap(v any) datatypes.JSONMap {
	switch t := v.(type) {
	case nil:
		return nil
	case datatypes.JSONMap:
		return cloneJSONMap(t)
	case map[string]any:
		return cloneJSONMap(datatypes.JSONMap(t))
	default:
		return nil
	}
}

func errAdapterStopped() error { return errorsx.AdapterStopped() }
