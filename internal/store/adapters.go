package store

import (
	"time"

	"github.com/google/uuid"
)

// Filters narrows getAll selectors. A zero-value field is not applied.
type Filters struct {
	Status string
	Name   string
	Limit  int
	Offset int
}

// JobAdapter is the typed CRUD + atomic-claim interface for Job records.
// Claim is the concurrency primitive: it atomically transitions
// pending -> running only if the row is still pending, which is what makes
// running several jobs-engine instances against the same table safe.
type JobAdapter interface {
	Create(dbc DBContext, job *Job) (*Job, error)
	Get(dbc DBContext, id uuid.UUID) (*Job, error)
	Update(dbc DBContext, id uuid.UUID, updates map[string]any) error
	Delete(dbc DBContext, id uuid.UUID) (bool, error)

	GetByStatus(dbc DBContext, status JobStatus, f Filters) ([]*Job, error)
	GetByName(dbc DBContext, name string, status JobStatus, f Filters) ([]*Job, error)
	GetRunning(dbc DBContext, f Filters) ([]*Job, error)
	GetRunningExternal(dbc DBContext) ([]*Job, error)
	GetAll(dbc DBContext, f Filters) ([]*Job, error)
	GetScheduledReady(dbc DBContext, now time.Time) ([]*Job, error)

	// Claim atomically transitions a pending job to running, recording
	// startedAt, and reports whether this caller won the claim.
	Claim(dbc DBContext, id uuid.UUID) (bool, error)

	DeleteTerminalBefore(dbc DBContext, cutoff time.Time) (int64, error)
}

// WorkflowInstanceAdapter is the typed CRUD interface for WorkflowInstance
// records.
type WorkflowInstanceAdapter interface {
	Create(dbc DBContext, inst *WorkflowInstance) (*WorkflowInstance, error)
	Get(dbc DBContext, id uuid.UUID) (*WorkflowInstance, error)
	Update(dbc DBContext, id uuid.UUID, updates map[string]any) error
	Delete(dbc DBContext, id uuid.UUID) (bool, error)

	GetByStatus(dbc DBContext, status WorkflowInstanceStatus, f Filters) ([]*WorkflowInstance, error)
	GetByName(dbc DBContext, name string, status WorkflowInstanceStatus, f Filters) ([]*WorkflowInstance, error)
	GetRunning(dbc DBContext, f Filters) ([]*WorkflowInstance, error)
	GetOrphaned(dbc DBContext, heartbeatTimeout time.Duration, now time.Time) ([]*WorkflowInstance, error)
	GetAll(dbc DBContext, f Filters) ([]*WorkflowInstance, error)

	DeleteTerminalBefore(dbc DBContext, cutoff time.Time) (int64, error)
}

// ManagedProcessAdapter is the typed CRUD interface for ManagedProcess
// records.
type ManagedProcessAdapter interface {
	Create(dbc DBContext, proc *ManagedProcess) (*ManagedProcess, error)
	Get(dbc DBContext, id uuid.UUID) (*ManagedProcess, error)
	GetByName(dbc DBContext, name string) (*ManagedProcess, error)
	Update(dbc DBContext, id uuid.UUID, updates map[string]any) error
	Delete(dbc DBContext, id uuid.UUID) (bool, error)

	GetByStatus(dbc DBContext, status ProcessStatus, f Filters) ([]*ManagedProcess, error)
	GetRunning(dbc DBContext, f Filters) ([]*ManagedProcess, error)
	GetOrphaned(dbc DBContext, heartbeatTimeout time.Duration, now time.Time) ([]*ManagedProcess, error)
	GetAll(dbc DBContext, f Filters) ([]*ManagedProcess, error)

	DeleteTerminalBefore(dbc DBContext, cutoff time.Time) (int64, error)
}

// Store bundles all three adapters plus the underlying connection lifecycle.
type Store interface {
	Jobs() JobAdapter
	WorkflowInstances() WorkflowInstanceAdapter
	ManagedProcesses() ManagedProcessAdapter
	Close() error
}
