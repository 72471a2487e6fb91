// Package store implements the persistence adapters shared by the jobs
// engine, process supervisor, and workflow state machine: typed CRUD plus
// the atomic claim primitive that lets multiple instances share one queue
// safely. Every adapter comes in two flavors, a GORM/SQL backend (Postgres
// in production, SQLite for local/dev) and a behavior-compatible in-memory
// backend for tests.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus enumerates the lifecycle of a Job record.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ProcessState further qualifies an externally-spawned job's liveness.
type ProcessState string

const (
	ProcessSpawning     ProcessState = "spawning"
	ProcessRunning      ProcessState = "running"
	ProcessOrphaned     ProcessState = "orphaned"
	ProcessReconnecting ProcessState = "reconnecting"
)

// Job is one unit of queued work, in-process or externally spawned.
type Job struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string         `gorm:"column:name;not null;index" json:"name"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Status      JobStatus      `gorm:"column:status;not null;index" json:"status"`
	RunAt       *time.Time     `gorm:"column:run_at;index" json:"run_at,omitempty"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at;index" json:"completed_at,omitempty"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"column:max_attempts;not null;default:1" json:"max_attempts"`
	LastError   string         `gorm:"column:last_error" json:"last_error,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	Result      datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`

	External      bool         `gorm:"column:external;not null;default:false" json:"external"`
	PID           *int         `gorm:"column:pid" json:"pid,omitempty"`
	SocketPath    string       `gorm:"column:socket_path" json:"socket_path,omitempty"`
	TCPPort       *int         `gorm:"column:tcp_port" json:"tcp_port,omitempty"`
	LastHeartbeat *time.Time   `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	ProcessState  ProcessState `gorm:"column:process_state" json:"process_state,omitempty"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Job) TableName() string { return "jobs" }

// WorkflowInstanceStatus enumerates the lifecycle of a WorkflowInstance.
type WorkflowInstanceStatus string

const (
	WorkflowPending   WorkflowInstanceStatus = "pending"
	WorkflowRunning   WorkflowInstanceStatus = "running"
	WorkflowCompleted WorkflowInstanceStatus = "completed"
	WorkflowFailed    WorkflowInstanceStatus = "failed"
	WorkflowCancelled WorkflowInstanceStatus = "cancelled"
	WorkflowTimedOut  WorkflowInstanceStatus = "timed_out"
)

// StepStatus enumerates the lifecycle of a single step's result within a
// WorkflowInstance's StepResults map. Monotone: once completed or failed, a
// step never returns to running.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult records one step's execution history within an instance.
type StepResult struct {
	Status       StepStatus      `json:"status"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Attempts     int             `json:"attempts"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	PollCount    int             `json:"pollCount,omitempty"`
	LoopCount    int             `json:"loopCount,omitempty"`
	LastPolledAt *time.Time      `json:"lastPolledAt,omitempty"`
	LastLoopedAt *time.Time      `json:"lastLoopedAt,omitempty"`
}

// WorkflowInstance is a run of a named workflow definition.
type WorkflowInstance struct {
	ID              uuid.UUID              `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowName    string                 `gorm:"column:workflow_name;not null;index" json:"workflow_name"`
	Status          WorkflowInstanceStatus `gorm:"column:status;not null;index" json:"status"`
	CurrentStep     string                 `gorm:"column:current_step" json:"current_step,omitempty"`
	Input           datatypes.JSON         `gorm:"column:input;type:jsonb" json:"input"`
	Output          datatypes.JSON         `gorm:"column:output;type:jsonb" json:"output,omitempty"`
	Error           string                 `gorm:"column:error" json:"error,omitempty"`
	StepResults     datatypes.JSONMap      `gorm:"column:step_results;type:jsonb" json:"step_results,omitempty"`
	BranchInstances datatypes.JSONMap      `gorm:"column:branch_instances;type:jsonb" json:"branch_instances,omitempty"`
	ParentID        *uuid.UUID             `gorm:"column:parent_id;index" json:"parent_id,omitempty"`
	BranchName      string                 `gorm:"column:branch_name" json:"branch_name,omitempty"`
	Metadata        datatypes.JSONMap      `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at;index" json:"completed_at,omitempty"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (WorkflowInstance) TableName() string { return "workflow_instances" }

// WatchdogHint is the reserved `metadata.__watchdog` sub-object tracked for
// isolated workflows so the watchdog can police the subprocess.
type WatchdogHint struct {
	PID           int       `json:"pid"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// ProcessStatus enumerates the lifecycle of a ManagedProcess.
type ProcessStatus string

const (
	ManagedSpawning ProcessStatus = "spawning"
	ManagedRunning  ProcessStatus = "running"
	ManagedOrphaned ProcessStatus = "orphaned"
	ManagedCrashed  ProcessStatus = "crashed"
	ManagedStopped  ProcessStatus = "stopped"
	ManagedDead     ProcessStatus = "dead"
)

// RestartMode selects when a ManagedProcess is respawned after it exits.
type RestartMode string

const (
	RestartNever     RestartMode = "never"
	RestartOnFailure RestartMode = "on-failure"
	RestartAlways    RestartMode = "always"
)

// RestartPolicy governs whether and how a ManagedProcess is respawned after
// it exits or is killed.
type RestartPolicy struct {
	Mode                   RestartMode `json:"mode"`
	MaxConsecutiveFailures int         `json:"maxConsecutiveFailures"`
	BackoffMs              int64       `json:"backoffMs"`
}

// ManagedProcess is a long-lived supervised child.
type ManagedProcess struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string        `gorm:"column:name;not null;index" json:"name"`
	PID        *int          `gorm:"column:pid" json:"pid,omitempty"`
	SocketPath string        `gorm:"column:socket_path" json:"socket_path,omitempty"`
	TCPPort    *int          `gorm:"column:tcp_port" json:"tcp_port,omitempty"`
	Status     ProcessStatus `gorm:"column:status;not null;index" json:"status"`

	Command            string         `gorm:"column:command;not null" json:"command"`
	Args               datatypes.JSON `gorm:"column:args;type:jsonb" json:"args,omitempty"`
	Env                datatypes.JSON `gorm:"column:env;type:jsonb" json:"env,omitempty"`
	Cwd                string         `gorm:"column:cwd" json:"cwd,omitempty"`
	HeartbeatTimeoutMs int64          `gorm:"column:heartbeat_timeout_ms;not null" json:"heartbeat_timeout_ms"`
	MaxRuntimeMs       int64          `gorm:"column:max_runtime_ms" json:"max_runtime_ms,omitempty"`
	Restart            RestartPolicy  `gorm:"column:restart;serializer:json" json:"restart"`

	CreatedAt     time.Time  `gorm:"not null;index" json:"created_at"`
	StartedAt     *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	StoppedAt     *time.Time `gorm:"column:stopped_at" json:"stopped_at,omitempty"`
	LastHeartbeat *time.Time `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`

	RestartCount        int    `gorm:"column:restart_count;not null;default:0" json:"restart_count"`
	ConsecutiveFailures int    `gorm:"column:consecutive_failures;not null;default:0" json:"consecutive_failures"`
	Error               string `gorm:"column:error" json:"error,omitempty"`

	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (ManagedProcess) TableName() string { return "managed_processes" }
