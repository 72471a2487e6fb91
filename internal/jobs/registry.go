// Package jobs implements the job queue engine: enqueue/schedule, the
// claim-based tick loop, backoff retry, and dispatch to in-process handlers
// or externally-spawned child processes speaking the local-socket protocol.
package jobs

import (
	"sync"
	"time"

	"github.com/donkeylabs/execore/internal/errorsx"
)

// Handler runs one in-process job. It receives the payload and reporting
// surface through Context and returns the job's result value, which is
// persisted as JSON on completion.
//
// Handlers must be side-effect safe under retries: a handler can be re-run
// after partial execution whenever the retry policy re-queues the job.
type Handler func(ctx *Context) (any, error)

// ExternalConfig describes a handler executed in a separately spawned OS
// process communicating over the local-socket protocol.
type ExternalConfig struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string

	// HeartbeatTimeout is the maximum silence before the watchdog kills the
	// child. Zero means the engine-wide default.
	HeartbeatTimeout time.Duration
	// KillGrace is the SIGTERM->SIGKILL escalation window. Zero means the
	// engine-wide default; negative means kill immediately.
	KillGrace time.Duration
	// Timeout, when set, caps the child's total runtime.
	Timeout time.Duration
	// Metadata is passed through to the child via DONKEYLABS_METADATA.
	Metadata map[string]any
}

// Registry maps handler names to either an in-process Handler or an
// ExternalConfig. A name can be one or the other but never both, and never
// registered twice.
type Registry struct {
	mu       sync.RWMutex
	inproc   map[string]Handler
	external map[string]*ExternalConfig
}

func NewRegistry() *Registry {
	return &Registry{
		inproc:   make(map[string]Handler),
		external: make(map[string]*ExternalConfig),
	}
}

// Register binds name to an in-process handler.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return errorsx.InvalidID(name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(name) {
		return errorsx.AlreadyRegistered(name)
	}
	r.inproc[name] = h
	return nil
}

// RegisterExternal binds name to an externally-spawned handler.
func (r *Registry) RegisterExternal(name string, cfg ExternalConfig) error {
	if name == "" || cfg.Command == "" {
		return errorsx.InvalidID(name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(name) {
		return errorsx.AlreadyRegistered(name)
	}
	c := cfg
	r.external[name] = &c
	return nil
}

func (r *Registry) taken(name string) bool {
	_, in := r.inproc[name]
	_, ex := r.external[name]
	return in || ex
}

// Get returns the in-process handler for name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.inproc[name]
	return h, ok
}

// GetExternal returns the external config for name.
func (r *Registry) GetExternal(name string) (*ExternalConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.external[name]
	return c, ok
}

// IsRegistered reports whether name is bound at all.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.taken(name)
}

// IsExternal reports whether name is bound to an external handler.
func (r *Registry) IsExternal(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.external[name]
	return ok
}
