package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/donkeylabs/execore/internal/errorsx"
	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/jobs"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/ctxutil"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/platform/metrics"
	"github.com/donkeylabs/execore/internal/store"
)

// StartOptions tunes one instance start.
type StartOptions struct {
	// Metadata seeds the instance's free-form metadata map.
	Metadata map[string]any
	// ForceInline overrides the definition's isolation for this run, so it
	// executes in-process.
	ForceInline bool
}

// Callbacks is the state-machine event interface. Inline runs invoke it
// directly; isolated runs mirror the subprocess's lifecycle frames into the
// same hooks. Every hook is optional.
type Callbacks struct {
	OnStepStarted   func(id uuid.UUID, workflow, step string)
	OnStepCompleted func(id uuid.UUID, workflow, step string, output any)
	OnStepFailed    func(id uuid.UUID, workflow, step string, err error)
	OnProgress      func(id uuid.UUID, workflow string, percent int)
	OnCompleted     func(id uuid.UUID, workflow string, output any)
	OnFailed        func(id uuid.UUID, workflow string, err error)
}

// Engine is the workflow engine: definition registry, concurrency
// gates, instance lifecycle, and the dispatcher that chooses between the
// inline state machine and the isolated subprocess executor.
type Engine struct {
	store   store.Store
	fabric  *events.Fabric
	broker  *ipc.Broker
	router  *ipc.Router
	jobs    *jobs.Engine
	cfg     *config.Config
	log     *logger.Logger
	tracer  trace.Tracer
	plugins *PluginRegistry

	mu        sync.Mutex
	defs      map[string]*Definition
	cancelled map[uuid.UUID]bool
	callbacks Callbacks
}

// NewEngine wires the workflow engine. jobsEngine may be nil when no task
// step delegates by job name.
func NewEngine(s store.Store, broker *ipc.Broker, router *ipc.Router, fabric *events.Fabric, jobsEngine *jobs.Engine, cfg *config.Config, log *logger.Logger) *Engine {
	return &Engine{
		store:     s,
		fabric:    fabric,
		broker:    broker,
		router:    router,
		jobs:      jobsEngine,
		cfg:       cfg,
		log:       log.With("component", "workflow.Engine"),
		tracer:    otel.Tracer("execore/workflow"),
		plugins:   NewPluginRegistry(),
		defs:      make(map[string]*Definition),
		cancelled: make(map[uuid.UUID]bool),
	}
}

// Plugins exposes the plugin registry for registration at wiring time.
func (e *Engine) Plugins() *PluginRegistry { return e.plugins }

// SetCallbacks installs the embedder's state-machine hooks.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = cb
}

// RegisterDefinition validates and installs a definition. Duplicate names
// fail with AlreadyRegistered.
func (e *Engine) RegisterDefinition(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.Name]; exists {
		return errorsx.AlreadyRegistered(def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

// Definition returns a registered definition.
func (e *Engine) Definition(name string) (*Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.defs[name]
	return d, ok
}

// Start creates and launches a new instance of a registered workflow. The
// concurrency gates and the serializability rule for isolated definitions
// are enforced here, before any record is written.
func (e *Engine) Start(ctx context.Context, name string, input any, opts StartOptions) (uuid.UUID, error) {
	def, ok := e.Definition(name)
	if !ok {
		return uuid.Nil, errorsx.UnknownHandler(name)
	}

	if err := e.checkGates(ctx, def); err != nil {
		return uuid.Nil, err
	}

	isolated := !def.Inline && !opts.ForceInline
	if isolated && len(def.PluginConfigs) > 0 {
		if _, err := json.Marshal(def.PluginConfigs); err != nil {
			return uuid.Nil, errorsx.NonSerializableConfig(err)
		}
	}

	inst := &store.WorkflowInstance{
		WorkflowName: name,
		Status:       store.WorkflowPending,
		CurrentStep:  def.Start,
		Input:        marshalJSON(input),
		Metadata:     opts.Metadata,
	}
	created, err := e.store.WorkflowInstances().Create(store.WithContext(ctx), inst)
	if err != nil {
		return uuid.Nil, err
	}
	metrics.WorkflowInstancesActive.Inc()
	e.fabric.Publish("workflow.started", map[string]any{
		"instanceId": created.ID.String(),
		"workflow":   name,
	})

	if isolated {
		go e.runIsolated(context.Background(), def, created.ID)
	} else {
		go e.runInline(context.Background(), def, created.ID)
	}
	return created.ID, nil
}

func (e *Engine) checkGates(ctx context.Context, def *Definition) error {
	dbc := store.WithContext(ctx)
	adapter := e.store.WorkflowInstances()

	if max := e.cfg.WorkflowConcurrentMax; max > 0 {
		running, err := adapter.GetRunning(dbc, store.Filters{})
		if err != nil {
			return err
		}
		pending, err := adapter.GetByStatus(dbc, store.WorkflowPending, store.Filters{})
		if err != nil {
			return err
		}
		if len(running)+len(pending) >= max {
			return errorsx.ConcurrencyLimit("global", max)
		}
	}
	if def.MaxConcurrent > 0 {
		active := 0
		for _, st := range []store.WorkflowInstanceStatus{store.WorkflowRunning, store.WorkflowPending} {
			insts, err := adapter.GetByName(dbc, def.Name, st, store.Filters{})
			if err != nil {
				return err
			}
			active += len(insts)
		}
		if active >= def.MaxConcurrent {
			return errorsx.ConcurrencyLimit(def.Name, def.MaxConcurrent)
		}
	}
	return nil
}

// RunInstance drives an existing instance to a terminal state with the
// inline machine, synchronously. The subprocess bootstrap uses this to
// execute the instance the parent created.
func (e *Engine) RunInstance(ctx context.Context, name string, id uuid.UUID) error {
	def, ok := e.Definition(name)
	if !ok {
		return errorsx.UnknownHandler(name)
	}
	m := &machine{eng: e, def: def, id: id}
	return m.run(ctx)
}

func (e *Engine) runInline(ctx context.Context, def *Definition, id uuid.UUID) {
	ctx, span := e.tracer.Start(ctx, "workflow.run")
	defer span.End()
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{
		TraceID:   span.SpanContext().TraceID().String(),
		RequestID: id.String(),
	})
	defer metrics.WorkflowInstancesActive.Dec()

	m := &machine{eng: e, def: def, id: id}
	if err := m.run(ctx); err != nil {
		e.log.Warn("workflow run ended in failure",
			"workflow", def.Name,
			"instance_id", id.String(),
			"error", err,
		)
	}
}

// Cancel sets the cooperative cancellation flag. The state-machine loop
// observes it between steps and exits cleanly; the flag is cleared on
// observation, which permits a later re-run of the same instance id.
// Sub-instances of a parallel step are flagged alongside the parent.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	inst, err := e.store.WorkflowInstances().Get(store.WithContext(ctx), id)
	if err != nil {
		return err
	}
	if inst == nil {
		return errorsx.InvalidID(id.String())
	}

	e.flagCancelled(id)
	for _, ids := range inst.BranchInstances {
		list, ok := ids.([]any)
		if !ok {
			continue
		}
		for _, raw := range list {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			if subID, err := uuid.Parse(s); err == nil {
				e.flagCancelled(subID)
			}
		}
	}
	return nil
}

func (e *Engine) flagCancelled(id uuid.UUID) {
	e.mu.Lock()
	e.cancelled[id] = true
	e.mu.Unlock()
}

// takeCancelled reads and clears the flag for id.
func (e *Engine) takeCancelled(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled[id] {
		delete(e.cancelled, id)
		return true
	}
	return false
}

// Get returns one instance record.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*store.WorkflowInstance, error) {
	return e.store.WorkflowInstances().Get(store.WithContext(ctx), id)
}

// GetAll lists instances matching the filters.
func (e *Engine) GetAll(ctx context.Context, f store.Filters) ([]*store.WorkflowInstance, error) {
	return e.store.WorkflowInstances().GetAll(store.WithContext(ctx), f)
}

// Recover resumes running inline instances left behind by a previous
// parent. The persisted step results are the durable cursor: a step that
// completed before the crash is never re-executed. Isolated instances are
// not resumed here; their subprocesses either survived (and reconnect) or
// are reaped by the watchdog.
func (e *Engine) Recover() {
	ctx := context.Background()
	dbc := store.WithContext(ctx)
	running, err := e.store.WorkflowInstances().GetRunning(dbc, store.Filters{})
	if err != nil {
		e.log.Warn("workflow recovery scan failed", "error", err)
		return
	}
	for _, inst := range running {
		if _, hasHint := store.WatchdogHintFrom(inst.Metadata); hasHint {
			continue
		}
		def, ok := e.Definition(inst.WorkflowName)
		if !ok {
			continue
		}
		e.log.Info("resuming workflow instance",
			"workflow", inst.WorkflowName,
			"instance_id", inst.ID.String(),
			"current_step", inst.CurrentStep,
		)
		metrics.WorkflowInstancesActive.Inc()
		go e.runInline(ctx, def, inst.ID)
	}
}

// ---------- event fan-out ----------

func (e *Engine) hooks() Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callbacks
}

func (e *Engine) emitStepStarted(id uuid.UUID, workflow, step string) {
	e.fabric.Publish("workflow.step.started", map[string]any{
		"instanceId": id.String(),
		"workflow":   workflow,
		"step":       step,
	})
	if cb := e.hooks(); cb.OnStepStarted != nil {
		cb.OnStepStarted(id, workflow, step)
	}
}

func (e *Engine) emitStepCompleted(id uuid.UUID, workflow, step string, output any, progress int) {
	e.fabric.Publish("workflow.step.completed", map[string]any{
		"instanceId": id.String(),
		"workflow":   workflow,
		"step":       step,
	})
	e.fabric.Publish("workflow.progress", map[string]any{
		"instanceId": id.String(),
		"workflow":   workflow,
		"percent":    progress,
	})
	cb := e.hooks()
	if cb.OnStepCompleted != nil {
		cb.OnStepCompleted(id, workflow, step, output)
	}
	if cb.OnProgress != nil {
		cb.OnProgress(id, workflow, progress)
	}
}

func (e *Engine) emitStepFailed(id uuid.UUID, workflow, step string, err error) {
	e.fabric.Publish("workflow.step.failed", map[string]any{
		"instanceId": id.String(),
		"workflow":   workflow,
		"step":       step,
		"error":      err.Error(),
	})
	if cb := e.hooks(); cb.OnStepFailed != nil {
		cb.OnStepFailed(id, workflow, step, err)
	}
}

func (e *Engine) emitStepPoll(id uuid.UUID, workflow, step string, count int) {
	e.fabric.Publish("workflow.step.poll", map[string]any{
		"instanceId": id.String(),
		"workflow":   workflow,
		"step":       step,
		"pollCount":  count,
	})
}

func (e *Engine) emitStepLoop(id uuid.UUID, workflow, step string, count int) {
	e.fabric.Publish("workflow.step.loop", map[string]any{
		"instanceId": id.String(),
		"workflow":   workflow,
		"step":       step,
		"loopCount":  count,
	})
}

func (e *Engine) emitCompleted(id uuid.UUID, workflow string, output any) {
	e.fabric.Publish("workflow.completed", map[string]any{
		"instanceId": id.String(),
		"workflow":   workflow,
	})
	if cb := e.hooks(); cb.OnCompleted != nil {
		cb.OnCompleted(id, workflow, output)
	}
}

func (e *Engine) emitFailed(id uuid.UUID, workflow string, err error) {
	e.fabric.Publish("workflow.failed", map[string]any{
		"instanceId": id.String(),
		"workflow":   workflow,
		"error":      err.Error(),
	})
	if cb := e.hooks(); cb.OnFailed != nil {
		cb.OnFailed(id, workflow, err)
	}
}

// heartbeatHint refreshes metadata.__watchdog for an isolated instance.
func (e *Engine) heartbeatHint(ctx context.Context, id uuid.UUID, pid int) {
	dbc := store.WithContext(ctx)
	inst, err := e.store.WorkflowInstances().Get(dbc, id)
	if err != nil || inst == nil {
		return
	}
	meta := map[string]any{}
	for k, v := range inst.Metadata {
		meta[k] = v
	}
	meta["__watchdog"] = map[string]any{
		"pid":           pid,
		"lastHeartbeat": time.Now().Format(time.RFC3339Nano),
	}
	_ = e.store.WorkflowInstances().Update(dbc, id, map[string]any{"metadata": datatypes.JSONMap(meta)})
}
