package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/donkeylabs/execore/internal/errorsx"
	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/ctxutil"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/platform/metrics"
	"github.com/donkeylabs/execore/internal/store"
)

// Options tunes a single enqueue/schedule call.
type Options struct {
	// MaxAttempts caps total attempts for this job. Zero means 1.
	MaxAttempts int
}

// Engine is the jobs engine: a claim-based tick loop over the jobs
// table, dispatching in-process handlers directly and external handlers to
// spawned children connected through the socket broker.
type Engine struct {
	store    store.Store
	broker   *ipc.Broker
	router   *ipc.Router
	fabric   *events.Fabric
	registry *Registry
	cfg      *config.Config
	log      *logger.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	children map[uuid.UUID]*externalChild

	ticking atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine wires the engine with its infrastructure. The broker and router
// are shared with the process supervisor and workflow engine; the engine
// claims only the child ids it spawns.
func NewEngine(s store.Store, broker *ipc.Broker, router *ipc.Router, fabric *events.Fabric, cfg *config.Config, log *logger.Logger) *Engine {
	return &Engine{
		store:    s,
		broker:   broker,
		router:   router,
		fabric:   fabric,
		registry: NewRegistry(),
		cfg:      cfg,
		log:      log.With("component", "jobs.Engine"),
		tracer:   otel.Tracer("execore/jobs"),
		inflight: make(map[uuid.UUID]struct{}),
		children: make(map[uuid.UUID]*externalChild),
	}
}

// Register binds name to an in-process handler.
func (e *Engine) Register(name string, h Handler) error {
	return e.registry.Register(name, h)
}

// RegisterExternal binds name to an externally-spawned handler.
func (e *Engine) RegisterExternal(name string, cfg ExternalConfig) error {
	return e.registry.RegisterExternal(name, cfg)
}

// Enqueue writes a new pending job and returns its id. Fails with
// UnknownHandler when name is not registered.
func (e *Engine) Enqueue(ctx context.Context, name string, data any, opts Options) (uuid.UUID, error) {
	return e.insert(ctx, name, data, nil, opts)
}

// Schedule writes a new job that becomes runnable at runAt.
func (e *Engine) Schedule(ctx context.Context, name string, data any, runAt time.Time, opts Options) (uuid.UUID, error) {
	return e.insert(ctx, name, data, &runAt, opts)
}

func (e *Engine) insert(ctx context.Context, name string, data any, runAt *time.Time, opts Options) (uuid.UUID, error) {
	if !e.registry.IsRegistered(name) {
		return uuid.Nil, errorsx.UnknownHandler(name)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("jobs: marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	job := &store.Job{
		Name:        name,
		Payload:     payload,
		Status:      store.JobPending,
		MaxAttempts: maxAttempts,
		External:    e.registry.IsExternal(name),
	}
	if job.External {
		job.ProcessState = store.ProcessSpawning
	}
	if runAt != nil {
		job.Status = store.JobScheduled
		job.RunAt = runAt
	}

	created, err := e.store.Jobs().Create(store.WithContext(ctx), job)
	if err != nil {
		return uuid.Nil, err
	}
	e.fabric.Publish("job.enqueued", map[string]any{"jobId": created.ID.String(), "name": name})
	return created.ID, nil
}

// Get returns the job record, or nil when the id is unknown.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return e.store.Jobs().Get(store.WithContext(ctx), id)
}

// GetByName lists jobs for a handler name, optionally narrowed by status.
func (e *Engine) GetByName(ctx context.Context, name string, status store.JobStatus) ([]*store.Job, error) {
	return e.store.Jobs().GetByName(store.WithContext(ctx), name, status, store.Filters{})
}

// GetAll lists jobs matching the filters.
func (e *Engine) GetAll(ctx context.Context, f store.Filters) ([]*store.Job, error) {
	return e.store.Jobs().GetAll(store.WithContext(ctx), f)
}

// GetRunningExternal lists running jobs with external hints.
func (e *Engine) GetRunningExternal(ctx context.Context) ([]*store.Job, error) {
	return e.store.Jobs().GetRunningExternal(store.WithContext(ctx))
}

// Cancel removes a pending or scheduled job, or SIGTERMs a running external
// child. Running in-process jobs cannot be cancelled and report false.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	dbc := store.WithContext(ctx)
	job, err := e.store.Jobs().Get(dbc, id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, errorsx.InvalidID(id.String())
	}

	switch job.Status {
	case store.JobPending, store.JobScheduled:
		existed, err := e.store.Jobs().Delete(dbc, id)
		if err != nil {
			return false, err
		}
		if existed {
			e.fabric.Publish("job.cancelled", map[string]any{"jobId": id.String()})
		}
		return existed, nil
	case store.JobRunning:
		if job.External && job.PID != nil {
			return true, e.cancelExternal(ctx, job)
		}
		return false, nil
	default:
		return false, nil
	}
}

// Start launches the tick loop after recovering any external jobs left
// running by a previous parent.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	e.recoverExternal(ctx)

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
	e.log.Info("jobs engine started",
		"poll_interval", e.pollInterval(),
		"concurrency", e.concurrency(),
	)
}

// Stop drains: the ticker halts, active in-process jobs get up to 30s to
// finish, external children receive SIGTERM, and the engine's sockets are
// released. Store errors after this point are swallowed by the adapters.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(30 * time.Second):
		e.log.Warn("gave up waiting for in-process jobs to drain")
	}

	e.mu.Lock()
	children := make([]*externalChild, 0, len(e.children))
	for _, c := range e.children {
		children = append(children, c)
	}
	e.mu.Unlock()
	for _, c := range children {
		c.terminate()
		e.releaseChild(c.jobID)
	}
	e.log.Info("jobs engine stopped")
}

func (e *Engine) pollInterval() time.Duration {
	if e.cfg.JobPollInterval > 0 {
		return e.cfg.JobPollInterval
	}
	return time.Second
}

func (e *Engine) concurrency() int {
	if e.cfg.JobConcurrency > 0 {
		return e.cfg.JobConcurrency
	}
	return 5
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight) + len(e.children)
}

// tick is the main algorithm: promote ready scheduled jobs, compute free
// slots, claim pending jobs oldest-first, and dispatch. The re-entrancy
// flag guarantees two ticks never overlap even if a pass outlasts the poll
// interval.
func (e *Engine) tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		return
	}
	defer e.ticking.Store(false)

	ctx, span := e.tracer.Start(ctx, "jobs.tick")
	defer span.End()

	dbc := store.WithContext(ctx)
	now := time.Now()

	ready, err := e.store.Jobs().GetScheduledReady(dbc, now)
	if err != nil {
		e.log.Warn("scheduled scan failed", "error", err)
	}
	for _, j := range ready {
		if err := e.store.Jobs().Update(dbc, j.ID, map[string]any{"status": store.JobPending}); err != nil {
			e.log.Warn("scheduled promotion failed", "job_id", j.ID.String(), "error", err)
		}
	}

	free := e.concurrency() - e.activeCount()
	if free <= 0 {
		return
	}

	pending, err := e.store.Jobs().GetByStatus(dbc, store.JobPending, store.Filters{Limit: free})
	if err != nil {
		e.log.Warn("pending scan failed", "error", err)
		return
	}

	for _, j := range pending {
		won, err := e.store.Jobs().Claim(dbc, j.ID)
		if err != nil {
			e.log.Warn("claim failed", "job_id", j.ID.String(), "error", err)
			continue
		}
		if !won {
			continue
		}
		metrics.JobsClaimedTotal.Inc()

		if j.External {
			go e.processExternalJob(ctx, j)
			continue
		}
		e.trackInflight(j.ID)
		e.wg.Add(1)
		go e.processInProcJob(ctx, j)
	}
}

func (e *Engine) trackInflight(id uuid.UUID) {
	e.mu.Lock()
	e.inflight[id] = struct{}{}
	n := len(e.inflight) + len(e.children)
	e.mu.Unlock()
	metrics.JobsActive.Set(float64(n))
}

func (e *Engine) untrackInflight(id uuid.UUID) {
	e.mu.Lock()
	delete(e.inflight, id)
	n := len(e.inflight) + len(e.children)
	e.mu.Unlock()
	metrics.JobsActive.Set(float64(n))
}

// processInProcJob runs a claimed job's handler on this process, with panic
// recovery so user code can never take the engine down.
func (e *Engine) processInProcJob(ctx context.Context, job *store.Job) {
	defer e.wg.Done()
	defer e.untrackInflight(job.ID)

	ctx, span := e.tracer.Start(ctx, "jobs.execute")
	defer span.End()
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{
		TraceID:   span.SpanContext().TraceID().String(),
		RequestID: job.ID.String(),
	})

	handler, ok := e.registry.Get(job.Name)
	if !ok {
		// Can only happen if the registry changed between enqueue and claim.
		e.failTerminal(ctx, job, job.Attempts+1, errorsx.UnknownHandler(job.Name))
		return
	}

	// Attempts count executions, so the counter moves before the handler
	// runs; a crash mid-handler still burns the attempt.
	job.Attempts++
	if err := e.store.Jobs().Update(store.WithContext(ctx), job.ID, map[string]any{"attempts": job.Attempts}); err != nil {
		e.log.Warn("attempt bookkeeping failed", "job_id", job.ID.String(), "error", err)
	}

	jc := newContext(ctx, job, e.fabric, e.log)
	e.fabric.Publish("job.started", map[string]any{"jobId": job.ID.String(), "name": job.Name})

	var result any
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("job handler panic", "job_id", job.ID.String(), "job_name", job.Name, "panic", r)
				runErr = errorsx.HandlerThrew(job.Name, fmt.Errorf("panic: %v", r))
			}
		}()
		result, runErr = handler(jc)
	}()

	if runErr != nil {
		e.handleFailure(ctx, job, job.Attempts, errorsx.HandlerThrew(job.Name, runErr))
		return
	}
	e.completeJob(ctx, job, result)
}

func (e *Engine) completeJob(ctx context.Context, job *store.Job, result any) {
	now := time.Now()
	updates := map[string]any{
		"status":       store.JobCompleted,
		"completed_at": now,
	}
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			updates["result"] = b
		}
	}
	if err := e.store.Jobs().Update(store.WithContext(ctx), job.ID, updates); err != nil {
		e.log.Warn("completion update failed", "job_id", job.ID.String(), "error", err)
	}
	metrics.JobsCompletedTotal.WithLabelValues("completed").Inc()
	payload := map[string]any{"jobId": job.ID.String(), "name": job.Name}
	e.fabric.Publish("job.completed", payload)
	e.fabric.Publish("job."+job.Name+".completed", payload)
}

// handleFailure applies the retry policy: requeue immediately when backoff
// is disabled, schedule with exponential backoff otherwise, or mark failed
// once the attempt budget is spent.
func (e *Engine) handleFailure(ctx context.Context, job *store.Job, attempts int, cause error) {
	now := time.Now()
	if attempts < job.MaxAttempts {
		updates := map[string]any{
			"attempts":      attempts,
			"last_error":    cause.Error(),
			"last_error_at": now,
		}
		if e.cfg.RetryBackoff {
			delay := Backoff(attempts, e.cfg.JobBackoffBaseMs, e.cfg.JobBackoffMaxMs)
			updates["status"] = store.JobScheduled
			updates["run_at"] = now.Add(delay)
		} else {
			updates["status"] = store.JobPending
		}
		if err := e.store.Jobs().Update(store.WithContext(ctx), job.ID, updates); err != nil {
			e.log.Warn("retry requeue failed", "job_id", job.ID.String(), "error", err)
		}
		e.fabric.Publish("job.retried", map[string]any{
			"jobId":    job.ID.String(),
			"name":     job.Name,
			"attempts": attempts,
			"error":    cause.Error(),
		})
		return
	}
	e.failTerminal(ctx, job, attempts, cause)
}

func (e *Engine) failTerminal(ctx context.Context, job *store.Job, attempts int, cause error) {
	now := time.Now()
	updates := map[string]any{
		"status":        store.JobFailed,
		"attempts":      attempts,
		"last_error":    cause.Error(),
		"last_error_at": now,
		"completed_at":  now,
	}
	if err := e.store.Jobs().Update(store.WithContext(ctx), job.ID, updates); err != nil {
		e.log.Warn("failure update failed", "job_id", job.ID.String(), "error", err)
	}
	metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
	payload := map[string]any{"jobId": job.ID.String(), "name": job.Name, "error": cause.Error()}
	e.fabric.Publish("job.failed", payload)
	e.fabric.Publish("job."+job.Name+".failed", payload)
}

// Backoff returns the retry delay for 1-based attempt n:
// min(baseMs * 2^(n-1), maxMs).
func Backoff(attempt int, baseMs, maxMs int64) time.Duration {
	if baseMs <= 0 {
		baseMs = 1000
	}
	if maxMs <= 0 {
		maxMs = 300000
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := baseMs
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxMs {
			return time.Duration(maxMs) * time.Millisecond
		}
	}
	if delay > maxMs {
		delay = maxMs
	}
	return time.Duration(delay) * time.Millisecond
}
