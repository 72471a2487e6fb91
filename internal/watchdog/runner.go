package watchdog

import (
	"context"
	"time"

	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/platform/metrics"
	"github.com/donkeylabs/execore/internal/store"
)

// JobPolicy is the effective kill tuning for one external job name. The
// jobs engine supplies a resolver so name-specific ExternalConfig overrides
// reach the watchdog without coupling the two packages.
type JobPolicy struct {
	HeartbeatTimeout time.Duration
	KillGrace        time.Duration
	Timeout          time.Duration
}

// Runner is the watchdog: one periodic loop scanning all three stores
// for stale or over-budget children and applying the graceful-kill
// escalation. It can run in-process beside the engines or as an external
// companion holding its own store handle.
type Runner struct {
	store  store.Store
	fabric *events.Fabric
	cfg    *config.Config
	log    *logger.Logger

	// JobPolicyFor resolves name-specific job tuning; nil falls back to the
	// engine-wide defaults.
	JobPolicyFor func(name string) JobPolicy

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(s store.Store, fabric *events.Fabric, cfg *config.Config, log *logger.Logger) *Runner {
	return &Runner{
		store:  s,
		fabric: fabric,
		cfg:    cfg,
		log:    log.With("component", "watchdog.Runner"),
	}
}

func (r *Runner) interval() time.Duration {
	iv := r.cfg.WatchdogInterval
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// Start launches the scan loop.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ScanOnce(ctx)
			}
		}
	}()
	r.log.Info("watchdog started", "interval", r.interval())
}

// Stop halts the loop and waits for an in-flight scan.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// ScanOnce performs a single watchdog pass over workflows, jobs, and
// managed processes.
func (r *Runner) ScanOnce(ctx context.Context) {
	started := time.Now()
	r.scanWorkflows(ctx)
	r.scanJobs(ctx)
	r.scanProcesses(ctx)
	metrics.WatchdogScanDuration.Observe(time.Since(started).Seconds())
}

// scanWorkflows reaps isolated workflow executors whose heartbeat hint went
// stale.
func (r *Runner) scanWorkflows(ctx context.Context) {
	dbc := store.WithContext(ctx)
	timeout := r.cfg.WorkflowHeartbeatTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	orphans, err := r.store.WorkflowInstances().GetOrphaned(dbc, timeout, time.Now())
	if err != nil {
		r.log.Warn("workflow scan failed", "error", err)
		return
	}
	for _, inst := range orphans {
		hint, ok := store.WatchdogHintFrom(inst.Metadata)
		if !ok {
			continue
		}
		idStr := inst.ID.String()
		r.fabric.Publish("workflow.watchdog.stale", map[string]any{"instanceId": idStr})
		r.log.Warn("workflow executor stale",
			"instance_id", idStr,
			"workflow", inst.WorkflowName,
			"pid", hint.PID,
			"last_heartbeat", hint.LastHeartbeat,
		)

		GracefulKill(hint.PID, r.defaultGrace())
		metrics.WatchdogKillsTotal.WithLabelValues("workflow_heartbeat").Inc()

		now := time.Now()
		_ = r.store.WorkflowInstances().Update(dbc, inst.ID, map[string]any{
			"status":       store.WorkflowFailed,
			"error":        "Watchdog killed unresponsive workflow",
			"completed_at": now,
		})
		r.fabric.Publish("workflow.watchdog.killed", map[string]any{
			"instanceId": idStr,
			"reason":     "heartbeat",
		})
	}
}

// scanJobs reaps running external jobs that missed their heartbeat deadline
// or overran an explicit timeout.
func (r *Runner) scanJobs(ctx context.Context) {
	dbc := store.WithContext(ctx)
	running, err := r.store.Jobs().GetRunningExternal(dbc)
	if err != nil {
		r.log.Warn("job scan failed", "error", err)
		return
	}
	now := time.Now()
	for _, job := range running {
		policy := r.jobPolicy(job.Name)
		idStr := job.ID.String()

		stale := job.LastHeartbeat == nil || now.Sub(*job.LastHeartbeat) > policy.HeartbeatTimeout
		timedOut := policy.Timeout > 0 && job.StartedAt != nil && now.Sub(*job.StartedAt) > policy.Timeout
		if !stale && !timedOut {
			continue
		}

		reason := "heartbeat"
		if !stale {
			reason = "timeout"
		}
		if stale {
			r.fabric.Publish("job.stale", map[string]any{"jobId": idStr})
			r.fabric.Publish("job.watchdog.stale", map[string]any{"jobId": idStr})
		}
		r.log.Warn("external job reaped",
			"job_id", idStr,
			"name", job.Name,
			"reason", reason,
		)

		if job.PID != nil {
			GracefulKill(*job.PID, policy.KillGrace)
		}
		metrics.WatchdogKillsTotal.WithLabelValues("job_" + reason).Inc()

		_ = r.store.Jobs().Update(dbc, job.ID, map[string]any{
			"status":        store.JobFailed,
			"process_state": store.ProcessOrphaned,
			"last_error":    "watchdog killed: " + reason,
			"completed_at":  now,
		})
		r.fabric.Publish("job.watchdog.killed", map[string]any{
			"jobId":  idStr,
			"reason": reason,
		})
	}
}

// scanProcesses applies each record's own persisted heartbeat and runtime
// budgets.
func (r *Runner) scanProcesses(ctx context.Context) {
	dbc := store.WithContext(ctx)
	running, err := r.store.ManagedProcesses().GetRunning(dbc, store.Filters{})
	if err != nil {
		r.log.Warn("process scan failed", "error", err)
		return
	}
	now := time.Now()
	for _, rec := range running {
		timeout := time.Duration(rec.HeartbeatTimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = r.cfg.ProcessHeartbeatTimeout
		}
		stale := rec.LastHeartbeat == nil || now.Sub(*rec.LastHeartbeat) > timeout

		overBudget := false
		if rec.MaxRuntimeMs > 0 && rec.StartedAt != nil {
			overBudget = now.Sub(*rec.StartedAt) > time.Duration(rec.MaxRuntimeMs)*time.Millisecond
		}
		if !stale && !overBudget {
			continue
		}

		reason := "heartbeat"
		if !stale {
			reason = "max_runtime"
		}
		idStr := rec.ID.String()
		r.fabric.Publish("process.watchdog.stale", map[string]any{"processId": idStr, "reason": reason})
		r.log.Warn("managed process reaped", "process_id", idStr, "name", rec.Name, "reason", reason)

		if rec.PID != nil {
			GracefulKill(*rec.PID, r.defaultGrace())
		}
		metrics.WatchdogKillsTotal.WithLabelValues("process_" + reason).Inc()

		_ = r.store.ManagedProcesses().Update(dbc, rec.ID, map[string]any{
			"status":     store.ManagedCrashed,
			"stopped_at": now,
			"error":      "watchdog killed: " + reason,
		})
		r.fabric.Publish("process.watchdog.killed", map[string]any{
			"processId": idStr,
			"reason":    reason,
		})
	}
}

func (r *Runner) jobPolicy(name string) JobPolicy {
	if r.JobPolicyFor != nil {
		return r.JobPolicyFor(name)
	}
	p := JobPolicy{
		HeartbeatTimeout: r.cfg.ProcessHeartbeatTimeout,
		KillGrace:        r.defaultGrace(),
	}
	if p.HeartbeatTimeout <= 0 {
		p.HeartbeatTimeout = 30 * time.Second
	}
	return p
}

func (r *Runner) defaultGrace() time.Duration {
	return time.Duration(r.cfg.KillGraceMs) * time.Millisecond
}
