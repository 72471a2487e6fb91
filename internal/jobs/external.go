package jobs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/donkeylabs/execore/internal/errorsx"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/platform/metrics"
	"github.com/donkeylabs/execore/internal/store"
	"github.com/donkeylabs/execore/internal/watchdog"
)

// externalChild tracks one spawned external job process for the lifetime of
// its attempt.
type externalChild struct {
	jobID    uuid.UUID
	name     string
	pid      int
	endpoint ipc.Endpoint
	cmd      *exec.Cmd

	// terminal flips once a completed/failed frame has been handled, so the
	// exit-code path knows the outcome was already recorded.
	terminal atomic.Bool
	timeout  *time.Timer
}

func (c *externalChild) terminate() {
	_ = watchdog.Terminate(c.pid)
}

// initialPayload is the one JSON line written to the child's stdin before
// stdin is closed.
type initialPayload struct {
	JobID      string          `json:"jobId"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	SocketPath string          `json:"socketPath"`
}

// Policy is the effective watchdog tuning for one job name, resolved from
// the handler's ExternalConfig with engine-wide fallbacks.
type Policy struct {
	HeartbeatTimeout time.Duration
	KillGrace        time.Duration
	Timeout          time.Duration
}

// PolicyFor resolves the name-specific watchdog policy. The watchdog runner
// consults this for every running external job it scans.
func (e *Engine) PolicyFor(name string) Policy {
	p := Policy{
		HeartbeatTimeout: e.cfg.ProcessHeartbeatTimeout,
		KillGrace:        time.Duration(e.cfg.KillGraceMs) * time.Millisecond,
	}
	if p.HeartbeatTimeout <= 0 {
		p.HeartbeatTimeout = 30 * time.Second
	}
	cfg, ok := e.registry.GetExternal(name)
	if !ok {
		return p
	}
	if cfg.HeartbeatTimeout > 0 {
		p.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.KillGrace != 0 {
		p.KillGrace = cfg.KillGrace
		if p.KillGrace < 0 {
			p.KillGrace = 0
		}
	}
	p.Timeout = cfg.Timeout
	return p
}

// processExternalJob runs the external branch of dispatch: create the
// per-child socket, persist the endpoint hints, spawn the command with the
// identity environment, hand it the payload on stdin, stream its output,
// and resolve the record from either a terminal frame or the exit code.
func (e *Engine) processExternalJob(ctx context.Context, job *store.Job) {
	cfg, ok := e.registry.GetExternal(job.Name)
	if !ok {
		e.failTerminal(ctx, job, job.Attempts+1, errorsx.UnknownHandler(job.Name))
		return
	}

	dbc := store.WithContext(ctx)
	id := job.ID.String()

	ep, err := e.broker.CreateSocket("job", id)
	if err != nil {
		e.handleFailure(ctx, job, job.Attempts+1, err)
		return
	}
	e.router.Claim(id, e.childHandlers())

	attempts := job.Attempts + 1
	now := time.Now()
	updates := map[string]any{
		"process_state":  store.ProcessSpawning,
		"last_heartbeat": now,
		"attempts":       attempts,
	}
	if ep.SocketPath != "" {
		updates["socket_path"] = ep.SocketPath
	} else {
		updates["tcp_port"] = ep.TCPPort
	}
	if err := e.store.Jobs().Update(dbc, job.ID, updates); err != nil {
		e.log.Warn("external spawn bookkeeping failed", "job_id", id, "error", err)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = childEnv(cfg, id, job.Name, ep)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.cleanupSocket(id)
		e.handleFailure(ctx, job, attempts, err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.cleanupSocket(id)
		e.handleFailure(ctx, job, attempts, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.cleanupSocket(id)
		e.handleFailure(ctx, job, attempts, err)
		return
	}

	if err := cmd.Start(); err != nil {
		e.cleanupSocket(id)
		e.handleFailure(ctx, job, attempts, err)
		return
	}

	child := &externalChild{
		jobID:    job.ID,
		name:     job.Name,
		pid:      cmd.Process.Pid,
		endpoint: ep,
		cmd:      cmd,
	}
	e.trackChild(child)

	if err := e.store.Jobs().Update(dbc, job.ID, map[string]any{"pid": child.pid}); err != nil {
		e.log.Warn("pid bookkeeping failed", "job_id", id, "error", err)
	}

	// One payload line, then stdin closes; everything after rides the socket.
	line, _ := json.Marshal(initialPayload{
		JobID:      id,
		Name:       job.Name,
		Data:       json.RawMessage(job.Payload),
		SocketPath: ep.String(),
	})
	_, _ = stdin.Write(append(line, '\n'))
	_ = stdin.Close()

	var streams sync.WaitGroup
	streams.Add(2)
	go func() { defer streams.Done(); e.streamOutput(id, job.Name, "stdout", stdout) }()
	go func() { defer streams.Done(); e.streamOutput(id, job.Name, "stderr", stderr) }()

	if cfg.Timeout > 0 {
		policy := e.PolicyFor(job.Name)
		child.timeout = time.AfterFunc(cfg.Timeout, func() {
			if child.terminal.Load() {
				return
			}
			e.log.Warn("external job timed out", "job_id", id, "timeout", cfg.Timeout)
			e.fabric.Publish("job.timeout", map[string]any{"jobId": id, "name": job.Name})
			watchdog.GracefulKill(child.pid, policy.KillGrace)
		})
	}

	e.fabric.Publish("job.spawned", map[string]any{"jobId": id, "name": job.Name, "pid": child.pid})

	// Drain both pipes before Wait, which closes them.
	streams.Wait()
	waitErr := cmd.Wait()
	if child.timeout != nil {
		child.timeout.Stop()
	}
	e.releaseChild(job.ID)

	if child.terminal.Load() {
		return
	}

	code := exitCode(waitErr)
	if code == 0 {
		e.completeJob(ctx, job, nil)
		return
	}
	fresh, _ := e.store.Jobs().Get(dbc, job.ID)
	if fresh == nil {
		return
	}
	e.handleFailure(ctx, fresh, fresh.Attempts, errorsx.ChildExitNonzero(code))
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func childEnv(cfg *ExternalConfig, id, name string, ep ipc.Endpoint) []string {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, ipc.EnvJobID+"="+id, ipc.EnvJobName+"="+name)
	if ep.SocketPath != "" {
		env = append(env, ipc.EnvSocketPath+"="+ep.SocketPath)
	} else {
		env = append(env, fmt.Sprintf("%s=%d", ipc.EnvTCPPort, ep.TCPPort))
	}
	if len(cfg.Metadata) > 0 {
		if b, err := json.Marshal(cfg.Metadata); err == nil {
			env = append(env, ipc.EnvMetadata+"="+string(b))
		}
	}
	return env
}

// streamOutput forwards one of the child's stdio pipes line-at-a-time onto
// the event fabric.
func (e *Engine) streamOutput(id, name, stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		e.fabric.Publish("job.external.log", map[string]any{
			"jobId":  id,
			"name":   name,
			"stream": stream,
			"line":   scanner.Text(),
		})
	}
}

func (e *Engine) trackChild(c *externalChild) {
	e.mu.Lock()
	e.children[c.jobID] = c
	n := len(e.inflight) + len(e.children)
	e.mu.Unlock()
	metrics.JobsActive.Set(float64(n))
}

func (e *Engine) releaseChild(id uuid.UUID) {
	e.mu.Lock()
	_, tracked := e.children[id]
	delete(e.children, id)
	n := len(e.inflight) + len(e.children)
	e.mu.Unlock()
	if tracked {
		e.cleanupSocket(id.String())
	}
	metrics.JobsActive.Set(float64(n))
}

func (e *Engine) cleanupSocket(id string) {
	_ = e.broker.CloseSocket(id)
	_ = e.broker.Release(id)
	e.router.Release(id)
}

// childHandlers routes socket frames for the engine's children. Every frame
// refreshes lastHeartbeat; terminal frames resolve the record.
func (e *Engine) childHandlers() ipc.Handlers {
	return ipc.Handlers{
		OnMessage:    e.onChildFrame,
		OnDisconnect: e.onChildDisconnect,
		OnError: func(id string, err error) {
			e.log.Warn("child socket error", "job_id", id, "error", err)
		},
	}
}

func (e *Engine) onChildFrame(id string, f ipc.Frame) {
	jobID, err := uuid.Parse(id)
	if err != nil {
		return
	}
	ctx := context.Background()
	dbc := store.WithContext(ctx)
	now := time.Now()

	updates := map[string]any{"last_heartbeat": now}

	switch f.Type {
	case ipc.FrameConnected:
		// Handshake only; the heartbeat refresh above is the point.
	case ipc.FrameStarted:
		updates["process_state"] = store.ProcessRunning
		e.fabric.Publish("job.started", map[string]any{"jobId": id, "name": f.Name})
	case ipc.FrameProgress:
		payload := map[string]any{
			"jobId":   id,
			"percent": f.Percent,
			"message": f.Message,
		}
		e.fabric.Publish("job.progress", payload)
		e.fabric.Publish("job."+id+".progress", payload)
	case ipc.FrameLog:
		e.fabric.Publish("job.external.log", map[string]any{
			"jobId": id,
			"level": string(f.Level),
			"line":  f.Message,
		})
	case ipc.FrameStats:
		e.fabric.Publish("job.stats", map[string]any{
			"jobId":  id,
			"cpu":    f.CPU,
			"memory": f.Memory,
			"uptime": f.Uptime,
		})
	case ipc.FrameCompleted:
		e.resolveTerminal(ctx, jobID, f, nil)
	case ipc.FrameFailed:
		e.resolveTerminal(ctx, jobID, f, errorsx.HandlerThrew(id, fmt.Errorf("%s", f.Error)))
	case ipc.FrameDisconnect:
		// Soft close notice; the disconnect callback handles the rest.
	}

	if err := e.store.Jobs().Update(dbc, jobID, updates); err != nil {
		e.log.Warn("heartbeat update failed", "job_id", id, "error", err)
	}
}

// resolveTerminal applies a completed/failed frame. The exit-code path
// checks the terminal flag afterwards and stays silent.
func (e *Engine) resolveTerminal(ctx context.Context, jobID uuid.UUID, f ipc.Frame, failure error) {
	e.mu.Lock()
	child := e.children[jobID]
	e.mu.Unlock()
	if child != nil {
		if !child.terminal.CompareAndSwap(false, true) {
			return
		}
	}

	job, err := e.store.Jobs().Get(store.WithContext(ctx), jobID)
	if err != nil || job == nil {
		return
	}
	if failure == nil {
		var result any
		if len(f.Result) > 0 {
			result = json.RawMessage(f.Result)
		}
		e.completeJob(ctx, job, result)
		return
	}
	e.handleFailure(ctx, job, job.Attempts, failure)
}

func (e *Engine) onChildDisconnect(id string) {
	e.fabric.Publish("job.disconnected", map[string]any{"jobId": id})
}

// recoverExternal closes the orphan gap on parent start: every external job
// the store says is running is probed by pid. Alive children get their
// endpoint reserved and listener rebound so their retry loop reconnects;
// dead ones are marked failed and their reservation released.
func (e *Engine) recoverExternal(ctx context.Context) {
	dbc := store.WithContext(ctx)
	running, err := e.store.Jobs().GetRunningExternal(dbc)
	if err != nil {
		e.log.Warn("external recovery scan failed", "error", err)
		return
	}
	if len(running) == 0 {
		return
	}
	e.log.Info("recovering external jobs", "count", len(running))

	for _, job := range running {
		id := job.ID.String()
		ep := endpointFromJob(job)

		if job.PID != nil && watchdog.Alive(*job.PID) && !ep.Empty() {
			if err := e.broker.Reserve(id, ep); err != nil {
				e.log.Warn("reservation failed", "job_id", id, "error", err)
			}
			if err := e.broker.Reconnect(id, ep); err != nil {
				e.log.Warn("listener rebind failed", "job_id", id, "error", err)
				_ = e.store.Jobs().Update(dbc, job.ID, map[string]any{
					"process_state": store.ProcessOrphaned,
					"last_error":    errorsx.ReconnectFailed(id, err).Error(),
				})
				continue
			}
			e.router.Claim(id, e.childHandlers())
			e.trackChild(&externalChild{
				jobID:    job.ID,
				name:     job.Name,
				pid:      *job.PID,
				endpoint: ep,
			})
			now := time.Now()
			_ = e.store.Jobs().Update(dbc, job.ID, map[string]any{
				"process_state":  store.ProcessRunning,
				"last_heartbeat": now,
			})
			e.fabric.Publish("job.reconnected", map[string]any{"jobId": id})
			e.log.Info("external job reconnected", "job_id", id, "pid", *job.PID)
			continue
		}

		e.failTerminal(ctx, job, job.Attempts, fmt.Errorf("process died while parent was down"))
		_ = e.store.Jobs().Update(dbc, job.ID, map[string]any{"process_state": store.ProcessOrphaned})
		_ = e.broker.Release(id)
	}
}

func endpointFromJob(job *store.Job) ipc.Endpoint {
	ep := ipc.Endpoint{SocketPath: job.SocketPath}
	if job.TCPPort != nil {
		ep.TCPPort = *job.TCPPort
	}
	return ep
}

// cancelExternal SIGTERMs a running external child and records the
// cancellation.
func (e *Engine) cancelExternal(ctx context.Context, job *store.Job) error {
	policy := e.PolicyFor(job.Name)
	watchdog.GracefulKill(*job.PID, policy.KillGrace)

	now := time.Now()
	err := e.store.Jobs().Update(store.WithContext(ctx), job.ID, map[string]any{
		"status":       store.JobFailed,
		"last_error":   "cancelled",
		"completed_at": now,
	})
	e.releaseChild(job.ID)
	e.fabric.Publish("job.cancelled", map[string]any{"jobId": job.ID.String()})
	return err
}
