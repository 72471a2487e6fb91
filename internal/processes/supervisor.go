// Package processes implements the process supervisor: registered
// long-lived child processes with lifecycle tracking, heartbeat liveness,
// restart policy, and failure accounting, persisted through the managed
// process store.
package processes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/donkeylabs/execore/internal/errorsx"
	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/platform/metrics"
	"github.com/donkeylabs/execore/internal/store"
	"github.com/donkeylabs/execore/internal/watchdog"
)

// ProcessConfig declares a registered long-lived process.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	Restart                store.RestartMode
	MaxConsecutiveFailures int
	RestartBackoff         time.Duration

	// HeartbeatTimeout is the maximum silence before the watchdog kills the
	// child. Zero means the supervisor-wide default.
	HeartbeatTimeout time.Duration
	// MaxRuntime hard-caps uptime. Zero disables the cap.
	MaxRuntime time.Duration
	// KillGrace is the SIGTERM->SIGKILL window for stops and watchdog kills.
	KillGrace time.Duration
}

// child tracks one live supervised process.
type child struct {
	procID   uuid.UUID
	name     string
	pid      int
	endpoint ipc.Endpoint
	cmd      *exec.Cmd

	mu       sync.Mutex
	stopping bool
}

func (c *child) markStopping() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
}

func (c *child) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// Supervisor owns the registered process configs and every live child
// spawned from them. Repeated spawn failures for one name trip a circuit
// breaker so a broken command line does not burn a tight restart loop.
type Supervisor struct {
	store  store.Store
	broker *ipc.Broker
	router *ipc.Router
	fabric *events.Fabric
	cfg    *config.Config
	log    *logger.Logger

	mu       sync.Mutex
	configs  map[string]*ProcessConfig
	children map[uuid.UUID]*child
	breakers map[string]*gobreaker.CircuitBreaker

	stopped bool
}

func NewSupervisor(s store.Store, broker *ipc.Broker, router *ipc.Router, fabric *events.Fabric, cfg *config.Config, log *logger.Logger) *Supervisor {
	return &Supervisor{
		store:    s,
		broker:   broker,
		router:   router,
		fabric:   fabric,
		cfg:      cfg,
		log:      log.With("component", "processes.Supervisor"),
		configs:  make(map[string]*ProcessConfig),
		children: make(map[uuid.UUID]*child),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register declares a named long-lived process. A second registration of
// the same name fails with AlreadyRegistered.
func (s *Supervisor) Register(name string, cfg ProcessConfig) error {
	if name == "" || cfg.Command == "" {
		return errorsx.InvalidID(name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[name]; exists {
		return errorsx.AlreadyRegistered(name)
	}
	c := cfg
	if c.Restart == "" {
		c.Restart = store.RestartNever
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = s.maxFailures()
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = time.Second
	}
	s.configs[name] = &c
	s.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "spawn:" + name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= c.MaxConsecutiveFailures
		},
	})
	return nil
}

func (s *Supervisor) maxFailures() int {
	if s.cfg.ProcessRestartMax > 0 {
		return s.cfg.ProcessRestartMax
	}
	return 5
}

// ConfigFor resolves the registered config for a process name, used by the
// watchdog to apply name-specific heartbeat/runtime policy.
func (s *Supervisor) ConfigFor(name string) (ProcessConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[name]
	if !ok {
		return ProcessConfig{}, false
	}
	return *c, true
}

// Spawn creates a new managed process record for name and starts the child.
// The returned id is the record's identity for the life of the process,
// across restarts.
func (s *Supervisor) Spawn(ctx context.Context, name string, metadata map[string]any) (uuid.UUID, error) {
	s.mu.Lock()
	cfg, ok := s.configs[name]
	breaker := s.breakers[name]
	s.mu.Unlock()
	if !ok {
		return uuid.Nil, errorsx.UnknownHandler(name)
	}

	argsJSON, _ := json.Marshal(cfg.Args)
	envJSON, _ := json.Marshal(cfg.Env)
	heartbeatMs := cfg.HeartbeatTimeout.Milliseconds()
	if heartbeatMs <= 0 {
		heartbeatMs = s.cfg.ProcessHeartbeatTimeout.Milliseconds()
	}

	rec := &store.ManagedProcess{
		Name:               name,
		Status:             store.ManagedSpawning,
		Command:            cfg.Command,
		Args:               argsJSON,
		Env:                envJSON,
		Cwd:                cfg.Cwd,
		HeartbeatTimeoutMs: heartbeatMs,
		MaxRuntimeMs:       cfg.MaxRuntime.Milliseconds(),
		Restart: store.RestartPolicy{
			Mode:                   cfg.Restart,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			BackoffMs:              cfg.RestartBackoff.Milliseconds(),
		},
	}
	created, err := s.store.ManagedProcesses().Create(store.WithContext(ctx), rec)
	if err != nil {
		return uuid.Nil, err
	}

	if _, err := breaker.Execute(func() (any, error) {
		return nil, s.startChild(ctx, created.ID, name, cfg, metadata)
	}); err != nil {
		now := time.Now()
		_ = s.store.ManagedProcesses().Update(store.WithContext(ctx), created.ID, map[string]any{
			"status":     store.ManagedDead,
			"stopped_at": now,
			"error":      err.Error(),
		})
		return uuid.Nil, err
	}
	return created.ID, nil
}

// startChild performs one spawn attempt for an existing record.
func (s *Supervisor) startChild(ctx context.Context, id uuid.UUID, name string, cfg *ProcessConfig, metadata map[string]any) error {
	dbc := store.WithContext(ctx)
	idStr := id.String()

	ep, err := s.broker.CreateSocket("proc", idStr)
	if err != nil {
		return err
	}
	s.router.Claim(idStr, s.childHandlers())

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = s.childEnv(cfg, idStr, ep, metadata)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.cleanupSocket(idStr)
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.cleanupSocket(idStr)
		return err
	}

	if err := cmd.Start(); err != nil {
		s.cleanupSocket(idStr)
		return fmt.Errorf("processes: spawn %s: %w", name, err)
	}

	ch := &child{procID: id, name: name, pid: cmd.Process.Pid, endpoint: ep, cmd: cmd}
	s.mu.Lock()
	s.children[id] = ch
	n := len(s.children)
	s.mu.Unlock()
	metrics.ProcessesRunning.Set(float64(n))

	now := time.Now()
	updates := map[string]any{
		"status":         store.ManagedRunning,
		"pid":            ch.pid,
		"started_at":     now,
		"last_heartbeat": now,
	}
	if ep.SocketPath != "" {
		updates["socket_path"] = ep.SocketPath
	} else {
		updates["tcp_port"] = ep.TCPPort
	}
	if err := s.store.ManagedProcesses().Update(dbc, id, updates); err != nil {
		s.log.Warn("spawn bookkeeping failed", "process_id", idStr, "error", err)
	}

	go s.streamOutput(idStr, name, "stdout", stdout)
	go s.streamOutput(idStr, name, "stderr", stderr)
	go s.watchExit(ch, cfg)

	s.fabric.Publish("process.spawned", map[string]any{"processId": idStr, "name": name, "pid": ch.pid})
	s.log.Info("process spawned", "process_id", idStr, "name", name, "pid", ch.pid)
	return nil
}

func (s *Supervisor) childEnv(cfg *ProcessConfig, id string, ep ipc.Endpoint, metadata map[string]any) []string {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, ipc.EnvProcessID+"="+id)
	if ep.SocketPath != "" {
		env = append(env, ipc.EnvSocketPath+"="+ep.SocketPath)
	} else {
		env = append(env, fmt.Sprintf("%s=%d", ipc.EnvTCPPort, ep.TCPPort))
	}
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			env = append(env, ipc.EnvMetadata+"="+string(b))
		}
	}
	return env
}

func (s *Supervisor) streamOutput(id, name, stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		s.fabric.Publish("process.log", map[string]any{
			"processId": id,
			"name":      name,
			"stream":    stream,
			"line":      scanner.Text(),
		})
	}
}

// watchExit reaps the child and applies the restart policy. A stop
// requested through Stop lands in `stopped`; everything else is a crash.
func (s *Supervisor) watchExit(ch *child, cfg *ProcessConfig) {
	err := ch.cmd.Wait()

	s.mu.Lock()
	delete(s.children, ch.procID)
	n := len(s.children)
	supervisorStopped := s.stopped
	s.mu.Unlock()
	metrics.ProcessesRunning.Set(float64(n))
	s.cleanupSocket(ch.procID.String())

	ctx := context.Background()
	dbc := store.WithContext(ctx)
	now := time.Now()
	idStr := ch.procID.String()

	if ch.isStopping() || supervisorStopped {
		_ = s.store.ManagedProcesses().Update(dbc, ch.procID, map[string]any{
			"status":     store.ManagedStopped,
			"stopped_at": now,
		})
		s.fabric.Publish("process.stopped", map[string]any{"processId": idStr, "name": ch.name})
		return
	}

	exitMsg := "exited"
	if err != nil {
		exitMsg = err.Error()
	}
	s.log.Warn("process exited unexpectedly", "process_id", idStr, "name", ch.name, "error", exitMsg)

	rec, gerr := s.store.ManagedProcesses().Get(dbc, ch.procID)
	if gerr != nil || rec == nil {
		return
	}
	failures := rec.ConsecutiveFailures + 1
	_ = s.store.ManagedProcesses().Update(dbc, ch.procID, map[string]any{
		"status":               store.ManagedCrashed,
		"stopped_at":           now,
		"consecutive_failures": failures,
		"error":                exitMsg,
	})
	s.fabric.Publish("process.crashed", map[string]any{"processId": idStr, "name": ch.name, "error": exitMsg})

	cleanExit := err == nil
	wantRestart := cfg.Restart == store.RestartAlways || (cfg.Restart == store.RestartOnFailure && !cleanExit)
	if !wantRestart {
		return
	}
	if failures >= cfg.MaxConsecutiveFailures {
		_ = s.store.ManagedProcesses().Update(dbc, ch.procID, map[string]any{"status": store.ManagedDead})
		s.fabric.Publish("process.dead", map[string]any{"processId": idStr, "name": ch.name, "consecutiveFailures": failures})
		s.log.Error("process exceeded failure budget", "process_id", idStr, "name", ch.name, "consecutive_failures", failures)
		return
	}

	time.AfterFunc(cfg.RestartBackoff, func() {
		s.mu.Lock()
		halted := s.stopped
		breaker := s.breakers[ch.name]
		s.mu.Unlock()
		if halted {
			return
		}
		if _, err := breaker.Execute(func() (any, error) {
			return nil, s.startChild(context.Background(), ch.procID, ch.name, cfg, nil)
		}); err != nil {
			s.log.Error("restart failed", "process_id", idStr, "name", ch.name, "error", err)
			_ = s.store.ManagedProcesses().Update(store.Background(), ch.procID, map[string]any{
				"status": store.ManagedDead,
				"error":  err.Error(),
			})
			s.fabric.Publish("process.dead", map[string]any{"processId": idStr, "name": ch.name, "error": err.Error()})
			return
		}
		metrics.ProcessesRestartsTotal.Inc()
		_ = s.store.ManagedProcesses().Update(store.Background(), ch.procID, map[string]any{
			"restart_count": rec.RestartCount + 1,
		})
		s.fabric.Publish("process.restarted", map[string]any{"processId": idStr, "name": ch.name})
	})
}

// childHandlers routes socket frames for supervised children. Any frame
// refreshes lastHeartbeat; the first heartbeat after a (re)spawn resets the
// consecutive-failure streak.
func (s *Supervisor) childHandlers() ipc.Handlers {
	return ipc.Handlers{
		OnMessage: func(id string, f ipc.Frame) {
			procID, err := uuid.Parse(id)
			if err != nil {
				return
			}
			dbc := store.Background()
			updates := map[string]any{
				"last_heartbeat":       time.Now(),
				"consecutive_failures": 0,
			}
			switch f.Type {
			case ipc.FrameLog:
				s.fabric.Publish("process.log", map[string]any{
					"processId": id,
					"level":     string(f.Level),
					"line":      f.Message,
				})
			case ipc.FrameStats:
				s.fabric.Publish("process.stats", map[string]any{
					"processId": id,
					"cpu":       f.CPU,
					"memory":    f.Memory,
					"uptime":    f.Uptime,
				})
			case ipc.FrameFailed:
				updates["error"] = f.Error
			}
			if err := s.store.ManagedProcesses().Update(dbc, procID, updates); err != nil {
				s.log.Warn("heartbeat update failed", "process_id", id, "error", err)
			}
		},
		OnDisconnect: func(id string) {
			s.fabric.Publish("process.disconnected", map[string]any{"processId": id})
		},
		OnError: func(id string, err error) {
			s.log.Warn("child socket error", "process_id", id, "error", err)
		},
	}
}

// Stop terminates one managed process with the graceful escalation and
// marks it stopped. graceMs < 0 uses the registered kill grace.
func (s *Supervisor) Stop(ctx context.Context, id uuid.UUID, graceMs int64) (bool, error) {
	dbc := store.WithContext(ctx)
	rec, err := s.store.ManagedProcesses().Get(dbc, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, errorsx.InvalidID(id.String())
	}

	s.mu.Lock()
	ch := s.children[id]
	s.mu.Unlock()

	grace := time.Duration(graceMs) * time.Millisecond
	if graceMs < 0 {
		grace = s.killGraceFor(rec.Name)
	}

	if ch != nil {
		ch.markStopping()
		watchdog.GracefulKill(ch.pid, grace)
		return true, nil
	}
	if rec.Status == store.ManagedRunning && rec.PID != nil {
		// A record from a previous parent: no in-memory child to flag, so
		// resolve the record here after the kill.
		watchdog.GracefulKill(*rec.PID, grace)
		now := time.Now()
		_ = s.store.ManagedProcesses().Update(dbc, id, map[string]any{
			"status":     store.ManagedStopped,
			"stopped_at": now,
		})
		s.fabric.Publish("process.stopped", map[string]any{"processId": id.String(), "name": rec.Name})
		return true, nil
	}
	return false, nil
}

func (s *Supervisor) killGraceFor(name string) time.Duration {
	if cfg, ok := s.ConfigFor(name); ok && cfg.KillGrace > 0 {
		return cfg.KillGrace
	}
	return time.Duration(s.cfg.ProcessKillGraceMs) * time.Millisecond
}

// Get returns one managed process record.
func (s *Supervisor) Get(ctx context.Context, id uuid.UUID) (*store.ManagedProcess, error) {
	return s.store.ManagedProcesses().Get(store.WithContext(ctx), id)
}

// GetByName returns the most recent record for a registered name.
func (s *Supervisor) GetByName(ctx context.Context, name string) (*store.ManagedProcess, error) {
	return s.store.ManagedProcesses().GetByName(store.WithContext(ctx), name)
}

// List returns every managed process record.
func (s *Supervisor) List(ctx context.Context) ([]*store.ManagedProcess, error) {
	return s.store.ManagedProcesses().GetAll(store.WithContext(ctx), store.Filters{})
}

// Start recovers records left running by a previous parent: live pids are
// reconnected the same way external jobs are, dead ones are marked crashed
// (restart policy intentionally does not fire for pre-restart crashes; the
// operator respawns explicitly).
func (s *Supervisor) Start() {
	ctx := context.Background()
	dbc := store.WithContext(ctx)
	running, err := s.store.ManagedProcesses().GetRunning(dbc, store.Filters{})
	if err != nil {
		s.log.Warn("process recovery scan failed", "error", err)
		return
	}
	for _, rec := range running {
		idStr := rec.ID.String()
		ep := ipc.Endpoint{SocketPath: rec.SocketPath}
		if rec.TCPPort != nil {
			ep.TCPPort = *rec.TCPPort
		}

		if rec.PID != nil && watchdog.Alive(*rec.PID) && !ep.Empty() {
			if err := s.broker.Reserve(idStr, ep); err != nil {
				s.log.Warn("reservation failed", "process_id", idStr, "error", err)
			}
			if err := s.broker.Reconnect(idStr, ep); err != nil {
				s.log.Warn("listener rebind failed", "process_id", idStr, "error", err)
				_ = s.store.ManagedProcesses().Update(dbc, rec.ID, map[string]any{
					"status": store.ManagedOrphaned,
					"error":  errorsx.ReconnectFailed(idStr, err).Error(),
				})
				continue
			}
			s.router.Claim(idStr, s.childHandlers())
			s.mu.Lock()
			s.children[rec.ID] = &child{procID: rec.ID, name: rec.Name, pid: *rec.PID, endpoint: ep}
			s.mu.Unlock()
			_ = s.store.ManagedProcesses().Update(dbc, rec.ID, map[string]any{"last_heartbeat": time.Now()})
			s.fabric.Publish("process.reconnected", map[string]any{"processId": idStr})
			continue
		}

		now := time.Now()
		_ = s.store.ManagedProcesses().Update(dbc, rec.ID, map[string]any{
			"status":     store.ManagedCrashed,
			"stopped_at": now,
			"error":      "process died while parent was down",
		})
		_ = s.broker.Release(idStr)
		s.fabric.Publish("process.crashed", map[string]any{"processId": idStr, "name": rec.Name})
	}
}

// Shutdown SIGTERMs every live child and stops respawning.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	children := make([]*child, 0, len(s.children))
	for _, ch := range s.children {
		children = append(children, ch)
	}
	s.mu.Unlock()

	for _, ch := range children {
		ch.markStopping()
		ch.terminate()
	}
	s.log.Info("process supervisor shut down", "children", len(children))
}

func (c *child) terminate() {
	_ = watchdog.Terminate(c.pid)
}

func (s *Supervisor) cleanupSocket(id string) {
	_ = s.broker.CloseSocket(id)
	_ = s.broker.Release(id)
	s.router.Release(id)
}
