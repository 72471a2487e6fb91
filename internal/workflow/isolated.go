package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/donkeylabs/execore/internal/errorsx"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/platform/metrics"
	"github.com/donkeylabs/execore/internal/store"
)

// BootstrapConfig is the single JSON document written to the isolated
// executor's stdin: everything the child needs to rebuild the core services
// and drive the target instance.
type BootstrapConfig struct {
	DatabaseDriver string `json:"databaseDriver"`
	DatabaseDSN    string `json:"databaseDsn"`

	WorkflowName string `json:"workflowName"`
	InstanceID   string `json:"instanceId"`

	SocketPath string `json:"socketPath,omitempty"`
	TCPPort    int    `json:"tcpPort,omitempty"`

	PluginConfigs map[string]any `json:"pluginConfigs,omitempty"`
}

// runIsolated executes the instance in a subprocess workflow executor. The
// child opens the same database, replays the definition through its own
// inline machine, and streams lifecycle frames back over the per-child
// socket; this side mirrors those frames into the state-machine event
// interface and keeps metadata.__watchdog fresh so the watchdog can police
// the subprocess.
func (e *Engine) runIsolated(ctx context.Context, def *Definition, id uuid.UUID) {
	idStr := id.String()
	dbc := store.WithContext(ctx)

	ep, err := e.broker.CreateSocket("wf", idStr)
	if err != nil {
		e.failBeforeSpawn(dbc, def, id, err)
		return
	}
	e.router.Claim(idStr, e.isolatedHandlers(def))
	defer func() {
		_ = e.broker.CloseSocket(idStr)
		_ = e.broker.Release(idStr)
		e.router.Release(idStr)
	}()

	cfgDoc := BootstrapConfig{
		DatabaseDriver: e.cfg.DatabaseDriver,
		DatabaseDSN:    e.cfg.DatabaseDSN,
		WorkflowName:   def.Name,
		InstanceID:     idStr,
		SocketPath:     ep.SocketPath,
		TCPPort:        ep.TCPPort,
		PluginConfigs:  def.PluginConfigs,
	}
	doc, err := json.Marshal(cfgDoc)
	if err != nil {
		e.failBeforeSpawn(dbc, def, id, errorsx.NonSerializableConfig(err))
		return
	}

	argv := e.execCommand()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		ipc.EnvProcessID+"="+idStr,
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.failBeforeSpawn(dbc, def, id, err)
		return
	}
	if err := cmd.Start(); err != nil {
		e.failBeforeSpawn(dbc, def, id, err)
		return
	}
	pid := cmd.Process.Pid

	e.heartbeatHint(ctx, id, pid)
	e.log.Info("isolated workflow executor spawned",
		"workflow", def.Name,
		"instance_id", idStr,
		"pid", pid,
	)

	_, _ = stdin.Write(append(doc, '\n'))
	_ = stdin.Close()

	defer metrics.WorkflowInstancesActive.Dec()
	waitErr := cmd.Wait()

	inst, gerr := e.store.WorkflowInstances().Get(dbc, id)
	if gerr != nil || inst == nil {
		return
	}
	switch inst.Status {
	case store.WorkflowCompleted, store.WorkflowFailed, store.WorkflowCancelled, store.WorkflowTimedOut:
		return
	}
	// The executor died before persisting a terminal state.
	code := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if waitErr != nil {
		code = -1
	}
	cause := errorsx.ChildExitNonzero(code)
	now := time.Now()
	_ = e.store.WorkflowInstances().Update(dbc, id, map[string]any{
		"status":       store.WorkflowFailed,
		"error":        cause.Error(),
		"completed_at": now,
	})
	e.emitFailed(id, def.Name, cause)
}

func (e *Engine) execCommand() []string {
	if len(e.cfg.WorkflowExecCommand) > 0 {
		return e.cfg.WorkflowExecCommand
	}
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return []string{self, "workflow-exec"}
}

func (e *Engine) failBeforeSpawn(dbc store.DBContext, def *Definition, id uuid.UUID, cause error) {
	now := time.Now()
	_ = e.store.WorkflowInstances().Update(dbc, id, map[string]any{
		"status":       store.WorkflowFailed,
		"error":        cause.Error(),
		"completed_at": now,
	})
	e.emitFailed(id, def.Name, cause)
	metrics.WorkflowInstancesActive.Dec()
}

// isolatedHandlers mirrors the executor's lifecycle frames. The subprocess
// is the instance record's writer; this side only refreshes the watchdog
// hint and fans the frames out as events and callbacks.
func (e *Engine) isolatedHandlers(def *Definition) ipc.Handlers {
	return ipc.Handlers{
		OnMessage: func(idStr string, f ipc.Frame) {
			id, err := uuid.Parse(idStr)
			if err != nil {
				return
			}
			ctx := context.Background()

			// Any frame proves the executor is alive.
			if pid := e.watchdogPID(ctx, id); pid > 0 {
				e.heartbeatHint(ctx, id, pid)
			}

			switch f.Type {
			case ipc.FrameReady:
				e.fabric.Publish("workflow.executor.ready", map[string]any{"instanceId": idStr})
			case ipc.FrameStepStarted:
				e.emitStepStarted(id, def.Name, f.Step)
			case ipc.FrameStepCompleted:
				e.emitStepCompleted(id, def.Name, f.Step, decodeJSON(f.Result), f.Percent)
			case ipc.FrameStepFailed:
				e.emitStepFailed(id, def.Name, f.Step, fmt.Errorf("%s", f.Error))
			case ipc.FrameStepPoll:
				e.emitStepPoll(id, def.Name, f.Step, f.Count)
			case ipc.FrameStepLoop:
				e.emitStepLoop(id, def.Name, f.Step, f.Count)
			case ipc.FrameProgress:
				e.fabric.Publish("workflow.progress", map[string]any{
					"instanceId": idStr,
					"workflow":   def.Name,
					"percent":    f.Percent,
				})
			case ipc.FrameEvent:
				e.fabric.Publish("workflow."+def.Name+".event", decodeJSON(f.Data))
				e.fabric.Publish("workflow."+idStr+".event", decodeJSON(f.Data))
			case ipc.FrameLog:
				e.fabric.Publish("workflow.executor.log", map[string]any{
					"instanceId": idStr,
					"level":      string(f.Level),
					"line":       f.Message,
				})
			case ipc.FrameCompleted:
				e.emitCompleted(id, def.Name, decodeJSON(f.Result))
			case ipc.FrameFailed:
				e.emitFailed(id, def.Name, fmt.Errorf("%s", f.Error))
			}
		},
		OnDisconnect: func(idStr string) {
			e.fabric.Publish("workflow.executor.disconnected", map[string]any{"instanceId": idStr})
		},
		OnError: func(idStr string, err error) {
			e.log.Warn("executor socket error", "instance_id", idStr, "error", err)
		},
	}
}

func (e *Engine) watchdogPID(ctx context.Context, id uuid.UUID) int {
	inst, err := e.store.WorkflowInstances().Get(store.WithContext(ctx), id)
	if err != nil || inst == nil {
		return 0
	}
	hint, ok := store.WatchdogHintFrom(inst.Metadata)
	if !ok {
		return 0
	}
	return hint.PID
}
