// Package bootstrap is the child side of the isolated workflow executor
// process. The parent spawns it, writes one JSON config line to
// stdin, and expects lifecycle frames back over the per-child socket. The
// bootstrap rebuilds the core services locally (store, events, jobs,
// workflow engine), registers the binary's compiled-in definitions and
// plugins, and drives the target instance with the inline state machine,
// bridging every state-machine callback into an IPC frame.
package bootstrap

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/store"
	"github.com/donkeylabs/execore/internal/workflow"
)

// Registrar installs the binary's workflow definitions and plugins into the
// freshly built engine. The same registrar the parent uses at startup is
// reused here so both sides agree on every definition.
type Registrar func(eng *workflow.Engine) error

// Run executes the bootstrap to completion and returns the process exit
// code: 0 on a completed instance, 1 on any failure.
func Run(ctx context.Context, register Registrar) int {
	log, err := logger.New(os.Getenv("DONKEYLABS_LOG_MODE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap: logger:", err)
		return 1
	}
	log = log.With("component", "workflow.Bootstrap")

	cfgDoc, err := readConfig(os.Stdin)
	if err != nil {
		log.Error("config read failed", "error", err)
		return 1
	}

	instID, err := uuid.Parse(cfgDoc.InstanceID)
	if err != nil {
		log.Error("bad instance id", "instance_id", cfgDoc.InstanceID, "error", err)
		return 1
	}

	cfg := config.Load()
	cfg.DatabaseDriver = cfgDoc.DatabaseDriver
	cfg.DatabaseDSN = cfgDoc.DatabaseDSN

	var st store.Store
	if cfgDoc.DatabaseDriver == "" || cfgDoc.DatabaseDriver == "memory" {
		st = store.OpenMemory()
	} else {
		st, err = store.OpenSQL(cfg)
		if err != nil {
			log.Error("store open failed", "error", err)
			return 1
		}
	}
	defer func() { _ = st.Close() }()

	fabric := events.New(64)
	eng := workflow.NewEngine(st, nil, nil, fabric, nil, cfg, log)
	if register != nil {
		if err := register(eng); err != nil {
			log.Error("registrar failed", "error", err)
			return 1
		}
	}
	if err := eng.Plugins().Init(ctx, cfgDoc.PluginConfigs); err != nil {
		log.Error("plugin init failed", "error", err)
		return 1
	}

	ep := ipc.Endpoint{SocketPath: cfgDoc.SocketPath, TCPPort: cfgDoc.TCPPort}
	client := ipc.NewClient(ipc.ClientInstance, cfgDoc.InstanceID, ep, 0, log)
	if err := client.Connect(ctx); err != nil {
		log.Error("parent socket connect failed", "endpoint", ep.String(), "error", err)
		return 1
	}
	defer client.Close()

	bridgeCallbacks(eng, fabric, client, cfgDoc.WorkflowName)
	_ = client.Send(ipc.Frame{Type: ipc.FrameReady})

	runErr := eng.RunInstance(ctx, cfgDoc.WorkflowName, instID)
	if runErr != nil {
		_ = client.Send(ipc.Frame{Type: ipc.FrameFailed, Error: runErr.Error()})
		return 1
	}

	inst, err := eng.Get(ctx, instID)
	var result json.RawMessage
	if err == nil && inst != nil {
		result = json.RawMessage(inst.Output)
	}
	_ = client.Send(ipc.Frame{Type: ipc.FrameCompleted, Result: result})
	return 0
}

func readConfig(r io.Reader) (*workflow.BootstrapConfig, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("bootstrap: read stdin: %w", err)
		}
		return nil, fmt.Errorf("bootstrap: empty stdin")
	}
	var cfg workflow.BootstrapConfig
	if err := json.Unmarshal(scanner.Bytes(), &cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: parse config: %w", err)
	}
	if cfg.WorkflowName == "" || cfg.InstanceID == "" {
		return nil, fmt.Errorf("bootstrap: config missing workflowName or instanceId")
	}
	return &cfg, nil
}

// bridgeCallbacks serializes every state-machine callback as an IPC frame,
// and forwards handler-emitted events and poll/loop markers off the local
// fabric.
func bridgeCallbacks(eng *workflow.Engine, fabric *events.Fabric, client *ipc.Client, wfName string) {
	eng.SetCallbacks(workflow.Callbacks{
		OnStepStarted: func(id uuid.UUID, _, step string) {
			_ = client.Send(ipc.Frame{Type: ipc.FrameStepStarted, Step: step})
		},
		OnStepCompleted: func(id uuid.UUID, _, step string, output any) {
			b, _ := json.Marshal(output)
			_ = client.Send(ipc.Frame{Type: ipc.FrameStepCompleted, Step: step, Result: b})
		},
		OnStepFailed: func(id uuid.UUID, _, step string, err error) {
			_ = client.Send(ipc.Frame{Type: ipc.FrameStepFailed, Step: step, Error: err.Error()})
		},
		OnProgress: func(id uuid.UUID, _ string, percent int) {
			_ = client.Send(ipc.Frame{Type: ipc.FrameProgress, Percent: percent})
		},
		// No completion hooks are installed: Run sends the terminal frame
		// once the machine returns.
	})

	fabric.Subscribe("workflow."+wfName+".event", func(ev events.Event) {
		b, _ := json.Marshal(ev.Payload)
		_ = client.Send(ipc.Frame{Type: ipc.FrameEvent, Data: b})
	})
	fabric.Subscribe("workflow.step.poll", func(ev events.Event) {
		if m, ok := ev.Payload.(map[string]any); ok {
			step, _ := m["step"].(string)
			count, _ := m["pollCount"].(int)
			_ = client.Send(ipc.Frame{Type: ipc.FrameStepPoll, Step: step, Count: count})
		}
	})
	fabric.Subscribe("workflow.step.loop", func(ev events.Event) {
		if m, ok := ev.Payload.(map[string]any); ok {
			step, _ := m["step"].(string)
			count, _ := m["loopCount"].(int)
			_ = client.Send(ipc.Frame{Type: ipc.FrameStepLoop, Step: step, Count: count})
		}
	})
}

// Deadline guards the whole bootstrap: a child that cannot finish its
// instance inside the watchdog's patience is better off exiting nonzero
// than lingering.
func RunWithTimeout(timeout time.Duration, register Registrar) int {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return Run(ctx, register)
}
