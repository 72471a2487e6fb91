// Command execored runs the execution-orchestration core as a standalone
// daemon: serve (engines + watchdog + metrics), migrate (schema), watchdog
// (external companion scanning the same store), and workflow-exec (the
// isolated workflow executor entrypoint spawned by a parent).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	execore "github.com/donkeylabs/execore"
	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/metrics"
	"github.com/donkeylabs/execore/internal/platform/otelx"
	"github.com/donkeylabs/execore/internal/workflow"
	"github.com/donkeylabs/execore/internal/workflow/bootstrap"
)

// WorkflowRegistrar is the hook an embedding build sets so both `serve` and
// `workflow-exec` agree on the compiled-in workflow definitions. The stock
// binary ships with none.
var WorkflowRegistrar bootstrap.Registrar

func main() {
	root := &cobra.Command{
		Use:           "execored",
		Short:         "execution-orchestration core daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), watchdogCmd(), workflowExecCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "execored:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the jobs/processes/workflows engines with the in-process watchdog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			core, err := execore.New(cfg, execore.Options{})
			if err != nil {
				return err
			}
			if err := core.Migrate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownOtel := otelx.Init(ctx, core.Log, cfg)

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				core.Log.Warn("metrics registration failed", "error", err)
			}
			metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					core.Log.Warn("metrics server failed", "error", err)
				}
			}()

			if WorkflowRegistrar != nil {
				if err := WorkflowRegistrar(core.Workflows); err != nil {
					return err
				}
			}

			openCompanionBridge(core)

			if err := core.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutCtx)
			if shutdownOtel != nil {
				_ = shutdownOtel(shutCtx)
			}
			core.Stop()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply (or roll back one) schema migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			core, err := execore.New(cfg, execore.Options{})
			if err != nil {
				return err
			}
			defer core.Stop()
			if down {
				return core.MigrateDown()
			}
			return core.Migrate()
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back exactly one migration")
	return cmd
}

func watchdogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "run the watchdog as an external companion over the shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			core, err := execore.New(cfg, execore.Options{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// The companion has no registry to resolve name-specific job
			// policy from; the engine-wide defaults apply.
			core.Watchdog.JobPolicyFor = nil

			// Forward every locally published event to a serving parent, if
			// one is listening on the companion bridge socket. Standalone
			// operation (no parent) just logs locally.
			client := ipc.NewClient(ipc.ClientProcess, companionID,
				ipc.Endpoint{SocketPath: filepath.Join(cfg.SocketDir, "proc_"+companionID+".sock")}, 0, core.Log)
			connectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err = client.Connect(connectCtx)
			cancel()
			if err != nil {
				core.Log.Warn("no serving parent found, events stay local", "error", err)
			} else {
				defer client.Close()
				core.Fabric.Subscribe("*", func(ev events.Event) {
					data, merr := json.Marshal(map[string]any{"topic": ev.Topic, "payload": ev.Payload})
					if merr != nil {
						return
					}
					_ = client.Send(ipc.Frame{Type: ipc.FrameEvent, Data: data})
				})
			}

			core.Watchdog.Start()
			core.Log.Info("watchdog companion running")
			<-ctx.Done()
			core.Watchdog.Stop()
			core.Stop()
			return nil
		},
	}
}

const companionID = "watchdog-companion"

// openCompanionBridge gives an external watchdog companion a socket to
// publish its lifecycle events back into this parent's event fabric.
func openCompanionBridge(core *execore.Core) {
	if _, err := core.Broker.CreateSocket("proc", companionID); err != nil {
		core.Log.Warn("companion bridge socket failed", "error", err)
		return
	}
	core.Router.Claim(companionID, ipc.Handlers{
		OnMessage: func(_ string, f ipc.Frame) {
			if f.Type != ipc.FrameEvent {
				return
			}
			var evt struct {
				Topic   string `json:"topic"`
				Payload any    `json:"payload"`
			}
			if err := json.Unmarshal(f.Data, &evt); err != nil || evt.Topic == "" {
				return
			}
			core.Fabric.Publish(evt.Topic, evt.Payload)
		},
	})
}

func workflowExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "workflow-exec",
		Short:  "isolated workflow executor (spawned by a parent, reads config from stdin)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := bootstrap.Run(cmd.Context(), registrarOrNoop())
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
}

func registrarOrNoop() bootstrap.Registrar {
	if WorkflowRegistrar != nil {
		return WorkflowRegistrar
	}
	return func(*workflow.Engine) error { return nil }
}
