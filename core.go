// Package execore assembles the execution-orchestration core: persistence
// adapters, the local-socket broker, the jobs engine, the process
// supervisor, the workflow state machine, the watchdog, and the event
// fabric, wired together behind one lifecycle.
//
// An embedding server constructs a Core, registers its job handlers,
// process configs, and workflow definitions, then calls Start. The
// execored binary in cmd/ is a thin CLI over the same type.
package execore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/jobs"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/processes"
	"github.com/donkeylabs/execore/internal/store"
	"github.com/donkeylabs/execore/internal/watchdog"
	"github.com/donkeylabs/execore/internal/workflow"
)

// Core bundles every subsystem of the execution-orchestration core.
type Core struct {
	Config *config.Config
	Log    *logger.Logger

	Store  store.Store
	Fabric *events.Fabric
	Broker *ipc.Broker
	Router *ipc.Router

	Jobs      *jobs.Engine
	Processes *processes.Supervisor
	Workflows *workflow.Engine
	Watchdog  *watchdog.Runner
	Cleaner   *store.Cleaner
}

// Options tunes Core construction beyond the environment config.
type Options struct {
	// InMemory swaps the SQL store for the in-memory backend (tests, the
	// subprocess bootstrap's local services).
	InMemory bool
	// HistoryCap bounds the event fabric's per-topic history buffer.
	HistoryCap int
}

// New constructs a fully wired, not-yet-started Core.
func New(cfg *config.Config, opts Options) (*Core, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("execore: logger: %w", err)
	}

	var st store.Store
	if opts.InMemory {
		st = store.OpenMemory()
	} else {
		st, err = store.OpenSQL(cfg)
		if err != nil {
			return nil, err
		}
	}

	histCap := opts.HistoryCap
	if histCap == 0 {
		histCap = 64
	}
	fabric := events.New(histCap)

	broker, err := ipc.NewBroker(ipc.Config{
		SocketDir:         cfg.SocketDir,
		TCPPortMin:        cfg.TCPPortMin,
		TCPPortMax:        cfg.TCPPortMax,
		ReservationDBPath: cfg.ReservationDBPath,
	}, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	router := ipc.NewRouter()
	broker.SetHandlers(router.Handlers())

	jobsEngine := jobs.NewEngine(st, broker, router, fabric, cfg, log)
	supervisor := processes.NewSupervisor(st, broker, router, fabric, cfg, log)
	workflows := workflow.NewEngine(st, broker, router, fabric, jobsEngine, cfg, log)

	dog := watchdog.NewRunner(st, fabric, cfg, log)
	dog.JobPolicyFor = func(name string) watchdog.JobPolicy {
		p := jobsEngine.PolicyFor(name)
		return watchdog.JobPolicy{
			HeartbeatTimeout: p.HeartbeatTimeout,
			KillGrace:        p.KillGrace,
			Timeout:          p.Timeout,
		}
	}

	return &Core{
		Config:    cfg,
		Log:       log,
		Store:     st,
		Fabric:    fabric,
		Broker:    broker,
		Router:    router,
		Jobs:      jobsEngine,
		Processes: supervisor,
		Workflows: workflows,
		Watchdog:  dog,
		Cleaner:   store.NewCleaner(st, cfg, log),
	}, nil
}

// Migrate applies the schema migrations against the Core's database. It is
// a no-op for the in-memory backend.
func (c *Core) Migrate() error {
	type gormStore interface{ DB() *gorm.DB }
	gs, ok := c.Store.(gormStore)
	if !ok {
		return nil
	}
	return store.Migrate(gs.DB(), c.Config)
}

// MigrateDown rolls back exactly one migration (the `execored migrate
// --down` path).
func (c *Core) MigrateDown() error {
	type gormStore interface{ DB() *gorm.DB }
	gs, ok := c.Store.(gormStore)
	if !ok {
		return nil
	}
	return store.MigrateDown(gs.DB(), c.Config)
}

// Start brings the core online: recover orphans, start the tick and scan
// loops.
func (c *Core) Start(ctx context.Context) error {
	c.Jobs.Start()
	c.Processes.Start()
	c.Workflows.Recover()
	c.Watchdog.Start()
	c.Cleaner.Start()
	c.Log.Info("execore started")
	return nil
}

// Stop drains in reverse order: loops first, then children, then the
// broker and the store. Adapter errors after the store closes are swallowed
// by contract.
func (c *Core) Stop() {
	c.Cleaner.Stop()
	c.Watchdog.Stop()
	c.Jobs.Stop()
	c.Processes.Shutdown()
	_ = c.Broker.Close()
	_ = c.Store.Close()
	c.Log.Info("execore stopped")
	c.Log.Sync()
}
