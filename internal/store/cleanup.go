package store

import (
	"context"
	"time"

	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/logger"
)

// Cleaner periodically deletes terminal records older than the retention
// window from all three tables. It never touches live records and tolerates
// the boot window before migrations run (the adapters already swallow
// missing-table errors).
type Cleaner struct {
	store    Store
	log      *logger.Logger
	interval time.Duration
	retain   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleaner builds a Cleaner from the configured cleanup interval (default
// 1h) and retention days.
func NewCleaner(s Store, cfg *config.Config, log *logger.Logger) *Cleaner {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	retain := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	return &Cleaner{
		store:    s,
		log:      log.With("component", "store.Cleaner"),
		interval: interval,
		retain:   retain,
	}
}

// Start launches the cleanup loop. The first pass runs after one full
// interval, not immediately, so boot is never delayed by retention work.
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for an in-flight pass to finish.
func (c *Cleaner) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// RunOnce performs a single retention pass over all three tables.
func (c *Cleaner) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-c.retain)
	dbc := WithContext(ctx)

	if n, err := c.store.Jobs().DeleteTerminalBefore(dbc, cutoff); err != nil {
		c.log.Warn("job cleanup failed", "error", err)
	} else if n > 0 {
		c.log.Info("deleted terminal jobs", "count", n, "cutoff", cutoff)
	}

	if n, err := c.store.WorkflowInstances().DeleteTerminalBefore(dbc, cutoff); err != nil {
		c.log.Warn("workflow instance cleanup failed", "error", err)
	} else if n > 0 {
		c.log.Info("deleted terminal workflow instances", "count", n, "cutoff", cutoff)
	}

	if n, err := c.store.ManagedProcesses().DeleteTerminalBefore(dbc, cutoff); err != nil {
		c.log.Warn("managed process cleanup failed", "error", err)
	} else if n > 0 {
		c.log.Info("deleted terminal managed processes", "count", n, "cutoff", cutoff)
	}
}
