package workflow

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/store"
)

// StepContext is the execution surface handed to task handlers, poll
// checks, and predicates: the instance input, completed step outputs, the
// previous step's output, persisted metadata access, plugins, and a scoped
// logger/event emitter.
type StepContext struct {
	Ctx      context.Context
	Input    any
	Steps    map[string]any
	Prev     any
	Instance *store.WorkflowInstance
	Log      *logger.Logger

	eng    *Engine
	instID uuid.UUID
	wfName string
}

// Emit publishes a handler-defined event on workflow.<name>.event and
// workflow.<id>.event.
func (c *StepContext) Emit(payload any) {
	c.eng.fabric.Publish("workflow."+c.wfName+".event", payload)
	c.eng.fabric.Publish("workflow."+c.instID.String()+".event", payload)
}

// Plugin looks up a registered plugin service by name.
func (c *StepContext) Plugin(name string) (any, bool) {
	return c.eng.plugins.Get(name)
}

// Metadata returns the instance's free-form metadata map as last loaded.
func (c *StepContext) Metadata() map[string]any {
	if c.Instance == nil || c.Instance.Metadata == nil {
		return map[string]any{}
	}
	return c.Instance.Metadata
}

// GetMetadata reads one metadata key.
func (c *StepContext) GetMetadata(key string) (any, bool) {
	v, ok := c.Metadata()[key]
	return v, ok
}

// SetMetadata writes one metadata key and persists the whole map. The
// record is single-writer per instance, so a read-modify-write here cannot
// race another driver.
func (c *StepContext) SetMetadata(key string, value any) error {
	dbc := store.WithContext(c.Ctx)
	inst, err := c.eng.store.WorkflowInstances().Get(dbc, c.instID)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	meta := inst.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta[key] = value
	if err := c.eng.store.WorkflowInstances().Update(dbc, c.instID, map[string]any{"metadata": datatypes.JSONMap(meta)}); err != nil {
		return err
	}
	c.Instance.Metadata = meta
	return nil
}
