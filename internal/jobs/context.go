package jobs

import (
	"context"
	"encoding/json"

	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/platform/ctxutil"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/store"
)

// Context is the only surface an in-process handler sees: the payload, a
// scoped logger, and a typed event emitter. Handlers report progress and
// domain events through it instead of touching the store or fabric
// directly.
type Context struct {
	Ctx context.Context
	Job *store.Job
	Log *logger.Logger

	fabric *events.Fabric
}

func newContext(ctx context.Context, job *store.Job, fabric *events.Fabric, log *logger.Logger) *Context {
	log = log.With("job_id", job.ID.String(), "job_name", job.Name)
	if td := ctxutil.GetTraceData(ctx); td != nil && td.TraceID != "" {
		log = log.With("trace_id", td.TraceID)
	}
	return &Context{
		Ctx:    ctx,
		Job:    job,
		Log:    log,
		fabric: fabric,
	}
}

// Bind unmarshals the job payload into v.
func (c *Context) Bind(v any) error {
	if len(c.Job.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(c.Job.Payload, v)
}

// Emit publishes a handler-defined event on the job's topics: job.event,
// job.<name>.event, and job.<id>.event.
func (c *Context) Emit(payload any) {
	c.fabric.Publish("job.event", payload)
	c.fabric.Publish("job."+c.Job.Name+".event", payload)
	c.fabric.Publish("job."+c.Job.ID.String()+".event", payload)
}

// Progress publishes a progress notification for subscribers watching this
// job.
func (c *Context) Progress(percent int, message string) {
	payload := map[string]any{
		"jobId":   c.Job.ID.String(),
		"percent": percent,
		"message": message,
	}
	c.fabric.Publish("job.progress", payload)
	c.fabric.Publish("job."+c.Job.ID.String()+".progress", payload)
}
