package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/donkeylabs/execore/internal/errorsx"
	"github.com/donkeylabs/execore/internal/jobs"
	"github.com/donkeylabs/execore/internal/platform/ctxutil"
	"github.com/donkeylabs/execore/internal/platform/metrics"
	"github.com/donkeylabs/execore/internal/store"
)

// machine drives one instance through its definition. It is the single
// writer for the instance record while it runs; the loop is iterative,
// never recursive, so arbitrarily long plans cannot grow the stack.
type machine struct {
	eng *Engine
	def *Definition
	id  uuid.UUID
}

func (m *machine) adapter() store.WorkflowInstanceAdapter {
	return m.eng.store.WorkflowInstances()
}

// run executes the step loop to a terminal state. The returned error is the
// business failure already persisted on the record; callers log it but do
// not re-surface it to API callers.
func (m *machine) run(ctx context.Context) error {
	dbc := store.WithContext(ctx)
	inst, err := m.adapter().Get(dbc, m.id)
	if err != nil {
		return err
	}
	if inst == nil {
		return errorsx.InvalidID(m.id.String())
	}

	now := time.Now()
	startedAt := now
	if inst.Status == store.WorkflowPending {
		updates := map[string]any{
			"status":     store.WorkflowRunning,
			"started_at": now,
		}
		if inst.CurrentStep == "" {
			updates["current_step"] = m.def.Start
		}
		if err := m.adapter().Update(dbc, m.id, updates); err != nil {
			return err
		}
	} else if inst.StartedAt != nil {
		startedAt = *inst.StartedAt
	}

	current := inst.CurrentStep
	if current == "" {
		current = m.def.Start
	}
	prev := m.resumePrev(inst)

	// resuming is true only until the first step executes: a crash between
	// persisting a step's completion and advancing currentStep must not
	// re-run that step, but a loop routing back to a completed target must.
	resuming := true

	for current != "" {
		if m.eng.takeCancelled(m.id) || ctx.Err() != nil {
			m.markCancelled(dbc)
			return nil
		}
		if m.def.Timeout > 0 && time.Since(startedAt) > m.def.Timeout {
			return m.markTimedOut(dbc)
		}

		step, ok := m.def.Steps[current]
		if !ok {
			err := errorsx.StepNotFound(current)
			m.markFailed(dbc, current, err)
			return err
		}

		// Reload to observe externally set metadata and step results.
		inst, err = m.adapter().Get(dbc, m.id)
		if err != nil {
			return err
		}
		if inst == nil {
			return errorsx.InvalidID(m.id.String())
		}

		sr := stepResultFrom(inst.StepResults, current)

		// On resume, a step that already completed before the crash is never
		// re-executed: advance along its recorded output instead.
		if resuming && sr.Status == store.StepCompleted {
			prev = decodeJSON(sr.Output)
			current = nextStep(step, prev)
			continue
		}
		resuming = false

		sr.Status = store.StepRunning
		sr.Attempts++
		if sr.StartedAt == nil {
			t := time.Now()
			sr.StartedAt = &t
		}
		if err := m.persistStepResult(dbc, inst, current, sr); err != nil {
			return err
		}
		m.eng.emitStepStarted(m.id, m.def.Name, current)

		sc := m.buildContext(ctx, inst, prev)
		output, execErr := m.execute(ctx, sc, current, step, sr)
		// Poll and loop steps persist their counters from their own copy of
		// the step result; carry them over so the upserts below keep them.
		if latest, gerr := m.adapter().Get(dbc, m.id); gerr == nil && latest != nil {
			persisted := stepResultFrom(latest.StepResults, current)
			sr.PollCount, sr.LastPolledAt = persisted.PollCount, persisted.LastPolledAt
			sr.LoopCount, sr.LastLoopedAt = persisted.LoopCount, persisted.LastLoopedAt
		}

		if execErr != nil {
			policy := m.retryPolicy(step)
			if policy != nil && sr.Attempts < policy.MaxAttempts {
				delay := policy.Delay(sr.Attempts)
				m.eng.log.Warn("step failed, retrying",
					"instance_id", m.id.String(),
					"step", current,
					"attempt", sr.Attempts,
					"delay", delay,
					"error", execErr,
				)
				select {
				case <-ctx.Done():
					m.markCancelled(dbc)
					return nil
				case <-time.After(delay):
				}
				continue
			}

			t := time.Now()
			sr.Status = store.StepFailed
			sr.Error = execErr.Error()
			sr.CompletedAt = &t
			_ = m.persistStepResult(dbc, inst, current, sr)
			m.eng.emitStepFailed(m.id, m.def.Name, current, execErr)
			m.markFailed(dbc, current, execErr)
			return execErr
		}

		t := time.Now()
		sr.Status = store.StepCompleted
		sr.CompletedAt = &t
		sr.Output = marshalJSON(output)
		if err := m.persistStepResult(dbc, inst, current, sr); err != nil {
			return err
		}
		metrics.WorkflowStepsCompletedTotal.WithLabelValues("completed").Inc()

		progress := m.progressAfter(dbc)
		m.eng.emitStepCompleted(m.id, m.def.Name, current, output, progress)

		prev = output
		current = nextStep(step, output)
		if current != "" {
			if err := m.adapter().Update(dbc, m.id, map[string]any{"current_step": current}); err != nil {
				return err
			}
		}
	}

	now = time.Now()
	updates := map[string]any{
		"status":       store.WorkflowCompleted,
		"completed_at": now,
		"current_step": "",
	}
	if prev != nil {
		updates["output"] = marshalJSON(prev)
	}
	if err := m.adapter().Update(dbc, m.id, updates); err != nil {
		return err
	}
	m.eng.emitCompleted(m.id, m.def.Name, prev)
	return nil
}

// resumePrev recovers the previous step's output after a restart: the most
// recently completed step result.
func (m *machine) resumePrev(inst *store.WorkflowInstance) any {
	var latest *store.StepResult
	for name := range inst.StepResults {
		sr := stepResultFrom(inst.StepResults, name)
		if sr.Status != store.StepCompleted || sr.CompletedAt == nil {
			continue
		}
		if latest == nil || sr.CompletedAt.After(*latest.CompletedAt) {
			cp := sr
			latest = &cp
		}
	}
	if latest == nil {
		return nil
	}
	return decodeJSON(latest.Output)
}

func (m *machine) retryPolicy(step *Step) *RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	switch step.Type {
	case StepTask, StepPoll:
		return m.def.DefaultRetry
	default:
		return nil
	}
}

func (m *machine) buildContext(ctx context.Context, inst *store.WorkflowInstance, prev any) *StepContext {
	steps := make(map[string]any)
	for name := range inst.StepResults {
		sr := stepResultFrom(inst.StepResults, name)
		if sr.Status == store.StepCompleted {
			steps[name] = decodeJSON(sr.Output)
		}
	}
	log := m.eng.log.With(
		"workflow", m.def.Name,
		"instance_id", m.id.String(),
	)
	if td := ctxutil.GetTraceData(ctx); td != nil && td.TraceID != "" {
		log = log.With("trace_id", td.TraceID)
	}
	return &StepContext{
		Ctx:      ctx,
		Input:    decodeJSON(json.RawMessage(inst.Input)),
		Steps:    steps,
		Prev:     prev,
		Instance: inst,
		Log:      log,
		eng:      m.eng,
		instID:   m.id,
		wfName:   m.def.Name,
	}
}

// execute dispatches one attempt of a step by type.
func (m *machine) execute(ctx context.Context, sc *StepContext, name string, step *Step, sr store.StepResult) (any, error) {
	switch step.Type {
	case StepTask:
		return m.executeTask(ctx, sc, name, step)
	case StepParallel:
		return m.executeParallel(ctx, sc, name, step)
	case StepChoice:
		return m.executeChoice(sc, name, step)
	case StepPass:
		return m.executePass(sc, step), nil
	case StepPoll:
		return m.executePoll(ctx, sc, name, step, sr)
	case StepLoop:
		return m.executeLoop(ctx, sc, name, step, sr)
	default:
		return nil, errorsx.StepNotFound(name)
	}
}

func (m *machine) executeTask(ctx context.Context, sc *StepContext, name string, step *Step) (any, error) {
	input := sc.Prev
	if input == nil {
		input = sc.Input
	}
	if step.ValidateInput != nil {
		if err := step.ValidateInput(input); err != nil {
			return nil, errorsx.StepValidationFailed(name, err)
		}
	}

	var output any
	if step.Job != "" {
		result, err := m.runDelegatedJob(ctx, step.Job, input)
		if err != nil {
			return nil, err
		}
		output = result
	} else {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = errorsx.HandlerThrew(name, fmt.Errorf("panic: %v", r))
				}
			}()
			output, err = step.Handler(sc)
		}()
		if err != nil {
			if errorsx.Is(err, errorsx.KindHandlerThrew) {
				return nil, err
			}
			return nil, errorsx.HandlerThrew(name, err)
		}
	}

	if step.ValidateOutput != nil {
		if err := step.ValidateOutput(output); err != nil {
			return nil, errorsx.StepValidationFailed(name, err)
		}
	}
	return output, nil
}

// runDelegatedJob hands the step to the jobs engine and waits for the job
// record to go terminal.
func (m *machine) runDelegatedJob(ctx context.Context, jobName string, input any) (any, error) {
	if m.eng.jobs == nil {
		return nil, fmt.Errorf("workflow: no jobs engine wired for delegated step %q", jobName)
	}
	id, err := m.eng.jobs.Enqueue(ctx, jobName, input, jobs.Options{})
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		job, err := m.eng.jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, errorsx.InvalidID(id.String())
		}
		switch job.Status {
		case store.JobCompleted:
			return decodeJSON(json.RawMessage(job.Result)), nil
		case store.JobFailed:
			return nil, errorsx.HandlerThrew(jobName, fmt.Errorf("%s", job.LastError))
		}
	}
}

// executeParallel spawns one sub-instance per branch and runs each through
// its own machine. Fail-fast cancels siblings on the first rejection;
// wait-all lets every branch finish and aggregates the failures.
func (m *machine) executeParallel(ctx context.Context, sc *StepContext, name string, step *Step) (any, error) {
	dbc := store.WithContext(ctx)

	type branchRun struct {
		name string
		def  *Definition
		id   uuid.UUID
	}
	runs := make([]branchRun, 0, len(step.Branches))
	branchIDs := make([]any, 0, len(step.Branches))
	for bname, bdef := range step.Branches {
		parentID := m.id
		sub := &store.WorkflowInstance{
			WorkflowName: bdef.Name,
			Status:       store.WorkflowPending,
			CurrentStep:  bdef.Start,
			Input:        marshalJSON(sc.Input),
			ParentID:     &parentID,
			BranchName:   bname,
		}
		created, err := m.adapter().Create(dbc, sub)
		if err != nil {
			return nil, err
		}
		runs = append(runs, branchRun{name: bname, def: bdef, id: created.ID})
		branchIDs = append(branchIDs, created.ID.String())
	}

	branchMap := map[string]any{}
	if m := sc.Instance.BranchInstances; m != nil {
		for k, v := range m {
			branchMap[k] = v
		}
	}
	branchMap[name] = branchIDs
	if err := m.adapter().Update(dbc, m.id, map[string]any{"branch_instances": datatypes.JSONMap(branchMap)}); err != nil {
		return nil, err
	}

	failFast := step.OnError != WaitAll

	if failFast {
		g, gctx := errgroup.WithContext(ctx)
		for _, r := range runs {
			r := r
			g.Go(func() error {
				sub := &machine{eng: m.eng, def: r.def, id: r.id}
				return sub.run(gctx)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		var errs []error
		done := make(chan error, len(runs))
		for _, r := range runs {
			r := r
			go func() {
				sub := &machine{eng: m.eng, def: r.def, id: r.id}
				done <- sub.run(ctx)
			}()
		}
		for range runs {
			if err := <-done; err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			msg := ""
			for i, e := range errs {
				if i > 0 {
					msg += "; "
				}
				msg += e.Error()
			}
			return nil, fmt.Errorf("%d branch(es) failed: %s", len(errs), msg)
		}
	}

	// Collect branch outputs into branch-name -> output.
	output := map[string]any{}
	for _, r := range runs {
		sub, err := m.adapter().Get(dbc, r.id)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			continue
		}
		output[r.name] = decodeJSON(json.RawMessage(sub.Output))
	}
	return output, nil
}

func (m *machine) executeChoice(sc *StepContext, name string, step *Step) (any, error) {
	for _, c := range step.Choices {
		if c.When(sc) {
			return map[string]any{"chosen": c.Next}, nil
		}
	}
	if step.Default != "" {
		return map[string]any{"chosen": step.Default}, nil
	}
	return nil, errorsx.HandlerThrew(name, fmt.Errorf("no choice matched and no default set"))
}

func (m *machine) executePass(sc *StepContext, step *Step) any {
	if step.Transform != nil {
		return step.Transform(sc)
	}
	if step.Result != nil {
		return step.Result
	}
	return sc.Prev
}

// executePoll invokes the check on the configured interval until it reports
// done, recording pollCount on every probe. Timeout and maxPolls both bound
// the loop.
func (m *machine) executePoll(ctx context.Context, sc *StepContext, name string, step *Step, sr store.StepResult) (any, error) {
	dbc := store.WithContext(ctx)
	interval := step.Interval
	if interval <= 0 {
		interval = time.Second
	}
	start := time.Now()
	count := sr.PollCount

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		count++
		now := time.Now()
		sr.PollCount = count
		sr.LastPolledAt = &now
		if inst, err := m.adapter().Get(dbc, m.id); err == nil && inst != nil {
			_ = m.persistStepResult(dbc, inst, name, sr)
		}
		m.eng.emitStepPoll(m.id, m.def.Name, name, count)

		res, err := step.Check(sc)
		if err != nil {
			return nil, errorsx.HandlerThrew(name, err)
		}
		if res.Done {
			return res.Result, nil
		}

		if step.MaxPolls > 0 && count >= step.MaxPolls {
			return nil, errorsx.HandlerThrew(name, fmt.Errorf("poll gave up after %d attempts", count))
		}
		if step.Timeout > 0 && time.Since(start) > step.Timeout {
			return nil, errorsx.HandlerThrew(name, fmt.Errorf("poll timed out after %s", step.Timeout))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// executeLoop re-evaluates the predicate: true routes back to the target,
// false falls through to next. MaxIterations and Timeout bound runaway
// loops.
func (m *machine) executeLoop(ctx context.Context, sc *StepContext, name string, step *Step, sr store.StepResult) (any, error) {
	dbc := store.WithContext(ctx)
	now := time.Now()
	sr.LoopCount++
	sr.LastLoopedAt = &now
	if inst, err := m.adapter().Get(dbc, m.id); err == nil && inst != nil {
		_ = m.persistStepResult(dbc, inst, name, sr)
	}
	m.eng.emitStepLoop(m.id, m.def.Name, name, sr.LoopCount)

	if step.Timeout > 0 && sr.StartedAt != nil && time.Since(*sr.StartedAt) > step.Timeout {
		return nil, errorsx.HandlerThrew(name, fmt.Errorf("loop timed out after %s", step.Timeout))
	}
	if step.MaxIterations > 0 && sr.LoopCount > step.MaxIterations {
		return nil, errorsx.HandlerThrew(name, fmt.Errorf("loop exceeded %d iterations", step.MaxIterations))
	}
	if step.Condition(sc) {
		return map[string]any{"loopTo": step.Target}, nil
	}
	return map[string]any{"loopTo": ""}, nil
}

// nextStep applies the advance rules: choice follows output.chosen, loop
// follows output.loopTo (falling back to next), everything else follows
// end/next.
func nextStep(step *Step, output any) string {
	switch step.Type {
	case StepChoice:
		if m, ok := output.(map[string]any); ok {
			if chosen, ok := m["chosen"].(string); ok {
				return chosen
			}
		}
		return ""
	case StepLoop:
		if m, ok := output.(map[string]any); ok {
			if target, ok := m["loopTo"].(string); ok && target != "" {
				return target
			}
		}
		if step.End {
			return ""
		}
		return step.Next
	default:
		if step.End {
			return ""
		}
		return step.Next
	}
}

// progressAfter recomputes the completed-step percentage from the persisted
// record.
func (m *machine) progressAfter(dbc store.DBContext) int {
	inst, err := m.adapter().Get(dbc, m.id)
	if err != nil || inst == nil {
		return 0
	}
	total := m.def.TotalSteps()
	if total == 0 {
		return 100
	}
	completed := 0
	for name := range inst.StepResults {
		if stepResultFrom(inst.StepResults, name).Status == store.StepCompleted {
			completed++
		}
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}

func (m *machine) persistStepResult(dbc store.DBContext, inst *store.WorkflowInstance, name string, sr store.StepResult) error {
	results := map[string]any{}
	if inst.StepResults != nil {
		for k, v := range inst.StepResults {
			results[k] = v
		}
	}
	results[name] = stepResultToMap(sr)
	if err := m.adapter().Update(dbc, m.id, map[string]any{"step_results": datatypes.JSONMap(results)}); err != nil {
		return err
	}
	inst.StepResults = results
	return nil
}

func (m *machine) markFailed(dbc store.DBContext, step string, cause error) {
	now := time.Now()
	_ = m.adapter().Update(dbc, m.id, map[string]any{
		"status":       store.WorkflowFailed,
		"error":        cause.Error(),
		"completed_at": now,
	})
	metrics.WorkflowStepsCompletedTotal.WithLabelValues("failed").Inc()
	m.eng.emitFailed(m.id, m.def.Name, cause)
}

func (m *machine) markCancelled(dbc store.DBContext) {
	now := time.Now()
	_ = m.adapter().Update(dbc, m.id, map[string]any{
		"status":       store.WorkflowCancelled,
		"completed_at": now,
	})
	m.eng.fabric.Publish("workflow.cancelled", map[string]any{
		"instanceId": m.id.String(),
		"workflow":   m.def.Name,
	})
}

func (m *machine) markTimedOut(dbc store.DBContext) error {
	now := time.Now()
	err := fmt.Errorf("workflow timed out after %s", m.def.Timeout)
	_ = m.adapter().Update(dbc, m.id, map[string]any{
		"status":       store.WorkflowTimedOut,
		"error":        err.Error(),
		"completed_at": now,
	})
	m.eng.fabric.Publish("workflow.timed_out", map[string]any{
		"instanceId": m.id.String(),
		"workflow":   m.def.Name,
	})
	return err
}

// ---------- step result (de)serialization ----------

// stepResultFrom decodes one entry of the instance's stepResults map. The
// map values round-trip through JSON, so they may be either a live
// store.StepResult-shaped map or a freshly written one.
func stepResultFrom(results map[string]any, name string) store.StepResult {
	var sr store.StepResult
	raw, ok := results[name]
	if !ok {
		sr.Status = store.StepPending
		return sr
	}
	b, err := json.Marshal(raw)
	if err != nil {
		sr.Status = store.StepPending
		return sr
	}
	if err := json.Unmarshal(b, &sr); err != nil {
		sr.Status = store.StepPending
	}
	return sr
}

func stepResultToMap(sr store.StepResult) map[string]any {
	b, err := json.Marshal(sr)
	if err != nil {
		return map[string]any{"status": string(sr.Status)}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{"status": string(sr.Status)}
	}
	return out
}

func marshalJSON(v any) []byte {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
