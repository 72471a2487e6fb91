package execore_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	execore "github.com/donkeylabs/execore"
	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/jobs"
	"github.com/donkeylabs/execore/internal/store"
	"github.com/donkeylabs/execore/internal/workflow"
)

var _ = Describe("jobs engine", func() {
	var core *execore.Core
	ctx := context.Background()

	BeforeEach(func() {
		core = newTestCore(nil)
		DeferCleanup(core.Stop)
	})

	It("retries an in-process job and completes with its result", func() {
		var calls atomic.Int32
		Expect(core.Jobs.Register("add", func(jc *jobs.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return 42, nil
		})).To(Succeed())
		Expect(core.Start(ctx)).To(Succeed())

		id, err := core.Jobs.Enqueue(ctx, "add", map[string]any{}, jobs.Options{MaxAttempts: 3})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() store.JobStatus {
			j, _ := core.Jobs.Get(ctx, id)
			if j == nil {
				return ""
			}
			return j.Status
		}, 3*time.Second, 20*time.Millisecond).Should(Equal(store.JobCompleted))

		j, err := core.Jobs.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(j.Attempts).To(Equal(2))
		Expect(string(j.Result)).To(MatchJSON(`42`))
	})

	It("promotes a scheduled job once runAt passes", func() {
		Expect(core.Jobs.Register("noop", func(*jobs.Context) (any, error) { return nil, nil })).To(Succeed())
		Expect(core.Start(ctx)).To(Succeed())

		id, err := core.Jobs.Schedule(ctx, "noop", nil, time.Now().Add(200*time.Millisecond), jobs.Options{})
		Expect(err).NotTo(HaveOccurred())

		Consistently(func() store.JobStatus {
			j, _ := core.Jobs.Get(ctx, id)
			return j.Status
		}, 120*time.Millisecond, 20*time.Millisecond).Should(Equal(store.JobScheduled))

		Eventually(func() store.JobStatus {
			j, _ := core.Jobs.Get(ctx, id)
			return j.Status
		}, 3*time.Second, 20*time.Millisecond).Should(Equal(store.JobCompleted))
	})

	It("kills an external job that stops heartbeating", func() {
		Expect(core.Jobs.RegisterExternal("stuck", jobs.ExternalConfig{
			Command:          "sh",
			Args:             []string{"-c", "read line; sleep 60"},
			HeartbeatTimeout: 300 * time.Millisecond,
			KillGrace:        -1,
		})).To(Succeed())

		var staleSeen, killedSeen atomic.Bool
		var killedReason atomic.Value
		core.Fabric.Subscribe("job.watchdog.stale", func(events.Event) { staleSeen.Store(true) })
		core.Fabric.Subscribe("job.watchdog.killed", func(ev events.Event) {
			if m, ok := ev.Payload.(map[string]any); ok {
				killedReason.Store(m["reason"])
			}
			killedSeen.Store(true)
		})

		Expect(core.Start(ctx)).To(Succeed())

		id, err := core.Jobs.Enqueue(ctx, "stuck", nil, jobs.Options{})
		Expect(err).NotTo(HaveOccurred())

		Eventually(killedSeen.Load, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
		Expect(staleSeen.Load()).To(BeTrue())
		Expect(killedReason.Load()).To(Equal("heartbeat"))

		j, err := core.Jobs.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(j.Status).To(Equal(store.JobFailed))
		Expect(j.ProcessState).To(Equal(store.ProcessOrphaned))
	})
})

var _ = Describe("workflow state machine", func() {
	var core *execore.Core
	ctx := context.Background()

	BeforeEach(func() {
		core = newTestCore(nil)
		DeferCleanup(core.Stop)
	})

	It("follows a choice to the matching branch and completes", func() {
		def := &workflow.Definition{
			Name: "seq", Start: "A", Inline: true,
			Steps: map[string]*workflow.Step{
				"A": {Type: workflow.StepTask, Next: "B", Handler: func(*workflow.StepContext) (any, error) {
					return map[string]any{"n": float64(1)}, nil
				}},
				"B": {Type: workflow.StepChoice, Choices: []workflow.Choice{{
					When: func(sc *workflow.StepContext) bool {
						m, _ := sc.Prev.(map[string]any)
						return m["n"] == float64(1)
					},
					Next: "C",
				}}, Default: "D"},
				"C": {Type: workflow.StepTask, End: true, Handler: func(*workflow.StepContext) (any, error) {
					return map[string]any{"done": true}, nil
				}},
				"D": {Type: workflow.StepTask, End: true, Handler: func(*workflow.StepContext) (any, error) {
					return map[string]any{"done": false}, nil
				}},
			},
		}
		Expect(core.Workflows.RegisterDefinition(def)).To(Succeed())
		Expect(core.Start(ctx)).To(Succeed())

		id, err := core.Workflows.Start(ctx, "seq", map[string]any{}, workflow.StartOptions{})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() store.WorkflowInstanceStatus {
			inst, _ := core.Workflows.Get(ctx, id)
			return inst.Status
		}, 3*time.Second, 20*time.Millisecond).Should(Equal(store.WorkflowCompleted))

		inst, err := core.Workflows.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(inst.Output)).To(MatchJSON(`{"done":true}`))
		Expect(inst.StepResults).To(HaveKey("A"))
		Expect(inst.StepResults).To(HaveKey("B"))
		Expect(inst.StepResults).To(HaveKey("C"))
		Expect(inst.StepResults).NotTo(HaveKey("D"))
	})

	It("fails fast when one parallel branch throws", func() {
		branch := func(name string, fn workflow.TaskFn) *workflow.Definition {
			return &workflow.Definition{
				Name: name, Start: "s", Inline: true,
				Steps: map[string]*workflow.Step{
					"s": {Type: workflow.StepTask, End: true, Handler: fn},
				},
			}
		}
		def := &workflow.Definition{
			Name: "fan", Start: "par", Inline: true,
			Steps: map[string]*workflow.Step{
				"par": {Type: workflow.StepParallel, End: true, Branches: map[string]*workflow.Definition{
					"P": branch("p", func(*workflow.StepContext) (any, error) {
						time.Sleep(50 * time.Millisecond)
						return "p", nil
					}),
					"Q": branch("q", func(*workflow.StepContext) (any, error) {
						return nil, errors.New("boom")
					}),
				}},
			},
		}
		Expect(core.Workflows.RegisterDefinition(def)).To(Succeed())
		Expect(core.Start(ctx)).To(Succeed())

		id, err := core.Workflows.Start(ctx, "fan", map[string]any{}, workflow.StartOptions{})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() store.WorkflowInstanceStatus {
			inst, _ := core.Workflows.Get(ctx, id)
			return inst.Status
		}, 3*time.Second, 20*time.Millisecond).Should(Equal(store.WorkflowFailed))

		inst, err := core.Workflows.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Error).To(ContainSubstring("boom"))

		// Both sub-instances exist; Q failed, P completed or cancelled.
		Eventually(func() bool {
			subs, _ := core.Workflows.GetAll(ctx, store.Filters{})
			var p, q *store.WorkflowInstance
			for _, sub := range subs {
				if sub.ParentID == nil {
					continue
				}
				switch sub.BranchName {
				case "P":
					p = sub
				case "Q":
					q = sub
				}
			}
			if p == nil || q == nil {
				return false
			}
			if q.Status != store.WorkflowFailed {
				return false
			}
			return p.Status == store.WorkflowCompleted || p.Status == store.WorkflowCancelled
		}, 3*time.Second, 20*time.Millisecond).Should(BeTrue())
	})

	It("delegates a task step to the jobs engine", func() {
		Expect(core.Jobs.Register("double", func(jc *jobs.Context) (any, error) {
			var payload map[string]float64
			Expect(jc.Bind(&payload)).To(Succeed())
			return map[string]float64{"n": payload["n"] * 2}, nil
		})).To(Succeed())

		def := &workflow.Definition{
			Name: "delegating", Start: "calc", Inline: true,
			Steps: map[string]*workflow.Step{
				"calc": {Type: workflow.StepTask, Job: "double", End: true},
			},
		}
		Expect(core.Workflows.RegisterDefinition(def)).To(Succeed())
		Expect(core.Start(ctx)).To(Succeed())

		id, err := core.Workflows.Start(ctx, "delegating", map[string]any{"n": 21}, workflow.StartOptions{})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() store.WorkflowInstanceStatus {
			inst, _ := core.Workflows.Get(ctx, id)
			return inst.Status
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(store.WorkflowCompleted))

		inst, err := core.Workflows.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(inst.Output)).To(MatchJSON(`{"n":42}`))
	})
})
