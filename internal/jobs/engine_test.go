package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/donkeylabs/execore/internal/errorsx"
	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/store"
)

func testEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)

	cfg := &config.Config{
		JobPollInterval:  20 * time.Millisecond,
		JobConcurrency:   5,
		JobBackoffBaseMs: 1000,
		JobBackoffMaxMs:  300000,
		RetryBackoff:     true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	broker, err := ipc.NewBroker(ipc.Config{SocketDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	router := ipc.NewRouter()
	broker.SetHandlers(router.Handlers())

	e := NewEngine(store.OpenMemory(), broker, router, events.New(16), cfg, log)
	return e
}

func waitForStatus(t *testing.T, e *Engine, id interface{ String() string }, want store.JobStatus, timeout time.Duration) *store.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := e.GetAll(context.Background(), store.Filters{})
		require.NoError(t, err)
		for _, j := range job {
			if j.ID.String() == id.String() && j.Status == want {
				return j
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id.String(), want)
	return nil
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", func(*Context) (any, error) { return nil, nil }))
	err := r.Register("a", func(*Context) (any, error) { return nil, nil })
	require.True(t, errorsx.Is(err, errorsx.KindAlreadyRegistered))

	// A name can be in-process or external, never both.
	err = r.RegisterExternal("a", ExternalConfig{Command: "true"})
	require.True(t, errorsx.Is(err, errorsx.KindAlreadyRegistered))
}

func TestEnqueue_UnknownHandler(t *testing.T) {
	e := testEngine(t, nil)
	_, err := e.Enqueue(context.Background(), "nope", nil, Options{})
	require.True(t, errorsx.Is(err, errorsx.KindUnknownHandler))
}

// In-process retry then success: the handler fails on attempt 1 and returns
// 42 on attempt 2.
func TestEngine_RetryThenSuccess(t *testing.T) {
	e := testEngine(t, func(c *config.Config) { c.RetryBackoff = false })

	var calls atomic.Int32
	require.NoError(t, e.Register("add", func(ctx *Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return 42, nil
	}))

	e.Start()
	defer e.Stop()

	id, err := e.Enqueue(context.Background(), "add", map[string]any{}, Options{MaxAttempts: 3})
	require.NoError(t, err)

	job := waitForStatus(t, e, id, store.JobCompleted, 3*time.Second)
	require.Equal(t, 2, job.Attempts)
	require.JSONEq(t, `42`, string(job.Result))
}

func TestEngine_ExhaustedAttemptsFail(t *testing.T) {
	e := testEngine(t, func(c *config.Config) { c.RetryBackoff = false })

	require.NoError(t, e.Register("always-fails", func(ctx *Context) (any, error) {
		return nil, errors.New("boom")
	}))

	failed := make(chan events.Event, 1)
	e.fabric.Subscribe("job.always-fails.failed", func(ev events.Event) {
		select {
		case failed <- ev:
		default:
		}
	})

	e.Start()
	defer e.Stop()

	id, err := e.Enqueue(context.Background(), "always-fails", nil, Options{MaxAttempts: 2})
	require.NoError(t, err)

	job := waitForStatus(t, e, id, store.JobFailed, 3*time.Second)
	require.Equal(t, 2, job.Attempts)
	require.Contains(t, job.LastError, "boom")

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("job.<name>.failed was not emitted")
	}
}

// Scheduled promotion: still scheduled before runAt, completed shortly
// after.
func TestEngine_ScheduledPromotion(t *testing.T) {
	e := testEngine(t, nil)
	require.NoError(t, e.Register("noop", func(ctx *Context) (any, error) { return nil, nil }))

	e.Start()
	defer e.Stop()

	runAt := time.Now().Add(200 * time.Millisecond)
	id, err := e.Schedule(context.Background(), "noop", nil, runAt, Options{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	job, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.JobScheduled, job.Status)

	waitForStatus(t, e, id, store.JobCompleted, 3*time.Second)
}

func TestEngine_PanicRecovered(t *testing.T) {
	e := testEngine(t, func(c *config.Config) { c.RetryBackoff = false })
	require.NoError(t, e.Register("panics", func(ctx *Context) (any, error) {
		panic("kaboom")
	}))

	e.Start()
	defer e.Stop()

	id, err := e.Enqueue(context.Background(), "panics", nil, Options{MaxAttempts: 1})
	require.NoError(t, err)

	job := waitForStatus(t, e, id, store.JobFailed, 3*time.Second)
	require.Contains(t, job.LastError, "panic")
}

func TestEngine_CancelSemantics(t *testing.T) {
	e := testEngine(t, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.Register("blocker", func(ctx *Context) (any, error) {
		close(started)
		<-block
		return nil, nil
	}))
	require.NoError(t, e.Register("idle", func(ctx *Context) (any, error) { return nil, nil }))

	e.Start()
	defer func() {
		close(block)
		e.Stop()
	}()

	// Pending/scheduled jobs are deleted by cancel.
	schedID, err := e.Schedule(context.Background(), "idle", nil, time.Now().Add(time.Hour), Options{})
	require.NoError(t, err)
	ok, err := e.Cancel(context.Background(), schedID)
	require.NoError(t, err)
	require.True(t, ok)
	gone, err := e.Get(context.Background(), schedID)
	require.NoError(t, err)
	require.Nil(t, gone)

	// A running in-process job cannot be cancelled.
	runID, err := e.Enqueue(context.Background(), "blocker", nil, Options{})
	require.NoError(t, err)
	<-started
	ok, err = e.Cancel(context.Background(), runID)
	require.NoError(t, err)
	require.False(t, ok)

	// Unknown ids surface as a structural error.
	_, err = e.Cancel(context.Background(), uuid.New())
	require.True(t, errorsx.Is(err, errorsx.KindInvalidID))
}

func TestEngine_ConcurrencyGate(t *testing.T) {
	e := testEngine(t, func(c *config.Config) { c.JobConcurrency = 2 })

	release := make(chan struct{})
	var running atomic.Int32
	var peak atomic.Int32
	require.NoError(t, e.Register("slow", func(ctx *Context) (any, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil, nil
	}))

	e.Start()
	defer e.Stop()

	var ids []interface{ String() string }
	for i := 0; i < 6; i++ {
		id, err := e.Enqueue(context.Background(), "slow", nil, Options{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	time.Sleep(300 * time.Millisecond)
	require.LessOrEqual(t, peak.Load(), int32(2))
	close(release)
	for _, id := range ids {
		waitForStatus(t, e, id, store.JobCompleted, 3*time.Second)
	}
}

// Backoff formula: with defaults, the delay for attempt n is
// min(1000 * 2^(n-1), 300000) milliseconds.
func TestBackoffFormula(t *testing.T) {
	require.Equal(t, time.Second, Backoff(1, 1000, 300000))
	require.Equal(t, 2*time.Second, Backoff(2, 1000, 300000))
	require.Equal(t, 4*time.Second, Backoff(3, 1000, 300000))
	require.Equal(t, 300*time.Second, Backoff(10, 1000, 300000))
	require.Equal(t, 300*time.Second, Backoff(60, 1000, 300000))
}

func TestBackoffProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := rapid.Int64Range(1, 10000).Draw(rt, "base")
		max := rapid.Int64Range(base, 600000).Draw(rt, "max")
		n := rapid.IntRange(1, 40).Draw(rt, "attempt")

		got := Backoff(n, base, max)
		if got > time.Duration(max)*time.Millisecond {
			rt.Fatalf("delay %v exceeds cap %dms", got, max)
		}
		if n == 1 && got != time.Duration(base)*time.Millisecond {
			rt.Fatalf("attempt 1 delay %v != base %dms", got, base)
		}
		// Monotone non-decreasing in the attempt number.
		if n > 1 {
			prev := Backoff(n-1, base, max)
			if got < prev {
				rt.Fatalf("delay decreased: attempt %d -> %v, attempt %d -> %v", n-1, prev, n, got)
			}
		}
	})
}
