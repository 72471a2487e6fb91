package watchdog

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/store"
)

func testRunner(t *testing.T) (*Runner, store.Store, *events.Fabric) {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)
	s := store.OpenMemory()
	fabric := events.New(16)
	cfg := &config.Config{
		WorkflowHeartbeatTimeout: 50 * time.Millisecond,
		ProcessHeartbeatTimeout:  50 * time.Millisecond,
		WatchdogInterval:         time.Second,
		KillGraceMs:              0,
	}
	return NewRunner(s, fabric, cfg, log), s, fabric
}

func spawnSleeper(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	go func() { _, _ = cmd.Process.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd.Process.Pid
}

func TestRunner_ReapsStaleExternalJob(t *testing.T) {
	r, s, fabric := testRunner(t)
	pid := spawnSleeper(t)

	var got []string
	fabric.Subscribe("job.watchdog.*", func(ev events.Event) {
		got = append(got, ev.Topic)
	})

	dbc := store.Background()
	stale := time.Now().Add(-time.Minute)
	job, err := s.Jobs().Create(dbc, &store.Job{
		Name:          "stuck",
		Status:        store.JobRunning,
		External:      true,
		PID:           &pid,
		LastHeartbeat: &stale,
		StartedAt:     &stale,
		MaxAttempts:   1,
	})
	require.NoError(t, err)

	r.ScanOnce(context.Background())

	require.Equal(t, []string{"job.watchdog.stale", "job.watchdog.killed"}, got)
	fresh, err := s.Jobs().Get(dbc, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, fresh.Status)
	require.Equal(t, store.ProcessOrphaned, fresh.ProcessState)
	require.Eventually(t, func() bool { return !Alive(pid) }, time.Second, 10*time.Millisecond)
}

func TestRunner_HealthyJobLeftAlone(t *testing.T) {
	r, s, _ := testRunner(t)
	pid := spawnSleeper(t)

	dbc := store.Background()
	now := time.Now()
	job, err := s.Jobs().Create(dbc, &store.Job{
		Name:          "healthy",
		Status:        store.JobRunning,
		External:      true,
		PID:           &pid,
		LastHeartbeat: &now,
		StartedAt:     &now,
		MaxAttempts:   1,
	})
	require.NoError(t, err)

	r.ScanOnce(context.Background())

	fresh, err := s.Jobs().Get(dbc, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobRunning, fresh.Status)
	require.True(t, Alive(pid))
}

func TestRunner_JobTimeoutReason(t *testing.T) {
	r, s, fabric := testRunner(t)
	pid := spawnSleeper(t)
	r.JobPolicyFor = func(name string) JobPolicy {
		return JobPolicy{
			HeartbeatTimeout: time.Hour,
			Timeout:          20 * time.Millisecond,
		}
	}

	killed := make(chan map[string]any, 1)
	fabric.Subscribe("job.watchdog.killed", func(ev events.Event) {
		killed <- ev.Payload.(map[string]any)
	})

	dbc := store.Background()
	now := time.Now()
	startedLongAgo := now.Add(-time.Minute)
	_, err := s.Jobs().Create(dbc, &store.Job{
		Name:          "slow",
		Status:        store.JobRunning,
		External:      true,
		PID:           &pid,
		LastHeartbeat: &now,
		StartedAt:     &startedLongAgo,
		MaxAttempts:   1,
	})
	require.NoError(t, err)

	r.ScanOnce(context.Background())

	select {
	case payload := <-killed:
		require.Equal(t, "timeout", payload["reason"])
	default:
		t.Fatal("job.watchdog.killed not emitted")
	}
}

func TestRunner_ReapsStaleWorkflowExecutor(t *testing.T) {
	r, s, fabric := testRunner(t)
	pid := spawnSleeper(t)

	var topics []string
	fabric.Subscribe("workflow.watchdog.*", func(ev events.Event) {
		topics = append(topics, ev.Topic)
	})

	dbc := store.Background()
	stale := time.Now().Add(-time.Minute).Format(time.RFC3339Nano)
	inst, err := s.WorkflowInstances().Create(dbc, &store.WorkflowInstance{
		WorkflowName: "iso",
		Status:       store.WorkflowRunning,
		Metadata: datatypes.JSONMap{
			"__watchdog": map[string]any{"pid": float64(pid), "lastHeartbeat": stale},
		},
	})
	require.NoError(t, err)

	r.ScanOnce(context.Background())

	require.Equal(t, []string{"workflow.watchdog.stale", "workflow.watchdog.killed"}, topics)
	fresh, err := s.WorkflowInstances().Get(dbc, inst.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowFailed, fresh.Status)
	require.Equal(t, "Watchdog killed unresponsive workflow", fresh.Error)
}

func TestRunner_ReapsProcessOverMaxRuntime(t *testing.T) {
	r, s, fabric := testRunner(t)
	pid := spawnSleeper(t)

	killed := make(chan map[string]any, 1)
	fabric.Subscribe("process.watchdog.killed", func(ev events.Event) {
		killed <- ev.Payload.(map[string]any)
	})

	dbc := store.Background()
	now := time.Now()
	started := now.Add(-time.Minute)
	rec, err := s.ManagedProcesses().Create(dbc, &store.ManagedProcess{
		Name:               "runner",
		Status:             store.ManagedRunning,
		Command:            "sleep",
		PID:                &pid,
		StartedAt:          &started,
		LastHeartbeat:      &now,
		HeartbeatTimeoutMs: int64(time.Hour / time.Millisecond),
		MaxRuntimeMs:       100,
	})
	require.NoError(t, err)

	r.ScanOnce(context.Background())

	select {
	case payload := <-killed:
		require.Equal(t, "max_runtime", payload["reason"])
	default:
		t.Fatal("process.watchdog.killed not emitted")
	}
	fresh, err := s.ManagedProcesses().Get(dbc, rec.ID)
	require.NoError(t, err)
	require.Equal(t, store.ManagedCrashed, fresh.Status)
}
