package jobs

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/store"
)

// A child that never speaks the protocol but exits 0 resolves through the
// exit-code path as completed.
func TestExternal_CleanExitCompletes(t *testing.T) {
	e := testEngine(t, nil)
	require.NoError(t, e.RegisterExternal("reader", ExternalConfig{
		Command: "sh",
		Args:    []string{"-c", "read line; exit 0"},
	}))

	e.Start()
	defer e.Stop()

	id, err := e.Enqueue(context.Background(), "reader", map[string]any{"k": "v"}, Options{})
	require.NoError(t, err)

	job := waitForStatus(t, e, id, store.JobCompleted, 5*time.Second)
	require.True(t, job.External)
	require.Equal(t, 1, job.Attempts)
}

func TestExternal_NonzeroExitFails(t *testing.T) {
	e := testEngine(t, nil)
	require.NoError(t, e.RegisterExternal("broken", ExternalConfig{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	}))

	e.Start()
	defer e.Stop()

	id, err := e.Enqueue(context.Background(), "broken", nil, Options{MaxAttempts: 1})
	require.NoError(t, err)

	job := waitForStatus(t, e, id, store.JobFailed, 5*time.Second)
	require.Contains(t, job.LastError, "exited with code 3")
}

func TestExternal_StdoutStreamedAsEvents(t *testing.T) {
	e := testEngine(t, nil)
	lines := make(chan events.Event, 4)
	e.fabric.Subscribe("job.external.log", func(ev events.Event) {
		select {
		case lines <- ev:
		default:
		}
	})

	require.NoError(t, e.RegisterExternal("chatty", ExternalConfig{
		Command: "sh",
		Args:    []string{"-c", "echo hello-from-child"},
	}))

	e.Start()
	defer e.Stop()

	_, err := e.Enqueue(context.Background(), "chatty", nil, Options{})
	require.NoError(t, err)

	select {
	case ev := <-lines:
		payload := ev.Payload.(map[string]any)
		require.Equal(t, "hello-from-child", payload["line"])
	case <-time.After(5 * time.Second):
		t.Fatal("no external log event")
	}
}

// Orphan reconnect: an external job left running with a live pid is
// reconnected on engine start; a dead pid is marked failed.
func TestExternal_RecoveryOnStart(t *testing.T) {
	e := testEngine(t, func(c *config.Config) { c.JobPollInterval = time.Hour })
	require.NoError(t, e.RegisterExternal("survivor", ExternalConfig{Command: "sleep", Args: []string{"60"}}))

	reconnected := make(chan events.Event, 1)
	e.fabric.Subscribe("job.reconnected", func(ev events.Event) {
		select {
		case reconnected <- ev:
		default:
		}
	})

	// Simulate the previous parent's leftovers: a live child and a record
	// saying it was running on a known socket.
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	dbc := store.Background()
	sockPath := t.TempDir() + "/job_recover.sock"
	alive, err := e.store.Jobs().Create(dbc, &store.Job{
		Name:        "survivor",
		Status:      store.JobRunning,
		External:    true,
		PID:         &pid,
		SocketPath:  sockPath,
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	deadPID := 1 << 30
	dead, err := e.store.Jobs().Create(dbc, &store.Job{
		Name:        "survivor",
		Status:      store.JobRunning,
		External:    true,
		PID:         &deadPID,
		SocketPath:  t.TempDir() + "/job_dead.sock",
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	e.Start()
	defer e.Stop()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("job.reconnected was not emitted")
	}

	got, err := e.Get(context.Background(), alive.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobRunning, got.Status)
	require.Equal(t, store.ProcessRunning, got.ProcessState)

	gotDead, err := e.Get(context.Background(), dead.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, gotDead.Status)
	require.Equal(t, store.ProcessOrphaned, gotDead.ProcessState)
}
