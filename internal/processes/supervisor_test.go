package processes

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/donkeylabs/execore/internal/errorsx"
	"github.com/donkeylabs/execore/internal/events"
	"github.com/donkeylabs/execore/internal/ipc"
	"github.com/donkeylabs/execore/internal/platform/config"
	"github.com/donkeylabs/execore/internal/platform/logger"
	"github.com/donkeylabs/execore/internal/store"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)

	cfg := &config.Config{
		ProcessHeartbeatTimeout: 30 * time.Second,
		ProcessKillGraceMs:      1000,
		ProcessRestartMax:       3,
	}
	broker, err := ipc.NewBroker(ipc.Config{SocketDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	router := ipc.NewRouter()
	broker.SetHandlers(router.Handlers())

	s := NewSupervisor(store.OpenMemory(), broker, router, events.New(16), cfg, log)
	t.Cleanup(s.Shutdown)
	return s
}

func waitProcStatus(t *testing.T, s *Supervisor, id interface{ String() string }, want store.ProcessStatus, timeout time.Duration) *store.ManagedProcess {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		procs, err := s.List(context.Background())
		require.NoError(t, err)
		for _, p := range procs {
			if p.ID.String() == id.String() && p.Status == want {
				return p
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %s never reached %s", id.String(), want)
	return nil
}

func TestSupervisor_RegisterDuplicate(t *testing.T) {
	s := testSupervisor(t)
	require.NoError(t, s.Register("svc", ProcessConfig{Command: "sleep", Args: []string{"30"}}))
	err := s.Register("svc", ProcessConfig{Command: "sleep"})
	require.True(t, errorsx.Is(err, errorsx.KindAlreadyRegistered))
}

func TestSupervisor_SpawnUnknownName(t *testing.T) {
	s := testSupervisor(t)
	_, err := s.Spawn(context.Background(), "ghost", nil)
	require.True(t, errorsx.Is(err, errorsx.KindUnknownHandler))
}

func TestSupervisor_SpawnAndStop(t *testing.T) {
	s := testSupervisor(t)
	require.NoError(t, s.Register("sleeper", ProcessConfig{Command: "sleep", Args: []string{"60"}}))

	id, err := s.Spawn(context.Background(), "sleeper", nil)
	require.NoError(t, err)

	rec := waitProcStatus(t, s, id, store.ManagedRunning, 3*time.Second)
	require.NotNil(t, rec.PID)
	require.NotNil(t, rec.StartedAt)

	ok, err := s.Stop(context.Background(), id, 500)
	require.NoError(t, err)
	require.True(t, ok)

	stopped := waitProcStatus(t, s, id, store.ManagedStopped, 3*time.Second)
	require.NotNil(t, stopped.StoppedAt)
}

func TestSupervisor_CrashWithoutRestartStaysCrashed(t *testing.T) {
	s := testSupervisor(t)
	require.NoError(t, s.Register("flaky", ProcessConfig{
		Command: "sh",
		Args:    []string{"-c", "exit 1"},
		Restart: store.RestartNever,
	}))

	id, err := s.Spawn(context.Background(), "flaky", nil)
	require.NoError(t, err)

	rec := waitProcStatus(t, s, id, store.ManagedCrashed, 3*time.Second)
	require.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestSupervisor_RestartUntilDead(t *testing.T) {
	s := testSupervisor(t)
	dead := make(chan events.Event, 1)
	s.fabric.Subscribe("process.dead", func(ev events.Event) {
		select {
		case dead <- ev:
		default:
		}
	})

	require.NoError(t, s.Register("doomed", ProcessConfig{
		Command:                "sh",
		Args:                   []string{"-c", "exit 1"},
		Restart:                store.RestartOnFailure,
		MaxConsecutiveFailures: 2,
		RestartBackoff:         30 * time.Millisecond,
	}))

	id, err := s.Spawn(context.Background(), "doomed", nil)
	require.NoError(t, err)

	select {
	case <-dead:
	case <-time.After(5 * time.Second):
		t.Fatal("process.dead was not emitted")
	}
	waitProcStatus(t, s, id, store.ManagedDead, 3*time.Second)
}

func TestSupervisor_StopUnknownID(t *testing.T) {
	s := testSupervisor(t)
	_, err := s.Stop(context.Background(), uuid.New(), 0)
	require.True(t, errorsx.Is(err, errorsx.KindInvalidID))
}
