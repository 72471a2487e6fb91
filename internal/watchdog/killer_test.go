package watchdog

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAlive(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	require.True(t, Alive(pid))
	require.False(t, Alive(0))
	require.False(t, Alive(-1))
}

func TestGracefulKill_TermHonored(t *testing.T) {
	// sleep exits on SIGTERM, so escalation should end inside the grace
	// window without a SIGKILL.
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	go func() { _, _ = cmd.Process.Wait() }()

	outcome := GracefulKill(pid, 2*time.Second)
	require.Equal(t, OutcomeTerminated, outcome)
}

func TestGracefulKill_ZeroGraceKillsImmediately(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	go func() { _, _ = cmd.Process.Wait() }()

	outcome := GracefulKill(pid, 0)
	require.Equal(t, OutcomeKilled, outcome)
}

func TestGracefulKill_AlreadyDead(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	// The pid has been reaped; SIGTERM delivery must fail.
	require.Equal(t, OutcomeAlreadyDead, GracefulKill(cmd.Process.Pid, time.Second))
}
