// Package watchdog detects stale children across all three stores (jobs,
// managed processes, isolated workflows) and terminates them with a graceful
// SIGTERM -> grace -> SIGKILL escalation.
package watchdog

import (
	"errors"
	"syscall"
	"time"
)

// KillOutcome reports how an escalation ended.
type KillOutcome string

const (
	// OutcomeAlreadyDead: the SIGTERM could not be delivered because the pid
	// was already gone.
	OutcomeAlreadyDead KillOutcome = "already_dead"
	// OutcomeTerminated: the child exited within the grace window after
	// SIGTERM.
	OutcomeTerminated KillOutcome = "terminated"
	// OutcomeKilled: the child survived the grace window and was SIGKILLed.
	OutcomeKilled KillOutcome = "killed"
)

// Alive probes pid with the platform's check-only signal (signal 0). A
// permission error means some process owns the pid, so it counts as alive;
// not-found means dead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Terminate delivers a plain SIGTERM with no escalation, for cooperative
// shutdown paths that let the child wind down on its own.
func Terminate(pid int) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// GracefulKill performs the shared escalation primitive: SIGTERM first, then
// SIGKILL after grace if the pid is still alive. grace <= 0 skips straight
// to SIGKILL. The grace window is polled so a promptly-exiting child does
// not hold the caller for the full duration.
func GracefulKill(pid int, grace time.Duration) KillOutcome {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return OutcomeAlreadyDead
	}
	if grace <= 0 {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return OutcomeKilled
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		if !Alive(pid) {
			return OutcomeTerminated
		}
	}
	if Alive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return OutcomeKilled
	}
	return OutcomeTerminated
}
