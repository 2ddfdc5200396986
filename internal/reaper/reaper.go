// Package reaper drains terminated descendants with a non-blocking wait
// loop and delivers the primary child's exit status to the orchestrator
// exactly once.
package reaper

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/rs/zerolog"
)

// Exit is the primary child's observed exit, delivered exactly once.
type Exit struct {
	// ExitCode is the child's own exit code, or 128+N if it was killed by
	// signal N.
	ExitCode int
	Signaled bool
	Signal   unix.Signal
}

// Reaper collects every terminated descendant on each wake-up and reports
// the primary child's exit to the orchestrator through Exits().
type Reaper struct {
	log zerolog.Logger

	// primaryPID is read by the reap loop only from within Reap, which the
	// orchestrator calls serially from its single select loop, so no lock
	// is required as long as SetPrimary is also only called from there.
	primaryPID int

	exits chan Exit

	consecutiveFailures int
}

// New constructs a Reaper. It also marks the calling process as a child
// subreaper (Linux 3.4+) so orphaned grandchildren reparent to the
// supervisor rather than to the host's real PID 1, which is what makes
// them collectible at all.
func New(log zerolog.Logger) *Reaper {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		log.Debug().Err(err).Msg("PR_SET_CHILD_SUBREAPER unavailable, orphans may not be reaped")
	}
	return &Reaper{
		log:   log,
		exits: make(chan Exit, 1),
	}
}

// SetPrimary records which PID is currently the primary child. A value of
// 0 means no primary child is running, and any reaped PID is treated as an
// orphan.
func (r *Reaper) SetPrimary(pid int) {
	r.primaryPID = pid
}

// Exits delivers the primary child's exit status exactly once per spawn.
func (r *Reaper) Exits() <-chan Exit {
	return r.exits
}

// ErrPersistentFailure is returned by Reap when the non-blocking wait
// primitive fails repeatedly, implying a broken process-table view.
type ErrPersistentFailure struct{ Err error }

func (e *ErrPersistentFailure) Error() string {
	return "reaper: persistent wait4 failure: " + e.Err.Error()
}

// maxConsecutiveFailures bounds the "logged and retried" transient-failure
// window before promoting wait4 errors to a fatal condition.
const maxConsecutiveFailures = 3

// Reap drains every collectable descendant, non-blocking, until none
// remain. It is called once per Child-exit event; a single event may
// correspond to multiple exits and several exits may collapse into one
// event, and this loop-until-empty discipline handles both.
func (r *Reaper) Reap(ctx context.Context) error {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		switch {
		case err == unix.ECHILD:
			r.consecutiveFailures = 0
			return nil
		case err != nil:
			r.consecutiveFailures++
			r.log.Error().Err(err).Msg("wait4 failed")
			if r.consecutiveFailures >= maxConsecutiveFailures {
				return &ErrPersistentFailure{Err: err}
			}
			return nil
		case pid <= 0:
			r.consecutiveFailures = 0
			return nil
		}

		r.consecutiveFailures = 0
		exit := Exit{ExitCode: status.ExitStatus()}
		if status.Signaled() {
			exit.Signaled = true
			exit.Signal = status.Signal()
			exit.ExitCode = 128 + int(status.Signal())
		}

		if pid == r.primaryPID {
			r.log.Info().Int("pid", pid).Int("exit_code", exit.ExitCode).Msg("primary child exited")
			select {
			case r.exits <- exit:
			case <-ctx.Done():
				return nil
			}
		} else {
			r.log.Debug().Int("pid", pid).Msg("reaped orphaned descendant")
		}
	}
}
