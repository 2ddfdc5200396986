// Package lifecycle implements the process lifecycle manager: spawn,
// process-group placement, terminal foreground handover, graceful
// termination with escalation, and restart orchestration.
package lifecycle

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/kornnel/tinysv/internal/config"
	"github.com/kornnel/tinysv/internal/signals"
	"github.com/kornnel/tinysv/internal/sockets"
)

// State is the primary child's lifecycle state.
type State int

const (
	StateSpawning State = iota
	StateRunning
	StateTerminating
	StateKilling
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateKilling:
		return "killing"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Cause records why a Running child is being transitioned out, since it
// is not recoverable from the exit status alone.
type Cause int

const (
	// CauseNone means the child has not begun terminating.
	CauseNone Cause = iota
	// CauseSignal means a Terminate-category signal was forwarded.
	CauseSignal
	// CauseReload means a reload request initiated the transition.
	CauseReload
)

// Record is a snapshot of the primary child's observable state.
type Record struct {
	PID       int
	PGID      int
	StartTime time.Time
	State     State
	Cause     Cause
	ExitCode  int
}

// Manager owns the primary-child record from before spawn through
// post-exit cleanup, including the termination state machine.
type Manager struct {
	log     zerolog.Logger
	cfg     *config.Config
	sockets *sockets.Inheritor

	record Record
	cmd    *exec.Cmd
}

// New constructs a Manager. sockets may hold zero listeners if no ports
// were configured.
func New(log zerolog.Logger, cfg *config.Config, sockets *sockets.Inheritor) *Manager {
	return &Manager{log: log, cfg: cfg, sockets: sockets}
}

// Record returns a snapshot of the current primary-child record.
func (m *Manager) Record() Record {
	return m.record
}

// Spawn executes the observable spawn contract:
//  1. clear close-on-exec on inherited sockets
//  2. advertise them to the child via the configured env var
//  3. arrange group leadership and terminal handover in the child before
//     exec; signals the supervisor ignores (TTIN, TTOU) are not reset and
//     stay ignored in the child
//  4. double-setpgid from the supervisor side after Start returns
//  5. re-arm close-on-exec on the supervisor's copies
//  6. record the primary-child record as Running
func (m *Manager) Spawn() error {
	m.record = Record{State: StateSpawning}

	files, err := m.sockets.PrepareForSpawn()
	if err != nil {
		return errors.Wrap(err, "prepare inherited sockets")
	}

	cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
	cmd.Dir = m.cfg.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files

	env := os.Environ()
	if m.sockets.Len() > 0 {
		env = append(env, m.cfg.InheritedFDsEnvVar()+"="+m.sockets.EnvValue())
	}
	cmd.Env = env

	_, hasTTY := controllingTTY()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// New process group, child leads it: this is what makes
		// group-addressed signal forwarding isolate the child's tree.
		Setpgid: true,
		Pgid:    0,
		// Hand foreground control of the controlling terminal (if any) to
		// the new group so interactive children behave like a shell job.
		Foreground: hasTTY,
		Ctty:       0,
	}

	if err := cmd.Start(); err != nil {
		m.sockets.RestoreAfterSpawn()
		return errors.Wrap(err, "spawn")
	}

	// The well-known idempotent double setpgid: the supervisor and child
	// race to call the group-set operation, so the supervisor calls it
	// again here to eliminate the race where a caller signals the child
	// before the child has moved groups. ESRCH/EACCES mean the child
	// already did it (or already exited); neither is an error worth
	// surfacing.
	_ = syscall.Setpgid(cmd.Process.Pid, cmd.Process.Pid)

	m.sockets.RestoreAfterSpawn()

	m.cmd = cmd
	m.record = Record{
		PID:       cmd.Process.Pid,
		PGID:      cmd.Process.Pid,
		StartTime: time.Now(),
		State:     StateRunning,
		Cause:     CauseNone,
	}
	m.log.Info().Int("pid", m.record.PID).Str("command", m.cfg.Command).Msg("primary child spawned")
	return nil
}

// controllingTTY reports whether the supervisor's stdin is its controlling
// terminal, so Spawn can decide whether to request foreground handover.
func controllingTTY() (int, bool) {
	fd := int(os.Stdin.Fd())
	// TIOCGPGRP fails unless fd is the controlling terminal, so a stdin
	// redirected from a file, a pipe or /dev/null never requests handover.
	if _, err := unix.IoctlGetInt(fd, unix.TIOCGPGRP); err != nil {
		return 0, false
	}
	return fd, true
}

// BeginTerminate transitions Running -> Terminating, forwarding TERM to
// the child's process group and arming the escalation deadline. Calling
// it again while already Terminating/Killing re-forwards TERM (user
// insistence) without resetting the deadline or returning a new one; isNew
// is then false and the returned deadline is the zero time.
func (m *Manager) BeginTerminate(cause Cause) (deadline time.Time, isNew bool) {
	switch m.record.State {
	case StateRunning:
		m.record.State = StateTerminating
		m.record.Cause = cause
		signals.ForwardToGroup(m.log, m.record.PGID, syscall.SIGTERM)
		return time.Now().Add(m.cfg.GraceTimeout), true
	case StateTerminating, StateKilling:
		signals.ForwardToGroup(m.log, m.record.PGID, syscall.SIGTERM)
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// Forward relays a Forward-category signal to the child's group without
// changing lifecycle state.
func (m *Manager) Forward(sig syscall.Signal) {
	signals.ForwardToGroup(m.log, m.record.PGID, sig)
}

// Escalate transitions Terminating -> Killing and sends the uncatchable
// kill signal to the child's group. A no-op outside Terminating.
func (m *Manager) Escalate() {
	if m.record.State != StateTerminating {
		return
	}
	m.record.State = StateKilling
	signals.ForwardToGroup(m.log, m.record.PGID, syscall.SIGKILL)
	m.log.Info().Int("pid", m.record.PID).Msg("escalated to SIGKILL")
}

// RecordExit transitions to Exited and records the exit status. It
// returns the cause that was in effect, so the orchestrator can decide
// whether to respawn (reload) or propagate the exit (crash/shutdown).
func (m *Manager) RecordExit(exitCode int) (cause Cause) {
	cause = m.record.Cause
	m.record.State = StateExited
	m.record.ExitCode = exitCode
	if m.cmd != nil {
		// Close out *exec.Cmd's own bookkeeping; the actual wait4() already
		// happened in the reaper, so the error (process already reaped) is
		// discarded. Cmd starts no I/O copy goroutines here because
		// Stdin/Stdout/Stderr are *os.File values.
		_ = m.cmd.Wait()
	}
	return cause
}

// Running reports whether the manager currently has a Running primary
// child.
func (m *Manager) Running() bool {
	return m.record.State == StateRunning
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return m.record.State
}
