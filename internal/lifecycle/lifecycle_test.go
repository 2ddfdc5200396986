package lifecycle

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kornnel/tinysv/internal/config"
	"github.com/kornnel/tinysv/internal/sockets"
)

func testManager(t *testing.T, args ...string) *Manager {
	t.Helper()
	sk, err := sockets.Bind(zerolog.Nop(), "127.0.0.1", nil)
	if err != nil {
		t.Fatalf("sockets.Bind: %v", err)
	}
	t.Cleanup(sk.CloseAll)

	cfg := &config.Config{
		Command:      "/bin/sh",
		Args:         args,
		GraceTimeout: 2 * time.Second,
		EnvPrefix:    "TINYSV_",
	}
	return New(zerolog.Nop(), cfg, sk)
}

func TestSpawnReachesRunningWithSelfGroup(t *testing.T) {
	m := testManager(t, "-c", "sleep 5")
	if err := m.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Escalate()

	rec := m.Record()
	if rec.State != StateRunning {
		t.Fatalf("state = %v, want Running", rec.State)
	}
	if rec.PGID != rec.PID {
		t.Fatalf("pgid = %d, pid = %d, want equal (child leads its own group)", rec.PGID, rec.PID)
	}
}

func TestBeginTerminateTransitionsAndArmsOnce(t *testing.T) {
	m := testManager(t, "-c", "sleep 5")
	if err := m.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Escalate()

	deadline, isNew := m.BeginTerminate(CauseSignal)
	if !isNew {
		t.Fatal("expected first BeginTerminate to report isNew")
	}
	if m.State() != StateTerminating {
		t.Fatalf("state = %v, want Terminating", m.State())
	}
	if time.Until(deadline) <= 0 {
		t.Fatal("deadline should be in the future")
	}

	// A repeat Terminate signal (user insistence) must not reset the
	// deadline: isNew is false and the caller is expected not to rearm.
	_, isNew2 := m.BeginTerminate(CauseSignal)
	if isNew2 {
		t.Fatal("repeat BeginTerminate while Terminating must not report isNew")
	}
}

func TestEscalateOnlyFromTerminating(t *testing.T) {
	m := testManager(t, "-c", "trap '' TERM; sleep 5")
	if err := m.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// Escalate before Terminating is a no-op.
	m.Escalate()
	if m.State() != StateRunning {
		t.Fatalf("state = %v, want Running (Escalate outside Terminating must be a no-op)", m.State())
	}

	m.BeginTerminate(CauseSignal)
	m.Escalate()
	if m.State() != StateKilling {
		t.Fatalf("state = %v, want Killing", m.State())
	}
}
