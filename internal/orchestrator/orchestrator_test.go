package orchestrator

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kornnel/tinysv/internal/config"
	"github.com/kornnel/tinysv/internal/lifecycle"
	"github.com/kornnel/tinysv/internal/reaper"
	"github.com/kornnel/tinysv/internal/signals"
	"github.com/kornnel/tinysv/internal/sockets"
)

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	log := zerolog.Nop()

	sk, err := sockets.Bind(log, "127.0.0.1", nil)
	if err != nil {
		t.Fatalf("sockets.Bind: %v", err)
	}
	t.Cleanup(sk.CloseAll)

	router := signals.New(log)
	rp := reaper.New(log)
	lc := lifecycle.New(log, cfg, sk)

	return New(log, cfg, router, rp, lc, sk, nil)
}

// TestTerminateSignalExitsWithSignalCode verifies that a TERM delivered to
// the supervisor forwards to the child and that the supervisor exits with
// 128+15 once the child is reaped.
func TestTerminateSignalExitsWithSignalCode(t *testing.T) {
	cfg := &config.Config{
		Command:      "sleep",
		Args:         []string{"30"},
		GraceTimeout: 2 * time.Second,
		EnvPrefix:    "TINYSV_",
	}
	orch := newTestOrchestrator(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan int, 1)
	go func() {
		code, _ := orch.Run(ctx)
		resultCh <- code
	}()

	time.Sleep(200 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill self: %v", err)
	}

	select {
	case code := <-resultCh:
		if code != 143 {
			t.Fatalf("exit code = %d, want 143 (128+SIGTERM)", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not exit after TERM")
	}
}

// TestForwardSignalDoesNotExit verifies that a Forward-category signal
// leaves the supervisor's running state unchanged after delivery.
func TestForwardSignalDoesNotExit(t *testing.T) {
	cfg := &config.Config{
		// The child ignores USR1 so the forwarded signal does not end it;
		// a child that dies would make the supervisor exit by crash policy.
		Command:      "sh",
		Args:         []string{"-c", "trap '' USR1; sleep 2"},
		GraceTimeout: 2 * time.Second,
		EnvPrefix:    "TINYSV_",
	}
	orch := newTestOrchestrator(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	resultCh := make(chan int, 1)
	go func() {
		code, _ := orch.Run(ctx)
		resultCh <- code
	}()

	time.Sleep(200 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill self: %v", err)
	}

	select {
	case <-resultCh:
		t.Fatal("supervisor exited after a Forward-category signal")
	case <-time.After(500 * time.Millisecond):
		// still running, as required
	}
}

// TestCrashedChildIsNotRestarted exercises the crash policy: a child that
// exits on its own (no reload in flight) must not be respawned.
func TestCrashedChildIsNotRestarted(t *testing.T) {
	cfg := &config.Config{
		Command:      "sh",
		Args:         []string{"-c", "exit 9"},
		GraceTimeout: 2 * time.Second,
		EnvPrefix:    "TINYSV_",
	}
	orch := newTestOrchestrator(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	code, _ := orch.Run(ctx)
	if code != 9 {
		t.Fatalf("exit code = %d, want 9", code)
	}
}
