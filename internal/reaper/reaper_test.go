package reaper

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReapDeliversPrimaryExit(t *testing.T) {
	r := New(zerolog.Nop())

	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.SetPrimary(cmd.Process.Pid)

	// Give the child a moment to exit before reaping, matching how the
	// orchestrator only reaps on a Child-exit signal rather than polling.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Reap(ctx); err != nil {
		t.Fatalf("Reap: %v", err)
	}

	select {
	case exit := <-r.Exits():
		if exit.ExitCode != 7 {
			t.Fatalf("exit code = %d, want 7", exit.ExitCode)
		}
	case <-time.After(time.Second):
		t.Fatal("expected primary exit to be delivered")
	}
}

func TestReapDiscardsNonPrimaryOrphans(t *testing.T) {
	r := New(zerolog.Nop())
	r.SetPrimary(999999) // no such pid will ever match

	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Reap(ctx); err != nil {
		t.Fatalf("Reap: %v", err)
	}

	select {
	case exit := <-r.Exits():
		t.Fatalf("unexpected primary exit delivered for orphan: %+v", exit)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReapLoopsUntilEmpty(t *testing.T) {
	r := New(zerolog.Nop())

	var cmds []*exec.Cmd
	for i := 0; i < 3; i++ {
		cmd := exec.Command("/bin/sh", "-c", "exit 0")
		if err := cmd.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		cmds = append(cmds, cmd)
	}
	r.SetPrimary(cmds[len(cmds)-1].Process.Pid)
	time.Sleep(150 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Reap(ctx); err != nil {
		t.Fatalf("Reap: %v", err)
	}

	select {
	case <-r.Exits():
	case <-time.After(time.Second):
		t.Fatal("expected primary exit to be delivered even though other siblings were reaped first")
	}
}
