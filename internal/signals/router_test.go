package signals

import (
	"syscall"
	"testing"

	"github.com/rs/zerolog"
)

func TestCategorizeCoversHandledSet(t *testing.T) {
	want := map[syscall.Signal]Category{
		syscall.SIGTERM: CategoryTerminate,
		syscall.SIGINT:  CategoryTerminate,
		syscall.SIGQUIT: CategoryTerminate,
		syscall.SIGUSR1: CategoryForward,
		syscall.SIGUSR2: CategoryForward,
		syscall.SIGHUP:  CategoryForward,
		syscall.SIGCHLD: CategoryChildExit,
	}
	if len(want) != len(categorize) {
		t.Fatalf("categorize has %d entries, want %d", len(categorize), len(want))
	}
	for sig, cat := range want {
		got, ok := categorize[sig]
		if !ok {
			t.Fatalf("signal %v missing from categorize table", sig)
		}
		if got != cat {
			t.Fatalf("signal %v categorized as %v, want %v", sig, got, cat)
		}
	}
}

func TestHandledMatchesCategorize(t *testing.T) {
	hs := handled()
	if len(hs) != len(categorize) {
		t.Fatalf("handled() returned %d signals, want %d", len(hs), len(categorize))
	}
}

func TestForwardToGroupNoopWhenNoChild(t *testing.T) {
	// pgid <= 0 means no running child; must not panic or attempt a kill.
	ForwardToGroup(zerolog.Nop(), 0, syscall.SIGTERM)
	ForwardToGroup(zerolog.Nop(), -1, syscall.SIGTERM)
}
