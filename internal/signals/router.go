// Package signals implements the supervisor's synchronous signal router:
// a bounded-wait drain loop that turns delivered signals into typed events
// for the orchestrator, so "a signal happened" is always handled at a
// well-defined point in the event loop rather than in an async handler.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Category classifies a handled signal for dispatch purposes.
type Category int

const (
	// CategoryTerminate signals request supervisor shutdown.
	CategoryTerminate Category = iota
	// CategoryForward signals are relayed to the child's process group.
	CategoryForward
	// CategoryChildExit wakes the reaper; never forwarded.
	CategoryChildExit
)

// categorize is the static signal categorization table. signal.Notify
// only recognizes syscall.Signal values, so the table (and everything
// downstream of it) is keyed on that type rather than the
// golang.org/x/sys/unix equivalents used elsewhere in the supervisor.
var categorize = map[syscall.Signal]Category{
	syscall.SIGTERM: CategoryTerminate,
	syscall.SIGINT:  CategoryTerminate,
	syscall.SIGQUIT: CategoryTerminate,
	syscall.SIGUSR1: CategoryForward,
	syscall.SIGUSR2: CategoryForward,
	syscall.SIGHUP:  CategoryForward,
	syscall.SIGCHLD: CategoryChildExit,
}

// handled is the full blocked set, derived from categorize so the two
// never drift apart.
func handled() []os.Signal {
	sigs := make([]os.Signal, 0, len(categorize))
	for s := range categorize {
		sigs = append(sigs, s)
	}
	return sigs
}

// Event is one dequeued signal, classified for the orchestrator.
type Event struct {
	Signal   syscall.Signal
	Category Category
}

// drainInterval bounds how long the drain loop blocks between checks so it
// stays responsive to cancellation.
const drainInterval = 100 * time.Millisecond

// Router drains the handled signal set and classifies each one onto a
// bounded channel for the orchestrator.
type Router struct {
	log zerolog.Logger
	ch  chan Event
	sig chan os.Signal
}

// New installs the signal mask: TTIN/TTOU are ignored so a backgrounded
// supervisor never stops, the handled set is registered for synchronous
// retrieval, and every other signal (including the synchronous fault
// signals) is left at default disposition.
func New(log zerolog.Logger) *Router {
	signal.Ignore(syscall.SIGTTIN, syscall.SIGTTOU)

	r := &Router{
		log: log,
		// Sized to the number of distinct blockable signals: overflow is
		// impossible since each can be pending at most once at a time.
		ch:  make(chan Event, len(categorize)),
		sig: make(chan os.Signal, len(categorize)),
	}
	signal.Notify(r.sig, handled()...)
	return r
}

// Events returns the channel the orchestrator selects on.
func (r *Router) Events() <-chan Event {
	return r.ch
}

// Run drains signals until ctx is cancelled. It must run in its own
// goroutine; it holds no supervisor-wide state beyond the channels.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			signal.Stop(r.sig)
			return
		case sig := <-r.sig:
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			cat, ok := categorize[s]
			if !ok {
				// Should not happen: signal.Notify was only given the handled set.
				r.log.Debug().Stringer("signal", s).Msg("ignoring unclassified signal")
				continue
			}
			r.deliver(ctx, Event{Signal: s, Category: cat})
		case <-time.After(drainInterval):
			// Bounded wake-up purely to re-check ctx.Done(); no event to deliver.
		}
	}
}

// deliver enqueues ev. A full channel would mean more distinct pending
// signals than categorize has entries, which cannot happen; we still guard
// against blocking forever past shutdown.
func (r *Router) deliver(ctx context.Context, ev Event) {
	select {
	case r.ch <- ev:
	case <-ctx.Done():
	}
}
