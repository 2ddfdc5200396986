// Package reload translates external "the workload needs to restart"
// notifications into exactly-one reload request per debounce interval.
// The debounce/coalescing algorithm here is core and independent of how
// change events are produced; Source is the seam that keeps the
// underlying watch mechanism (see watcher.go) opaque to it.
package reload

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Source yields raw "something changed" notifications. The concrete
// implementation (e.g. an fsnotify watcher) decides file relevance; this
// package only debounces whatever it receives.
type Source interface {
	Events() <-chan struct{}
	Close() error
}

// Debouncer coalesces rapid Source events into exactly one
// ReloadRequested delivery per debounce interval. It does not know the
// lifecycle state; the pending-reload bit for requests that arrive while a
// restart is in flight is kept by the orchestrator.
type Debouncer struct {
	log      zerolog.Logger
	interval time.Duration
	src      Source
	out      chan struct{}
}

// NewDebouncer wraps src with the coalescing policy.
func NewDebouncer(log zerolog.Logger, src Source, interval time.Duration) *Debouncer {
	return &Debouncer{
		log:      log,
		interval: interval,
		src:      src,
		out:      make(chan struct{}, 1),
	}
}

// Requests delivers exactly one event per debounce window.
func (d *Debouncer) Requests() <-chan struct{} {
	return d.out
}

// Run coalesces Source events until ctx is cancelled. Events arriving
// within interval of the most recently received event are coalesced into
// one; this is a timer-reset discipline, not a fixed-window one, so a
// steady drizzle of events never fires at all until it stops for a full
// interval — deliberate, so a burst of rapid touches collapses into a
// single restart rather than one per touch.
func (d *Debouncer) Run(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-d.src.Events():
			if timer == nil {
				timer = time.NewTimer(d.interval)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.interval)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			d.emit(ctx)
		}
	}
}

func (d *Debouncer) emit(ctx context.Context) {
	select {
	case d.out <- struct{}{}:
	case <-ctx.Done():
	default:
		// A pending, unconsumed reload already covers this one.
		d.log.Debug().Msg("reload already pending, coalescing")
	}
}
