// Package orchestrator composes the signal router, lifecycle manager,
// reaper, socket inheritor, and reload trigger interface into a single
// event loop. It is the supervisor's one serialization point: all shared
// mutable state (the primary-child record, the shutdown flag, the
// pending-reload bit) is owned here and mutated only from this loop.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kornnel/tinysv/internal/config"
	"github.com/kornnel/tinysv/internal/lifecycle"
	"github.com/kornnel/tinysv/internal/reaper"
	"github.com/kornnel/tinysv/internal/reload"
	"github.com/kornnel/tinysv/internal/signals"
	"github.com/kornnel/tinysv/internal/sockets"
)

// Orchestrator is the supervisor's event loop and owner of its shutdown
// state.
type Orchestrator struct {
	log       zerolog.Logger
	cfg       *config.Config
	router    *signals.Router
	reaper    *reaper.Reaper
	lifecycle *lifecycle.Manager
	sockets   *sockets.Inheritor
	debouncer *reload.Debouncer

	// deferredReload carries the "one further debounce interval after the
	// respawn reaches Running" signal, fed by a timer goroutine so the main
	// loop does not sleep for that interval (it does sleep for RestartDelay
	// before a respawn, in handleExit).
	deferredReload chan struct{}

	shuttingDown  bool
	pendingReload bool
}

// New wires the components together. debouncer may be nil if live-reload
// is disabled.
func New(log zerolog.Logger, cfg *config.Config, router *signals.Router, rp *reaper.Reaper, lc *lifecycle.Manager, sk *sockets.Inheritor, debouncer *reload.Debouncer) *Orchestrator {
	return &Orchestrator{
		log:            log,
		cfg:            cfg,
		router:         router,
		reaper:         rp,
		lifecycle:      lc,
		sockets:        sk,
		debouncer:      debouncer,
		deferredReload: make(chan struct{}, 1),
	}
}

// Run spawns the primary child and drives the event loop until the
// supervisor should exit, returning the process exit code to report to
// whatever launched the supervisor.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	if err := o.lifecycle.Spawn(); err != nil {
		return 127, err
	}
	o.reaper.SetPrimary(o.lifecycle.Record().PID)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go o.router.Run(loopCtx)
	if o.debouncer != nil {
		go o.debouncer.Run(loopCtx)
	}

	var escalation <-chan time.Time

	for {
		select {
		case ev := <-o.router.Events():
			if code, done := o.handleSignal(&escalation, ev); done {
				return code, nil
			}

		case exit := <-o.reaper.Exits():
			code, done, err := o.handleExit(&escalation, exit)
			if done {
				return code, err
			}

		case <-o.reloadRequests():
			o.handleReload(&escalation)

		case <-o.deferredReload:
			o.handleReload(&escalation)

		case <-escalation:
			escalation = nil
			o.lifecycle.Escalate()

		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (o *Orchestrator) reloadRequests() <-chan struct{} {
	if o.debouncer == nil {
		return nil
	}
	return o.debouncer.Requests()
}

func (o *Orchestrator) handleSignal(escalation *<-chan time.Time, ev signals.Event) (int, bool) {
	switch ev.Category {
	case signals.CategoryTerminate:
		o.shuttingDown = true
		deadline, isNew := o.lifecycle.BeginTerminate(lifecycle.CauseSignal)
		if isNew {
			*escalation = time.After(time.Until(deadline))
		}
		// Re-forward on repeat Terminate signals never resets the deadline
		// (isNew is false in that case and escalation is left untouched).
	case signals.CategoryForward:
		o.lifecycle.Forward(ev.Signal)
	case signals.CategoryChildExit:
		if err := o.reaper.Reap(context.Background()); err != nil {
			o.log.Error().Err(err).Msg("reaper failed persistently")
			return 1, true
		}
	}
	return 0, false
}

// handleReload dispatches a reload request on the current lifecycle state:
// a reload while Running begins termination with cause=reload; a reload
// arriving during Spawning/Terminating/Killing sets the pending-reload bit
// instead so it fires once the in-flight transition settles.
func (o *Orchestrator) handleReload(escalation *<-chan time.Time) {
	switch o.lifecycle.State() {
	case lifecycle.StateRunning:
		deadline, isNew := o.lifecycle.BeginTerminate(lifecycle.CauseReload)
		if isNew {
			*escalation = time.After(time.Until(deadline))
		}
	case lifecycle.StateTerminating, lifecycle.StateKilling, lifecycle.StateSpawning:
		o.pendingReload = true
	}
}

func (o *Orchestrator) handleExit(escalation *<-chan time.Time, exit reaper.Exit) (code int, done bool, err error) {
	*escalation = nil
	cause := o.lifecycle.RecordExit(exit.ExitCode)

	switch {
	case o.shuttingDown:
		o.log.Info().Int("exit_code", exit.ExitCode).Msg("primary child exited during shutdown")
		return exit.ExitCode, true, nil

	case cause == lifecycle.CauseReload:
		o.log.Info().Dur("delay", o.cfg.RestartDelay).Msg("respawning after reload")
		time.Sleep(o.cfg.RestartDelay)
		if err := o.lifecycle.Spawn(); err != nil {
			o.log.Error().Err(err).Msg("respawn failed")
			return 127, true, err
		}
		o.reaper.SetPrimary(o.lifecycle.Record().PID)
		if o.pendingReload {
			o.pendingReload = false
			go o.scheduleDeferredReload()
		}
		return 0, false, nil

	default:
		// Crash policy: the supervisor does not restart a child that
		// exited on its own. The container's own orchestrator decides
		// what happens next.
		o.log.Info().Int("exit_code", exit.ExitCode).Msg("primary child exited on its own, not restarting")
		return exit.ExitCode, true, nil
	}
}

// scheduleDeferredReload fires one more debounce interval after a
// reload-triggered respawn reaches Running, so a reload coalesced during
// the restart still takes effect. It only ever writes to deferredReload,
// never touches orchestrator state directly, preserving the single-owner
// discipline of the main loop.
func (o *Orchestrator) scheduleDeferredReload() {
	time.Sleep(o.cfg.Debounce)
	select {
	case o.deferredReload <- struct{}{}:
	default:
	}
}
