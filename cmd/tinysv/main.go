// Command tinysv is a container-oriented init supervisor: it runs as
// process 1 inside a container, launches exactly one user-specified
// child command, and mediates every signal, exit, and file-descriptor
// interaction between the host and that child.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/kornnel/tinysv/internal/config"
	"github.com/kornnel/tinysv/internal/lifecycle"
	"github.com/kornnel/tinysv/internal/orchestrator"
	"github.com/kornnel/tinysv/internal/reaper"
	"github.com/kornnel/tinysv/internal/reload"
	"github.com/kornnel/tinysv/internal/signals"
	"github.com/kornnel/tinysv/internal/sockets"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("tinysv", flag.ContinueOnError)
	flags := config.Register(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, "tinysv:", err)
		return 125
	}

	cfg, err := config.Load(flags, fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "tinysv: configuration invalid:", err)
		return 125
	}

	log := newLogger(cfg.Debug)
	log.Info().Int("pid", os.Getpid()).Str("command", cfg.Command).Msg("tinysv starting")

	sk, err := sockets.Bind(log, cfg.Bind, cfg.Ports)
	if err != nil {
		log.Error().Err(err).Msg("failed to pre-bind listening sockets")
		return 126
	}
	defer sk.CloseAll()

	router := signals.New(log)
	rp := reaper.New(log)
	lc := lifecycle.New(log, cfg, sk)

	var debouncer *reload.Debouncer
	if cfg.Reload {
		watcher, err := reload.NewFSWatcher(log, cfg.WatchPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to start reload watcher")
			return 125
		}
		defer watcher.Close()
		debouncer = reload.NewDebouncer(log, watcher, cfg.Debounce)
	}

	orch := orchestrator.New(log, cfg, router, rp, lc, sk, debouncer)

	code, err := orch.Run(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("supervisor exiting with error")
	}
	log.Info().Int("exit_code", code).Msg("tinysv exiting")
	return code
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
