package signals

import (
	"syscall"

	"github.com/rs/zerolog"
)

// ForwardToGroup sends sig to the process group led by pgid (addressed via
// the negated group id so every descendant receives it). A failed send is
// never an error to the caller: the reaper will observe the exit shortly
// if the group is already gone.
func ForwardToGroup(log zerolog.Logger, pgid int, sig syscall.Signal) {
	if pgid <= 0 {
		log.Debug().Msg("forward: no running child, skipping")
		return
	}
	if err := syscall.Kill(-pgid, sig); err != nil {
		log.Debug().Err(err).Int("pgid", pgid).Stringer("signal", sig).Msg("forward failed")
	}
}
