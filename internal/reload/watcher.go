package reload

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// FSWatcher is the default Source, backed by fsnotify. File relevance
// and debouncing are both explicitly out of scope for it; it simply
// forwards every fsnotify event as a raw notification for Debouncer to
// coalesce.
type FSWatcher struct {
	log zerolog.Logger
	w   *fsnotify.Watcher
	out chan struct{}
	done chan struct{}
}

// NewFSWatcher watches path (recursively is not attempted; fsnotify only
// watches the given entries, matching its upstream contract).
func NewFSWatcher(log zerolog.Logger, path string) (*FSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "watch %s", path)
	}

	fw := &FSWatcher{
		log:  log,
		w:    w,
		out:  make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

func (fw *FSWatcher) run() {
	defer close(fw.out)
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			fw.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("watch event")
			select {
			case fw.out <- struct{}{}:
			default:
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			fw.log.Debug().Err(err).Msg("watch error")
		case <-fw.done:
			return
		}
	}
}

// Events implements Source.
func (fw *FSWatcher) Events() <-chan struct{} {
	return fw.out
}

// Close implements Source.
func (fw *FSWatcher) Close() error {
	close(fw.done)
	return fw.w.Close()
}
