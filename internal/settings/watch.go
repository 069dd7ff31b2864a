package settings

import (
	"context"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fsnotify/fsnotify"
	"github.com/loopdns/loopdns/internal/model"
)

// Subscribe registers a new SettingsChanged subscriber and returns its
// channel along with a function to unregister it.  The channel is buffered
// and receives a best-effort drop-oldest delivery: a subscriber that isn't
// keeping up sees only the latest settings, never an unbounded backlog.
func (s *Store) Subscribe() (ch <-chan *model.AppSettings, cancel func()) {
	c := make(chan *model.AppSettings, subscriberBuffer)

	s.subMu.Lock()
	s.subs[c] = struct{}{}
	s.subMu.Unlock()

	return c, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()

		if _, ok := s.subs[c]; ok {
			delete(s.subs, c)
			close(c)
		}
	}
}

// broadcast delivers next to every subscriber, dropping a stale pending
// value first if a subscriber's channel is already full.
func (s *Store) broadcast(next *model.AppSettings) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for c := range s.subs {
		select {
		case c <- next:
		default:
			select {
			case <-c:
			default:
			}

			select {
			case c <- next:
			default:
			}
		}
	}
}

// watchLoop reacts to external edits of the settings file.  A write that
// originated from this process (via mutate) is skipped once via ignoreNext;
// anything else triggers a reload so that the in-memory state and
// subscribers converge on the on-disk truth.
func (s *Store) watchLoop() {
	ctx := context.Background()

	defer close(s.watcherDoneC)
	defer slogutil.RecoverAndLog(ctx, s.logger)

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			s.handleFSEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}

			s.logger.Warn("settings watcher error", slogutil.KeyError, err)
		}
	}
}

func (s *Store) handleFSEvent(ev fsnotify.Event) {
	if ev.Name != s.path {
		return
	}

	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}

	s.mu.Lock()
	skip := s.ignoreNext
	s.ignoreNext = false
	s.mu.Unlock()

	if skip {
		return
	}

	reloaded, err := load(s.path, s.logger)
	if err != nil {
		s.logger.Warn("reloading externally-modified settings failed", slogutil.KeyError, err)

		return
	}

	s.mu.Lock()
	s.current = reloaded
	s.mu.Unlock()

	s.broadcast(reloaded.Clone())
}
