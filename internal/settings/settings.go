// Package settings persists the single JSON configuration document holding
// the provider catalogue, the default profile, adapter
// backups and UI preferences.  All mutations serialize behind one mutex and
// every successful mutation is written to disk atomically and broadcast to
// subscribers.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	aghyerrors "github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/loopdns/loopdns/internal/aghalg"
	"github.com/loopdns/loopdns/internal/model"
)

// filePerm is the permission mode used for the settings file.
const filePerm = 0o600

// subscriberBuffer is the buffered channel size for each SettingsChanged
// subscriber.  It is deliberately shallow: subscribers are expected to drain
// promptly, and a slow subscriber should see only the latest state, not an
// unbounded backlog.
const subscriberBuffer = 1

// Store loads, persists and broadcasts changes to the single on-disk
// settings document.
type Store struct {
	logger *slog.Logger
	path   string

	// mu serializes every read and mutation of current, as well as file
	// I/O, so readers never observe a half-applied mutation.
	mu      sync.Mutex
	current *model.AppSettings

	subMu sync.Mutex
	subs  map[chan *model.AppSettings]struct{}

	watcher      *fsnotify.Watcher
	ignoreNext   bool
	watcherDoneC chan struct{}
}

// New loads the settings document at path, seeding it with built-in defaults
// if it does not exist, and starts watching the file for external edits.
// logger must not be nil.
func New(path string, logger *slog.Logger) (s *Store, err error) {
	s = &Store{
		logger: logger,
		path:   path,
		subs:   map[chan *model.AppSettings]struct{}{},
	}

	s.current, err = load(path, logger)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	s.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("starting file watcher failed, external edits will not be detected", slogutil.KeyError, err)

		return s, nil
	}

	dir := filepath.Dir(path)
	if err = s.watcher.Add(dir); err != nil {
		logger.Warn("watching settings directory failed", "dir", dir, slogutil.KeyError, err)
		_ = s.watcher.Close()
		s.watcher = nil

		return s, nil
	}

	s.watcherDoneC = make(chan struct{})
	go s.watchLoop()

	return s, nil
}

// load reads and parses the settings document, seeding built-in defaults if
// the file does not exist.  It never returns a partially applied document:
// on any parse failure it falls back to defaults and logs the failure.
func load(path string, logger *slog.Logger) (s *model.AppSettings, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("settings file does not exist, seeding defaults", "path", path)

		s = model.DefaultSettings()

		return s, writeAtomic(path, s)
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	s = &model.AppSettings{}
	if err = json.Unmarshal(b, s); err != nil {
		logger.Error("settings file is corrupt, falling back to defaults", "path", path, slogutil.KeyError, err)

		return model.DefaultSettings(), nil
	}

	return s, nil
}

// writeAtomic serializes s as JSON and writes it to path using a
// temp-file-then-rename discipline, so that readers of path only ever
// observe the pre-write or the post-write document, never a partial one.
func writeAtomic(path string, s *model.AppSettings) (err error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(filePerm))
	if err != nil {
		return fmt.Errorf("opening pending file: %w", err)
	}
	defer func() { err = aghyerrors.WithDeferred(err, pf.Cleanup()) }()

	if _, err = pf.Write(b); err != nil {
		return fmt.Errorf("writing pending file: %w", err)
	}

	if err = pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replacing settings file: %w", err)
	}

	return nil
}

// Close stops the file watcher, if any.
func (s *Store) Close() (err error) {
	if s.watcher == nil {
		return nil
	}

	err = s.watcher.Close()
	<-s.watcherDoneC

	return err
}

// Get returns a deep copy of the current settings document.
func (s *Store) Get() (got *model.AppSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current.Clone()
}

// mutate runs f with the lock held, persists the result, updates current and
// broadcasts the change on success.  f must modify and return the working
// copy it is given.
func (s *Store) mutate(f func(working *model.AppSettings) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.current.Clone()
	if err = f(working); err != nil {
		return err
	}

	s.ignoreNext = s.watcher != nil
	if err = writeAtomic(s.path, working); err != nil {
		return fmt.Errorf("persisting settings: %w", err)
	}

	s.current = working
	s.broadcast(working.Clone())

	return nil
}

// UpdateWhole replaces the entire document with next, after validating it.
func (s *Store) UpdateWhole(next *model.AppSettings) (err error) {
	if err = validate(next); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	return s.mutate(func(working *model.AppSettings) error {
		*working = *next.Clone()

		return nil
	})
}

// UpsertProvider inserts p, or replaces the existing provider with the same
// ID.
func (s *Store) UpsertProvider(p *model.Provider) (err error) {
	if err = p.Validate(); err != nil {
		return err
	}

	return s.mutate(func(working *model.AppSettings) error {
		for i, existing := range working.Providers {
			if existing.ID == p.ID {
				working.Providers[i] = p.Clone()

				return nil
			}
		}

		working.Providers = append(working.Providers, p.Clone())

		return nil
	})
}

// RemoveProvider deletes the provider with the given ID, if any.
func (s *Store) RemoveProvider(id uuid.UUID) (err error) {
	return s.mutate(func(working *model.AppSettings) error {
		out := working.Providers[:0]
		for _, p := range working.Providers {
			if p.ID != id {
				out = append(out, p)
			}
		}

		working.Providers = out

		return nil
	})
}

// ProviderByID returns a copy of the provider with the given ID, or nil.
func (s *Store) ProviderByID(id uuid.UUID) (p *model.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current.ProviderByID(id).Clone()
}

// AdapterBackup returns a copy of the stored backup for adapterID, and
// whether one exists.
func (s *Store) AdapterBackup(adapterID string) (b *model.AdapterBackup, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cand := range s.current.AdapterBackups {
		if cand.AdapterID == adapterID {
			return cand.Clone(), true
		}
	}

	return nil, false
}

// SaveAdapterBackup stores b, replacing any existing backup for the same
// adapter.  Callers must only call this when no backup yet exists; Store
// does not itself enforce the at-most-one invariant beyond replacing on key
// collision.
func (s *Store) SaveAdapterBackup(b model.AdapterBackup) (err error) {
	return s.mutate(func(working *model.AppSettings) error {
		for i, existing := range working.AdapterBackups {
			if existing.AdapterID == b.AdapterID {
				working.AdapterBackups[i] = b

				return nil
			}
		}

		working.AdapterBackups = append(working.AdapterBackups, b)

		return nil
	})
}

// RemoveAdapterBackup deletes the backup for adapterID, if any.
func (s *Store) RemoveAdapterBackup(adapterID string) (err error) {
	return s.mutate(func(working *model.AppSettings) error {
		out := working.AdapterBackups[:0]
		for _, b := range working.AdapterBackups {
			if b.AdapterID != adapterID {
				out = append(out, b)
			}
		}

		working.AdapterBackups = out

		return nil
	})
}

// SetEnabled persists the user's last intent to enable or disable LoopDNS.
func (s *Store) SetEnabled(enabled bool) (err error) {
	return s.mutate(func(working *model.AppSettings) error {
		working.Enabled = enabled

		return nil
	})
}

// SetDefaultProfile persists p as the default profile.
func (s *Store) SetDefaultProfile(p *model.Profile) (err error) {
	return s.mutate(func(working *model.AppSettings) error {
		working.DefaultProfile = p.Clone()

		return nil
	})
}

// validate checks that provider IDs are unique and that each provider is
// individually valid.
func validate(s *model.AppSettings) (err error) {
	ids := make(aghalg.UniqChecker[string], len(s.Providers))
	for _, p := range s.Providers {
		if err = p.Validate(); err != nil {
			return err
		}

		ids.Add(p.ID.String())
	}

	if err = ids.Validate(); err != nil {
		return fmt.Errorf("duplicate provider ids: %w", err)
	}

	return nil
}
