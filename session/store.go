package session

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked whenever the stored token value changes (set or
// cleared). It is NOT invoked for session-id writes: the correlation id is
// bookkeeping, not a credential, and re-resolving on it would loop.
type ChangeCallback func()

// Store holds the two durable credential values — the bearer token and the
// server-issued session correlation id — in memory, write-through to the
// SQLite medium. It is the only owner of the token's lifetime.
//
// A watch on the backing database file detects writes made by another
// process (e.g. a second instance logging out) and folds them back into the
// in-memory copy, firing the same change callbacks as a local mutation.
type Store struct {
	mu        sync.RWMutex
	token     string
	sessionID string
	onChange  []ChangeCallback

	db     *DB
	logger *slog.Logger

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewStore creates a store backed by db, loading any persisted values.
func NewStore(db *DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload replaces the in-memory copy from the database. Returns an error
// only on read failure; absent keys clear the corresponding field.
func (s *Store) reload() error {
	tok, _, err := s.db.Get(KeyAuthToken)
	if err != nil {
		return err
	}
	sid, _, err := s.db.Get(KeySessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = tok
	s.sessionID = sid
	s.mu.Unlock()
	return nil
}

// Token returns the stored bearer token. The second return is false when no
// token is present.
func (s *Store) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// SessionID returns the stored correlation id, if any.
func (s *Store) SessionID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID, s.sessionID != ""
}

// OnChange registers a callback fired after every token change.
func (s *Store) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, cb)
}

// SetToken stores a new bearer token and notifies observers. Setting the
// same value again is a no-op.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	if s.token == token {
		s.mu.Unlock()
		return
	}
	s.token = token
	callbacks := s.callbacksLocked()
	s.mu.Unlock()

	if err := s.db.Put(KeyAuthToken, token); err != nil {
		s.logger.Error("Failed to persist token", "error", err)
	}
	// Notify outside the lock to avoid deadlocks with re-entrant readers.
	for _, cb := range callbacks {
		cb()
	}
}

// SetSessionID stores the server-issued correlation id. No change callbacks
// fire.
func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	if s.sessionID == id {
		s.mu.Unlock()
		return
	}
	s.sessionID = id
	s.mu.Unlock()

	if err := s.db.Put(KeySessionID, id); err != nil {
		s.logger.Error("Failed to persist session id", "error", err)
	}
}

// Clear removes both values. Clearing an already-empty store is a no-op and
// fires no callbacks, which makes logout idempotent.
func (s *Store) Clear() {
	s.mu.Lock()
	hadToken := s.token != ""
	s.token = ""
	s.sessionID = ""
	var callbacks []ChangeCallback
	if hadToken {
		callbacks = s.callbacksLocked()
	}
	s.mu.Unlock()

	if err := s.db.Delete(KeyAuthToken); err != nil {
		s.logger.Error("Failed to delete persisted token", "error", err)
	}
	if err := s.db.Delete(KeySessionID); err != nil {
		s.logger.Error("Failed to delete persisted session id", "error", err)
	}
	for _, cb := range callbacks {
		cb()
	}
}

func (s *Store) callbacksLocked() []ChangeCallback {
	out := make([]ChangeCallback, len(s.onChange))
	copy(out, s.onChange)
	return out
}

// Watch starts observing the backing database for external writes. The
// watch covers the containing directory rather than the file alone: in WAL
// mode another process's write lands in the -wal sibling first and may only
// touch the main file at checkpoint. Stop with Close.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.db.Path())); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	s.watchDone = make(chan struct{})

	go s.watchLoop()
	return nil
}

// Close stops the file watch, if one is running.
func (s *Store) Close() {
	if s.watcher != nil {
		s.watcher.Close()
		<-s.watchDone
		s.watcher = nil
	}
}

// watchLoop coalesces bursts of file events and reloads the store when the
// on-disk token differs from the in-memory copy. The store's own writes also
// produce events; those reloads find identical values and fire nothing.
func (s *Store) watchLoop() {
	defer close(s.watchDone)

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Only the database's own files: credentials.db, -wal, -shm.
			if !strings.HasPrefix(ev.Name, s.db.Path()) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Credential store watch error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			s.reloadIfChanged()
		}
	}
}

func (s *Store) reloadIfChanged() {
	tok, _, err := s.db.Get(KeyAuthToken)
	if err != nil {
		s.logger.Warn("Failed to reload credentials after external write", "error", err)
		return
	}
	sid, _, _ := s.db.Get(KeySessionID)

	s.mu.Lock()
	changed := s.token != tok
	s.token = tok
	s.sessionID = sid
	var callbacks []ChangeCallback
	if changed {
		callbacks = s.callbacksLocked()
	}
	s.mu.Unlock()

	if changed {
		s.logger.Info("Credential store changed externally, notifying observers")
		for _, cb := range callbacks {
			cb()
		}
	}
}
