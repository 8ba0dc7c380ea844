package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/kv"
)

// Sentinel errors.
var (
	// ErrNotFound is returned by Load when the session does not exist.
	ErrNotFound = errors.New("state: session not found")

	// ErrStoreUnavailable wraps transient backend failures.
	ErrStoreUnavailable = errors.New("state: store unavailable")

	// ErrSessionCorrupt is returned for a quarantined session whose stored
	// blob cannot be decoded.
	ErrSessionCorrupt = errors.New("state: session corrupt")
)

// Store serializes all mutations of a session: Update holds a per-session
// lock for the duration of the read-modify-write, so writers observe each
// other's effects and event seqs stay dense.
type Store struct {
	db  kv.Store
	log *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a session store over the given kv backend.
func NewStore(db kv.Store, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log, locks: make(map[string]*sync.Mutex)}
}

func sessionKey(id string) kv.Key    { return kv.Key{"session", id} }
func quarantineKey(id string) kv.Key { return kv.Key{"quarantine", id} }
func eventKey(id string, seq int64) kv.Key {
	return kv.Key{"events", id, fmt.Sprintf("%010d", seq)}
}

// lock returns the mutex serializing writers for one session.
func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// Update runs fn against the current session state under the session's
// writer lock and persists the result together with any events fn queued,
// in one atomic batch. A missing session is created first.
//
// The returned snapshot is private to the caller.
func (s *Store) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	m := s.lock(id)
	m.Lock()
	defer m.Unlock()

	sess, err := s.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		sess = newSession(id, time.Now())
	} else if err != nil {
		return nil, err
	}

	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAtMS = time.Now().UnixMilli()

	blob, err := msgpack.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("state: encode session %s: %w", id, err)
	}
	entries := []kv.Entry{{Key: sessionKey(id), Value: blob}}
	for _, ev := range sess.pending {
		evBlob, err := msgpack.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("state: encode event: %w", err)
		}
		entries = append(entries, kv.Entry{Key: eventKey(id, ev.Seq), Value: evBlob})
	}
	if err := s.db.BatchSet(ctx, entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sess.pending = nil
	return sess, nil
}

// Load returns a read-only snapshot of the session.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	return s.load(ctx, id)
}

// Exists reports whether the session has been created.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.db.Get(ctx, sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return true, nil
}

func (s *Store) load(ctx context.Context, id string) (*Session, error) {
	if _, err := s.db.Get(ctx, quarantineKey(id)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionCorrupt, id)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	blob, err := s.db.Get(ctx, sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var sess Session
	if err := msgpack.Unmarshal(blob, &sess); err != nil {
		s.log.Error("quarantining session with undecodable state",
			"session_id", id, "err", err)
		if qerr := s.db.Set(ctx, quarantineKey(id), []byte(err.Error())); qerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, qerr)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionCorrupt, id)
	}

	if sess.Schema < SchemaVersion {
		migrate(&sess)
	}
	return &sess, nil
}

// Events returns the tail of the session event log, oldest first, at most
// limit entries (0 means all).
func (s *Store) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	var events []Event
	for entry, err := range s.db.List(ctx, kv.Key{"events", id}) {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var ev Event
		if err := msgpack.Unmarshal(entry.Value, &ev); err != nil {
			return nil, fmt.Errorf("state: decode event %s: %w", entry.Key, err)
		}
		events = append(events, ev)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Purge removes the session blob, its event log and any quarantine marker.
func (s *Store) Purge(ctx context.Context, id string) error {
	keys := []kv.Key{sessionKey(id), quarantineKey(id)}
	for entry, err := range s.db.List(ctx, kv.Key{"events", id}) {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		keys = append(keys, entry.Key)
	}
	if err := s.db.BatchDelete(ctx, keys); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
