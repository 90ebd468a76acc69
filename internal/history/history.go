// Package history keeps per-session lifecycle records in memory while
// optionally mirroring changes to an external JetStream so the audit
// trail survives restarts.
package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Session lifecycle states recorded in history.
const (
	StateActive = "active"
	StateClosed = "closed"
	StateFailed = "failed"
)

// ErrSessionNotFound marks when a session record is missing.
var ErrSessionNotFound = fmt.Errorf("session not found")

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Record is one exec session's lifecycle snapshot.
type Record struct {
	SessionID   string    `json:"session_id"`
	MachineID   string    `json:"machine_id"`
	Argv        []string  `json:"argv,omitempty"`
	Interactive bool      `json:"interactive"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
}

func (r *Record) clone() *Record {
	out := *r
	out.Argv = append([]string(nil), r.Argv...)
	return &out
}

// Store keeps session records in memory with an optional JetStream
// mirror.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*Record
	versions map[string]uint64

	logger *slog.Logger
	js     *jetStreamMirror
}

// New creates a Store with optional persistence options.
func New(ctx context.Context, opts *Options) (*Store, error) {
	logger := discardLogger
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}
	st := &Store{
		records:  make(map[string]*Record),
		versions: make(map[string]uint64),
		logger:   logger,
	}
	if opts != nil && opts.JetStream != nil {
		jsMirror, err := newJetStreamMirror(opts.JetStream, logger)
		if err != nil {
			return nil, err
		}
		if err := jsMirror.hydrate(ctx, st); err != nil {
			jsMirror.Close()
			return nil, err
		}
		st.js = jsMirror
	}
	return st, nil
}

// MustNew creates an in-memory Store and panics if initialization
// fails.
func MustNew() *Store {
	st, err := New(context.Background(), nil)
	if err != nil {
		panic(err)
	}
	return st
}

// Close flushes backing resources.
func (s *Store) Close() {
	if s.js != nil {
		s.js.Close()
	}
}

// Put upserts a session record.
func (s *Store) Put(rec *Record) {
	if rec == nil || rec.SessionID == "" {
		return
	}
	s.mu.Lock()
	version := s.bumpVersionLocked(rec.SessionID)
	s.records[rec.SessionID] = rec.clone()
	s.mu.Unlock()
	if s.js != nil {
		if err := s.js.publish(rec, version); err != nil {
			s.logger.Error("jetstream publish session", "session", rec.SessionID, "err", err)
		}
	}
}

// Get returns a copy of the session record.
func (s *Store) Get(sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec.clone(), nil
}

// List returns all records for the machine, or every record when
// machineID is empty, ordered by start time.
func (s *Store) List(machineID string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range s.records {
		if machineID == "" || rec.MachineID == machineID {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (s *Store) applyReplayed(rec *Record, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.versions[rec.SessionID]; version < cur {
		return
	}
	s.records[rec.SessionID] = rec.clone()
	if version > s.versions[rec.SessionID] {
		s.versions[rec.SessionID] = version
	}
}

func (s *Store) bumpVersionLocked(sessionID string) uint64 {
	s.versions[sessionID]++
	return s.versions[sessionID]
}
