// Package state remembers which topics and replies have already been seen
// for every watched user, and persists that record across restarts.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// MaxTopicIDs bounds the remembered topic ids per user.
	MaxTopicIDs = 500
	// MaxPostIDs bounds the remembered reply ids per user.
	MaxPostIDs = 1000
)

// UserState is the persisted record for one watched user.
type UserState struct {
	TopicIDs    []int64 `json:"topicIds"`
	PostIDs     []int64 `json:"postIds"`
	Initialized bool    `json:"initialized"`
}

// Snapshot is the whole persisted document.
type Snapshot struct {
	Users     map[string]*UserState `json:"users"`
	LastCheck *time.Time            `json:"lastCheck"`
}

// PersistError reports a failed write of the state document.
// The in-memory state is unaffected and is written again on the next persist.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string { return "persist state: " + e.Err.Error() }

func (e *PersistError) Unwrap() error { return e.Err }

type userRecord struct {
	topics      *seenSet
	posts       *seenSet
	initialized bool
}

func newUserRecord() *userRecord {
	return &userRecord{
		topics: newSeenSet(MaxTopicIDs, nil),
		posts:  newSeenSet(MaxPostIDs, nil),
	}
}

// Store is the in-memory seen-item record backed by a durable Backend.
// A single goroutine is expected to mutate it; the mutex lets other
// goroutines take snapshots safely.
type Store struct {
	backend   Backend
	logger    *slog.Logger
	now       func() time.Time
	users     map[string]*userRecord
	lastCheck *time.Time
	mu        sync.Mutex
}

// Open loads the stored document from backend. A missing, unreadable or
// corrupt document is logged and replaced by an empty state.
func Open(ctx context.Context, backend Backend, logger *slog.Logger) *Store {
	s := &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		users:   make(map[string]*userRecord),
	}

	data, err := backend.Read(ctx)
	switch {
	case IsNotFound(err):
		logger.Info("No saved state found, starting fresh")
		return s
	case err != nil:
		logger.Error("Failed to read saved state, starting fresh", "error", err)
		return s
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Error("Saved state is corrupt, starting fresh", "error", err, "size", len(data))
		return s
	}
	s.restore(snap)

	logger.Info("Loaded saved state", "users", len(s.users), "last_check", formatTime(s.lastCheck))
	return s
}

func (s *Store) restore(snap Snapshot) {
	for name, us := range snap.Users {
		if us == nil {
			continue
		}
		s.users[name] = &userRecord{
			topics:      newSeenSet(MaxTopicIDs, us.TopicIDs),
			posts:       newSeenSet(MaxPostIDs, us.PostIDs),
			initialized: us.Initialized,
		}
	}
	s.lastCheck = snap.LastCheck
}

// user returns the record for username, creating it if needed. Callers hold mu.
func (s *Store) user(username string) *userRecord {
	u, ok := s.users[username]
	if !ok {
		u = newUserRecord()
		s.users[username] = u
	}
	return u
}

// IsNewTopic reports whether topic id has not been seen for username.
func (s *Store) IsNewTopic(username string, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.user(username).topics.has(id)
}

// IsNewPost reports whether reply id has not been seen for username.
func (s *Store) IsNewPost(username string, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.user(username).posts.has(id)
}

// MarkTopicKnown records topic id for username. Marking twice is a no-op.
func (s *Store) MarkTopicKnown(username string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(username).topics.add(id)
}

// MarkPostKnown records reply id for username. Marking twice is a no-op.
func (s *Store) MarkPostKnown(username string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(username).posts.add(id)
}

// IsInitialized reports whether the baseline for username was captured.
func (s *Store) IsInitialized(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user(username).initialized
}

// MarkInitialized flags username as initialized. The flag is never cleared.
func (s *Store) MarkInitialized(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(username).initialized = true
}

// LastCheck returns when the last full check cycle completed, or nil.
func (s *Store) LastCheck() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCheck == nil {
		return nil
	}
	t := *s.lastCheck
	return &t
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Users: make(map[string]*UserState, len(s.users))}
	for name, u := range s.users {
		snap.Users[name] = &UserState{
			TopicIDs:    u.topics.ids(),
			PostIDs:     u.posts.ids(),
			Initialized: u.initialized,
		}
	}
	if s.lastCheck != nil {
		t := *s.lastCheck
		snap.LastCheck = &t
	}
	return snap
}

// Persist writes the full state through the backend. On failure the error is
// logged and returned; in-memory state keeps advancing either way.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &PersistError{Err: fmt.Errorf("marshal state: %w", err)}
	}

	start := time.Now()
	if err := s.backend.Write(ctx, data); err != nil {
		s.logger.Error("Failed to save state", "error", err)
		return &PersistError{Err: err}
	}

	s.logger.Debug("State saved",
		"users", len(snap.Users),
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// RecordCheckCompleted stamps the current time as the last check and persists.
func (s *Store) RecordCheckCompleted(ctx context.Context) error {
	now := s.now().UTC().Round(0)
	s.mu.Lock()
	s.lastCheck = &now
	s.mu.Unlock()
	return s.Persist(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
