// Package store holds the SessionStore: the authoritative in-memory map of
// sessions and entries per repository (spec.md §4.2).
package store

import (
	"sync"
	"time"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
)

type repoBucket struct {
	mu                 sync.RWMutex
	sessions           map[string]*domain.AgentSession
	entries            map[string][]domain.SessionEntry
	activeTaskByToolID map[string]string
}

func newRepoBucket() *repoBucket {
	return &repoBucket{
		sessions:           make(map[string]*domain.AgentSession),
		entries:            make(map[string][]domain.SessionEntry),
		activeTaskByToolID: make(map[string]string),
	}
}

// Store is the per-repository SessionStore. One mutex per repository bucket
// (spec.md §5); a distinct top-level mutex only guards bucket creation.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*repoBucket
}

// New creates an empty Store.
func New() *Store {
	return &Store{buckets: make(map[string]*repoBucket)}
}

func (s *Store) bucket(repoID string) *repoBucket {
	s.mu.RLock()
	b, ok := s.buckets[repoID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[repoID]; ok {
		return b
	}
	b = newRepoBucket()
	s.buckets[repoID] = b
	return b
}

// Get returns the session by id within a repository.
func (s *Store) Get(repoID, sessionID string) (*domain.AgentSession, bool) {
	b := s.bucket(repoID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[sessionID]
	return sess, ok
}

// GetAnyRepo searches every repository bucket for a session id, used when the
// caller does not yet know the owning repository (e.g. stop/unassign by issue).
func (s *Store) GetAnyRepo(sessionID string) (*domain.AgentSession, string, bool) {
	s.mu.RLock()
	repoIDs := make([]string, 0, len(s.buckets))
	for id := range s.buckets {
		repoIDs = append(repoIDs, id)
	}
	s.mu.RUnlock()

	for _, repoID := range repoIDs {
		if sess, ok := s.Get(repoID, sessionID); ok {
			return sess, repoID, true
		}
	}
	return nil, "", false
}

// ListByIssue returns every session (any status) for an issue within a repository.
func (s *Store) ListByIssue(repoID, issueID string) []*domain.AgentSession {
	b := s.bucket(repoID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*domain.AgentSession
	for _, sess := range b.sessions {
		if sess.IssueID == issueID {
			out = append(out, sess)
		}
	}
	return out
}

// ListActiveByIssue returns non-terminal sessions for an issue within a repository.
func (s *Store) ListActiveByIssue(repoID, issueID string) []*domain.AgentSession {
	var out []*domain.AgentSession
	for _, sess := range s.ListByIssue(repoID, issueID) {
		if !sess.Status.Terminal() {
			out = append(out, sess)
		}
	}
	return out
}

// ListAllActiveByIssue searches every repository bucket for active sessions
// matching an issue id, used by issue-unassigned (spec.md §6).
func (s *Store) ListAllActiveByIssue(issueID string) []*domain.AgentSession {
	s.mu.RLock()
	repoIDs := make([]string, 0, len(s.buckets))
	for id := range s.buckets {
		repoIDs = append(repoIDs, id)
	}
	s.mu.RUnlock()

	var out []*domain.AgentSession
	for _, repoID := range repoIDs {
		out = append(out, s.ListActiveByIssue(repoID, issueID)...)
	}
	return out
}

// Put inserts or replaces a session, stamping UpdatedAt (invariant 5).
func (s *Store) Put(repoID string, sess *domain.AgentSession) {
	sess.UpdatedAt = time.Now()
	b := s.bucket(repoID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sess.SessionID] = sess
}

// Update applies fn to the session under lock and stamps UpdatedAt. Returns
// false if the session does not exist.
func (s *Store) Update(repoID, sessionID string, fn func(*domain.AgentSession)) bool {
	b := s.bucket(repoID)
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionID]
	if !ok {
		return false
	}
	fn(sess)
	sess.UpdatedAt = time.Now()
	return true
}

// AppendEntryIfPosted appends a SessionEntry only when it carries a
// TrackerActivityID (invariant 3: entries are stored iff posting succeeded).
func (s *Store) AppendEntryIfPosted(repoID, sessionID string, entry domain.SessionEntry) bool {
	if entry.TrackerActivityID == "" {
		return false
	}
	b := s.bucket(repoID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[sessionID] = append(b.entries[sessionID], entry)
	return true
}

// Entries returns the ordered transcript for a session.
func (s *Store) Entries(repoID, sessionID string) []domain.SessionEntry {
	b := s.bucket(repoID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.SessionEntry, len(b.entries[sessionID]))
	copy(out, b.entries[sessionID])
	return out
}

// SetActiveTask records the tool-use id currently considered the session's
// active Task (for sub-tool-call grouping, spec.md §4.5).
func (s *Store) SetActiveTask(repoID, sessionID, toolUseID string) {
	b := s.bucket(repoID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeTaskByToolID[sessionID] = toolUseID
}

// ClearActiveTask removes the session's active Task marker.
func (s *Store) ClearActiveTask(repoID, sessionID string) {
	b := s.bucket(repoID)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.activeTaskByToolID, sessionID)
}

// ActiveTask returns the session's current active Task tool-use id, if any.
func (s *Store) ActiveTask(repoID, sessionID string) (string, bool) {
	b := s.bucket(repoID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.activeTaskByToolID[sessionID]
	return id, ok
}

// Remove deletes a session and its entries/task marker from a repository bucket.
func (s *Store) Remove(repoID, sessionID string) {
	b := s.bucket(repoID)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
	delete(b.entries, sessionID)
	delete(b.activeTaskByToolID, sessionID)
}

// Cleanup removes terminal sessions whose UpdatedAt is older than ttl,
// across every repository bucket. Returns the number removed.
func (s *Store) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.RLock()
	buckets := make(map[string]*repoBucket, len(s.buckets))
	for id, b := range s.buckets {
		buckets[id] = b
	}
	s.mu.RUnlock()

	removed := 0
	for repoID, b := range buckets {
		b.mu.Lock()
		for sessionID, sess := range b.sessions {
			if sess.Status.Terminal() && sess.UpdatedAt.Before(cutoff) {
				delete(b.sessions, sessionID)
				delete(b.entries, sessionID)
				delete(b.activeTaskByToolID, sessionID)
				removed++
			}
		}
		b.mu.Unlock()
		_ = repoID
	}
	return removed
}

// Snapshot is the serializable projection of one repository's bucket
// (runner handles are never part of domain.AgentSession, so nothing to omit).
type Snapshot struct {
	Sessions map[string]*domain.AgentSession  `json:"sessions"`
	Entries  map[string][]domain.SessionEntry `json:"entries"`
}

// Serialize produces a snapshot of every repository bucket.
func (s *Store) Serialize() map[string]Snapshot {
	s.mu.RLock()
	repoIDs := make([]string, 0, len(s.buckets))
	for id := range s.buckets {
		repoIDs = append(repoIDs, id)
	}
	s.mu.RUnlock()

	out := make(map[string]Snapshot, len(repoIDs))
	for _, repoID := range repoIDs {
		b := s.bucket(repoID)
		b.mu.RLock()
		snap := Snapshot{
			Sessions: make(map[string]*domain.AgentSession, len(b.sessions)),
			Entries:  make(map[string][]domain.SessionEntry, len(b.entries)),
		}
		for id, sess := range b.sessions {
			cp := *sess
			snap.Sessions[id] = &cp
		}
		for id, entries := range b.entries {
			cp := make([]domain.SessionEntry, len(entries))
			copy(cp, entries)
			snap.Entries[id] = cp
		}
		b.mu.RUnlock()
		out[repoID] = snap
	}
	return out
}

// Restore rehydrates buckets from a snapshot, discarding any activeTaskByToolID
// state (ephemeral, not persisted) and any runner-handle-bearing fields (there
// are none on domain.AgentSession by construction).
func Restore(snapshots map[string]Snapshot) *Store {
	s := New()
	for repoID, snap := range snapshots {
		b := s.bucket(repoID)
		b.mu.Lock()
		for id, sess := range snap.Sessions {
			cp := *sess
			b.sessions[id] = &cp
		}
		for id, entries := range snap.Entries {
			cp := make([]domain.SessionEntry, len(entries))
			copy(cp, entries)
			b.entries[id] = cp
		}
		b.mu.Unlock()
	}
	return s
}
