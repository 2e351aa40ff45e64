// Package persist implements the orchestrator's write-through snapshot
// (spec.md §4.7): a single JSON-shaped document, written by one coalescing
// writer goroutine, atop the SQLite/PostgreSQL pool in internal/db.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/db"
	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/orcherr"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/store"
)

// Snapshot is the serializable projection named in spec.md §4.7. Runner
// handles, in-flight queues, and event subscriptions are excluded by
// construction: nothing in this struct can hold one.
type Snapshot struct {
	Repositories               map[string]store.Snapshot         `json:"repositories"`
	SessionRunnerSelections    map[string]domain.RunnerSelection `json:"sessionRunnerSelections"`
	CodexSessionCache          map[string]string                 `json:"codexSessionCache"`
	ChildToParentLinks         map[string]string                 `json:"childToParentLinks"`
	FinalizedNonClaudeSessions map[string]bool                   `json:"finalizedNonClaudeSessions"`
	StopRequestedSessions      map[string]bool                   `json:"stopRequestedSessions"`
	IssueRepositoryCache       map[string]string                 `json:"issueRepositoryCache"`
}

const schema = `
CREATE TABLE IF NOT EXISTS orchestrator_snapshot (
	id INTEGER PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

const snapshotRowID = 1

// Store is the write-through snapshot writer: Enqueue replaces the pending
// snapshot (coalescing), and a single background goroutine drains it so
// writes never run concurrently (spec.md §4.7 "coalesced through a single
// writer (no concurrent writes)").
type Store struct {
	db  *sqlx.DB
	log *logger.Logger

	mu      sync.Mutex
	pending *Snapshot
	dirty   chan struct{}
	done    chan struct{}
	closed  chan struct{}
}

// Open prepares the snapshot table and starts the background writer.
func Open(pool *db.Pool, log *logger.Logger) (*Store, error) {
	writer := pool.Writer()
	if _, err := writer.Exec(schema); err != nil {
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}

	s := &Store{
		db:     writer,
		log:    log,
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Enqueue replaces the pending snapshot, triggering the background writer.
// Called after every state-mutating operation per spec.md §4.7.
func (s *Store) Enqueue(snap Snapshot) {
	s.mu.Lock()
	s.pending = &snap
	s.mu.Unlock()

	select {
	case s.dirty <- struct{}{}:
	default: // a write is already pending; it will pick up this snapshot too
	}
}

func (s *Store) run() {
	defer close(s.closed)
	for {
		select {
		case <-s.dirty:
			s.flush()
		case <-s.done:
			s.flush() // final write before exiting
			return
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	s.mu.Unlock()
	if snap == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Warn("snapshot marshal failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = s.db.ExecContext(ctx, upsertQuery(s.db.DriverName()), snapshotRowID, string(data), time.Now())
	if err != nil {
		// PersistenceError (spec.md §7): retain in-memory state, schedule retry,
		// never surface to the user. The next Enqueue call will retry the write.
		s.log.Warn("snapshot persist failed, will retry on next mutation", zap.Error(orcherr.Persistence("snapshot write failed", err)))
	}
}

func upsertQuery(driver string) string {
	if driver == "pgx" || driver == "postgres" {
		return `INSERT INTO orchestrator_snapshot (id, data, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	}
	return `INSERT INTO orchestrator_snapshot (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
}

// Load reads the last-written snapshot. A missing row (fresh database) is
// not an error: it returns an empty Snapshot.
func Load(pool *db.Pool) (Snapshot, error) {
	reader := pool.Reader()
	var data string
	err := reader.Get(&data, reader.Rebind("SELECT data FROM orchestrator_snapshot WHERE id = ?"), snapshotRowID)
	if err == sql.ErrNoRows {
		return emptySnapshot(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return fillMissing(snap), nil
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Repositories:               map[string]store.Snapshot{},
		SessionRunnerSelections:    map[string]domain.RunnerSelection{},
		CodexSessionCache:          map[string]string{},
		ChildToParentLinks:         map[string]string{},
		FinalizedNonClaudeSessions: map[string]bool{},
		StopRequestedSessions:      map[string]bool{},
		IssueRepositoryCache:       map[string]string{},
	}
}

// fillMissing defaults any key absent from an older snapshot shape (spec.md
// §8: "a missing optional key defaults as in §3").
func fillMissing(snap Snapshot) Snapshot {
	empty := emptySnapshot()
	if snap.Repositories == nil {
		snap.Repositories = empty.Repositories
	}
	if snap.SessionRunnerSelections == nil {
		snap.SessionRunnerSelections = empty.SessionRunnerSelections
	}
	if snap.CodexSessionCache == nil {
		snap.CodexSessionCache = empty.CodexSessionCache
	}
	if snap.ChildToParentLinks == nil {
		snap.ChildToParentLinks = empty.ChildToParentLinks
	}
	if snap.FinalizedNonClaudeSessions == nil {
		snap.FinalizedNonClaudeSessions = empty.FinalizedNonClaudeSessions
	}
	if snap.StopRequestedSessions == nil {
		snap.StopRequestedSessions = empty.StopRequestedSessions
	}
	if snap.IssueRepositoryCache == nil {
		snap.IssueRepositoryCache = empty.IssueRepositoryCache
	}
	return snap
}

// Close stops the background writer after flushing any pending snapshot.
func (s *Store) Close() {
	close(s.done)
	<-s.closed
}
