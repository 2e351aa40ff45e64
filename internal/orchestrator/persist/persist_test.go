package persist_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/db"
	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/persist"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/store"
)

func openTestPool(t *testing.T) *db.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.db")

	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)

	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestLoad_EmptyDatabaseReturnsEmptySnapshot(t *testing.T) {
	pool := openTestPool(t)

	// Opening a Store creates the table; Load on a fresh table must not error.
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	s, err := persist.Open(pool, log)
	require.NoError(t, err)
	defer s.Close()

	snap, err := persist.Load(pool)
	require.NoError(t, err)
	require.NotNil(t, snap.Repositories)
	require.NotNil(t, snap.StopRequestedSessions)
	require.Empty(t, snap.Repositories)
}

func TestEnqueueAndLoad_RoundTripsSnapshot(t *testing.T) {
	// invariant 7: a snapshot written via the coalescing writer and then
	// read back reproduces the same session/entry/link state.
	pool := openTestPool(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	s, err := persist.Open(pool, log)
	require.NoError(t, err)
	defer s.Close()

	st := store.New()
	st.Put("repo-1", &domain.AgentSession{SessionID: "s1", IssueID: "iss-1", Status: domain.StatusActive})
	st.AppendEntryIfPosted("repo-1", "s1", domain.SessionEntry{Content: "hello", TrackerActivityID: "act-1"})

	snap := persist.Snapshot{
		Repositories:               st.Serialize(),
		SessionRunnerSelections:    map[string]domain.RunnerSelection{},
		CodexSessionCache:          map[string]string{},
		ChildToParentLinks:         map[string]string{"child-1": "parent-1"},
		FinalizedNonClaudeSessions: map[string]bool{},
		StopRequestedSessions:      map[string]bool{"s1": true},
		IssueRepositoryCache:       map[string]string{"iss-1": "repo-1"},
	}
	s.Enqueue(snap)

	require.Eventually(t, func() bool {
		loaded, err := persist.Load(pool)
		return err == nil && len(loaded.Repositories) == 1
	}, time.Second, 5*time.Millisecond)

	loaded, err := persist.Load(pool)
	require.NoError(t, err)

	restored := store.Restore(loaded.Repositories)
	sess, ok := restored.Get("repo-1", "s1")
	require.True(t, ok)
	require.Equal(t, domain.StatusActive, sess.Status)
	require.Len(t, restored.Entries("repo-1", "s1"), 1)

	require.Equal(t, "parent-1", loaded.ChildToParentLinks["child-1"])
	require.True(t, loaded.StopRequestedSessions["s1"])
	require.Equal(t, "repo-1", loaded.IssueRepositoryCache["iss-1"])
}

func TestEnqueue_CoalescesConcurrentWrites(t *testing.T) {
	pool := openTestPool(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	s, err := persist.Open(pool, log)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		st := store.New()
		st.Put("repo-1", &domain.AgentSession{SessionID: "s1", Status: domain.StatusActive})
		s.Enqueue(persist.Snapshot{
			Repositories:               st.Serialize(),
			SessionRunnerSelections:    map[string]domain.RunnerSelection{},
			CodexSessionCache:          map[string]string{},
			ChildToParentLinks:         map[string]string{},
			FinalizedNonClaudeSessions: map[string]bool{},
			StopRequestedSessions:      map[string]bool{},
			IssueRepositoryCache:       map[string]string{"iteration": string(rune('0' + i))},
		})
	}

	require.Eventually(t, func() bool {
		loaded, err := persist.Load(pool)
		return err == nil && loaded.IssueRepositoryCache["iteration"] == "9"
	}, time.Second, 5*time.Millisecond, "the last enqueued snapshot should eventually win")
}
