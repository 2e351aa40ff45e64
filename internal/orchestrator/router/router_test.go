package router_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/router"
)

func repo(id string, active bool) domain.Repository {
	return domain.Repository{ID: id, Name: id, Active: active}
}

func TestRoute_ActiveSessionAffinityWinsFirst(t *testing.T) {
	repos := []domain.Repository{repo("a", true), repo("b", true)}
	rt := router.New(repos, func(issueID string) (string, bool) {
		if issueID == "iss-1" {
			return "b", true
		}
		return "", false
	})

	// Label routing would otherwise pick "a"; affinity must win.
	repos[0].RoutingLabels = []string{"bug"}

	dec, err := rt.Route("sess-1", domain.Issue{ID: "iss-1", Labels: []string{"bug"}})
	require.NoError(t, err)
	require.False(t, dec.NeedsSelection)
	require.Equal(t, "b", dec.Repository.ID)
}

func TestRoute_LabelRoutingCachesResult(t *testing.T) {
	repos := []domain.Repository{repo("a", true), repo("b", true)}
	repos[0].RoutingLabels = []string{"bug"}
	rt := router.New(repos, nil)

	dec, err := rt.Route("sess-1", domain.Issue{ID: "iss-1", Labels: []string{"bug"}})
	require.NoError(t, err)
	require.Equal(t, "a", dec.Repository.ID)

	cached, ok := rt.CachedRepository("iss-1")
	require.True(t, ok)
	require.Equal(t, "a", cached.ID)
}

func TestRoute_CatchAllPicksUnconstrainedRepo(t *testing.T) {
	repos := []domain.Repository{repo("a", true), repo("b", true)}
	repos[0].RoutingLabels = []string{"bug"}
	rt := router.New(repos, nil)

	dec, err := rt.Route("sess-1", domain.Issue{ID: "iss-2", Labels: []string{"feature"}})
	require.NoError(t, err)
	require.Equal(t, "b", dec.Repository.ID)
}

func TestRoute_SingleActiveRepoFallback(t *testing.T) {
	repos := []domain.Repository{repo("a", true)}
	rt := router.New(repos, nil)

	dec, err := rt.Route("sess-1", domain.Issue{ID: "iss-1"})
	require.NoError(t, err)
	require.Equal(t, "a", dec.Repository.ID)
}

func TestRoute_AmbiguousElicits(t *testing.T) {
	repos := []domain.Repository{repo("a", true), repo("b", true)}
	repos[0].RoutingLabels = []string{"bug"}
	repos[1].RoutingLabels = []string{"chore"}
	rt := router.New(repos, nil)

	dec, err := rt.Route("sess-1", domain.Issue{ID: "iss-1", Labels: []string{"bug", "chore"}})
	require.NoError(t, err)
	require.True(t, dec.NeedsSelection)
	require.Equal(t, "sess-1", dec.PendingID)

	pending, ok := rt.Pending("sess-1")
	require.True(t, ok)
	require.Len(t, pending.Candidates, 2)
}

func TestRoute_NoActiveRepoIsError(t *testing.T) {
	rt := router.New([]domain.Repository{repo("a", false)}, nil)
	_, err := rt.Route("sess-1", domain.Issue{ID: "iss-1"})
	require.ErrorIs(t, err, router.ErrNoRoutableRepository)
}

func TestResolve_MatchesByNameAndCaches(t *testing.T) {
	repos := []domain.Repository{repo("a", true), repo("b", true)}
	repos[0].RoutingLabels = []string{"bug"}
	repos[1].RoutingLabels = []string{"chore"}
	rt := router.New(repos, nil)

	dec, err := rt.Route("sess-1", domain.Issue{ID: "iss-1", Labels: []string{"bug", "chore"}})
	require.NoError(t, err)
	require.True(t, dec.NeedsSelection)

	resolved, ok := rt.Resolve("sess-1", "iss-1", "b")
	require.True(t, ok)
	require.Equal(t, "b", resolved.ID)

	cached, ok := rt.CachedRepository("iss-1")
	require.True(t, ok)
	require.Equal(t, "b", cached.ID)

	// Pending selection is consumed on first resolve.
	_, ok = rt.Resolve("sess-1", "iss-1", "b")
	require.False(t, ok)
}

func TestExportRestoreCache_RoundTrips(t *testing.T) {
	repos := []domain.Repository{repo("a", true)}
	repos[0].RoutingLabels = []string{"bug"}
	rt := router.New(repos, nil)

	_, err := rt.Route("sess-1", domain.Issue{ID: "iss-1", Labels: []string{"bug"}})
	require.NoError(t, err)

	snap := rt.ExportCache()
	require.Equal(t, map[string]string{"iss-1": "a"}, snap)

	fresh := router.New(repos, nil)
	fresh.RestoreCache(snap)
	cached, ok := fresh.CachedRepository("iss-1")
	require.True(t, ok)
	require.Equal(t, "a", cached.ID)
}

func TestCachedRepository_DropsStaleEntry(t *testing.T) {
	repos := []domain.Repository{repo("a", true)}
	rt := router.New(repos, nil)
	rt.RestoreCache(map[string]string{"iss-1": "missing"})

	_, ok := rt.CachedRepository("iss-1")
	require.False(t, ok)

	// Second lookup confirms the stale entry was actually dropped.
	_, ok = rt.CachedRepository("iss-1")
	require.False(t, ok)
}
