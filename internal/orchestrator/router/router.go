// Package router implements RepositoryRouter (spec.md §4.1): picks a target
// Repository for an inbound webhook, eliciting a user choice on ambiguity and
// caching resolved issue→repository mappings.
package router

import (
	"errors"
	"sync"
	"time"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
)

// ErrNoRoutableRepository is returned when the workspace has no repository
// matching any priority step at all.
var ErrNoRoutableRepository = errors.New("no routable repository")

// ActiveSessionLookup reports whether any repository currently holds an
// active session for an issue id; implemented by the session store.
type ActiveSessionLookup func(issueID string) (repositoryID string, ok bool)

// Decision is the outcome of routing one event.
type Decision struct {
	Repository     *domain.Repository
	NeedsSelection bool
	PendingID      string // agentSessionId the selection was recorded under
}

// Router chooses repositories and tracks elicitation state. The cache and
// pending-selection maps are cross-repository state, each behind its own
// mutex per spec.md §5.
type Router struct {
	repos []domain.Repository

	activeSession ActiveSessionLookup

	cacheMu sync.RWMutex
	cache   map[string]string // issueID -> repositoryID

	pendingMu sync.Mutex
	pending   map[string]domain.PendingSelection // agentSessionID -> selection

	ttl time.Duration
}

// New builds a Router over a fixed repository configuration list.
func New(repos []domain.Repository, activeSession ActiveSessionLookup) *Router {
	return &Router{
		repos:         repos,
		activeSession: activeSession,
		cache:         make(map[string]string),
		pending:       make(map[string]domain.PendingSelection),
		ttl:           domain.DefaultElicitationTTL,
	}
}

func (r *Router) activeRepos() []domain.Repository {
	out := make([]domain.Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		if repo.Active {
			out = append(out, repo)
		}
	}
	return out
}

func findByID(repos []domain.Repository, id string) (*domain.Repository, bool) {
	for i := range repos {
		if repos[i].ID == id {
			return &repos[i], true
		}
	}
	return nil, false
}

// CachedRepository returns the repository cached for an issue id, lazily
// dropping the entry if it points at a repository no longer configured.
func (r *Router) CachedRepository(issueID string) (*domain.Repository, bool) {
	r.cacheMu.RLock()
	repoID, ok := r.cache[issueID]
	r.cacheMu.RUnlock()
	if !ok {
		return nil, false
	}
	repo, ok := findByID(r.repos, repoID)
	if !ok {
		r.cacheMu.Lock()
		delete(r.cache, issueID)
		r.cacheMu.Unlock()
		return nil, false
	}
	return repo, true
}

func (r *Router) cacheResolved(issueID, repoID string) {
	r.cacheMu.Lock()
	r.cache[issueID] = repoID
	r.cacheMu.Unlock()
}

// ExportCache returns a copy of the issueID->repositoryID cache for
// persist.Snapshot's IssueRepositoryCache (spec.md §3).
func (r *Router) ExportCache() map[string]string {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	out := make(map[string]string, len(r.cache))
	for issueID, repoID := range r.cache {
		out[issueID] = repoID
	}
	return out
}

// RestoreCache seeds the issueID->repositoryID cache from a persisted
// snapshot on startup.
func (r *Router) RestoreCache(cache map[string]string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	for issueID, repoID := range cache {
		r.cache[issueID] = repoID
	}
}

// Route runs the seven-step priority list from spec.md §4.1 against the
// event's issue. agentSessionID is used only if elicitation is required.
func (r *Router) Route(agentSessionID string, issue domain.Issue) (Decision, error) {
	candidates := r.activeRepos()
	if len(candidates) == 0 {
		return Decision{}, ErrNoRoutableRepository
	}

	// 1. Active-session affinity.
	if r.activeSession != nil {
		if repoID, ok := r.activeSession(issue.ID); ok {
			if repo, ok := findByID(candidates, repoID); ok {
				return Decision{Repository: repo}, nil
			}
		}
	}

	// 2. Label routing.
	if repo, ok := uniqueMatch(candidates, func(repo domain.Repository) bool {
		return intersects(repo.RoutingLabels, issue.Labels)
	}); ok {
		r.cacheResolved(issue.ID, repo.ID)
		return Decision{Repository: repo}, nil
	}

	// 3. Project routing.
	if repo, ok := uniqueMatch(candidates, func(repo domain.Repository) bool {
		return contains(repo.ProjectKeys, issue.ProjectName)
	}); ok {
		r.cacheResolved(issue.ID, repo.ID)
		return Decision{Repository: repo}, nil
	}

	// 4. Team routing (team key, or the identifier's team prefix).
	teamKey := issue.TeamKey
	if teamKey == "" {
		teamKey = identifierPrefix(issue.Identifier)
	}
	if repo, ok := uniqueMatch(candidates, func(repo domain.Repository) bool {
		return contains(repo.TeamKeys, teamKey)
	}); ok {
		r.cacheResolved(issue.ID, repo.ID)
		return Decision{Repository: repo}, nil
	}

	// 5. Catch-all: exactly one candidate has no routing constraints.
	if repo, ok := uniqueMatch(candidates, func(repo domain.Repository) bool {
		return !repo.HasRoutingConstraints()
	}); ok {
		r.cacheResolved(issue.ID, repo.ID)
		return Decision{Repository: repo}, nil
	}

	// 6. Single repo fallback.
	if len(candidates) == 1 {
		r.cacheResolved(issue.ID, candidates[0].ID)
		return Decision{Repository: &candidates[0]}, nil
	}

	// 7. Elicit.
	r.pendingMu.Lock()
	now := time.Now()
	r.pending[agentSessionID] = domain.PendingSelection{
		AgentSessionID: agentSessionID,
		Candidates:     candidates,
		Timestamp:      now,
		ExpiresAt:      now.Add(r.ttl),
	}
	r.pendingMu.Unlock()

	return Decision{NeedsSelection: true, PendingID: agentSessionID}, nil
}

// Resolve matches a prompted webhook's free-text body against a pending
// selection's candidate display labels, caching the result on success.
func (r *Router) Resolve(agentSessionID, issueID, body string) (*domain.Repository, bool) {
	r.pendingMu.Lock()
	sel, ok := r.pending[agentSessionID]
	if ok {
		delete(r.pending, agentSessionID)
	}
	r.pendingMu.Unlock()
	if !ok {
		return nil, false
	}
	if sel.Expired(time.Now()) {
		return nil, false
	}

	for i := range sel.Candidates {
		cand := sel.Candidates[i]
		if cand.DisplayLabel() == body || cand.Name == body {
			r.cacheResolved(issueID, cand.ID)
			return &cand, true
		}
	}
	return nil, false
}

// Pending returns the recorded PendingSelection for an agent session, used to
// render the elicitation options.
func (r *Router) Pending(agentSessionID string) (domain.PendingSelection, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	sel, ok := r.pending[agentSessionID]
	return sel, ok
}

func uniqueMatch(repos []domain.Repository, pred func(domain.Repository) bool) (*domain.Repository, bool) {
	var match *domain.Repository
	count := 0
	for i := range repos {
		if pred(repos[i]) {
			count++
			match = &repos[i]
		}
	}
	if count == 1 {
		return match, true
	}
	return nil, false
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// identifierPrefix extracts the team-key prefix of an issue identifier like
// "TEST-123" -> "TEST".
func identifierPrefix(identifier string) string {
	for i, r := range identifier {
		if r == '-' {
			return identifier[:i]
		}
	}
	return identifier
}
