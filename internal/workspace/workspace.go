// Package workspace implements WorkspaceProvider (spec.md §6): allocating
// the on-disk location a runner executes in. Git worktree creation is a
// spec.md non-goal, so the only implementation here allocates a plain
// directory under the repository's configured workspace base.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
)

// Provider is WorkspaceProvider.
type Provider interface {
	CreateWorkspace(ctx context.Context, repo domain.Repository, issue domain.Issue) (domain.Workspace, error)
}

// LocalProvider allocates `<repo.WorkspaceBaseDir>/<issue.Identifier>` as a
// plain directory and reports IsGitWorktree=false.
type LocalProvider struct{}

// NewLocal builds the default, non-worktree WorkspaceProvider.
func NewLocal() *LocalProvider { return &LocalProvider{} }

// CreateWorkspace ensures the directory exists and returns its path.
func (p *LocalProvider) CreateWorkspace(_ context.Context, repo domain.Repository, issue domain.Issue) (domain.Workspace, error) {
	base := repo.WorkspaceBaseDir
	if base == "" {
		base = repo.LocalPath
	}
	slug := issue.Identifier
	if slug == "" {
		slug = issue.ID
	}
	path := filepath.Join(base, slug)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return domain.Workspace{}, fmt.Errorf("create workspace dir %s: %w", path, err)
	}
	return domain.Workspace{Path: path, IsGitWorktree: false}, nil
}

var _ Provider = (*LocalProvider)(nil)
