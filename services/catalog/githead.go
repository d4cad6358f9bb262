package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// GitHeadResolver resolves branch heads with a lightweight ls-remote instead
// of the REST API, so branch polling does not eat into the API rate limit.
type GitHeadResolver struct {
	baseURL string
	token   string
}

// NewGitHeadResolver returns a resolver for repositories hosted under baseURL.
func NewGitHeadResolver(baseURL, token string) *GitHeadResolver {
	return &GitHeadResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Head returns the commit sha of refs/heads/<branch>.
func (r *GitHeadResolver) Head(ctx context.Context, repo, branch string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{fmt.Sprintf("%s/%s.git", r.baseURL, repo)},
	})

	opts := &git.ListOptions{}
	if r.token != "" {
		opts.Auth = &http.BasicAuth{Username: "x-access-token", Password: r.token}
	}

	refs, err := remote.ListContext(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("ls-remote %s: %w", repo, err)
	}
	return headFromRefs(refs, branch)
}

func headFromRefs(refs []*plumbing.Reference, branch string) (string, error) {
	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Type() == plumbing.SymbolicReference {
			continue
		}
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %s not found on remote", branch)
}
