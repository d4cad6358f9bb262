package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHeads map[string]string

func (h staticHeads) Head(_ context.Context, repo, branch string) (string, error) {
	return h[repo+"@"+branch], nil
}

func newTestGitHub(t *testing.T, handler http.Handler) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGitHub(GitHubOptions{
		APIURL: srv.URL,
		RawURL: srv.URL + "/raw",
		WebURL: "https://git.example.test",
		Token:  "secret",
		Heads:  staticHeads{"Org/Repo@main": "deadbeef"},
		Backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
		},
	})
}

func TestGitHubReleases(t *testing.T) {
	gh := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/Org/Repo/releases", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id": 42, "name": "One", "tag_name": "v1.0.0", "prerelease": true, "zipball_url": "https://z/v1"}, {"id": 41, "tag_name": "v0.9.0", "zipball_url": null}]`))
	}))

	releases, err := gh.Releases(context.Background(), "Org/Repo")
	require.NoError(t, err)
	require.Len(t, releases, 2)
	assert.Equal(t, Release{ID: 42, Name: "One", TagName: "v1.0.0", Prerelease: true, ZipballURL: "https://z/v1"}, releases[0])
	assert.Empty(t, releases[1].ZipballURL)
}

func TestGitHubFilesUseRefPaths(t *testing.T) {
	var paths []string
	gh := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))

	_, err := gh.TagFile(context.Background(), "Org/Repo", "v1.0.0", defaultsFile)
	require.NoError(t, err)
	_, err = gh.BranchFile(context.Background(), "Org/Repo", "main", schemaFile)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/raw/Org/Repo/refs/tags/v1.0.0/board-defaults.json",
		"/raw/Org/Repo/refs/heads/main/board-defaults.schema.json",
	}, paths)
}

func TestGitHubRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	gh := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))

	data, err := gh.TagFile(context.Background(), "Org/Repo", "v1.0.0", defaultsFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(data))
	assert.Equal(t, int32(3), hits.Load())
}

func TestGitHubDoesNotRetryNotFound(t *testing.T) {
	var hits atomic.Int32
	gh := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))

	_, err := gh.TagFile(context.Background(), "Org/Repo", "v1.0.0", defaultsFile)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestGitHubRejectsOversizedResponses(t *testing.T) {
	var hits atomic.Int32
	gh := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[{"id": 1, "tag_name": "` + strings.Repeat("v", 64) + `"}]`))
	}))
	gh.releasesLimit = 32
	gh.manifestLimit = 32

	_, err := gh.Releases(context.Background(), "Org/Repo")
	require.ErrorIs(t, err, ErrResponseTooLarge)
	_, err = gh.TagFile(context.Background(), "Org/Repo", "v1.0.0", defaultsFile)
	require.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Equal(t, int32(2), hits.Load())

	gh.releasesLimit = maxReleasesSize
	releases, err := gh.Releases(context.Background(), "Org/Repo")
	require.NoError(t, err)
	require.Len(t, releases, 1)
}

func TestGitHubBranchHelpers(t *testing.T) {
	gh := newTestGitHub(t, http.NotFoundHandler())

	head, err := gh.BranchHead(context.Background(), "Org/Repo", "main")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", head)
	assert.Equal(t, "https://git.example.test/Org/Repo/archive/refs/heads/main.zip", gh.BranchArchiveURL("Org/Repo", "main"))
}

func TestHeadFromRefs(t *testing.T) {
	main := plumbing.NewHash("1111111111111111111111111111111111111111")
	dev := plumbing.NewHash("2222222222222222222222222222222222222222")
	refs := []*plumbing.Reference{
		plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main")),
		plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), main),
		plumbing.NewHashReference(plumbing.NewBranchReferenceName("dev"), dev),
		plumbing.NewHashReference(plumbing.NewTagReferenceName("dev"), main),
	}

	head, err := headFromRefs(refs, "dev")
	require.NoError(t, err)
	assert.Equal(t, dev.String(), head)

	_, err = headFromRefs(refs, "feature")
	require.Error(t, err)
}
