package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultAPIURL = "https://api.github.com"
	defaultRawURL = "https://raw.githubusercontent.com"
	defaultWebURL = "https://github.com"

	maxManifestSize = 4 << 20
	maxReleasesSize = 16 << 20
)

// ErrResponseTooLarge reports an upstream body over the size limit.
var ErrResponseTooLarge = errors.New("upstream response too large")

// Release is the subset of a GitHub release the catalog consumes.
type Release struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	TagName    string `json:"tag_name"`
	Prerelease bool   `json:"prerelease"`
	Draft      bool   `json:"draft"`
	ZipballURL string `json:"zipball_url"`
}

// Upstream is where release metadata and manifests come from.
type Upstream interface {
	Releases(ctx context.Context, repo string) ([]Release, error)
	TagFile(ctx context.Context, repo, tag, name string) ([]byte, error)
	BranchFile(ctx context.Context, repo, branch, name string) ([]byte, error)
	BranchHead(ctx context.Context, repo, branch string) (string, error)
	BranchArchiveURL(repo, branch string) string
}

// HeadResolver resolves the current commit of a branch.
type HeadResolver interface {
	Head(ctx context.Context, repo, branch string) (string, error)
}

// GitHubOptions configures a GitHub upstream.
type GitHubOptions struct {
	APIURL     string
	RawURL     string
	WebURL     string
	Token      string
	HTTPClient *http.Client
	Heads      HeadResolver
	// Backoff builds a fresh retry policy per request. Backoffs carry
	// attempt state so they cannot be shared.
	Backoff func() retry.Backoff
}

// GitHub reads releases through the REST API and manifests from the raw file
// host. Transient failures are retried.
type GitHub struct {
	apiURL  string
	rawURL  string
	webURL  string
	token   string
	client  *http.Client
	heads   HeadResolver
	backoff func() retry.Backoff

	manifestLimit int64
	releasesLimit int64
}

// NewGitHub builds a GitHub upstream with public endpoints as defaults.
func NewGitHub(opts GitHubOptions) *GitHub {
	gh := &GitHub{
		apiURL:  strings.TrimRight(firstNonEmpty(opts.APIURL, defaultAPIURL), "/"),
		rawURL:  strings.TrimRight(firstNonEmpty(opts.RawURL, defaultRawURL), "/"),
		webURL:  strings.TrimRight(firstNonEmpty(opts.WebURL, defaultWebURL), "/"),
		token:   opts.Token,
		client:  opts.HTTPClient,
		heads:   opts.Heads,
		backoff: opts.Backoff,

		manifestLimit: maxManifestSize,
		releasesLimit: maxReleasesSize,
	}
	if gh.client == nil {
		gh.client = &http.Client{Timeout: 30 * time.Second}
	}
	if gh.heads == nil {
		gh.heads = NewGitHeadResolver(gh.webURL, opts.Token)
	}
	return gh
}

// Releases lists the releases of repo, newest first.
func (g *GitHub) Releases(ctx context.Context, repo string) ([]Release, error) {
	data, err := g.get(ctx, fmt.Sprintf("%s/repos/%s/releases?per_page=100", g.apiURL, repo), true, g.releasesLimit)
	if err != nil {
		return nil, fmt.Errorf("list releases %s: %w", repo, err)
	}
	var releases []Release
	if err := json.Unmarshal(data, &releases); err != nil {
		return nil, fmt.Errorf("decode releases %s: %w", repo, err)
	}
	return releases, nil
}

// TagFile fetches name from the tree of tag.
func (g *GitHub) TagFile(ctx context.Context, repo, tag, name string) ([]byte, error) {
	return g.get(ctx, fmt.Sprintf("%s/%s/refs/tags/%s/%s", g.rawURL, repo, url.PathEscape(tag), name), false, g.manifestLimit)
}

// BranchFile fetches name from the head of branch.
func (g *GitHub) BranchFile(ctx context.Context, repo, branch, name string) ([]byte, error) {
	return g.get(ctx, fmt.Sprintf("%s/%s/refs/heads/%s/%s", g.rawURL, repo, branch, name), false, g.manifestLimit)
}

// BranchHead returns the commit sha branch currently points at.
func (g *GitHub) BranchHead(ctx context.Context, repo, branch string) (string, error) {
	return g.heads.Head(ctx, repo, branch)
}

// BranchArchiveURL is the zip archive of the branch head.
func (g *GitHub) BranchArchiveURL(repo, branch string) string {
	return fmt.Sprintf("%s/%s/archive/refs/heads/%s.zip", g.webURL, repo, branch)
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.url, e.code)
}

// get fetches target and fails with ErrResponseTooLarge when the body
// exceeds limit bytes.
func (g *GitHub) get(ctx context.Context, target string, api bool, limit int64) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, g.retryPolicy(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}
		if api {
			req.Header.Set("Accept", "application/vnd.github+json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			serr := &statusError{code: resp.StatusCode, url: target}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return retry.RetryableError(serr)
			}
			return serr
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return retry.RetryableError(err)
		}
		if int64(len(data)) > limit {
			return fmt.Errorf("%w: GET %s exceeds %d bytes", ErrResponseTooLarge, target, limit)
		}
		body = data
		return nil
	})
	return body, err
}

func (g *GitHub) retryPolicy() retry.Backoff {
	if g.backoff != nil {
		return g.backoff()
	}
	return retry.WithMaxRetries(3, retry.NewExponential(250*time.Millisecond))
}

// IsNotFound reports whether err is a 404 from the upstream.
func IsNotFound(err error) bool {
	var serr *statusError
	return errors.As(err, &serr) && serr.code == http.StatusNotFound
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
