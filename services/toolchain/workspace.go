package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
)

const (
	workspacePrefix = "fwforge-"
	maxArchiveSize  = 512 << 20
	maxExtractSize  = 2 << 30
)

var ErrArchiveLayout = errors.New("archive must contain exactly one top-level directory")

// workspace is the temporary directory owned by one build.
type workspace struct {
	dir string
}

func newWorkspace(root string) (*workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	dir := filepath.Join(root, workspacePrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

func (w *workspace) remove() error {
	return os.RemoveAll(w.dir)
}

// download stores the body of url at dest.
func download(ctx context.Context, client *http.Client, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build archive request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch archive: unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(resp.Body, maxArchiveSize+1))
	if err != nil {
		return n, fmt.Errorf("write archive: %w", err)
	}
	if n > maxArchiveSize {
		return n, fmt.Errorf("archive larger than %d bytes", maxArchiveSize)
	}
	return n, f.Close()
}

// extractArchive unpacks the zip at src into dest and returns the path of
// its single top-level directory. Symlinks are skipped.
func extractArchive(src, dest string) (string, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create extract dir: %w", err)
	}
	base := filepath.Clean(dest) + string(os.PathSeparator)

	roots := map[string]struct{}{}
	var written int64
	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, "./")
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
			return "", fmt.Errorf("archive entry %q is absolute", f.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if !strings.HasPrefix(target+string(os.PathSeparator), base) || target == filepath.Clean(dest) {
			return "", fmt.Errorf("archive entry %q escapes the destination", f.Name)
		}

		top, _, nested := strings.Cut(strings.TrimSuffix(name, "/"), "/")
		isDir := f.FileInfo().IsDir()
		if !nested && !isDir {
			return "", fmt.Errorf("%w: file %q at the root", ErrArchiveLayout, name)
		}
		roots[top] = struct{}{}

		mode := f.Mode()
		switch {
		case isDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("create %s: %w", name, err)
			}
		case mode&os.ModeSymlink != 0:
			continue
		default:
			n, err := extractFile(f, target, maxExtractSize-written)
			if err != nil {
				return "", err
			}
			written += n
		}
	}

	if len(roots) != 1 {
		return "", fmt.Errorf("%w: found %d", ErrArchiveLayout, len(roots))
	}
	for top := range roots {
		return filepath.Join(dest, top), nil
	}
	return "", ErrArchiveLayout
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent of %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm()|0o600)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", f.Name, err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if n > budget {
		return n, errors.New("archive expands beyond the extraction limit")
	}
	return n, out.Close()
}
