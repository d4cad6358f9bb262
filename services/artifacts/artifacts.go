// Package artifacts stores build outputs in object storage and records
// them against their build.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fwforge/pkg/s3"
	"fwforge/services/builds"
)

const digestPrefix = "sha256:"

// ObjectStorage is the subset of an S3 client the store needs.
type ObjectStorage interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	ListPage(ctx context.Context, bucket, prefix, token string) (s3.Page, error)
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// FileRecorder persists file rows.
type FileRecorder interface {
	AddFile(ctx context.Context, f builds.File) (builds.File, error)
}

// Store uploads artifacts under <bucket>/<buildID>/.
type Store struct {
	objects ObjectStorage
	files   FileRecorder
	bucket  string
	logger  zerolog.Logger
}

// New returns a Store writing into bucket.
func New(objects ObjectStorage, files FileRecorder, bucket string, logger zerolog.Logger) (*Store, error) {
	if objects == nil {
		return nil, errors.New("object storage is required")
	}
	if files == nil {
		return nil, errors.New("file recorder is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{
		objects: objects,
		files:   files,
		bucket:  bucket,
		logger:  logger.With().Str("component", "artifacts").Logger(),
	}, nil
}

// Bucket returns the bucket artifacts are written to.
func (s *Store) Bucket() string { return s.bucket }

// Object is an artifact written to the bucket.
type Object struct {
	Location string
	Digest   string
}

// Put writes data under the build prefix without recording a file row.
func (s *Store) Put(ctx context.Context, buildID, name string, data []byte) (Object, error) {
	key, err := objectKey(buildID, name)
	if err != nil {
		return Object{}, err
	}
	sum := sha256.Sum256(data)
	hexDigest := hex.EncodeToString(sum[:])

	if err := s.objects.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), hexDigest); err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Debug().
		Str("build_id", buildID).
		Str("key", key).
		Int("size", len(data)).
		Msg("artifact uploaded")
	return Object{Location: s.bucket + "/" + key, Digest: digestPrefix + hexDigest}, nil
}

// Record stores the file row of a flashable segment written by Put. Rows
// are listed in the order they were recorded.
func (s *Store) Record(ctx context.Context, buildID string, obj Object, isFirmware bool, offset int64) (builds.File, error) {
	file, err := s.files.AddFile(ctx, builds.File{
		FirmwareID: buildID,
		FilePath:   obj.Location,
		Offset:     offset,
		IsFirmware: isFirmware,
		Digest:     obj.Digest,
	})
	if err != nil {
		return builds.File{}, fmt.Errorf("record %s: %w", obj.Location, err)
	}
	return file, nil
}

// Upload stores one flashable segment and records it against buildID. The
// digest is kept for consumers and not verified here.
func (s *Store) Upload(ctx context.Context, buildID, name string, data []byte, isFirmware bool, offset int64) (builds.File, error) {
	obj, err := s.Put(ctx, buildID, name, data)
	if err != nil {
		return builds.File{}, err
	}
	return s.Record(ctx, buildID, obj, isFirmware, offset)
}

// Attach stores a side artifact, such as the rendered defines or a
// diagnostics bundle, without recording a file row.
func (s *Store) Attach(ctx context.Context, buildID, name string, data []byte) (string, error) {
	obj, err := s.Put(ctx, buildID, name, data)
	if err != nil {
		return "", err
	}
	return obj.Location, nil
}

// EmptyDirectory deletes every object under the build prefix, following
// listing pages until none are left. It returns how many keys were removed.
func (s *Store) EmptyDirectory(ctx context.Context, buildID string) (int, error) {
	if strings.TrimSpace(buildID) == "" || strings.Contains(buildID, "/") {
		return 0, fmt.Errorf("invalid build prefix %q", buildID)
	}
	prefix := buildID + "/"

	deleted := 0
	token := ""
	for {
		page, err := s.objects.ListPage(ctx, s.bucket, prefix, token)
		if err != nil {
			return deleted, fmt.Errorf("list %s: %w", prefix, err)
		}
		if len(page.Keys) > 0 {
			if err := s.objects.DeleteObjects(ctx, s.bucket, page.Keys); err != nil {
				return deleted, fmt.Errorf("delete %s: %w", prefix, err)
			}
			deleted += len(page.Keys)
		}
		if !page.IsTruncated {
			return deleted, nil
		}
		if page.NextContinuation == "" && len(page.Keys) == 0 {
			return deleted, errors.New("truncated listing without progress")
		}
		token = page.NextContinuation
	}
}

// PresignFile returns a time limited download URL for f.
func (s *Store) PresignFile(ctx context.Context, f builds.File, ttl time.Duration) (string, error) {
	key := strings.TrimPrefix(f.FilePath, s.bucket+"/")
	if key == f.FilePath || key == "" {
		return "", fmt.Errorf("file %s is not in bucket %s", f.FilePath, s.bucket)
	}
	return s.objects.PresignGet(ctx, s.bucket, key, ttl)
}

func objectKey(buildID, name string) (string, error) {
	if strings.TrimSpace(buildID) == "" || strings.Contains(buildID, "/") {
		return "", fmt.Errorf("invalid build id %q", buildID)
	}
	if name == "" || name != path.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return buildID + "/" + name, nil
}
