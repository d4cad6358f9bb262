package toolchain

import (
	"archive/tar"
	"bytes"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

const diagnosticsName = "diagnostics.tar.zst"

// Diagnostics is the postmortem bundle attached to a failed build.
type Diagnostics struct {
	BuildID string
	Cause   error
	Logs    string
	Defines string
	Now     time.Time
}

// Bundle packs the diagnostics into a zstd compressed tar archive holding
// error.txt, build.log and defines.
func (d Diagnostics) Bundle() ([]byte, error) {
	if d.Now.IsZero() {
		d.Now = time.Now()
	}
	cause := "unknown error"
	if d.Cause != nil {
		cause = d.Cause.Error()
	}

	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	entries := []struct {
		name string
		body string
	}{
		{"error.txt", fmt.Sprintf("build %s failed: %s\n", d.BuildID, cause)},
		{"build.log", d.Logs},
		{"defines", d.Defines},
	}
	for _, entry := range entries {
		header := &tar.Header{
			Name:     entry.name,
			Mode:     0o644,
			Size:     int64(len(entry.body)),
			ModTime:  d.Now.UTC(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write header for %s: %w", entry.name, err)
		}
		if _, err := tw.Write([]byte(entry.body)); err != nil {
			return nil, fmt.Errorf("write %s: %w", entry.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	return buf.Bytes(), nil
}
