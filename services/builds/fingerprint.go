package builds

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

type fingerprintPayload struct {
	Source    string         `json:"source"`
	Version   string         `json:"version"`
	Board     string         `json:"board"`
	Values    map[string]any `json:"values"`
	ReleaseID string         `json:"release_id"`
}

// Fingerprint derives the content address of a build: a BLAKE3 digest over
// the canonical JSON encoding of the request and the upstream release id.
// Map keys are encoded in sorted order at every depth so the result does
// not depend on how the request was assembled.
func Fingerprint(req Request, releaseID string) (string, error) {
	if releaseID == "" {
		return "", errors.New("release id is required")
	}
	values := req.Values
	if values == nil {
		values = map[string]any{}
	}

	data, err := json.Marshal(fingerprintPayload{
		Source:    req.Source,
		Version:   req.Version,
		Board:     req.Board,
		Values:    values,
		ReleaseID: releaseID,
	})
	if err != nil {
		return "", fmt.Errorf("encode fingerprint payload: %w", err)
	}

	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
