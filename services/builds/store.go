package builds

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBuildChanged         = errors.New("build changed since it was read")
	ErrBuildExists          = errors.New("build already exists")
	ErrBuildNotFound        = errors.New("build not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrUnsupportedToolchain = errors.New("unsupported toolchain")
)

// Candidate is a build row the housekeeper may retire.
type Candidate struct {
	ID        string    `db:"id"`
	ReleaseID string    `db:"release_id"`
	Status    string    `db:"status"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SweepFilter selects retirement candidates: every build that is not DONE,
// plus, when MatchReleases is set, every build whose release id is not in
// LiveReleaseIDs.
type SweepFilter struct {
	LiveReleaseIDs []string
	MatchReleases  bool
}

// Store persists builds and their files. Implementations must reject a
// second Create for the same id with ErrBuildExists.
type Store interface {
	Create(ctx context.Context, b Build) error
	// ReplaceFailed swaps an ERROR row for b in one step. When no ERROR row
	// with that id exists it behaves like Create.
	ReplaceFailed(ctx context.Context, b Build) error
	Get(ctx context.Context, id string) (Build, error)
	// UpdateStatus moves a build from one status to another and fails with
	// ErrInvalidTransition when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	// Touch refreshes updated_at of a build still in status. A build that
	// moved on is left alone.
	Touch(ctx context.Context, id string, status Status) error
	AddFile(ctx context.Context, f File) (File, error)
	RetirementCandidates(ctx context.Context, filter SweepFilter) ([]Candidate, error)
	// Retire deletes the build of c only while its status and updated_at
	// still match c, and fails with ErrBuildChanged otherwise.
	Retire(ctx context.Context, c Candidate) error
	// FailInFlight marks every non-terminal build as ERROR and returns how
	// many rows changed.
	FailInFlight(ctx context.Context) (int64, error)
}
