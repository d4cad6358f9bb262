// Package buildstest provides an in-memory builds.Store for tests.
package buildstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fwforge/services/builds"
)

// Store is a builds.Store kept in memory. Deleting a build drops its files
// like the foreign key cascade does in Postgres.
type Store struct {
	mu      sync.Mutex
	builds  map[string]builds.Build
	history map[string][]builds.Status
	touches map[string]int
	nextID  int64
	now     func() time.Time

	// BeforeCreate, when set, runs at the start of Create and ReplaceFailed.
	BeforeCreate func(b builds.Build)
	// BeforeRetire, when set, runs at the start of Retire.
	BeforeRetire func(c builds.Candidate)
}

var _ builds.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		builds:  map[string]builds.Build{},
		history: map[string][]builds.Status{},
		touches: map[string]int{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put stores b as is, replacing any existing row.
func (s *Store) Put(b builds.Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}
	s.builds[b.ID] = b
	s.history[b.ID] = []builds.Status{b.Status}
}

// History returns every status the build went through since it was created.
func (s *Store) History(id string) []builds.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]builds.Status(nil), s.history[id]...)
}

// Len returns the number of stored builds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.builds)
}

func (s *Store) Create(_ context.Context, b builds.Build) error {
	if s.BeforeCreate != nil {
		s.BeforeCreate(b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[b.ID]; ok {
		return fmt.Errorf("%w: %s", builds.ErrBuildExists, b.ID)
	}
	s.insert(b)
	return nil
}

func (s *Store) ReplaceFailed(_ context.Context, b builds.Build) error {
	if s.BeforeCreate != nil {
		s.BeforeCreate(b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.builds[b.ID]; ok {
		if existing.Status != builds.StatusError {
			return fmt.Errorf("%w: %s", builds.ErrBuildExists, b.ID)
		}
		delete(s.builds, b.ID)
	}
	s.insert(b)
	return nil
}

func (s *Store) insert(b builds.Build) {
	now := s.now()
	b.CreatedAt = now
	b.UpdatedAt = now
	b.Files = nil
	s.builds[b.ID] = b
	s.history[b.ID] = []builds.Status{b.Status}
}

func (s *Store) Get(_ context.Context, id string) (builds.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return builds.Build{}, fmt.Errorf("%w: %s", builds.ErrBuildNotFound, id)
	}
	b.Files = append([]builds.File{}, b.Files...)
	return b, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, from, to builds.Status) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("%w: %s -> %s", builds.ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return fmt.Errorf("%w: %s", builds.ErrBuildNotFound, id)
	}
	if b.Status != from {
		return fmt.Errorf("%w: %s is no longer %s", builds.ErrInvalidTransition, id, from)
	}
	b.Status = to
	b.UpdatedAt = s.now()
	s.builds[id] = b
	s.history[id] = append(s.history[id], to)
	return nil
}

func (s *Store) AddFile(_ context.Context, f builds.File) (builds.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[f.FirmwareID]
	if !ok {
		return builds.File{}, fmt.Errorf("%w: %s", builds.ErrBuildNotFound, f.FirmwareID)
	}
	s.nextID++
	f.ID = s.nextID
	f.CreatedAt = s.now()
	b.Files = append(b.Files, f)
	s.builds[f.FirmwareID] = b
	return f, nil
}

func (s *Store) Retire(_ context.Context, c builds.Candidate) error {
	if s.BeforeRetire != nil {
		s.BeforeRetire(c)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", builds.ErrBuildNotFound, c.ID)
	}
	if string(b.Status) != c.Status || !b.UpdatedAt.Equal(c.UpdatedAt) {
		return fmt.Errorf("%w: %s", builds.ErrBuildChanged, c.ID)
	}
	delete(s.builds, c.ID)
	return nil
}

func (s *Store) Touch(_ context.Context, id string, status builds.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok || b.Status != status {
		return nil
	}
	b.UpdatedAt = s.now()
	s.builds[id] = b
	s.touches[id]++
	return nil
}

// Touches returns how many heartbeat writes reached the build.
func (s *Store) Touches(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches[id]
}

func (s *Store) RetirementCandidates(_ context.Context, filter builds.SweepFilter) ([]builds.Candidate, error) {
	live := map[string]struct{}{}
	for _, id := range filter.LiveReleaseIDs {
		live[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []builds.Candidate
	for _, b := range s.builds {
		_, present := live[b.ReleaseID]
		if b.Status != builds.StatusDone || (filter.MatchReleases && !present) {
			out = append(out, builds.Candidate{
				ID:        b.ID,
				ReleaseID: b.ReleaseID,
				Status:    string(b.Status),
				UpdatedAt: b.UpdatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FailInFlight(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, b := range s.builds {
		if b.Status.Terminal() {
			continue
		}
		b.Status = builds.StatusError
		b.UpdatedAt = s.now()
		s.builds[id] = b
		s.history[id] = append(s.history[id], builds.StatusError)
		n++
	}
	return n, nil
}
