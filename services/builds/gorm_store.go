package builds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"fwforge/pkg/db"
)

const uniqueViolation = "23505"

// GormStore keeps builds in Postgres. Row level operations go through GORM;
// the sweep and reconciliation queries run on the raw pool.
type GormStore struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewGormStore returns a Store backed by orm and pool.
func NewGormStore(orm *gorm.DB, pool *pgxpool.Pool) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &GormStore{orm: orm, pool: pool}, nil
}

func (s *GormStore) Create(ctx context.Context, b Build) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	model := newFirmwareModel(b)
	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrBuildExists, b.ID)
		}
		return fmt.Errorf("create build: %w", err)
	}
	return nil
}

func (s *GormStore) ReplaceFailed(ctx context.Context, b Build) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	model := newFirmwareModel(b)
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND status = ?", b.ID, string(StatusError)).
			Delete(&firmwareModel{}).Error; err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrBuildExists, b.ID)
		}
		return fmt.Errorf("replace failed build: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (Build, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var model firmwareModel
	err := s.orm.WithContext(ctx).
		Preload("Files", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Build{}, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
		}
		return Build{}, fmt.Errorf("get build: %w", err)
	}
	return model.toAPI(), nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	res := s.orm.WithContext(ctx).
		Model(&firmwareModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update build status: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.orm.WithContext(ctx).Model(&firmwareModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("update build status: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	return fmt.Errorf("%w: %s is no longer %s", ErrInvalidTransition, id, from)
}

func (s *GormStore) AddFile(ctx context.Context, f File) (File, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	model := firmwareFileModel{
		FirmwareID:  f.FirmwareID,
		FilePath:    f.FilePath,
		FlashOffset: f.Offset,
		IsFirmware:  f.IsFirmware,
		Digest:      f.Digest,
	}
	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return File{}, fmt.Errorf("create build file: %w", err)
	}
	return model.toAPI(), nil
}

func (s *GormStore) RetirementCandidates(ctx context.Context, filter SweepFilter) ([]Candidate, error) {
	var (
		candidates []Candidate
		err        error
	)
	if filter.MatchReleases {
		live := filter.LiveReleaseIDs
		if live == nil {
			live = []string{}
		}
		err = db.Select(ctx, s.pool, &candidates,
			`SELECT id, release_id, status, updated_at FROM firmwares
			 WHERE status <> $1 OR NOT (release_id = ANY($2))
			 ORDER BY created_at`,
			string(StatusDone), live)
	} else {
		err = db.Select(ctx, s.pool, &candidates,
			`SELECT id, release_id, status, updated_at FROM firmwares
			 WHERE status <> $1
			 ORDER BY created_at`,
			string(StatusDone))
	}
	if err != nil {
		return nil, fmt.Errorf("list retirement candidates: %w", err)
	}
	return candidates, nil
}

func (s *GormStore) Retire(ctx context.Context, c Candidate) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	res := s.orm.WithContext(ctx).
		Where("id = ? AND status = ? AND updated_at = ?", c.ID, c.Status, c.UpdatedAt).
		Delete(&firmwareModel{})
	if res.Error != nil {
		return fmt.Errorf("retire build: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.orm.WithContext(ctx).Model(&firmwareModel{}).Where("id = ?", c.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("retire build: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, c.ID)
	}
	return fmt.Errorf("%w: %s", ErrBuildChanged, c.ID)
}

func (s *GormStore) Touch(ctx context.Context, id string, status Status) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	err := s.orm.WithContext(ctx).
		Model(&firmwareModel{}).
		Where("id = ? AND status = ?", id, string(status)).
		Update("updated_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("touch build: %w", err)
	}
	return nil
}

func (s *GormStore) FailInFlight(ctx context.Context) (int64, error) {
	tag, err := db.Exec(ctx, s.pool,
		`UPDATE firmwares SET status = $1, updated_at = now() WHERE status NOT IN ($2, $3)`,
		string(StatusError), string(StatusDone), string(StatusError))
	if err != nil {
		return 0, fmt.Errorf("fail in-flight builds: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
