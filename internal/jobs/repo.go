package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// jobRow is the SQL layout. Timestamps are epoch milliseconds and ttl is
// epoch seconds so range scans behave the same on mysql and sqlite.
type jobRow struct {
	ID      string  `gorm:"primaryKey;size:64"`
	Status  Status  `gorm:"type:varchar(16);not null;index:idx_status_updated,priority:1"`
	Request string  `gorm:"type:text;not null"`
	Result  *string `gorm:"type:text"`
	Error   *string `gorm:"type:text"`
	Created int64   `gorm:"column:created_at;not null"`
	Updated int64   `gorm:"column:updated_at;not null;index:idx_status_updated,priority:2"`
	TTL     int64   `gorm:"column:ttl;not null;index"`
}

func (r jobRow) toJob() (*Job, error) {
	j := &Job{
		ID:        r.ID,
		Status:    r.Status,
		Request:   json.RawMessage(r.Request),
		CreatedAt: time.UnixMilli(r.Created).UTC(),
		UpdatedAt: time.UnixMilli(r.Updated).UTC(),
		ExpiresAt: time.Unix(r.TTL, 0).UTC(),
	}
	if r.Result != nil {
		j.Result = json.RawMessage(*r.Result)
	}
	if r.Error != nil {
		var je JobError
		if err := json.Unmarshal([]byte(*r.Error), &je); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		j.Error = &je
	}
	return j, nil
}

// Repo is the gorm-backed Store.
type Repo struct {
	db        *gorm.DB
	table     string
	retention time.Duration
	now       Clock
}

type RepoOption func(*Repo)

// WithClock overrides the time source.
func WithClock(c Clock) RepoOption {
	return func(r *Repo) { r.now = c }
}

func NewRepo(db *gorm.DB, table string, retention time.Duration, opts ...RepoOption) *Repo {
	r := &Repo{db: db, table: table, retention: retention, now: systemClock}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Migrate creates or updates the job table.
func (r *Repo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).Table(r.table).AutoMigrate(&jobRow{})
}

func (r *Repo) q(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.table)
}

func (r *Repo) Create(ctx context.Context, id string, request json.RawMessage) (*Job, error) {
	if id == "" {
		return nil, errors.New("jobs: empty job id")
	}
	if len(request) == 0 {
		request = json.RawMessage("{}")
	}
	now := r.now()
	row := jobRow{
		ID:      id,
		Status:  StatusPending,
		Request: string(request),
		Created: now.UnixMilli(),
		Updated: now.UnixMilli(),
		TTL:     now.Add(r.retention).Unix(),
	}

	for attempt := 0; attempt < 2; attempt++ {
		res := r.q(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return row.toJob()
		}

		// Key taken. An expired record that has not been swept yet does not
		// count as existing.
		del := r.q(ctx).Where("id = ? AND ttl <= ?", id, now.Unix()).Delete(&jobRow{})
		if del.Error != nil {
			return nil, del.Error
		}
		if del.RowsAffected == 0 {
			return nil, ErrAlreadyExists
		}
	}
	return nil, ErrAlreadyExists
}

func (r *Repo) getRow(ctx context.Context, id string) (*jobRow, error) {
	var row jobRow
	if err := r.q(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Job, error) {
	row, err := r.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.TTL <= r.now().Unix() {
		return nil, ErrNotFound
	}
	return row.toJob()
}

func (r *Repo) Transition(ctx context.Context, id string, from, to Status, out Outcome) error {
	out, err := Prepare(from, to, out)
	if err != nil {
		return err
	}

	var result, errText *string
	if out.Result != nil {
		s := string(out.Result)
		result = &s
	}
	if out.Error != nil {
		b, err := json.Marshal(out.Error)
		if err != nil {
			return err
		}
		s := string(b)
		errText = &s
	}

	now := r.now()
	res := r.q(ctx).
		Where("id = ? AND status = ? AND ttl > ?", id, from, now.Unix()).
		Updates(map[string]any{
			"status":     to,
			"result":     result,
			"error":      errText,
			"updated_at": now.UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// Nothing matched: tell a lost race apart from a missing record.
	row, err := r.getRow(ctx, id)
	if err != nil {
		return err
	}
	if row.TTL <= now.Unix() {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *Repo) ListStale(ctx context.Context, status Status, olderThan time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.q(ctx).
		Where("status = ? AND updated_at < ? AND ttl > ?", status, olderThan.UnixMilli(), r.now().Unix()).
		Order("updated_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// DeleteExpired removes up to limit records past their ttl.
func (r *Repo) DeleteExpired(ctx context.Context, limit int) (int64, error) {
	now := r.now().Unix()
	var ids []string
	if err := r.q(ctx).Where("ttl <= ?", now).Limit(limit).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.q(ctx).Where("id IN ? AND ttl <= ?", ids, now).Delete(&jobRow{})
	return res.RowsAffected, res.Error
}
