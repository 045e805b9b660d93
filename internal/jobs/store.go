package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("jobs: job already exists")
	// ErrNotFound is returned for unknown ids and for records past their ttl.
	ErrNotFound = errors.New("jobs: job not found")
	// ErrConflict is returned by Transition when the current status differs
	// from the expected one.
	ErrConflict = errors.New("jobs: status conflict")
	// ErrInvalidTransition is returned for edges outside the state machine.
	ErrInvalidTransition = errors.New("jobs: invalid status transition")
)

// Store persists job records. Implementations must make Create and
// Transition linearizable per job id.
type Store interface {
	// Create inserts a PENDING record. Ids are supplied by the caller.
	Create(ctx context.Context, id string, request json.RawMessage) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// Transition moves id from -> to atomically, writing the outcome.
	Transition(ctx context.Context, id string, from, to Status, out Outcome) error
	// ListStale returns ids in status whose last update is before olderThan,
	// oldest first.
	ListStale(ctx context.Context, status Status, olderThan time.Time, limit int) ([]string, error)
}

// Sweeper is implemented by stores without native record expiry.
type Sweeper interface {
	DeleteExpired(ctx context.Context, limit int) (int64, error)
}

// Clock returns the current time. Stores and the reaper take one so tests
// can move time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
