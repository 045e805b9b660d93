package jobs

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suPer8Hu/crewjobs/internal/config"
)

// ReaperOptions groups dependencies for Reaper.
type ReaperOptions struct {
	Store  Store               // Required
	Config config.ReaperConfig // Required
	Logger *slog.Logger        // Optional
	Clock  Clock               // Optional, defaults to UTC wall clock

	// Redispatcher, when set, re-triggers stale PENDING jobs instead of
	// failing them. Use it when triggers sit in a durable queue, where an
	// old PENDING job is usually just waiting behind a backlog.
	Redispatcher Dispatcher
}

// Reaper fails jobs whose worker or trigger was lost, and sweeps expired
// records for stores without native expiry.
type Reaper struct {
	store      Store
	sweeper    Sweeper
	redispatch Dispatcher
	config     config.ReaperConfig
	logger     *slog.Logger
	now        Clock

	mu     sync.Mutex
	resent map[string]time.Time // job id -> last re-trigger
}

func NewReaper(opts ReaperOptions) (*Reaper, error) {
	if opts.Store == nil {
		return nil, errors.New("reaper: store is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reaper: interval must be positive")
	}
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = systemClock
	}
	r := &Reaper{
		store:      opts.Store,
		redispatch: opts.Redispatcher,
		config:     opts.Config,
		logger:     logger.With("component", "reaper"),
		now:        now,
		resent:     make(map[string]time.Time),
	}
	if sw, ok := opts.Store.(Sweeper); ok {
		r.sweeper = sw
	}
	return r, nil
}

// Run reaps at the configured interval until ctx is cancelled. It returns
// nil on graceful shutdown.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper",
		"interval", r.config.Interval,
		"running_grace", r.config.RunningGrace,
		"pending_max_age", r.config.PendingMaxAge,
	)

	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil && !isContextCancellation(err) {
			r.logger.ErrorContext(ctx, "reaper pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reaper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitWithJitter delays start by up to 10% of the interval so several
// instances do not reap in lockstep.
func (r *Reaper) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// ReapStats counts what one pass changed.
type ReapStats struct {
	TimedOut  int64
	Orphaned  int64
	Swept     int64
	Conflicts int64
	Retrigger int64
}

// RunOnce performs a single pass. Step errors are joined; one failing step
// does not stop the others.
func (r *Reaper) RunOnce(ctx context.Context) error {
	_, err := r.reap(ctx)
	return err
}

func (r *Reaper) reap(ctx context.Context) (ReapStats, error) {
	var stats ReapStats
	var errs []error

	n, skipped, err := r.failStale(ctx, StatusRunning, r.config.RunningGrace, KindTimeout,
		"worker did not finish within the running grace period")
	stats.TimedOut, stats.Conflicts = n, stats.Conflicts+skipped
	if err != nil {
		errs = append(errs, fmt.Errorf("fail stale running jobs: %w", err))
	}

	switch {
	case r.config.PendingMaxAge <= 0:
	case r.redispatch != nil:
		n, err = r.retrigger(ctx)
		stats.Retrigger = n
		if err != nil {
			errs = append(errs, fmt.Errorf("re-trigger pending jobs: %w", err))
		}
	default:
		n, skipped, err = r.failStale(ctx, StatusPending, r.config.PendingMaxAge, KindDispatch,
			"job was never picked up by a worker")
		stats.Orphaned, stats.Conflicts = n, stats.Conflicts+skipped
		if err != nil {
			errs = append(errs, fmt.Errorf("fail orphaned pending jobs: %w", err))
		}
	}

	if r.sweeper != nil {
		n, err = r.sweep(ctx)
		stats.Swept = n
		if err != nil {
			errs = append(errs, fmt.Errorf("delete expired jobs: %w", err))
		}
	}

	if stats.TimedOut+stats.Orphaned+stats.Swept+stats.Retrigger > 0 {
		r.logger.InfoContext(ctx, "reaper pass",
			"timed_out", stats.TimedOut, "orphaned", stats.Orphaned, "retriggered", stats.Retrigger,
			"swept", stats.Swept, "conflicts", stats.Conflicts)
	}
	return stats, errors.Join(errs...)
}

// failStale moves jobs stuck in status for longer than maxAge to FAILED.
// A conflict means the job moved on by itself and is not an error.
func (r *Reaper) failStale(ctx context.Context, status Status, maxAge time.Duration, kind ErrorKind, msg string) (failed, skipped int64, err error) {
	cutoff := r.now().Add(-maxAge)
	seen := make(map[string]struct{})
	for {
		ids, err := r.store.ListStale(ctx, status, cutoff, r.config.BatchSize)
		if err != nil {
			return failed, skipped, err
		}
		progressed := false
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			progressed = true

			err := r.store.Transition(ctx, id, status, StatusFailed, Failure(kind, msg))
			switch {
			case err == nil:
				failed++
				r.logger.WarnContext(ctx, "reaped job", "job_id", id, "from", status, "kind", kind)
			case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
				skipped++
			default:
				return failed, skipped, err
			}
		}
		if !progressed || len(ids) < r.config.BatchSize {
			return failed, skipped, nil
		}
		if ctx.Err() != nil {
			return failed, skipped, ctx.Err()
		}
	}
}

// retrigger publishes a fresh trigger for PENDING jobs older than
// PendingMaxAge, at most once per PendingMaxAge per job. Duplicate triggers
// are absorbed by the claim, so a job whose original trigger is still queued
// runs once. A failed publish leaves the job PENDING for the next pass.
func (r *Reaper) retrigger(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, at := range r.resent {
		if now.Sub(at) >= r.config.PendingMaxAge {
			delete(r.resent, id)
		}
	}

	// recently re-sent jobs are still stale, so look past them
	ids, err := r.store.ListStale(ctx, StatusPending, now.Add(-r.config.PendingMaxAge), r.config.BatchSize+len(r.resent))
	if err != nil {
		return 0, err
	}

	var sent int64
	var errs []error
	for _, id := range ids {
		if _, recent := r.resent[id]; recent {
			continue
		}
		if err := r.redispatch.PublishJob(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
			continue
		}
		r.resent[id] = now
		sent++
		r.logger.InfoContext(ctx, "re-triggered stale pending job", "job_id", id)
		if sent >= int64(r.config.BatchSize) {
			break
		}
	}
	return sent, errors.Join(errs...)
}

func (r *Reaper) sweep(ctx context.Context) (int64, error) {
	var total int64
	for {
		n, err := r.sweeper.DeleteExpired(ctx, r.config.BatchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(r.config.BatchSize) {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
