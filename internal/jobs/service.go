package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/suPer8Hu/crewjobs/internal/common"
)

// Dispatcher schedules a worker run for a job. Delivery is at-least-once;
// duplicate runs are absorbed by the PENDING -> RUNNING claim.
type Dispatcher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// idempotencyNamespace scopes UUIDv5 job ids derived from client keys.
var idempotencyNamespace = uuid.MustParse("3f1b7c52-6a0e-4d8e-9a57-1c4b2f0e8d61")

// JobIDForKey maps an idempotency key, scoped to the submitting owner, to a
// stable job id. The same key from two owners yields two ids.
func JobIDForKey(owner, key string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(owner+"\x00"+key)).String()
}

// Service backs the submission and status endpoints.
type Service struct {
	store           Store
	dispatcher      Dispatcher
	dispatchTimeout time.Duration
	logger          *slog.Logger
}

func NewService(store Store, dispatcher Dispatcher, dispatchTimeout time.Duration, logger *slog.Logger) *Service {
	if dispatchTimeout <= 0 {
		dispatchTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:           store,
		dispatcher:      dispatcher,
		dispatchTimeout: dispatchTimeout,
		logger:          logger.With("component", "jobs_service"),
	}
}

// Submit creates a PENDING job and triggers a worker without waiting for it.
// With a non-empty idempotencyKey a repeated call by the same owner returns
// the existing job and created=false. owner is the authenticated subject, or
// empty when auth is off. A failed trigger leaves the job FAILED/DispatchError
// instead of orphaned in PENDING.
func (s *Service) Submit(ctx context.Context, request json.RawMessage, owner, idempotencyKey string) (job *Job, created bool, err error) {
	var id string
	if idempotencyKey != "" {
		id = JobIDForKey(owner, idempotencyKey)
	} else {
		id, err = common.NewULID()
		if err != nil {
			return nil, false, fmt.Errorf("generate job id: %w", err)
		}
	}

	job, err = s.store.Create(ctx, id, request)
	if errors.Is(err, ErrAlreadyExists) {
		existing, getErr := s.store.Get(ctx, id)
		if getErr != nil {
			return nil, false, fmt.Errorf("load existing job %s: %w", id, getErr)
		}
		s.logger.InfoContext(ctx, "idempotent resubmission", "job_id", id, "status", existing.Status)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
	defer cancel()
	if err := s.dispatcher.PublishJob(dctx, id); err != nil {
		s.logger.ErrorContext(ctx, "dispatch failed", "job_id", id, "error", err)
		return s.failUndispatched(ctx, job, err), true, nil
	}

	s.logger.InfoContext(ctx, "job submitted", "job_id", id)
	return job, true, nil
}

func (s *Service) failUndispatched(ctx context.Context, job *Job, cause error) *Job {
	out := Failure(KindDispatch, cause.Error())
	err := s.store.Transition(context.WithoutCancel(ctx), job.ID, StatusPending, StatusFailed, out)
	if err == nil {
		failed := *job
		failed.Status = StatusFailed
		failed.Error = out.Error
		return &failed
	}

	// A worker may have claimed the job anyway, or the store is down and the
	// reaper will fail the job later. Report whatever is stored now.
	s.logger.WarnContext(ctx, "could not mark undispatched job failed", "job_id", job.ID, "error", err)
	if cur, getErr := s.store.Get(ctx, job.ID); getErr == nil {
		return cur
	}
	return job
}

// Status returns the current record. It never mutates state.
func (s *Service) Status(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}
