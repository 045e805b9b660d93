package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/suPer8Hu/crewjobs/internal/backoff"
)

// Executor performs the unit of work for one job. It is opaque to the
// engine: any error becomes a FAILED job.
type Executor interface {
	Execute(ctx context.Context, request json.RawMessage) (json.RawMessage, error)
}

type ExecutorFunc func(ctx context.Context, request json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, request json.RawMessage) (json.RawMessage, error) {
	return f(ctx, request)
}

// staged is implemented by executor errors that know which pipeline stage
// failed.
type staged interface {
	Stage() string
}

const finalizeAttempts = 3

// Processor drives one job through RUNNING to a terminal state.
type Processor struct {
	store    Store
	executor Executor
	timeout  time.Duration
	retry    backoff.Strategy
	logger   *slog.Logger
}

func NewProcessor(store Store, executor Executor, timeout time.Duration, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    store,
		executor: executor,
		timeout:  timeout,
		retry:    backoff.NewJittered(200*time.Millisecond, 2*time.Second),
		logger:   logger.With("component", "processor"),
	}
}

// Handle processes a trigger for jobID. It returns an error only when the
// trigger should be redelivered; duplicate or stale triggers return nil.
//
// Cancelling ctx does not stop a claimed job: the run is detached from the
// caller and bounded only by the processor timeout, so a draining worker
// finishes what it started.
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	err := p.store.Transition(ctx, jobID, StatusPending, StatusRunning, Outcome{})
	switch {
	case errors.Is(err, ErrConflict):
		p.logger.InfoContext(ctx, "job already claimed", "job_id", jobID)
		return nil
	case errors.Is(err, ErrNotFound):
		p.logger.WarnContext(ctx, "trigger for unknown or expired job", "job_id", jobID)
		return nil
	case err != nil:
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}

	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		p.finalize(ctx, jobID, StatusFailed, Failure(KindWorker, "load claimed job: "+err.Error()))
		return nil
	}

	result, execErr := p.execute(ctx, job.Request)
	if execErr != nil {
		out := Outcome{Error: toJobError(execErr)}
		p.finalize(ctx, jobID, StatusFailed, out)
		p.logger.WarnContext(ctx, "job failed",
			"job_id", jobID, "kind", out.Error.Kind, "stage", out.Error.Stage,
			"cost", time.Since(start), "error", execErr)
		return nil
	}

	p.finalize(ctx, jobID, StatusCompleted, Outcome{Result: result})
	p.logger.InfoContext(ctx, "job completed", "job_id", jobID, "cost", time.Since(start))
	return nil
}

func (p *Processor) execute(ctx context.Context, request json.RawMessage) (result json.RawMessage, err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "executor panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	result, err = p.executor.Execute(ctx, request)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && len(result) > 0 && !json.Valid(result) {
		err = errors.New("executor returned invalid JSON")
	}
	return result, err
}

func toJobError(err error) *JobError {
	je := &JobError{Kind: KindWorker, Message: err.Error()}
	if errors.Is(err, context.DeadlineExceeded) {
		je.Kind = KindTimeout
	}
	var st staged
	if errors.As(err, &st) {
		je.Stage = st.Stage()
	}
	return je
}

// finalize writes the terminal transition, retrying transient store errors.
func (p *Processor) finalize(ctx context.Context, jobID string, to Status, out Outcome) {
	for attempt := 1; ; attempt++ {
		err := p.store.Transition(ctx, jobID, StatusRunning, to, out)
		if err == nil {
			return
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			// the reaper got there first, or the record expired
			p.logger.WarnContext(ctx, "terminal transition lost", "job_id", jobID, "to", to, "error", err)
			return
		}
		if attempt >= finalizeAttempts {
			p.logger.ErrorContext(ctx, "terminal transition failed, leaving job to the reaper",
				"job_id", jobID, "to", to, "error", err)
			return
		}
		time.Sleep(p.retry.Delay(attempt))
	}
}
