package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrDispatcherClosed = errors.New("jobs: dispatcher closed")

// InlineDispatcher runs the processor in a goroutine of the calling process.
// It skips the broker, so a crash between submit and claim leaves the job
// PENDING until the reaper fails it.
type InlineDispatcher struct {
	proc   *Processor
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewInlineDispatcher(proc *Processor, logger *slog.Logger) *InlineDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InlineDispatcher{
		proc:   proc,
		logger: logger.With("component", "inline_dispatcher"),
	}
}

// PublishJob returns as soon as the run is scheduled.
func (d *InlineDispatcher) PublishJob(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.proc.Handle(context.Background(), jobID); err != nil {
			d.logger.Error("inline job run failed", "job_id", jobID, "error", err)
		}
	}()
	return nil
}

// Close stops accepting jobs and waits for in-flight runs until ctx is done.
// Runs still going at that point are not interrupted; if the process exits
// under them the reaper fails them once the running grace has passed.
func (d *InlineDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("inline runs still in flight at shutdown")
		return ctx.Err()
	}
}
