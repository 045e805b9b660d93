// Package jobstest holds the behavioral suite every jobs.Store must pass.
package jobstest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/crewjobs/internal/jobs"
)

// FakeClock is a settable clock shared between a store and a test.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock { return &FakeClock{now: t.UTC()} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty store using clock as its time source and the
// given retention window.
type Factory func(t *testing.T, clock *FakeClock, retention time.Duration) jobs.Store

// RunStoreContract exercises the create/get/transition contract.
func RunStoreContract(t *testing.T, newStore Factory) {
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	req := json.RawMessage(`{"question":"What was Q3 revenue?"}`)

	t.Run("CreateThenGet", func(t *testing.T) {
		clock := NewFakeClock(start)
		s := newStore(t, clock, time.Hour)

		created, err := s.Create(ctx, "job-1", req)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusPending, created.Status)
		assert.Equal(t, start.Add(time.Hour).Unix(), created.ExpiresAt.Unix())

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", got.ID)
		assert.Equal(t, jobs.StatusPending, got.Status)
		assert.JSONEq(t, string(req), string(got.Request))
		assert.Nil(t, got.Result)
		assert.Nil(t, got.Error)
		assert.WithinDuration(t, start, got.CreatedAt, time.Second)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t, NewFakeClock(start), time.Hour)
		_, err := s.Create(ctx, "dup", req)
		require.NoError(t, err)

		_, err = s.Create(ctx, "dup", json.RawMessage(`{"question":"other"}`))
		require.ErrorIs(t, err, jobs.ErrAlreadyExists)

		got, err := s.Get(ctx, "dup")
		require.NoError(t, err)
		assert.JSONEq(t, string(req), string(got.Request))
	})

	t.Run("ConcurrentCreateOneWinner", func(t *testing.T) {
		s := newStore(t, NewFakeClock(start), time.Hour)
		var wins, dups atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Create(ctx, "race", req)
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, jobs.ErrAlreadyExists):
					dups.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), dups.Load())
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := newStore(t, NewFakeClock(start), time.Hour)
		_, err := s.Get(ctx, "nope")
		require.ErrorIs(t, err, jobs.ErrNotFound)
	})

	t.Run("ExpiredIsNotFound", func(t *testing.T) {
		clock := NewFakeClock(start)
		s := newStore(t, clock, time.Minute)
		_, err := s.Create(ctx, "old", req)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		_, err = s.Get(ctx, "old")
		require.ErrorIs(t, err, jobs.ErrNotFound)

		err = s.Transition(ctx, "old", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{})
		require.ErrorIs(t, err, jobs.ErrNotFound)
	})

	t.Run("ExpiredKeyCanBeRecreated", func(t *testing.T) {
		clock := NewFakeClock(start)
		s := newStore(t, clock, time.Minute)
		_, err := s.Create(ctx, "reuse", req)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		j, err := s.Create(ctx, "reuse", json.RawMessage(`{"question":"again"}`))
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusPending, j.Status)
	})

	t.Run("HappyPathTransitions", func(t *testing.T) {
		clock := NewFakeClock(start)
		s := newStore(t, clock, time.Hour)
		_, err := s.Create(ctx, "ok", req)
		require.NoError(t, err)

		clock.Advance(time.Second)
		require.NoError(t, s.Transition(ctx, "ok", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{}))
		got, err := s.Get(ctx, "ok")
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusRunning, got.Status)
		assert.True(t, got.UpdatedAt.After(got.CreatedAt))

		result := json.RawMessage(`{"answer":"42"}`)
		require.NoError(t, s.Transition(ctx, "ok", jobs.StatusRunning, jobs.StatusCompleted, jobs.Outcome{Result: result}))
		got, err = s.Get(ctx, "ok")
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, got.Status)
		assert.JSONEq(t, string(result), string(got.Result))
		assert.Nil(t, got.Error)
	})

	t.Run("FailureCarriesStructuredError", func(t *testing.T) {
		s := newStore(t, NewFakeClock(start), time.Hour)
		_, err := s.Create(ctx, "bad", req)
		require.NoError(t, err)
		require.NoError(t, s.Transition(ctx, "bad", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{}))

		out := jobs.Outcome{
			Result: json.RawMessage(`{"ignored":true}`),
			Error:  &jobs.JobError{Kind: jobs.KindWorker, Message: "llm unavailable", Stage: "task_planning"},
		}
		require.NoError(t, s.Transition(ctx, "bad", jobs.StatusRunning, jobs.StatusFailed, out))

		got, err := s.Get(ctx, "bad")
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusFailed, got.Status)
		assert.Nil(t, got.Result)
		require.NotNil(t, got.Error)
		assert.Equal(t, jobs.KindWorker, got.Error.Kind)
		assert.Equal(t, "task_planning", got.Error.Stage)
	})

	t.Run("StaleExpectationConflicts", func(t *testing.T) {
		s := newStore(t, NewFakeClock(start), time.Hour)
		_, err := s.Create(ctx, "c", req)
		require.NoError(t, err)
		require.NoError(t, s.Transition(ctx, "c", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{}))

		err = s.Transition(ctx, "c", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{})
		require.ErrorIs(t, err, jobs.ErrConflict)

		require.NoError(t, s.Transition(ctx, "c", jobs.StatusRunning, jobs.StatusCompleted, jobs.Outcome{Result: json.RawMessage(`1`)}))
		err = s.Transition(ctx, "c", jobs.StatusRunning, jobs.StatusFailed, jobs.Failure(jobs.KindTimeout, "late"))
		require.ErrorIs(t, err, jobs.ErrConflict)

		got, err := s.Get(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, got.Status)
		assert.JSONEq(t, `1`, string(got.Result))
	})

	t.Run("InvalidEdgesRejected", func(t *testing.T) {
		s := newStore(t, NewFakeClock(start), time.Hour)
		_, err := s.Create(ctx, "e", req)
		require.NoError(t, err)

		err = s.Transition(ctx, "e", jobs.StatusPending, jobs.StatusCompleted, jobs.Outcome{})
		require.ErrorIs(t, err, jobs.ErrInvalidTransition)
		err = s.Transition(ctx, "e", jobs.StatusCompleted, jobs.StatusRunning, jobs.Outcome{})
		require.ErrorIs(t, err, jobs.ErrInvalidTransition)

		got, err := s.Get(ctx, "e")
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusPending, got.Status)
	})

	t.Run("ConcurrentClaimOneWinner", func(t *testing.T) {
		s := newStore(t, NewFakeClock(start), time.Hour)
		_, err := s.Create(ctx, "claim", req)
		require.NoError(t, err)

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Transition(ctx, "claim", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{})
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, jobs.ErrConflict):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), conflicts.Load())
	})

	t.Run("ListStale", func(t *testing.T) {
		clock := NewFakeClock(start)
		s := newStore(t, clock, time.Hour)
		for _, id := range []string{"s1", "s2", "s3"} {
			_, err := s.Create(ctx, id, req)
			require.NoError(t, err)
			clock.Advance(time.Second)
		}
		require.NoError(t, s.Transition(ctx, "s1", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{}))
		clock.Advance(time.Second)
		require.NoError(t, s.Transition(ctx, "s2", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{}))
		clock.Advance(10 * time.Minute)
		require.NoError(t, s.Transition(ctx, "s3", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{}))

		ids, err := s.ListStale(ctx, jobs.StatusRunning, clock.Now().Add(-5*time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "s2"}, ids)

		ids, err = s.ListStale(ctx, jobs.StatusRunning, clock.Now().Add(-5*time.Minute), 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"s1"}, ids)

		ids, err = s.ListStale(ctx, jobs.StatusPending, clock.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}
