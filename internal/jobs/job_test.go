package jobs_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/crewjobs/internal/jobs"
)

func TestCanTransition(t *testing.T) {
	all := []jobs.Status{jobs.StatusPending, jobs.StatusRunning, jobs.StatusCompleted, jobs.StatusFailed}
	allowed := map[[2]jobs.Status]bool{
		{jobs.StatusPending, jobs.StatusRunning}:   true,
		{jobs.StatusPending, jobs.StatusFailed}:    true,
		{jobs.StatusRunning, jobs.StatusCompleted}: true,
		{jobs.StatusRunning, jobs.StatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]jobs.Status{from, to}], jobs.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, jobs.StatusPending.Terminal())
	assert.False(t, jobs.StatusRunning.Terminal())
	assert.True(t, jobs.StatusCompleted.Terminal())
	assert.True(t, jobs.StatusFailed.Terminal())
	assert.False(t, jobs.Status("DONE").Valid())
}

func TestPrepare(t *testing.T) {
	t.Run("completed without result stores null", func(t *testing.T) {
		out, err := jobs.Prepare(jobs.StatusRunning, jobs.StatusCompleted, jobs.Outcome{})
		require.NoError(t, err)
		assert.JSONEq(t, `null`, string(out.Result))
		assert.Nil(t, out.Error)
	})

	t.Run("completed drops error", func(t *testing.T) {
		out, err := jobs.Prepare(jobs.StatusRunning, jobs.StatusCompleted, jobs.Outcome{
			Result: json.RawMessage(`{"a":1}`),
			Error:  &jobs.JobError{Kind: jobs.KindWorker},
		})
		require.NoError(t, err)
		assert.Nil(t, out.Error)
	})

	t.Run("failed without error gets a default", func(t *testing.T) {
		out, err := jobs.Prepare(jobs.StatusPending, jobs.StatusFailed, jobs.Outcome{Result: json.RawMessage(`1`)})
		require.NoError(t, err)
		require.NotNil(t, out.Error)
		assert.Equal(t, jobs.KindWorker, out.Error.Kind)
		assert.Nil(t, out.Result)
	})

	t.Run("claim carries no payload", func(t *testing.T) {
		out, err := jobs.Prepare(jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{Result: json.RawMessage(`1`)})
		require.NoError(t, err)
		assert.Equal(t, jobs.Outcome{}, out)
	})

	t.Run("terminal source rejected", func(t *testing.T) {
		_, err := jobs.Prepare(jobs.StatusFailed, jobs.StatusRunning, jobs.Outcome{})
		require.ErrorIs(t, err, jobs.ErrInvalidTransition)
	})
}

func TestJob_Expired(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	j := &jobs.Job{ExpiresAt: now}
	assert.True(t, j.Expired(now))
	assert.False(t, j.Expired(now.Add(-time.Second)))
	assert.False(t, (&jobs.Job{}).Expired(now))
}

func TestJobError_Error(t *testing.T) {
	e := &jobs.JobError{Kind: jobs.KindWorker, Message: "boom", Stage: "reporting"}
	assert.Equal(t, "WorkerError (reporting): boom", e.Error())
	e.Stage = ""
	assert.Equal(t, "WorkerError: boom", e.Error())
}
