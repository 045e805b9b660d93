package jobs_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/crewjobs/internal/jobs"
	"github.com/suPer8Hu/crewjobs/internal/jobs/jobstest"
	"github.com/suPer8Hu/crewjobs/internal/testutil"
)

func newTestRepo(t *testing.T, clock *jobstest.FakeClock, retention time.Duration) *jobs.Repo {
	t.Helper()
	repo := jobs.NewRepo(testutil.OpenSQLite(t), "crew_jobs", retention, jobs.WithClock(clock.Now))
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func TestRepo_StoreContract(t *testing.T) {
	jobstest.RunStoreContract(t, func(t *testing.T, clock *jobstest.FakeClock, retention time.Duration) jobs.Store {
		return newTestRepo(t, clock, retention)
	})
}

func TestRepo_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	clock := jobstest.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	repo := newTestRepo(t, clock, time.Hour)

	for _, id := range []string{"a", "b", "c"} {
		_, err := repo.Create(ctx, id, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	clock.Advance(30 * time.Minute)
	_, err := repo.Create(ctx, "fresh", json.RawMessage(`{}`))
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)

	n, err := repo.DeleteExpired(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.DeleteExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.DeleteExpired(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
}

func TestRepo_CustomTableName(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.OpenSQLite(t)
	repo := jobs.NewRepo(gdb, "prod_async_jobs", time.Hour)
	require.NoError(t, repo.Migrate(ctx))

	_, err := repo.Create(ctx, "x", json.RawMessage(`{"question":"q"}`))
	require.NoError(t, err)

	var n int64
	require.NoError(t, gdb.Table("prod_async_jobs").Count(&n).Error)
	assert.Equal(t, int64(1), n)
}
