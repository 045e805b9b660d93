package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/crewjobs/internal/jobs"
	"github.com/suPer8Hu/crewjobs/internal/jobs/jobstest"
	"github.com/suPer8Hu/crewjobs/internal/testutil"
)

func newTestStore(t *testing.T, clock *jobstest.FakeClock, retention time.Duration) *Store {
	t.Helper()
	client := testutil.SetupTestRedis(t)
	ns := fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), "{"+ns+"}*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
	})
	return New(client, ns, retention, WithClock(clock.Now))
}

func TestStore_StoreContract(t *testing.T) {
	jobstest.RunStoreContract(t, func(t *testing.T, clock *jobstest.FakeClock, retention time.Duration) jobs.Store {
		return newTestStore(t, clock, retention)
	})
}

func TestStore_RecordCarriesNativeExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, jobstest.NewFakeClock(time.Now()), 90*time.Second)

	_, err := s.Create(ctx, "ttl", json.RawMessage(`{}`))
	require.NoError(t, err)

	d, err := s.client.PTTL(ctx, s.jobKey("ttl")).Result()
	require.NoError(t, err)
	assert.InDelta(t, float64(90*time.Second), float64(d), float64(5*time.Second))

	// transitions must not clear the expiry
	require.NoError(t, s.Transition(ctx, "ttl", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{}))
	d, err = s.client.PTTL(ctx, s.jobKey("ttl")).Result()
	require.NoError(t, err)
	assert.Greater(t, d, time.Duration(0))
}

func TestStore_IndexesFollowStatus(t *testing.T) {
	ctx := context.Background()
	clock := jobstest.NewFakeClock(time.Now())
	s := newTestStore(t, clock, time.Hour)

	_, err := s.Create(ctx, "i", json.RawMessage(`{}`))
	require.NoError(t, err)
	clock.Advance(time.Second)

	pending, err := s.client.ZRange(ctx, s.indexKey(jobs.StatusPending), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"i"}, pending)

	require.NoError(t, s.Transition(ctx, "i", jobs.StatusPending, jobs.StatusRunning, jobs.Outcome{}))
	pending, err = s.client.ZRange(ctx, s.indexKey(jobs.StatusPending), 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, pending)
	running, err := s.client.ZRange(ctx, s.indexKey(jobs.StatusRunning), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"i"}, running)

	require.NoError(t, s.Transition(ctx, "i", jobs.StatusRunning, jobs.StatusCompleted, jobs.Outcome{Result: json.RawMessage(`{}`)}))
	running, err = s.client.ZRange(ctx, s.indexKey(jobs.StatusRunning), 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestStore_DanglingIndexEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, jobstest.NewFakeClock(time.Now()), time.Hour)

	require.NoError(t, s.client.ZAdd(ctx, s.indexKey(jobs.StatusRunning), redisZ(1, "ghost")).Err())

	err := s.Transition(ctx, "ghost", jobs.StatusRunning, jobs.StatusFailed, jobs.Failure(jobs.KindTimeout, "stuck"))
	require.ErrorIs(t, err, jobs.ErrNotFound)

	n, err := s.client.ZCard(ctx, s.indexKey(jobs.StatusRunning)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
