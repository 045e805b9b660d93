// Package redisstore implements jobs.Store on Redis hashes. Record expiry
// is native (PEXPIRE); per-status sorted sets index PENDING and RUNNING
// jobs by last update for the reaper.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/crewjobs/internal/jobs"
)

// KEYS[1] job hash, KEYS[2] PENDING index
// ARGV request, now ms, ttl s, retention ms, id, now s
var createScript = redis.NewScript(`
local ttl = redis.call('HGET', KEYS[1], 'ttl')
if ttl and tonumber(ttl) > tonumber(ARGV[6]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'status', 'PENDING', 'request', ARGV[1],
  'created_at', ARGV[2], 'updated_at', ARGV[2], 'ttl', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[5])
return 1
`)

// KEYS[1] job hash, KEYS[2] index of from, KEYS[3] index of to
// ARGV from, to, now ms, result, error, id, now s
var transitionScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'ttl')
if not cur[1] or tonumber(cur[2]) <= tonumber(ARGV[7]) then
  redis.call('ZREM', KEYS[2], ARGV[6])
  return -1
end
if cur[1] ~= ARGV[1] then
  redis.call('ZREM', KEYS[2], ARGV[6])
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
if ARGV[4] ~= '' then redis.call('HSET', KEYS[1], 'result', ARGV[4]) else redis.call('HDEL', KEYS[1], 'result') end
if ARGV[5] ~= '' then redis.call('HSET', KEYS[1], 'error', ARGV[5]) else redis.call('HDEL', KEYS[1], 'error') end
redis.call('ZREM', KEYS[2], ARGV[6])
if ARGV[2] == 'PENDING' or ARGV[2] == 'RUNNING' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[6])
end
return 1
`)

type Store struct {
	client    redis.UniversalClient
	ns        string
	retention time.Duration
	now       jobs.Clock
}

type Option func(*Store)

func WithClock(c jobs.Clock) Option {
	return func(s *Store) { s.now = c }
}

// New returns a store whose keys live under namespace (JOBS_TABLE). The
// namespace is wrapped in a hash tag so every key of one store shares a
// cluster slot.
func New(client redis.UniversalClient, namespace string, retention time.Duration, opts ...Option) *Store {
	s := &Store{
		client:    client,
		ns:        "{" + namespace + "}",
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) jobKey(id string) string { return s.ns + ":job:" + id }

func (s *Store) indexKey(st jobs.Status) string { return s.ns + ":idx:" + string(st) }

func (s *Store) Create(ctx context.Context, id string, request json.RawMessage) (*jobs.Job, error) {
	if id == "" {
		return nil, errors.New("redisstore: empty job id")
	}
	if len(request) == 0 {
		request = json.RawMessage("{}")
	}
	now := s.now()
	expires := now.Add(s.retention)

	n, err := createScript.Run(ctx, s.client,
		[]string{s.jobKey(id), s.indexKey(jobs.StatusPending)},
		string(request), now.UnixMilli(), expires.Unix(), s.retention.Milliseconds(), id, now.Unix(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("redisstore: create: %w", err)
	}
	if n == 0 {
		return nil, jobs.ErrAlreadyExists
	}
	return &jobs.Job{
		ID:        id,
		Status:    jobs.StatusPending,
		Request:   request,
		CreatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		ExpiresAt: time.Unix(expires.Unix(), 0).UTC(),
	}, nil
}

func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get: %w", err)
	}
	if len(fields) == 0 {
		return nil, jobs.ErrNotFound
	}
	j, err := decodeJob(id, fields)
	if err != nil {
		return nil, err
	}
	if j.Expired(s.now()) {
		return nil, jobs.ErrNotFound
	}
	return j, nil
}

func (s *Store) Transition(ctx context.Context, id string, from, to jobs.Status, out jobs.Outcome) error {
	out, err := jobs.Prepare(from, to, out)
	if err != nil {
		return err
	}
	var errText string
	if out.Error != nil {
		b, err := json.Marshal(out.Error)
		if err != nil {
			return err
		}
		errText = string(b)
	}

	now := s.now()
	n, err := transitionScript.Run(ctx, s.client,
		[]string{s.jobKey(id), s.indexKey(from), s.indexKey(to)},
		string(from), string(to), now.UnixMilli(), string(out.Result), errText, id, now.Unix(),
	).Int()
	if err != nil {
		return fmt.Errorf("redisstore: transition: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return jobs.ErrConflict
	default:
		return jobs.ErrNotFound
	}
}

func (s *Store) ListStale(ctx context.Context, status jobs.Status, olderThan time.Time, limit int) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list stale: %w", err)
	}
	return ids, nil
}

func decodeJob(id string, f map[string]string) (*jobs.Job, error) {
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redisstore: bad created_at for %s: %w", id, err)
	}
	updated, err := strconv.ParseInt(f["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redisstore: bad updated_at for %s: %w", id, err)
	}
	ttl, err := strconv.ParseInt(f["ttl"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redisstore: bad ttl for %s: %w", id, err)
	}

	j := &jobs.Job{
		ID:        id,
		Status:    jobs.Status(f["status"]),
		Request:   json.RawMessage(f["request"]),
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
		ExpiresAt: time.Unix(ttl, 0).UTC(),
	}
	if r, ok := f["result"]; ok {
		j.Result = json.RawMessage(r)
	}
	if e, ok := f["error"]; ok {
		var je jobs.JobError
		if err := json.Unmarshal([]byte(e), &je); err != nil {
			return nil, fmt.Errorf("redisstore: bad error for %s: %w", id, err)
		}
		j.Error = &je
	}
	return j, nil
}
