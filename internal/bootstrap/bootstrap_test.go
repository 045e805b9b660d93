package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/suPer8Hu/crewjobs/internal/config"
	"github.com/suPer8Hu/crewjobs/internal/jobs"
	"github.com/suPer8Hu/crewjobs/internal/mocks"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() config.Config {
	cfg := config.Config{Environment: "test"}
	cfg.Jobs.Store = config.StoreSQL
	cfg.Jobs.Table = "crew_jobs"
	cfg.Jobs.Retention = time.Hour
	cfg.DB.AutoMigrate = true
	cfg.AI.Provider = "ollama"
	cfg.Sanitize()
	return cfg
}

func TestNewLogger_JSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := newLogger(&buf, testConfig(), "api")
	logger.Info("hello", "job_id", "j1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "api", line["service"])
	assert.Equal(t, "j1", line["job_id"])
	assert.Same(t, logger.Handler(), slog.Default().Handler())
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := testConfig()
	cfg.DB.Driver = "sqlite"
	cfg.DB.DSN = "file:" + filepath.Join(t.TempDir(), "jobs.db")

	ctx := context.Background()
	store, closeFn, err := OpenStore(ctx, cfg, discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })

	_, err = store.Create(ctx, "j1", json.RawMessage(`{"question":"q"}`))
	require.NoError(t, err)
	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)

	r, err := NewReaper(store, cfg, nil, discard())
	require.NoError(t, err)
	require.NoError(t, r.RunOnce(ctx))
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.DB.Driver = "oracle"
	_, closeFn, err := OpenStore(context.Background(), cfg, discard())
	require.Error(t, err)
	assert.NoError(t, closeFn())
}

func TestNewExecutor_Defaults(t *testing.T) {
	p, closeFn, err := NewExecutor(context.Background(), testConfig(), discard())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, closeFn())
}

func TestNewExecutor_OpenRouterNeedsKey(t *testing.T) {
	cfg := testConfig()
	cfg.AI.Provider = "openrouter"
	_, _, err := NewExecutor(context.Background(), cfg, discard())
	require.ErrorContains(t, err, "OPENROUTER_API_KEY")
}

func TestNewExecutor_BadAgentsFile(t *testing.T) {
	cfg := testConfig()
	cfg.CrewAgentsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, _, err := NewExecutor(context.Background(), cfg, discard())
	require.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(testConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"ollama", "openrouter"}, reg.Names())
}

func TestNewReaper_RedispatchOnlyInQueueMode(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.DB.Driver = "sqlite"
	cfg.DB.DSN = "file:" + filepath.Join(t.TempDir(), "jobs.db")
	cfg.Reaper.PendingMaxAge = time.Millisecond

	store, closeFn, err := OpenStore(ctx, cfg, discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })

	ctrl := gomock.NewController(t)
	disp := mocks.NewMockDispatcher(ctrl)
	disp.EXPECT().PublishJob(gomock.Any(), "queued").Return(nil).Times(1)

	_, err = store.Create(ctx, "queued", json.RawMessage(`{"question":"q"}`))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	cfg.Dispatch.Mode = config.DispatchQueue
	r, err := NewReaper(store, cfg, disp, discard())
	require.NoError(t, err)
	require.NoError(t, r.RunOnce(ctx))
	got, err := store.Get(ctx, "queued")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)

	// inline mode has no queue to wait in; the publisher is ignored
	cfg.Dispatch.Mode = config.DispatchInline
	r, err = NewReaper(store, cfg, disp, discard())
	require.NoError(t, err)
	require.NoError(t, r.RunOnce(ctx))
	got, err = store.Get(ctx, "queued")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, jobs.KindDispatch, got.Error.Kind)
}
