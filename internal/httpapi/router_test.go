package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/suPer8Hu/crewjobs/internal/auth"
	"github.com/suPer8Hu/crewjobs/internal/config"
	"github.com/suPer8Hu/crewjobs/internal/httpapi"
	"github.com/suPer8Hu/crewjobs/internal/jobs"
	"github.com/suPer8Hu/crewjobs/internal/jobs/jobstest"
	"github.com/suPer8Hu/crewjobs/internal/mocks"
	"github.com/suPer8Hu/crewjobs/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	repo   *jobs.Repo
	clock  *jobstest.FakeClock
	disp   *jobs.InlineDispatcher
	gate   chan struct{}
}

func testConfig() config.Config {
	return config.Config{
		Environment: "test",
		HTTP:        config.HTTPConfig{CORSOrigins: []string{"*"}},
	}
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	clock := jobstest.NewFakeClock(time.Now())
	repo := jobs.NewRepo(testutil.OpenSQLite(t), "crew_jobs", time.Hour, jobs.WithClock(clock.Now))
	require.NoError(t, repo.Migrate(context.Background()))

	gate := make(chan struct{})
	exec := jobs.ExecutorFunc(func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"report":"ok"}`), nil
	})
	disp := jobs.NewInlineDispatcher(jobs.NewProcessor(repo, exec, time.Minute, nil), nil)
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
		_ = disp.Close(context.Background())
	})

	svc := jobs.NewService(repo, disp, time.Second, nil)
	return &testEnv{router: httpapi.NewRouter(svc, cfg, nil), repo: repo, clock: clock, disp: disp, gate: gate}
}

func (e *testEnv) finishJobs(t *testing.T) {
	t.Helper()
	close(e.gate)
	require.NoError(t, e.disp.Close(context.Background()))
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, testConfig())
	w := do(env.router, http.MethodGet, "/ping", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["environment"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSubmitThenPollToCompletion(t *testing.T) {
	env := newTestEnv(t, testConfig())

	w := do(env.router, http.MethodPost, "/query", `{"question":"What drove Q3 margin?"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sub := decode(t, w)
	id, _ := sub["job_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "PENDING", sub["status"])
	assert.Equal(t, "/status/"+id, sub["check_status_url"])

	w = do(env.router, http.MethodGet, "/status/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, []any{"PENDING", "RUNNING"}, decode(t, w)["status"])

	env.finishJobs(t)

	w = do(env.router, http.MethodGet, "/status/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	assert.Equal(t, "COMPLETED", st["status"])
	assert.Equal(t, "What drove Q3 margin?", st["question"])
	assert.Equal(t, map[string]any{"report": "ok"}, st["result"])
	assert.NotContains(t, st, "error")
}

func TestSubmit_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t, testConfig())
	hdr := map[string]string{"Idempotency-Key": "report-2025-03"}

	w1 := do(env.router, http.MethodPost, "/query", `{"question":"q"}`, hdr)
	require.Equal(t, http.StatusAccepted, w1.Code)
	w2 := do(env.router, http.MethodPost, "/query", `{"question":"q"}`, hdr)
	require.Equal(t, http.StatusOK, w2.Code)

	assert.Equal(t, decode(t, w1)["job_id"], decode(t, w2)["job_id"])
	assert.Equal(t, jobs.JobIDForKey("", "report-2025-03"), decode(t, w1)["job_id"])
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, testConfig())

	cases := []struct {
		name    string
		body    string
		headers map[string]string
		code    float64
	}{
		{"not json", `{bad`, nil, 10001},
		{"array", `[1,2]`, nil, 10001},
		{"null", `null`, nil, 10001},
		{"missing question", `{"context":{}}`, nil, 10004},
		{"blank question", `{"question":"   "}`, nil, 10004},
		{"context not object", `{"question":"q","context":"x"}`, nil, 10001},
		{"bad format", `{"question":"q","format":"pdf"}`, nil, 10001},
		{"long key", `{"question":"q"}`, map[string]string{"Idempotency-Key": strings.Repeat("k", 129)}, 10003},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(env.router, http.MethodPost, "/query", tc.body, tc.headers)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tc.code, decode(t, w)["code"])
		})
	}
}

func TestStatus_UnknownAndExpired(t *testing.T) {
	env := newTestEnv(t, testConfig())

	w := do(env.router, http.MethodGet, "/status/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, float64(40402), decode(t, w)["code"])

	w = do(env.router, http.MethodPost, "/query", `{"question":"q"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["job_id"].(string)
	env.finishJobs(t)

	env.clock.Advance(2 * time.Hour)
	w = do(env.router, http.MethodGet, "/status/"+id, "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmit_DispatchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	disp := mocks.NewMockDispatcher(ctrl)
	disp.EXPECT().PublishJob(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

	repo := jobs.NewRepo(testutil.OpenSQLite(t), "crew_jobs", time.Hour)
	require.NoError(t, repo.Migrate(context.Background()))
	router := httpapi.NewRouter(jobs.NewService(repo, disp, time.Second, nil), testConfig(), nil)

	w := do(router, http.MethodPost, "/query", `{"question":"q"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "DispatchError", body["error"].(map[string]any)["kind"])

	w = do(router, http.MethodGet, "/status/"+body["job_id"].(string), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "FAILED", decode(t, w)["status"])
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "test-secret"
	env := newTestEnv(t, cfg)

	w := do(env.router, http.MethodPost, "/query", `{"question":"q"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, float64(40101), decode(t, w)["code"])

	w = do(env.router, http.MethodGet, "/status/x", "", map[string]string{"Authorization": "Bearer garbage"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := auth.SignJWT("svc", "test-secret", time.Hour)
	require.NoError(t, err)
	w = do(env.router, http.MethodPost, "/query", `{"question":"q"}`, map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(env.router, http.MethodGet, "/ping", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSubmit_IdempotencyKeyScopedToSubject(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "test-secret"
	env := newTestEnv(t, cfg)

	bearer := func(sub string) map[string]string {
		tok, err := auth.SignJWT(sub, "test-secret", time.Hour)
		require.NoError(t, err)
		return map[string]string{"Authorization": "Bearer " + tok, "Idempotency-Key": "k1"}
	}

	wa := do(env.router, http.MethodPost, "/query", `{"question":"alice's numbers"}`, bearer("alice"))
	require.Equal(t, http.StatusAccepted, wa.Code)
	wb := do(env.router, http.MethodPost, "/query", `{"question":"bob's numbers"}`, bearer("bob"))
	require.Equal(t, http.StatusAccepted, wb.Code)
	idA, idB := decode(t, wa)["job_id"], decode(t, wb)["job_id"]
	assert.NotEqual(t, idA, idB)

	wa2 := do(env.router, http.MethodPost, "/query", `{"question":"alice's numbers"}`, bearer("alice"))
	require.Equal(t, http.StatusOK, wa2.Code)
	assert.Equal(t, idA, decode(t, wa2)["job_id"])

	w := do(env.router, http.MethodGet, "/status/"+idB.(string), "", bearer("bob"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob's numbers", decode(t, w)["question"])
}

func TestRoutingErrors(t *testing.T) {
	env := newTestEnv(t, testConfig())

	w := do(env.router, http.MethodGet, "/nowhere", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, float64(40400), decode(t, w)["code"])

	w = do(env.router, http.MethodGet, "/query", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, float64(40500), decode(t, w)["code"])
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, testConfig())
	w := do(env.router, http.MethodGet, "/ping", "", map[string]string{"Origin": "https://dashboard.example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
