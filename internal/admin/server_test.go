package admin

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"marketflow/internal/budget"
	"marketflow/internal/dispatch"
	"marketflow/internal/domain"
	"marketflow/internal/jobstore"
	"marketflow/internal/ratelimit"
)

type testEnv struct {
	srv  *httptest.Server
	repo jobstore.Repository
	gate *budget.Gate
}

func newTestEnv(t *testing.T, rules ratelimit.Rules) testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)",
		filepath.Join(t.TempDir(), "test.db"))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, jobstore.EnsureSchema(db))
	t.Cleanup(func() { _ = db.Close() })

	repo := jobstore.New(db, 0)
	limiter := ratelimit.NewLimiter(rules, ratelimit.NewMemoryCounter(), repo)
	gate := budget.NewGate(db, 10000, nil)

	reg := dispatch.NewRegistry()
	require.NoError(t, reg.Register("feed_refresh", dispatch.Registration{
		Handler: dispatch.HandlerFunc(func(ctx context.Context, p []byte) domain.Result {
			return domain.OK()
		}),
		MaxAttempts: 5,
	}))

	srv := httptest.NewServer(NewServer(repo, limiter, gate, reg))
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, repo: repo, gate: gate}
}

func looseRules() ratelimit.Rules {
	return ratelimit.NewRules([]domain.RateLimitRule{
		{Action: "enqueue", Tier: domain.TierAnonymous, Limit: 100, Window: time.Minute},
		{Action: "enqueue", Tier: domain.TierLoggedIn, Limit: 100, Window: time.Minute},
	})
}

func (e testEnv) do(t *testing.T, method, path string, body any, hdr map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestEnqueueAndFetchJob(t *testing.T) {
	env := newTestEnv(t, looseRules())

	resp := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"queue":        "high",
		"handler_type": "feed_refresh",
		"payload":      map[string]any{"listing_id": "lst_1"},
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	resp = env.do(t, http.MethodGet, "/api/jobs/"+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[map[string]any](t, resp)
	assert.Equal(t, "high", job["queue"])
	assert.Equal(t, "pending", job["state"])
	assert.EqualValues(t, 5, job["max_attempts"], "attempt budget comes from the handler registration")
}

func TestEnqueueDefaultsQueueAndRejectsUnknown(t *testing.T) {
	env := newTestEnv(t, looseRules())

	resp := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"handler_type": "feed_refresh",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	job, err := env.repo.Get(context.Background(), created["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, domain.QueueDefault, job.Queue)

	resp = env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"queue":        "express",
		"handler_type": "feed_refresh",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/jobs", map[string]any{"queue": "high"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueueRateLimitedGets429WithRetryAfter(t *testing.T) {
	rules := ratelimit.NewRules([]domain.RateLimitRule{
		{Action: "enqueue", Tier: domain.TierAnonymous, Limit: 2, Window: time.Minute},
	})
	env := newTestEnv(t, rules)

	hdr := map[string]string{"X-Identity": "user_abc"}
	body := map[string]any{"handler_type": "feed_refresh"}
	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/api/jobs", body, hdr)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := env.do(t, http.MethodPost, "/api/jobs", body, hdr)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	// A different identity is unaffected.
	resp = env.do(t, http.MethodPost, "/api/jobs", body, map[string]string{"X-Identity": "user_xyz"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestEnqueueTierFromHeader(t *testing.T) {
	rules := ratelimit.NewRules([]domain.RateLimitRule{
		{Action: "enqueue", Tier: domain.TierAnonymous, Limit: 0, Window: time.Minute},
		{Action: "enqueue", Tier: domain.TierLoggedIn, Limit: 10, Window: time.Minute},
	})
	env := newTestEnv(t, rules)
	body := map[string]any{"handler_type": "feed_refresh"}

	resp := env.do(t, http.MethodPost, "/api/jobs", body, map[string]string{"X-Identity": "u1"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/jobs", body, map[string]string{
		"X-Identity":   "u1",
		"X-Actor-Tier": "logged_in",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRequeueAndDeleteLifecycle(t *testing.T) {
	env := newTestEnv(t, looseRules())
	ctx := context.Background()

	id, err := env.repo.Enqueue(ctx, jobstore.EnqueueParams{
		Queue:       domain.QueueDefault,
		HandlerType: "feed_refresh",
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	require.NoError(t, env.repo.FailTerminal(ctx, id, "bad input", time.Now().UTC()))

	resp := env.do(t, http.MethodPost, "/api/jobs/"+id+"/requeue", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	job, err := env.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, job.State)
	assert.Zero(t, job.Attempts)

	resp = env.do(t, http.MethodDelete, "/api/jobs/"+id, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, err = env.repo.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	resp = env.do(t, http.MethodPost, "/api/jobs/missing/requeue", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteLeasedJobConflicts(t *testing.T) {
	env := newTestEnv(t, looseRules())
	ctx := context.Background()

	id, err := env.repo.Enqueue(ctx, jobstore.EnqueueParams{
		Queue:       domain.QueueDefault,
		HandlerType: "feed_refresh",
	})
	require.NoError(t, err)
	claimed, err := env.repo.ClaimNext(ctx, domain.QueueDefault, "wrk-test", time.Minute, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, id, claimed.ID)

	resp := env.do(t, http.MethodDelete, "/api/jobs/"+id, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestQueuePauseResumeEndpoints(t *testing.T) {
	env := newTestEnv(t, looseRules())

	resp := env.do(t, http.MethodPost, "/api/queues/bulk/pause", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/queues", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var paused *bool
	for _, row := range decode[[]map[string]any](t, resp) {
		if row["queue"] == "bulk" {
			p := row["paused"].(bool)
			paused = &p
		}
	}
	require.NotNil(t, paused)
	assert.True(t, *paused)

	resp = env.do(t, http.MethodPost, "/api/queues/bulk/resume", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	ok, err := env.repo.IsPaused(context.Background(), domain.QueueBulk)
	require.NoError(t, err)
	assert.False(t, ok)

	resp = env.do(t, http.MethodPost, "/api/queues/express/pause", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeadLetterListing(t *testing.T) {
	env := newTestEnv(t, looseRules())
	ctx := context.Background()
	now := time.Now().UTC()

	for i, q := range []domain.Queue{domain.QueueHigh, domain.QueueBulk} {
		id, err := env.repo.Enqueue(ctx, jobstore.EnqueueParams{
			Queue:       q,
			HandlerType: "feed_refresh",
		})
		require.NoError(t, err)
		require.NoError(t, env.repo.FailTerminal(ctx, id, fmt.Sprintf("boom %d", i), now))
	}

	resp := env.do(t, http.MethodGet, "/api/deadletter", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]map[string]any](t, resp), 2)

	resp = env.do(t, http.MethodGet, "/api/deadletter?queue=bulk", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows := decode[[]map[string]any](t, resp)
	require.Len(t, rows, 1)
	assert.Equal(t, "bulk", rows[0]["queue"])

	resp = env.do(t, http.MethodGet, "/api/deadletter?queue=express", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBudgetStateAndOverride(t *testing.T) {
	env := newTestEnv(t, looseRules())

	require.NoError(t, env.gate.ReportUsage(context.Background(), "gemini", 10, 8000))

	resp := env.do(t, http.MethodGet, "/api/budget/gemini", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[map[string]any](t, resp)
	assert.EqualValues(t, 8000, state["cost_cents"])
	assert.EqualValues(t, 10000, state["limit_cents"])
	assert.Equal(t, string(domain.BudgetReduce), state["action"])

	resp = env.do(t, http.MethodPost, "/api/budget/gemini/override", map[string]any{
		"limit_cents": 40000,
		"reason":      "seasonal catalog import",
	}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/budget/gemini", nil, nil)
	state = decode[map[string]any](t, resp)
	assert.EqualValues(t, 40000, state["limit_cents"])
	assert.Equal(t, string(domain.BudgetNormal), state["action"])

	resp = env.do(t, http.MethodPost, "/api/budget/gemini/override", map[string]any{
		"limit_cents": 40000,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, looseRules())
	resp := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
