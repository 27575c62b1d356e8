package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchworks/conveyor/pkg/auth"
	"github.com/hatchworks/conveyor/pkg/broker"
	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/config"
	"github.com/hatchworks/conveyor/pkg/provider"
	"github.com/hatchworks/conveyor/pkg/repository"
	"github.com/hatchworks/conveyor/pkg/snowflake"
	"github.com/hatchworks/conveyor/pkg/types"
)

type fakeRepo struct {
	mu   sync.Mutex
	jobs map[string]*types.Job
}

func newFakeRepo() *fakeRepo { return &fakeRepo{jobs: make(map[string]*types.Job)} }

func (r *fakeRepo) Create(ctx context.Context, job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id string) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id string, s types.JobStatus) error { return nil }
func (r *fakeRepo) StoreResults(ctx context.Context, id string, res json.RawMessage) error {
	return nil
}
func (r *fakeRepo) StoreError(ctx context.Context, id, msg string) error { return nil }
func (r *fakeRepo) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return false, nil
}
func (r *fakeRepo) ListPending(ctx context.Context, limit int) ([]*types.Job, error) {
	return nil, nil
}
func (r *fakeRepo) ResetExpired(ctx context.Context) (int, error) { return 0, nil }
func (r *fakeRepo) Ping(ctx context.Context) error                { return nil }

type testEnv struct {
	server *Server
	repo   *fakeRepo
	broker *broker.Broker
	mgr    *auth.Manager
	costs  *provider.CostTracker
	key    string
	admin  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisCacheFromClient(client)
	b := broker.New(client, []string{types.QueueDefault}, 3)
	mgr := auth.NewManager(c, 3)

	key, err := mgr.GenerateKey(context.Background(), "client-a", types.TierFree)
	require.NoError(t, err)
	admin, err := mgr.GenerateKey(context.Background(), "client-admin", types.TierAdmin)
	require.NoError(t, err)

	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	repo := newFakeRepo()
	costs := provider.NewCostTracker(c, 0)
	srv := New(Options{
		Port:    0,
		AuthMgr: mgr,
		Limiter: auth.NewRateLimiter(c),
		Limits:  config.RateLimitConfig{Tiers: map[string]int{"free": 100, "admin": 1000}},
		Repos: map[types.Source]repository.JobRepository{
			types.SourceEmail:      repo,
			types.SourceSharepoint: repo,
		},
		Broker: b,
		Cache:  c,
		Costs:  costs,
		IDs:    ids,
	})
	return &testEnv{server: srv, repo: repo, broker: b, mgr: mgr, costs: costs, key: key, admin: admin}
}

func (e *testEnv) do(method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func validEmail() map[string]any {
	return map[string]any{
		"message_id": "m-1",
		"subject":    "Quarterly numbers",
		"from":       map[string]any{"email": "bob@example.com"},
		"to":         []map[string]any{{"email": "alice@example.com"}},
		"body_text":  "Numbers attached.",
	}
}

func TestAnalyzeEmailAccepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/analyze", env.key, validEmail())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp jobAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, types.StatusPending, resp.Status)

	job, err := env.repo.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobTypeEmailAnalysis, job.Type)
	assert.Equal(t, "client-a", job.Owner)

	task, err := env.broker.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, resp.JobID, task.JobID)
	assert.NotEmpty(t, task.TraceID)
}

func TestTierPriorityBoost(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/analyze", env.admin, validEmail())
	require.Equal(t, http.StatusAccepted, rec.Code)

	task, err := env.broker.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 8, task.Priority)

	rec = env.do(http.MethodPost, "/api/v1/analyze", env.key, validEmail())
	require.Equal(t, http.StatusAccepted, rec.Code)
	task, err = env.broker.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityDefault, task.Priority)
}

func TestVersionedHealthAlias(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalyzeEmailValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/analyze", env.key, map[string]any{"subject": "no sender"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_failed")
}

func TestAnalyzeSubjectsAccepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/analyze/subjects", env.key, map[string]any{
		"subjects": []string{"Invoice overdue", "Team lunch"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	task, err := env.broker.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.TaskProcessSubjects, task.Name)
}

func TestEmbedInlineDocument(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/embed", env.key, map[string]any{
		"source":       "sharepoint",
		"filename":     "handbook.txt",
		"content_type": "text/plain",
		"content":      "aGVsbG8gd29ybGQ=",
		"priority":     9,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	task, err := env.broker.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sharepoint_embedding.task_processing", task.Name)
	assert.Equal(t, 9, task.Priority)
}

func TestEmbedRequiresContentOrObjectKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/embed", env.key, map[string]any{
		"source": "sharepoint",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMissingKeyRejected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/analyze", "", validEmail())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_credentials")
}

func TestInvalidKeyBansAfterRepeats(t *testing.T) {
	env := newTestEnv(t)

	bad := "ma_free_00000000000000000000000000000000"
	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodGet, "/api/v1/status/1", bad, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	// Third strike trips the ban threshold of 3
	rec := env.do(http.MethodGet, "/api/v1/status/1", bad, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The ban now applies even with a valid key
	rec = env.do(http.MethodGet, "/api/v1/status/1", env.key, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "banned")
}

func TestStatusAndOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.repo.jobs["42"] = &types.Job{
		ID: "42", Type: types.JobTypeEmailAnalysis, Owner: "client-a",
		Status: types.StatusProcessing, CreatedAt: time.Now(),
	}
	env.repo.jobs["43"] = &types.Job{
		ID: "43", Type: types.JobTypeEmailAnalysis, Owner: "someone-else",
		Status: types.StatusCompleted,
	}

	rec := env.do(http.MethodGet, "/api/v1/status/42", env.key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.StatusProcessing, resp.Status)

	rec = env.do(http.MethodGet, "/api/v1/status/43", env.key, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admin keys see every tenant's jobs
	rec = env.do(http.MethodGet, "/api/v1/status/43", env.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/status/nope", env.key, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.repo.jobs["50"] = &types.Job{
		ID: "50", Owner: "client-a", Status: types.StatusProcessing,
	}

	rec := env.do(http.MethodGet, "/api/v1/results/50", env.key, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "job_not_finished")

	env.repo.mu.Lock()
	env.repo.jobs["50"].Status = types.StatusCompleted
	env.repo.jobs["50"].Results = json.RawMessage(`{"summary":"done"}`)
	env.repo.mu.Unlock()

	rec = env.do(http.MethodGet, "/api/v1/results/50", env.key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp resultsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.JSONEq(t, `{"summary":"done"}`, string(resp.Results))
}

func TestRateLimitEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.server.limits = config.RateLimitConfig{Tiers: map[string]int{"free": 2}}

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodGet, "/api/v1/status/nope", env.key, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "request %d should pass auth and limits", i)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := env.do(http.MethodGet, "/api/v1/status/nope", env.key, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/health/detailed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	components := body["components"].(map[string]any)
	assert.Equal(t, "healthy", components["cache"])
	assert.Equal(t, "healthy", components["broker"])
	assert.Equal(t, "healthy", components[fmt.Sprintf("repository:%s", types.SourceEmail)])
}

func TestHealthDetailedReportsSpend(t *testing.T) {
	env := newTestEnv(t)
	env.costs.Record(context.Background(), provider.Usage{
		Model:       "gpt-4o-mini",
		TotalTokens: 1500,
		Cost:        0.25,
	})

	rec := env.do(http.MethodGet, "/health/detailed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1500), body["monthly_tokens"])
	assert.InDelta(t, 0.25, body["monthly_spend_dollars"], 1e-9)
}

func TestSecurityAndTraceHeaders(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Trace-ID", "trace-123")
	out := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(out, req)
	assert.Equal(t, "trace-123", out.Header().Get("X-Trace-ID"))
}
