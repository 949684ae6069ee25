package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/browserd/internal/agent"
	"github.com/kazz187/browserd/internal/callback"
	"github.com/kazz187/browserd/internal/config"
	"github.com/kazz187/browserd/internal/eventbus"
	"github.com/kazz187/browserd/internal/executor"
	"github.com/kazz187/browserd/internal/processor"
	"github.com/kazz187/browserd/internal/task"
)

type agentFunc func(ctx context.Context, req agent.Request) (*agent.Run, error)

func (f agentFunc) Run(ctx context.Context, req agent.Request) (*agent.Run, error) {
	return f(ctx, req)
}

type recordingWebhooks struct {
	mu   sync.Mutex
	sent []callback.Webhook
	urls []string
}

func (r *recordingWebhooks) SendWebhook(_ context.Context, url string, w callback.Webhook) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	r.sent = append(r.sent, w)
	return true
}

func (r *recordingWebhooks) snapshot() []callback.Webhook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callback.Webhook(nil), r.sent...)
}

type fakeQueue struct {
	mu   sync.Mutex
	id   string
	err  error
	sent []any
}

func (q *fakeQueue) Send(_ context.Context, body any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, body)
	return q.id, q.err
}

func (q *fakeQueue) messages() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]any(nil), q.sent...)
}

type fakeProcessor struct {
	services map[string]bool
	running  bool
}

func (p *fakeProcessor) HealthCheck(context.Context) processor.Health {
	h := processor.Health{Status: processor.HealthHealthy, Services: p.services}
	for _, ok := range p.services {
		if !ok {
			h.Status = processor.HealthDegraded
		}
	}
	return h
}

func (p *fakeProcessor) Running() bool          { return p.running }
func (p *fakeProcessor) Stats() processor.Stats { return processor.Stats{Received: 3, Acknowledged: 2} }

func testEnv() *config.Env {
	env := &config.Env{}
	env.AWSEnv.Region = "us-east-1"
	env.MaxConcurrentTasks = 5
	env.DefaultTimeoutSeconds = 300
	return env
}

type harness struct {
	srv      *Server
	http     *httptest.Server
	registry *task.Registry
	webhooks *recordingWebhooks
}

func newHarness(t *testing.T, env *config.Env, run agentFunc, mutate ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{registry: task.NewRegistry(), webhooks: &recordingWebhooks{}}
	deps := Deps{
		Registry: h.registry,
		Executor: executor.New(run, executor.Options{ScratchDir: t.TempDir()}),
		Webhooks: h.webhooks,
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.srv = NewServer(env, deps)
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.srv.runner.drain(ctx)
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, header ...string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (h *harness) waitTerminal(t *testing.T, id string, within time.Duration) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		code, body := h.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
		if code != http.StatusOK {
			return false
		}
		last = body
		return body["status"] == "completed" || body["status"] == "failed"
	}, within, 20*time.Millisecond)
	return last
}

func TestCreateTask_CompletesAndNotifies(t *testing.T) {
	h := newHarness(t, testEnv(), func(_ context.Context, req agent.Request) (*agent.Run, error) {
		return &agent.Run{FinalResult: "done: " + req.Task}, nil
	})

	code, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task":         "open example.com",
		"callback_url": "https://hooks.example.com/done",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "Task created and queued for execution", body["message"])
	id, _ := body["task_id"].(string)
	require.NotEmpty(t, id)

	final := h.waitTerminal(t, id, 3*time.Second)
	assert.Equal(t, "completed", final["status"])
	assert.Equal(t, "done: open example.com", final["result"])
	assert.Nil(t, final["error"])
	assert.Equal(t, "http", final["source"])
	assert.EqualValues(t, 300, final["timeout"])
	assert.NotEmpty(t, final["agent_history"])

	require.Eventually(t, func() bool { return len(h.webhooks.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	hook := h.webhooks.snapshot()[0]
	assert.Equal(t, id, hook.TaskID)
	assert.Equal(t, "completed", hook.Status)
	assert.Equal(t, "done: open example.com", hook.Result)
	h.webhooks.mu.Lock()
	assert.Equal(t, []string{"https://hooks.example.com/done"}, h.webhooks.urls)
	h.webhooks.mu.Unlock()
}

func TestCreateTask_TimesOut(t *testing.T) {
	h := newHarness(t, testEnv(), func(ctx context.Context, _ agent.Request) (*agent.Run, error) {
		select {
		case <-time.After(2 * time.Second):
			return &agent.Run{FinalResult: "too late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	code, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"task": "noop", "timeout": 1})
	require.Equal(t, http.StatusOK, code)
	id := body["task_id"].(string)

	final := h.waitTerminal(t, id, 4*time.Second)
	assert.Equal(t, "failed", final["status"])
	assert.Contains(t, final["error"], "timed out")
	assert.Nil(t, final["result"])
	assert.EqualValues(t, 1, final["timeout"])
}

func TestCreateTask_FailureWebhook(t *testing.T) {
	h := newHarness(t, testEnv(), func(context.Context, agent.Request) (*agent.Run, error) {
		return nil, errors.New("browser crashed")
	})

	_, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"task": "x", "callback_url": "https://hooks.example.com"})
	final := h.waitTerminal(t, body["task_id"].(string), 3*time.Second)
	assert.Equal(t, "failed", final["status"])
	assert.Equal(t, "browser crashed", final["error"])

	require.Eventually(t, func() bool { return len(h.webhooks.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	hook := h.webhooks.snapshot()[0]
	assert.Equal(t, "failed", hook.Status)
	assert.Equal(t, "browser crashed", hook.Error)
	assert.Nil(t, hook.Result)
}

func TestCreateTask_Validation(t *testing.T) {
	h := newHarness(t, testEnv(), nil)

	code, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"task": "  "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_argument", body["code"])
	details, _ := body["details"].([]any)
	require.Len(t, details, 1)
	assert.Equal(t, "task", details[0].(map[string]any)["field"])

	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/api/v1/tasks", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 0, h.registry.Counts().Total)
}

func TestCreateTask_NonPositiveTimeoutUsesDefault(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, testEnv(), func(ctx context.Context, _ agent.Request) (*agent.Run, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &agent.Run{FinalResult: "ok"}, nil
	})
	t.Cleanup(func() { close(block) })

	_, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"task": "x", "timeout": 0})
	got, err := h.registry.Get(body["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, 300, got.Timeout)
}

func TestCreateTask_HugeTimeoutIsCapped(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, testEnv(), func(ctx context.Context, _ agent.Request) (*agent.Run, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &agent.Run{FinalResult: "ok"}, nil
	})
	t.Cleanup(func() { close(block) })

	_, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"task": "x", "timeout": int64(1) << 40})
	got, err := h.registry.Get(body["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, 86400, got.Timeout)
	status := func() task.Status {
		cur, err := h.registry.Get(got.ID)
		if err != nil {
			return ""
		}
		return cur.Status
	}
	require.Eventually(t, func() bool { return status() == task.StatusRunning }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return status().Terminal() }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestGetTask_NotFound(t *testing.T) {
	h := newHarness(t, testEnv(), nil)

	code, body := h.do(t, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["code"])
	assert.Equal(t, "task not found", body["message"])
}

func TestSendTestMessage(t *testing.T) {
	valid := map[string]any{"project_id": "p1", "flow_id": "f1", "url": "https://example.com", "prompt": "go"}

	t.Run("no queue", func(t *testing.T) {
		h := newHarness(t, testEnv(), nil)
		code, body := h.do(t, http.MethodPost, "/api/v1/sqs/test", valid)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unavailable", body["code"])
	})

	t.Run("sent", func(t *testing.T) {
		q := &fakeQueue{id: "msg-1"}
		h := newHarness(t, testEnv(), nil, func(d *Deps) { d.Queue = q })
		code, body := h.do(t, http.MethodPost, "/api/v1/sqs/test", valid)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "success", body["status"])
		assert.Equal(t, "msg-1", body["message_id"])
		sent := q.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, testMessageRequest{ProjectID: "p1", FlowID: "f1", URL: "https://example.com", Prompt: "go"}, sent[0])
	})

	t.Run("send failure", func(t *testing.T) {
		q := &fakeQueue{err: errors.New("throttled")}
		h := newHarness(t, testEnv(), nil, func(d *Deps) { d.Queue = q })
		code, body := h.do(t, http.MethodPost, "/api/v1/sqs/test", valid)
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.Equal(t, "internal", body["code"])
	})

	t.Run("missing fields", func(t *testing.T) {
		q := &fakeQueue{id: "msg-1"}
		h := newHarness(t, testEnv(), nil, func(d *Deps) { d.Queue = q })
		code, body := h.do(t, http.MethodPost, "/api/v1/sqs/test", map[string]any{"project_id": "p1"})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Len(t, body["details"], 3)
		assert.Empty(t, q.messages())
	})
}

func TestHealth(t *testing.T) {
	t.Run("degraded without processor", func(t *testing.T) {
		h := newHarness(t, testEnv(), nil)
		code, body := h.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, Version, body["version"])
		assert.Equal(t, map[string]any{"http": true, "sqs": false, "s3": false, "api_client": false}, body["services"])
	})

	t.Run("healthy", func(t *testing.T) {
		p := &fakeProcessor{services: map[string]bool{"sqs": true, "s3": true, "api_client": true}}
		h := newHarness(t, testEnv(), nil, func(d *Deps) { d.Processor = p })
		_, body := h.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("one dependency down", func(t *testing.T) {
		p := &fakeProcessor{services: map[string]bool{"sqs": true, "s3": false, "api_client": true}}
		h := newHarness(t, testEnv(), nil, func(d *Deps) { d.Processor = p })
		code, body := h.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "degraded", body["status"])
	})
}

func TestGRPCHealthChecker(t *testing.T) {
	p := &fakeProcessor{services: map[string]bool{"sqs": true, "s3": false, "api_client": true}}
	srv := NewServer(testEnv(), Deps{Processor: p})
	c := &healthChecker{server: srv}
	ctx := context.Background()

	resp, err := c.Check(ctx, &grpchealth.CheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpchealth.StatusServing, resp.Status)

	resp, err = c.Check(ctx, &grpchealth.CheckRequest{Service: "sqs"})
	require.NoError(t, err)
	assert.Equal(t, grpchealth.StatusServing, resp.Status)

	resp, err = c.Check(ctx, &grpchealth.CheckRequest{Service: "s3"})
	require.NoError(t, err)
	assert.Equal(t, grpchealth.StatusNotServing, resp.Status)

	_, err = c.Check(ctx, &grpchealth.CheckRequest{Service: "nope"})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	env := testEnv()
	env.QueueURL = "https://sqs.example.com/q"
	p := &fakeProcessor{running: true}
	h := newHarness(t, env, func(context.Context, agent.Request) (*agent.Run, error) {
		return &agent.Run{FinalResult: "ok"}, nil
	}, func(d *Deps) { d.Processor = p })

	_, created := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"task": "x"})
	h.waitTerminal(t, created["task_id"].(string), 3*time.Second)

	code, body := h.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, code)

	ms := body["microservice"].(map[string]any)
	assert.Equal(t, "browser-use-microservice", ms["name"])
	assert.EqualValues(t, 0, ms["active_tasks"])
	assert.EqualValues(t, 1, ms["total_tasks"])

	cfg := body["configuration"].(map[string]any)
	assert.EqualValues(t, 5, cfg["max_concurrent_tasks"])
	assert.EqualValues(t, 300, cfg["default_timeout"])
	assert.Equal(t, "us-east-1", cfg["aws_region"])
	assert.Equal(t, "not_set", cfg["s3_bucket"])
	assert.Equal(t, "not_set", cfg["api_base_url"])

	sqs := body["sqs"].(map[string]any)
	assert.Equal(t, "https://sqs.example.com/q", sqs["queue_url"])
	assert.Equal(t, true, sqs["processing"])
}

func TestStatus_WithoutProcessorOmitsQueue(t *testing.T) {
	h := newHarness(t, testEnv(), nil)
	_, body := h.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.NotContains(t, body, "sqs")
}

func TestAPIKey(t *testing.T) {
	env := testEnv()
	env.APIKey = "secret"
	h := newHarness(t, env, nil)

	code, _ := h.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/status", nil, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/status", nil, "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/status", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, testEnv(), nil)
	code, body := h.do(t, http.MethodGet, "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["code"])
}

func TestShutdown_DrainsRunningTasks(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testEnv(), func(context.Context, agent.Request) (*agent.Run, error) {
		<-release
		return &agent.Run{FinalResult: "ok"}, nil
	})

	_, body := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"task": "x"})
	id := body["task_id"].(string)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.srv.Shutdown(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, h.srv.Shutdown(context.Background()))
	got, err := h.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

type fakeEvents struct {
	mu  sync.Mutex
	day time.Time
	typ eventbus.EventType
}

func (f *fakeEvents) Read(day time.Time, eventType eventbus.EventType) ([]*eventbus.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.day, f.typ = day, eventType
	return []*eventbus.Event{{ID: "e1", Type: eventbus.TaskCreated, ResourceID: "t1"}}, nil
}

func TestListEvents(t *testing.T) {
	t.Run("journal disabled", func(t *testing.T) {
		h := newHarness(t, testEnv(), nil)
		code, _ := h.do(t, http.MethodGet, "/api/v1/events", nil)
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("by date and type", func(t *testing.T) {
		ev := &fakeEvents{}
		h := newHarness(t, testEnv(), nil, func(d *Deps) { d.Events = ev })
		code, body := h.do(t, http.MethodGet, "/api/v1/events?date=2026-10-18&type=task.created", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "2026-10-18", body["date"])
		assert.Len(t, body["events"], 1)
		ev.mu.Lock()
		defer ev.mu.Unlock()
		assert.Equal(t, eventbus.TaskCreated, ev.typ)
		assert.Equal(t, 18, ev.day.Day())
	})

	t.Run("bad date", func(t *testing.T) {
		h := newHarness(t, testEnv(), nil, func(d *Deps) { d.Events = &fakeEvents{} })
		code, body := h.do(t, http.MethodGet, "/api/v1/events?date=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "invalid_argument", body["code"])
	})
}
