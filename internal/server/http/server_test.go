package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/oiwn/FetchBox/internal/config"
	"github.com/oiwn/FetchBox/internal/runtime"
	"github.com/oiwn/FetchBox/internal/task"
)

func newTestServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage = cfgpkg.StorageConfig{Backend: "memory"}
	cfg.Workers.Count = 1
	rt, err := runtime.Open(cfg, nil)
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return New(rt), rt
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/v1/healthz", "")
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestEnqueueHandler(t *testing.T) {
	s, rt := newTestServer(t)
	body := `{"id":"r1","job_id":"job-1","url":"https://example.com/r1"}`
	w := do(s, http.MethodPost, "/v1/tasks", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	var resp map[string]uint64
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp["sequence"] == 0 {
		t.Fatalf("response: %s %v", w.Body.String(), err)
	}
	st, _ := rt.Queue().Stats(context.Background())
	if st.Pending != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestEnqueueValidation(t *testing.T) {
	s, _ := newTestServer(t)
	if w := do(s, http.MethodPost, "/v1/tasks", `{"id":"r1"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/v1/tasks", `{nope`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/v1/tasks", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: %d", w.Code)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage = cfgpkg.StorageConfig{Backend: "memory"}
	cfg.Queue.Capacity = 1
	rt, err := runtime.Open(cfg, nil)
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	s := New(rt)
	if w := do(s, http.MethodPost, "/v1/tasks", `{"id":"r1","job_id":"j","url":"https://e.com/1"}`); w.Code != http.StatusAccepted {
		t.Fatalf("first: %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/v1/tasks", `{"id":"r2","job_id":"j","url":"https://e.com/2"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestStatsHandler(t *testing.T) {
	s, rt := newTestServer(t)
	_, _ = rt.Enqueue(context.Background(), &task.Task{ID: "r1", JobID: "j", URL: "https://e.com/1"})
	w := do(s, http.MethodGet, "/v1/queue/stats", "")
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	var st struct {
		Pending int `json:"Pending"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.Pending != 1 {
		t.Fatalf("stats body: %s %v", w.Body.String(), err)
	}
}

func deadLetterOne(t *testing.T, rt *runtime.Runtime, id string) uint64 {
	t.Helper()
	ctx := context.Background()
	seq, err := rt.Queue().Enqueue(ctx, &task.Task{ID: id, JobID: "job-1", URL: "https://e.com/" + id}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if e, _ := rt.Queue().LeaseNext(ctx, "test", 0); e == nil {
		t.Fatalf("lease failed")
	}
	if _, err := rt.Queue().DeadLetter(ctx, seq, "test", task.CodeDownloadTimeout, "gave up", 0); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	return seq
}

func TestDLQListReplayDelete(t *testing.T) {
	s, rt := newTestServer(t)
	seq := deadLetterOne(t, rt, "r1")

	w := do(s, http.MethodGet, "/v1/dlq?limit=10", "")
	if w.Code != 200 || !strings.Contains(w.Body.String(), "download_timeout") {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	w = do(s, http.MethodGet, "/v1/dlq?filter="+`code+%3D%3D+%22upload_network%22`, "")
	if w.Code != 200 || strings.Contains(w.Body.String(), "download_timeout") {
		t.Fatalf("filtered list: %d %s", w.Code, w.Body.String())
	}
	w = do(s, http.MethodGet, "/v1/dlq?filter=bogus+%3D%3D", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter: %d", w.Code)
	}

	w = do(s, http.MethodPost, "/v1/dlq/replay", fmt.Sprintf(`{"sequence":%d}`, seq))
	if w.Code != http.StatusAccepted {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}
	st, _ := rt.Queue().Stats(context.Background())
	if st.Pending != 1 {
		t.Fatalf("replayed entry missing: %+v", st)
	}

	w = do(s, http.MethodPost, "/v1/dlq/delete", fmt.Sprintf(`{"sequence":%d}`, seq))
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	w = do(s, http.MethodPost, "/v1/dlq/replay", fmt.Sprintf(`{"sequence":%d}`, seq))
	if w.Code != http.StatusNotFound {
		t.Fatalf("replay after delete: %d", w.Code)
	}
}

func TestJobHandler(t *testing.T) {
	s, rt := newTestServer(t)
	rt.Ledger().OnTaskCompleted("job-1", "r1", "resources/job-1/r1", 42)
	w := do(s, http.MethodGet, "/v1/jobs?job_id=job-1&history=10", "")
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"completed":1`) || !strings.Contains(body, `"task_id":"r1"`) {
		t.Fatalf("job body: %s", body)
	}
	if w := do(s, http.MethodGet, "/v1/jobs", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing job_id: %d", w.Code)
	}
}

func TestProxyReloadHandler(t *testing.T) {
	s, rt := newTestServer(t)
	body := `{"main":{"endpoints":["http://p1:8080"],"fallback":["open"]},"open":{"endpoints":["direct"]}}`
	w := do(s, http.MethodPost, "/v1/proxy/reload", body)
	if w.Code != http.StatusNoContent {
		t.Fatalf("reload: %d %s", w.Code, w.Body.String())
	}
	pool, err := rt.Resolver().Resolve("main")
	if err != nil || len(pool.Tiers) != 2 {
		t.Fatalf("resolve after reload: %+v %v", pool, err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, rt := newTestServer(t)
	_, _ = rt.Enqueue(context.Background(), &task.Task{ID: "r1", JobID: "j", URL: "https://e.com/1"})
	w := do(s, http.MethodGet, "/metrics", "")
	if w.Code != 200 || !strings.Contains(w.Body.String(), "fetchbox_tasks_enqueued_total") {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestListenAndServeShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}
