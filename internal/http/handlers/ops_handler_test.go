package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/maintenance"
	"github.com/tbourn/go-swap-matcher/internal/repo"
	"github.com/tbourn/go-swap-matcher/internal/services"
)

// ---------- stubs ----------

type stubEnqueuer struct {
	known map[string]services.EnqueueResult
	err   error
	batch []string
}

func (s *stubEnqueuer) Enqueue(_ context.Context, id string) (services.EnqueueResult, error) {
	if s.err != nil {
		return "", s.err
	}
	r, ok := s.known[id]
	if !ok {
		return "", services.ErrIntentNotFound
	}
	return r, nil
}

func (s *stubEnqueuer) EnqueueMany(_ context.Context, ids []string) (map[string]services.EnqueueResult, error) {
	s.batch = ids
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]services.EnqueueResult{}
	for _, id := range ids {
		if r, ok := s.known[id]; ok {
			out[id] = r
		} else {
			out[id] = services.EnqueueIneligible
		}
	}
	return out, nil
}

type stubQueue struct {
	snap     services.QueueSnapshot
	failed   []domain.Task
	err      error
	gotPage  int
	gotPSize int
}

func (s *stubQueue) Stats(context.Context) (services.QueueSnapshot, error) { return s.snap, s.err }

func (s *stubQueue) FailedPage(_ context.Context, page, pageSize int) ([]domain.Task, int64, error) {
	s.gotPage, s.gotPSize = page, pageSize
	if s.err != nil {
		return nil, 0, s.err
	}
	return s.failed, 45, nil
}

type stubMaint struct {
	rep maintenance.Report
	err error
}

func (s stubMaint) RunOnce(context.Context) (maintenance.Report, error) { return s.rep, s.err }

func newOpsRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/queue/stats", h.QueueStats)
	r.GET("/tasks/failed", h.ListFailedTasks)
	r.POST("/maintenance/run", h.RunMaintenance)
	r.POST("/intents/:id/enqueue", h.EnqueueIntent)
	r.POST("/intents/enqueue", h.EnqueueIntents)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return er
}

// ---------- tests ----------

func TestQueueStats(t *testing.T) {
	q := &stubQueue{snap: services.QueueSnapshot{
		QueueStats: repo.QueueStats{
			ByStatus: map[domain.TaskStatus]int64{domain.TaskPending: 3, domain.TaskFailed: 1},
			Due:      2,
		},
		OldestPendingSeconds: 42,
		OutboxPending:        5,
	}}
	r := newOpsRouter(New(&stubEnqueuer{}, q, stubMaint{}))

	w := do(t, r, http.MethodGet, "/queue/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if got["due"].(float64) != 2 || got["outbox_pending"].(float64) != 5 || got["oldest_pending_seconds"].(float64) != 42 {
		t.Fatalf("unexpected body: %v", got)
	}
	if got["by_status"].(map[string]any)["PENDING"].(float64) != 3 {
		t.Fatalf("by_status: %v", got["by_status"])
	}

	q.err = errors.New("db down")
	w = do(t, r, http.MethodGet, "/queue/stats", nil)
	if w.Code != http.StatusInternalServerError || decodeError(t, w).Code != ErrCodeStatsFailed {
		t.Fatalf("error path: %d %s", w.Code, w.Body.String())
	}
}

func TestListFailedTasks_Pagination(t *testing.T) {
	q := &stubQueue{failed: []domain.Task{{ID: "t1", Status: domain.TaskFailed, LastError: "boom"}}}
	r := newOpsRouter(New(&stubEnqueuer{}, q, stubMaint{}))

	w := do(t, r, http.MethodGet, "/tasks/failed?page=2&page_size=20", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ListFailedTasksResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if q.gotPage != 2 || q.gotPSize != 20 {
		t.Fatalf("service got page=%d size=%d", q.gotPage, q.gotPSize)
	}
	want := Pagination{Page: 2, PageSize: 20, Total: 45, TotalPages: 3, HasNext: true}
	if resp.Pagination != want {
		t.Fatalf("pagination = %+v; want %+v", resp.Pagination, want)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].LastError != "boom" {
		t.Fatalf("tasks = %+v", resp.Tasks)
	}

	// Oversized page sizes are clamped.
	do(t, r, http.MethodGet, "/tasks/failed?page_size=1000", nil)
	if q.gotPage != 1 || q.gotPSize != 100 {
		t.Fatalf("clamp: page=%d size=%d", q.gotPage, q.gotPSize)
	}

	q.err = errors.New("db down")
	w = do(t, r, http.MethodGet, "/tasks/failed", nil)
	if w.Code != http.StatusInternalServerError || decodeError(t, w).Code != ErrCodeListFailed {
		t.Fatalf("error path: %d %s", w.Code, w.Body.String())
	}
}

func TestRunMaintenance(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rep := maintenance.Report{
		Instance:  "node-1",
		StartedAt: started,
		Steps:     []maintenance.StepReport{{Name: "sweep", Affected: 4}},
	}

	cases := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"already running", maintenance.ErrAlreadyRunning, http.StatusConflict, ErrCodeAlreadyRunning},
		{"not leader", maintenance.ErrNotLeader, http.StatusConflict, ErrCodeNotLeader},
		{"failure", errors.New("lease table missing"), http.StatusInternalServerError, ErrCodeMaintenanceFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newOpsRouter(New(&stubEnqueuer{}, &stubQueue{}, stubMaint{rep: rep, err: tc.err}))
			w := do(t, r, http.MethodPost, "/maintenance/run", nil)
			if w.Code != tc.wantCode {
				t.Fatalf("status=%d; want %d", w.Code, tc.wantCode)
			}
			if tc.wantErr != "" {
				if got := decodeError(t, w).Code; got != tc.wantErr {
					t.Fatalf("code=%q; want %q", got, tc.wantErr)
				}
				return
			}
			var got maintenance.Report
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("json: %v", err)
			}
			if got.Instance != "node-1" || len(got.Steps) != 1 || got.Steps[0].Affected != 4 {
				t.Fatalf("report = %+v", got)
			}
		})
	}
}

func TestEnqueueIntent(t *testing.T) {
	enq := &stubEnqueuer{known: map[string]services.EnqueueResult{
		"fresh": services.EnqueueInserted,
		"broke": services.EnqueueIneligible,
	}}
	r := newOpsRouter(New(enq, &stubQueue{}, stubMaint{}))

	w := do(t, r, http.MethodPost, "/intents/fresh/enqueue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp EnqueueResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.IntentID != "fresh" || resp.Result != services.EnqueueInserted {
		t.Fatalf("resp = %+v", resp)
	}

	w = do(t, r, http.MethodPost, "/intents/broke/enqueue", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"ineligible"`)) {
		t.Fatalf("ineligible: %d %s", w.Code, w.Body.String())
	}

	w = do(t, r, http.MethodPost, "/intents/ghost/enqueue", nil)
	if w.Code != http.StatusNotFound || decodeError(t, w).Code != ErrCodeNotFound {
		t.Fatalf("missing: %d %s", w.Code, w.Body.String())
	}

	enq.err = errors.New("db down")
	w = do(t, r, http.MethodPost, "/intents/fresh/enqueue", nil)
	if w.Code != http.StatusInternalServerError || decodeError(t, w).Code != ErrCodeEnqueueFailed {
		t.Fatalf("error path: %d %s", w.Code, w.Body.String())
	}
}

func TestEnqueueIntents_Batch(t *testing.T) {
	enq := &stubEnqueuer{known: map[string]services.EnqueueResult{
		"a": services.EnqueueInserted,
		"b": services.EnqueueAlreadyQueued,
	}}
	r := newOpsRouter(New(enq, &stubQueue{}, stubMaint{}))

	w := do(t, r, http.MethodPost, "/intents/enqueue", []byte(`{"intent_ids":["a"," b ","","ghost"]}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if len(enq.batch) != 3 || enq.batch[1] != "b" {
		t.Fatalf("ids passed to service = %q", enq.batch)
	}
	var resp EnqueueManyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Results["a"] != services.EnqueueInserted ||
		resp.Results["b"] != services.EnqueueAlreadyQueued ||
		resp.Results["ghost"] != services.EnqueueIneligible {
		t.Fatalf("results = %v", resp.Results)
	}
}

func TestEnqueueIntents_BadRequest(t *testing.T) {
	enq := &stubEnqueuer{}
	r := newOpsRouter(New(enq, &stubQueue{}, stubMaint{}))

	for _, body := range []string{`not json`, `{}`, `{"intent_ids":[]}`, `{"intent_ids":["  "]}`} {
		w := do(t, r, http.MethodPost, "/intents/enqueue", []byte(body))
		if w.Code != http.StatusBadRequest || decodeError(t, w).Code != ErrCodeBadRequest {
			t.Fatalf("%s: %d %s", body, w.Code, w.Body.String())
		}
	}
	if enq.batch != nil {
		t.Fatalf("service must not be called on bad input")
	}

	enq.err = errors.New("db down")
	w := do(t, r, http.MethodPost, "/intents/enqueue", []byte(`{"intent_ids":["a"]}`))
	if w.Code != http.StatusInternalServerError || decodeError(t, w).Code != ErrCodeEnqueueFailed {
		t.Fatalf("error path: %d %s", w.Code, w.Body.String())
	}
}
