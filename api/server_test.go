package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/perf-pipeline/types"
	"github.com/songzhibin97/perf-pipeline/workflow"
)

type fakeEngine struct {
	mu        sync.Mutex
	submitted []string
	submitErr error
	active    []string
	progress  map[string]types.Progress
	removed   []string
	removeErr error
	caps      workflow.Capabilities
	// submitDelay widens the gap between the active check and the new
	// workflow becoming visible.
	submitDelay time.Duration
}

func (f *fakeEngine) Submit(_ context.Context, story string) (*workflow.Handle, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	time.Sleep(f.submitDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, story)
	id := fmt.Sprint(len(f.submitted))
	f.active = append(f.active, id)
	return &workflow.Handle{ID: id}, nil
}

func (f *fakeEngine) Status(_ context.Context, id string) (types.Progress, error) {
	p, ok := f.progress[id]
	if !ok {
		return types.Progress{}, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, id)
	}
	return p, nil
}

func (f *fakeEngine) Results(_ context.Context, id string) (types.Outcome, error) {
	p, ok := f.progress[id]
	if !ok {
		return types.Outcome{}, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, id)
	}
	return types.Outcome{WorkflowID: p.WorkflowID, Status: p.Status, Results: map[string]interface{}{"analysis": "ok"}}, nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...)
}

func (f *fakeEngine) Capabilities() workflow.Capabilities { return f.caps }

func newTestServer(engine *fakeEngine) http.Handler {
	return NewEcho(NewServer(engine), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitWorkflow(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(engine)

	rec := do(t, h, http.MethodPost, "/api/v1/workflows", `{"message":"  Test login for https://example.com  "}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", decode(t, rec)["workflow_id"])
	assert.Equal(t, []string{"Test login for https://example.com"}, engine.submitted)
}

func TestSubmitWorkflowRejections(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		active    []string
		submitErr error
		wantCode  int
		wantMsg   string
	}{
		{name: "empty", body: `{"message":"   "}`, wantCode: http.StatusBadRequest, wantMsg: "Empty message"},
		{name: "malformed", body: `{"message":`, wantCode: http.StatusBadRequest},
		{name: "in progress", body: `{"message":"x https://a.b"}`, active: []string{"9"}, wantCode: http.StatusConflict, wantMsg: "Workflow in progress"},
		{name: "no url", body: `{"message":"Test login"}`, submitErr: workflow.ErrNoURL, wantCode: http.StatusUnprocessableEntity, wantMsg: workflow.URLPrompt},
		{
			name:      "modules unavailable",
			body:      `{"message":"x https://a.b"}`,
			submitErr: fmt.Errorf("%w: capture: not found", workflow.ErrModuleUnavailable),
			wantCode:  http.StatusServiceUnavailable,
			wantMsg:   "capture: not found",
		},
		{name: "stopped", body: `{"message":"x https://a.b"}`, submitErr: workflow.ErrEngineStopped, wantCode: http.StatusServiceUnavailable},
		{name: "internal", body: `{"message":"x https://a.b"}`, submitErr: fmt.Errorf("boom"), wantCode: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{active: tt.active, submitErr: tt.submitErr}
			rec := do(t, newTestServer(engine), http.MethodPost, "/api/v1/workflows", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantMsg != "" {
				assert.Contains(t, decode(t, rec)["message"], tt.wantMsg)
			}
			if tt.submitErr == nil {
				assert.Empty(t, engine.submitted)
			}
		})
	}
}

func TestSubmitWorkflowConcurrentRequests(t *testing.T) {
	engine := &fakeEngine{submitDelay: 10 * time.Millisecond}
	h := newTestServer(engine)

	const requests = 16
	codes := make(chan int, requests)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			codes <- do(t, h, http.MethodPost, "/api/v1/workflows", `{"message":"Test login for https://example.com"}`).Code
		}()
	}
	close(start)
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for code := range codes {
		counts[code]++
	}
	assert.Equal(t, 1, counts[http.StatusAccepted])
	assert.Equal(t, requests-1, counts[http.StatusConflict])
	assert.Len(t, engine.submitted, 1)
}

func TestSubmitWorkflowReset(t *testing.T) {
	for _, word := range []string{"reset", "New Test", "START OVER"} {
		engine := &fakeEngine{active: []string{"3"}}
		rec := do(t, newTestServer(engine), http.MethodPost, "/api/v1/workflows", `{"message":"`+word+`"}`)

		assert.Equal(t, http.StatusOK, rec.Code, word)
		assert.Equal(t, true, decode(t, rec)["reset"], word)
		assert.Empty(t, engine.submitted, word)
	}
}

func TestGetWorkflow(t *testing.T) {
	engine := &fakeEngine{progress: map[string]types.Progress{
		"42": {WorkflowID: "42", Status: types.WorkflowRunning, CurrentStep: 2},
	}}
	h := newTestServer(engine)

	rec := do(t, h, http.MethodGet, "/api/v1/workflows/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "42", body["workflow_id"])
	assert.Equal(t, string(types.WorkflowRunning), body["status"])

	rec = do(t, h, http.MethodGet, "/api/v1/workflows/43", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Workflow not found", decode(t, rec)["message"])
}

func TestGetResults(t *testing.T) {
	engine := &fakeEngine{progress: map[string]types.Progress{
		"42": {WorkflowID: "42", Status: types.WorkflowCompleted},
	}}
	h := newTestServer(engine)

	rec := do(t, h, http.MethodGet, "/api/v1/workflows/42/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"analysis": "ok"}, decode(t, rec)["results"])

	rec = do(t, h, http.MethodGet, "/api/v1/workflows/nope/results", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteWorkflow(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(engine)

	rec := do(t, h, http.MethodDelete, "/api/v1/workflows/5", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"5"}, engine.removed)

	engine.removeErr = fmt.Errorf("%w: 6", workflow.ErrWorkflowActive)
	rec = do(t, h, http.MethodDelete, "/api/v1/workflows/6", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCapabilitiesAndHealth(t *testing.T) {
	engine := &fakeEngine{
		active: []string{"1", "2"},
		caps: workflow.Capabilities{
			{Name: "capture", Available: true},
			{Name: "validator", Reason: "not configured"},
		},
	}
	h := newTestServer(engine)

	rec := do(t, h, http.MethodGet, "/api/v1/capabilities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["available"])
	assert.Len(t, body["modules"], 2)

	rec = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["active_workflows"])
}
