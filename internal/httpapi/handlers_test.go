package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"salescall-platform/internal/audit"
	"salescall-platform/internal/calls"
	"salescall-platform/internal/correlation"
	"salescall-platform/internal/dispatch"
	"salescall-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

// fakeDispatcher creates calls in the repo without submitting anything.
type fakeDispatcher struct {
	repo    *calls.MemoryRepo
	missing bool
}

func (d fakeDispatcher) Dispatch(ctx context.Context, meta calls.Metadata, ref string) (int64, error) {
	if err := meta.Validate(); err != nil {
		return 0, err
	}
	c, err := d.repo.Create(ctx, calls.Call{Metadata: meta, ArtifactMissing: d.missing})
	if err != nil {
		return 0, err
	}
	if d.missing {
		return c.ID, fmt.Errorf("%w: call %d", dispatch.ErrArtifactNotFound, c.ID)
	}
	return c.ID, nil
}

type env struct {
	r     *gin.Engine
	repo  *calls.MemoryRepo
	audit *audit.MemoryRepo
}

func newEnv(t *testing.T, missing, allowTest bool) env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := calls.NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)
	h := Handlers{
		Calls:             repo,
		Dispatcher:        fakeDispatcher{repo: repo, missing: missing},
		Engine:            correlation.NewEngine(repo, auditSvc, nil, nil),
		Reporting:         reporting.NewService(repo),
		Audit:             auditSvc,
		AllowTestCallback: allowTest,
		MaxCallbackBytes:  1 << 10,
	}
	r := gin.New()
	h.Mount(r, r.Group("/v1"))
	return env{r: r, repo: repo, audit: auditRepo}
}

func (e env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

const createBody = `{"callTitle":"Discovery call","callDateTime":"2024-05-01T10:00:00Z","recordingFilePath":"rec/a.mp3","callDirection":"outgoing","contactId":7}`

func createCall(t *testing.T, e env) calls.Call {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/calls", createBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d %s", w.Code, w.Body.String())
	}
	var c calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	return c
}

func decodeCallback(t *testing.T, w *httptest.ResponseRecorder) callbackResponse {
	t.Helper()
	var out callbackResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode callback response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreateCall(t *testing.T) {
	e := newEnv(t, false, false)
	c := createCall(t, e)
	if c.ID <= 0 || c.State != calls.StatePending {
		t.Fatalf("expected pending call with id, got %+v", c)
	}
	if c.Direction != calls.DirectionOutgoing || c.ContactID != 7 {
		t.Fatalf("metadata not stored: %+v", c)
	}
}

func TestCreateCall_Invalid(t *testing.T) {
	e := newEnv(t, false, false)

	if w := e.do(t, http.MethodPost, "/v1/calls", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/calls", `{"callTitle":"x","recordingFilePath":"a","callDirection":"INCOMING"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short title, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/calls", `{"callTitle":"ok title","recordingFilePath":"a","callDirection":"SIDEWAYS"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad direction, got %d", w.Code)
	}
}

func TestCreateCall_ArtifactMissing(t *testing.T) {
	e := newEnv(t, true, false)
	w := e.do(t, http.MethodPost, "/v1/calls", createBody)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	var body struct {
		CallID int64 `json:"callId"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	c, err := e.repo.Get(context.Background(), body.CallID)
	if err != nil {
		t.Fatalf("call should still exist: %v", err)
	}
	if !c.ArtifactMissing {
		t.Fatalf("expected artifact-missing flag")
	}

	cb := e.do(t, http.MethodPost, fmt.Sprintf("/calls/%d/callback", c.ID), correlation.TestPayload)
	if cb.Code != http.StatusOK {
		t.Fatalf("expected 200 for never-dispatched call, got %d", cb.Code)
	}
	var resp callbackResponse
	if err := json.Unmarshal(cb.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Applied || resp.Outcome != string(correlation.KindNotDispatched) {
		t.Fatalf("expected unapplied not_dispatched response, got %+v", resp)
	}
	if got, _ := e.repo.Get(context.Background(), c.ID); got.State != calls.StatePending || got.Summary != nil {
		t.Fatalf("never-dispatched call must stay untouched, got %+v", got)
	}
}

func TestCallback_AppliesOnce(t *testing.T) {
	e := newEnv(t, false, false)
	c := createCall(t, e)
	path := fmt.Sprintf("/calls/%d/callback", c.ID)
	payload := `{"output":{"transcript":"t","summary":"s","sentimentPercentage":40,"sentimentLabel":"NEUTRAL"}}`

	w := e.do(t, http.MethodPost, path, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	if out := decodeCallback(t, w); !out.Applied || out.CallID != c.ID {
		t.Fatalf("expected applied, got %+v", out)
	}

	w = e.do(t, http.MethodPost, "/v1"+path, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", w.Code)
	}
	if out := decodeCallback(t, w); out.Applied || out.Outcome != string(correlation.KindAlreadyFinalized) {
		t.Fatalf("expected already finalized, got %+v", out)
	}

	got, _ := e.repo.Get(context.Background(), c.ID)
	if got.State != calls.StateCompleted || got.CallbackAttempts != 2 {
		t.Fatalf("expected COMPLETED with 2 attempts, got %s %d", got.State, got.CallbackAttempts)
	}
}

func TestCallback_StatusMapping(t *testing.T) {
	e := newEnv(t, false, false)
	c := createCall(t, e)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown call", "/calls/999/callback", correlation.TestPayload, http.StatusNotFound},
		{"bad id", "/calls/abc/callback", correlation.TestPayload, http.StatusBadRequest},
		{"no result", fmt.Sprintf("/calls/%d/callback", c.ID), `{"status":"done"}`, http.StatusBadRequest},
		{"malformed", fmt.Sprintf("/calls/%d/callback", c.ID), `{"output":`, http.StatusBadRequest},
		{"too large", fmt.Sprintf("/calls/%d/callback", c.ID), `{"output":{"summary":"` + strings.Repeat("x", 2048) + `"}}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	got, _ := e.repo.Get(context.Background(), c.ID)
	if got.State != calls.StatePending {
		t.Fatalf("rejected callbacks must not change state, got %s", got.State)
	}
}

func TestTestCallback(t *testing.T) {
	e := newEnv(t, false, false)
	c := createCall(t, e)
	path := fmt.Sprintf("/v1/calls/%d/test-callback", c.ID)
	if w := e.do(t, http.MethodPost, path, ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when disabled, got %d", w.Code)
	}

	e = newEnv(t, false, true)
	c = createCall(t, e)
	path = fmt.Sprintf("/v1/calls/%d/test-callback", c.ID)
	w := e.do(t, http.MethodPost, path, "")
	if w.Code != http.StatusOK || !decodeCallback(t, w).Applied {
		t.Fatalf("expected applied test callback, got %d %s", w.Code, w.Body.String())
	}
	got, _ := e.repo.Get(context.Background(), c.ID)
	if got.SentimentLabel == nil || *got.SentimentLabel != "POSITIVE" {
		t.Fatalf("expected test payload applied, got %+v", got)
	}
}

func TestGetAndListCalls(t *testing.T) {
	e := newEnv(t, false, false)
	c := createCall(t, e)

	if w := e.do(t, http.MethodGet, fmt.Sprintf("/v1/calls/%d", c.ID), ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/v1/calls/424242", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w := e.do(t, http.MethodGet, "/v1/calls?contactId=7&state=pending", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Calls []calls.Call `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Calls) != 1 || list.Calls[0].ID != c.ID {
		t.Fatalf("expected one call, got %+v", list.Calls)
	}

	if w := e.do(t, http.MethodGet, "/v1/calls?state=bogus", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad state, got %d", w.Code)
	}
}

func TestSummaryAndEvents(t *testing.T) {
	e := newEnv(t, false, false)
	c := createCall(t, e)
	e.do(t, http.MethodPost, fmt.Sprintf("/calls/%d/callback", c.ID), correlation.TestPayload)

	w := e.do(t, http.MethodGet, "/v1/calls/summary?contactId=7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	var sum reporting.CallsSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.TotalCalls != 1 || sum.WithSentiment != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	from := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().UTC().Format(time.RFC3339)
	if w := e.do(t, http.MethodGet, "/v1/calls/summary?from="+from+"&to="+to, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", w.Code)
	}

	w = e.do(t, http.MethodGet, fmt.Sprintf("/v1/calls/%d/events", c.ID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(audit.EventTypeCallback)) {
		t.Fatalf("expected callback event in %s", w.Body.String())
	}
}
