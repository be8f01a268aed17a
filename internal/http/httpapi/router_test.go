package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"visualgen/internal/assets"
	"visualgen/internal/domain"
	"visualgen/internal/http/handlers"
	"visualgen/internal/tracker"
)

type fakeSessions struct {
	jobs      map[string]domain.GenerationJob
	startErr  error
	retryErr  error
	attachErr error
	started   []domain.SubmitRequest
	cancelled []string
}

func (f *fakeSessions) Start(_ context.Context, req domain.SubmitRequest, _ tracker.Observer) (domain.GenerationJob, error) {
	f.started = append(f.started, req)
	if f.startErr != nil {
		return domain.GenerationJob{}, f.startErr
	}
	return f.jobs["job-1"], nil
}

func (f *fakeSessions) Attach(_ context.Context, jobID string, _ tracker.Observer) (domain.GenerationJob, error) {
	if f.attachErr != nil {
		return domain.GenerationJob{}, f.attachErr
	}
	return domain.GenerationJob{ID: jobID, Status: domain.JobStatusProcessing}, nil
}

func (f *fakeSessions) Get(jobID string) (domain.GenerationJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.GenerationJob{}, domain.ErrNotFound
	}
	return job, nil
}

func (f *fakeSessions) Retry(_ context.Context, jobID, _ string) (domain.GenerationJob, error) {
	if _, ok := f.jobs[jobID]; !ok {
		return domain.GenerationJob{}, domain.ErrNotFound
	}
	if f.retryErr != nil {
		return domain.GenerationJob{}, f.retryErr
	}
	return f.jobs[jobID], nil
}

func (f *fakeSessions) Cancel(jobID string) {
	f.cancelled = append(f.cancelled, jobID)
}

var generatedAt = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestRouter(sessions *fakeSessions, exporter *assets.Exporter) http.Handler {
	if sessions.jobs == nil {
		sessions.jobs = map[string]domain.GenerationJob{
			"job-1": {
				ID:     "job-1",
				Status: domain.JobStatusProcessing,
				Items: []domain.VisualItem{
					{Type: "main_visual", Status: domain.ItemStatusCompleted, ImageURL: "https://cdn.example.com/a.png", GeneratedAt: generatedAt},
					{Type: "lifestyle", Status: domain.ItemStatusPending},
				},
			},
		}
	}
	app := handlers.NewApp(sessions, exporter, nil, nil)
	return NewRouter(app, RouterOptions{DefaultLocale: "en", RateLimitPerMin: 100})
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

type jobBody struct {
	JobID           string `json:"jobId"`
	Status          string `json:"status"`
	StatusLabel     string `json:"statusLabel"`
	CompletedCount  int    `json:"completedCount"`
	TotalCount      int    `json:"totalCount"`
	ProgressPercent int    `json:"progressPercent"`
	Items           []struct {
		Type        string `json:"type"`
		Label       string `json:"label"`
		Status      string `json:"status"`
		StatusLabel string `json:"statusLabel"`
		ImageURL    string `json:"imageUrl"`
		GeneratedAt string `json:"generatedAt"`
	} `json:"items"`
}

func decodeJob(t *testing.T, rr *httptest.ResponseRecorder) jobBody {
	t.Helper()
	var body jobBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	rr := do(t, newTestRouter(&fakeSessions{}, nil), http.MethodGet, "/v1/healthz", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}
}

func TestOpenAPI(t *testing.T) {
	h := newTestRouter(&fakeSessions{}, nil)

	rr := do(t, h, http.MethodGet, "/v1/openapi.json", "", nil)
	var doc map[string]any
	if rr.Code != http.StatusOK || json.Unmarshal(rr.Body.Bytes(), &doc) != nil || doc["openapi"] == nil {
		t.Fatalf("openapi.json = %d %.80s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/v1/docs", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `spec-url="/v1/openapi.json"`) {
		t.Fatalf("docs = %d %s", rr.Code, rr.Body.String())
	}
}

func TestCreateGeneration(t *testing.T) {
	sessions := &fakeSessions{}
	rr := do(t, newTestRouter(sessions, nil), http.MethodPost, "/v1/generations",
		`{"productId":"p-1","collectionId":"c-1","shots":["main_visual","lifestyle"],"quality":"hd"}`, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	body := decodeJob(t, rr)
	if body.JobID != "job-1" || body.TotalCount != 2 || body.CompletedCount != 1 || body.ProgressPercent != 50 {
		t.Fatalf("body = %+v", body)
	}
	if len(sessions.started) != 1 || sessions.started[0].Quality != "hd" || sessions.started[0].ProductID != "p-1" {
		t.Fatalf("started = %+v", sessions.started)
	}
}

func TestCreateGenerationErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		want     int
	}{
		{name: "malformed", body: `{`, want: http.StatusBadRequest},
		{name: "empty shots", body: `{"shots":["  "]}`, want: http.StatusBadRequest},
		{name: "create failed", body: `{"shots":["a"]}`, startErr: &domain.JobSubmissionError{Stage: "create", Cause: errors.New("down")}, want: http.StatusBadGateway},
		{name: "execute failed", body: `{"shots":["a"]}`, startErr: &domain.JobExecutionError{JobID: "job-1", Cause: errors.New("quota")}, want: http.StatusBadGateway},
		{name: "shutting down", body: `{"shots":["a"]}`, startErr: domain.ErrCancelled, want: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, newTestRouter(&fakeSessions{startErr: tc.startErr}, nil), http.MethodPost, "/v1/generations", tc.body, nil)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tc.want, rr.Body.String())
			}
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body.Error.Code == "" {
				t.Fatalf("error body missing code: %v", err)
			}
		})
	}
}

func TestGetGenerationLocalized(t *testing.T) {
	h := newTestRouter(&fakeSessions{}, nil)

	rr := do(t, h, http.MethodGet, "/v1/generations/job-1", "", map[string]string{"Accept-Language": "id-ID"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJob(t, rr)
	if body.StatusLabel != "Sedang dibuat" || body.Items[0].Label != "Visual Utama" || body.Items[0].StatusLabel != "Selesai" {
		t.Fatalf("id labels = %+v", body)
	}
	if body.Items[0].GeneratedAt != "2025-03-01T10:00:00.000Z" || body.Items[1].GeneratedAt != "" {
		t.Fatalf("generatedAt = %q / %q", body.Items[0].GeneratedAt, body.Items[1].GeneratedAt)
	}

	rr = do(t, h, http.MethodGet, "/v1/generations/job-1", "", nil)
	body = decodeJob(t, rr)
	if body.Items[0].Label != "Main Visual" || body.Items[1].StatusLabel != "Waiting" {
		t.Fatalf("en labels = %+v", body)
	}

	rr = do(t, h, http.MethodGet, "/v1/generations/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", rr.Code)
	}
}

func TestRetryItem(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		retryErr error
		want     int
	}{
		{name: "accepted", path: "/v1/generations/job-1/items/lifestyle/retry", want: http.StatusAccepted},
		{name: "unknown job", path: "/v1/generations/nope/items/lifestyle/retry", want: http.StatusNotFound},
		{name: "unknown item", path: "/v1/generations/job-1/items/x/retry", retryErr: domain.ErrItemNotFound, want: http.StatusNotFound},
		{name: "not failed", path: "/v1/generations/job-1/items/main_visual/retry", retryErr: domain.ErrItemNotFailed, want: http.StatusConflict},
		{name: "upstream", path: "/v1/generations/job-1/items/lifestyle/retry", retryErr: &domain.ItemRetryError{JobID: "job-1", ItemType: "lifestyle", Cause: errors.New("500")}, want: http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, newTestRouter(&fakeSessions{retryErr: tc.retryErr}, nil), http.MethodPost, tc.path, "", nil)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	sessions := &fakeSessions{}
	h := newTestRouter(sessions, nil)
	for i := 0; i < 2; i++ {
		if rr := do(t, h, http.MethodDelete, "/v1/generations/job-1", "", nil); rr.Code != http.StatusNoContent {
			t.Fatalf("delete #%d status = %d", i, rr.Code)
		}
	}
	if len(sessions.cancelled) != 2 {
		t.Fatalf("cancelled = %v", sessions.cancelled)
	}
}

func TestWatch(t *testing.T) {
	rr := do(t, newTestRouter(&fakeSessions{}, nil), http.MethodPost, "/v1/generations/job-9/watch", "", nil)
	if rr.Code != http.StatusAccepted || decodeJob(t, rr).JobID != "job-9" {
		t.Fatalf("watch status = %d", rr.Code)
	}
	rr = do(t, newTestRouter(&fakeSessions{attachErr: domain.ErrNotFound}, nil), http.MethodPost, "/v1/generations/job-9/watch", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("watch unknown status = %d", rr.Code)
	}
}

func TestArchive(t *testing.T) {
	img := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer img.Close()

	sessions := &fakeSessions{jobs: map[string]domain.GenerationJob{
		"done": {ID: "done", Status: domain.JobStatusCompleted, Items: []domain.VisualItem{
			{Type: "main_visual", Status: domain.ItemStatusCompleted, ImageURL: img.URL + "/a.png", GeneratedAt: generatedAt},
			{Type: "lifestyle", Status: domain.ItemStatusFailed, Error: "boom"},
		}},
		"running": {ID: "running", Status: domain.JobStatusProcessing},
	}}
	h := newTestRouter(sessions, assets.NewExporter(assets.Options{}))

	rr := do(t, h, http.MethodGet, "/v1/generations/done/assets.zip", "", nil)
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("archive status = %d type %q", rr.Code, rr.Header().Get("Content-Type"))
	}
	zr, err := zip.NewReader(bytes.NewReader(rr.Body.Bytes()), int64(rr.Body.Len()))
	if err != nil || len(zr.File) != 1 || zr.File[0].Name != "01-main_visual.png" {
		t.Fatalf("archive = %v, %v", zr, err)
	}

	if rr := do(t, h, http.MethodGet, "/v1/generations/running/assets.zip", "", nil); rr.Code != http.StatusConflict {
		t.Fatalf("running job archive status = %d", rr.Code)
	}
}

func TestRateLimitApplies(t *testing.T) {
	app := handlers.NewApp(&fakeSessions{}, nil, nil, nil)
	h := NewRouter(app, RouterOptions{RateLimitPerMin: 1})
	do(t, h, http.MethodGet, "/v1/generations/nope", "", nil)
	if rr := do(t, h, http.MethodGet, "/v1/generations/nope", "", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz should not be rate limited, got %d", rr.Code)
	}
}
