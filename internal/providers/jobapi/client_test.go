package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"visualgen/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{BaseURL: srv.URL + "/api/", Token: "secret", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Options{}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("NewClient() error = %v, want ErrMissingBaseURL", err)
	}
}

func TestCreateJobPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/generations" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("Authorization = %q, want %q", got, "Bearer secret")
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Fatalf("expected Idempotency-Key header")
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["productId"] != "prod-1" || body["collectionId"] != "col-1" || body["type"] != "product_photo" {
			t.Fatalf("unexpected body: %#v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"job-42"}`))
	})

	id, err := client.CreateJob(context.Background(), domain.SubmitRequest{
		ProductID:    "prod-1",
		CollectionID: "col-1",
		Type:         "product_photo",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if id != "job-42" {
		t.Fatalf("id = %q, want job-42", id)
	}
}

func TestMergePromptsPreservesServiceOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generations/job-42/merge" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"promptsByType":{"main_visual":"hero shot","lifestyle":"kitchen table","detail":"macro"}}`))
	})

	prompts, err := client.MergePrompts(context.Background(), "job-42", domain.SubmitRequest{Shots: []string{"main_visual", "lifestyle", "detail"}})
	if err != nil {
		t.Fatalf("merge prompts: %v", err)
	}
	want := []string{"main_visual", "lifestyle", "detail"}
	if len(prompts) != len(want) {
		t.Fatalf("len(prompts) = %d, want %d", len(prompts), len(want))
	}
	for i, typ := range want {
		if prompts[i].Type != typ {
			t.Fatalf("prompts[%d].Type = %q, want %q", i, prompts[i].Type, typ)
		}
	}
	if prompts[1].Text != "kitchen table" {
		t.Fatalf("prompts[1].Text = %q", prompts[1].Text)
	}
}

func TestGetJobSnapshotDecodesItems(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/generations/job-42" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"processing","progressPercent":50,"items":[
			{"type":"main_visual","status":"completed","imageUrl":"https://cdn.example.com/a.png","generatedAt":"2025-03-01T10:00:00Z"},
			{"type":"lifestyle","status":"processing"}]}`))
	})

	snap, err := client.GetJobSnapshot(context.Background(), "job-42")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.Status != domain.JobStatusProcessing || snap.ProgressPercent != 50 {
		t.Fatalf("unexpected snapshot header: %+v", snap)
	}
	if len(snap.Items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(snap.Items))
	}
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if !snap.Items[0].GeneratedAt.Equal(want) {
		t.Fatalf("generatedAt = %s, want %s", snap.Items[0].GeneratedAt, want)
	}
	if !snap.Items[1].GeneratedAt.IsZero() {
		t.Fatalf("missing generatedAt should stay zero")
	}
}

func TestRetryItemResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "single item", body: `{"item":{"type":"lifestyle","status":"processing"}}`, want: 1},
		{name: "item list", body: `{"items":[{"type":"lifestyle","status":"processing"}]}`, want: 1},
		{name: "full job", body: `{"job":{"items":[{"type":"main_visual","status":"completed"},{"type":"lifestyle","status":"pending"}]}}`, want: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			transport := &captureTransport{status: http.StatusOK, body: []byte(tc.body)}
			client, err := NewClient(Options{BaseURL: "https://api.example.com", HTTPClient: &http.Client{Transport: transport}})
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			items, err := client.RetryItem(context.Background(), "job-42", "lifestyle")
			if err != nil {
				t.Fatalf("retry item: %v", err)
			}
			if len(items) != tc.want {
				t.Fatalf("len(items) = %d, want %d", len(items), tc.want)
			}
			if transport.lastPath != "/generations/job-42/items/lifestyle/retry" {
				t.Fatalf("path = %q", transport.lastPath)
			}
			if transport.lastAuth != "" {
				t.Fatalf("no Authorization header expected without token, got %q", transport.lastAuth)
			}
		})
	}
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		wantCode    string
		temporary   bool
	}{
		{name: "structured", status: http.StatusConflict, body: `{"code":"job_running","message":"job already running"}`, wantMessage: "job already running", wantCode: "job_running"},
		{name: "error field", status: http.StatusBadRequest, body: `{"error":"bad shot"}`, wantMessage: "bad shot"},
		{name: "plain text", status: http.StatusBadGateway, body: "upstream down", wantMessage: "upstream down", temporary: true},
		{name: "empty", status: http.StatusServiceUnavailable, wantMessage: "Service Unavailable", temporary: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			transport := &captureTransport{status: tc.status, body: []byte(tc.body)}
			client, err := NewClient(Options{BaseURL: "https://api.example.com", HTTPClient: &http.Client{Transport: transport}})
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			_, err = client.ExecuteJob(context.Background(), "job-42")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tc.status || apiErr.Message != tc.wantMessage || apiErr.Code != tc.wantCode {
				t.Fatalf("unexpected api error: %+v", apiErr)
			}
			if apiErr.Temporary() != tc.temporary {
				t.Fatalf("Temporary() = %v, want %v", apiErr.Temporary(), tc.temporary)
			}
		})
	}
}

func TestAPIErrorMatchesNotFound(t *testing.T) {
	if !errors.Is(&APIError{StatusCode: http.StatusNotFound}, domain.ErrNotFound) {
		t.Fatalf("404 should match domain.ErrNotFound")
	}
	if errors.Is(&APIError{StatusCode: http.StatusBadGateway}, domain.ErrNotFound) {
		t.Fatalf("502 should not match domain.ErrNotFound")
	}
}

func TestDecodeOrderedPromptsSkipsDuplicates(t *testing.T) {
	prompts, err := decodeOrderedPrompts(json.RawMessage(`{"a":"1","b":"2","a":"3"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(prompts) != 2 || prompts[0].Text != "1" || prompts[1].Type != "b" {
		t.Fatalf("prompts = %#v", prompts)
	}
	if prompts, err := decodeOrderedPrompts(json.RawMessage(`null`)); err != nil || prompts != nil {
		t.Fatalf("null prompts = %#v, %v", prompts, err)
	}
	if _, err := decodeOrderedPrompts(json.RawMessage(`["a"]`)); err == nil {
		t.Fatalf("expected error for non-object")
	}
}

type captureTransport struct {
	status   int
	body     []byte
	lastPath string
	lastAuth string
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
	c.lastPath = req.URL.Path
	c.lastAuth = req.Header.Get("Authorization")
	return &http.Response{
		StatusCode: c.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(c.body)),
		Request:    req,
	}, nil
}
