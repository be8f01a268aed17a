package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"visualgen/internal/domain"
	"visualgen/internal/infra"
)

// ErrMissingBaseURL indicates that the client was configured without an endpoint.
var ErrMissingBaseURL = errors.New("jobapi: base url is required")

// Options configures the generation job API client.
type Options struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the generation job API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *infra.Logger
}

// APIError is a non-2xx answer from the job API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("jobapi: status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("jobapi: status %d: %s", e.StatusCode, e.Message)
}

// Is matches domain.ErrNotFound for 404 answers.
func (e *APIError) Is(target error) bool {
	return target == domain.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Temporary reports whether retrying the same call later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type createRequest struct {
	ProductID    string `json:"productId"`
	CollectionID string `json:"collectionId"`
	Type         string `json:"type"`
}

type createResponse struct {
	ID    string `json:"id"`
	JobID string `json:"jobId"`
}

type mergeRequest struct {
	Shots       []string `json:"shots"`
	Quality     string   `json:"quality,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
}

type mergeResponse struct {
	PromptsByType json.RawMessage `json:"promptsByType"`
}

type itemsResponse struct {
	Items []domain.VisualItem `json:"items"`
}

type retryResponse struct {
	Item  *domain.VisualItem  `json:"item"`
	Items []domain.VisualItem `json:"items"`
	Job   *itemsResponse      `json:"job"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("jobapi: parse base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		logger:     infra.OrDiscard(opts.Logger),
	}, nil
}

// CreateJob registers a new generation job and returns its id.
func (c *Client) CreateJob(ctx context.Context, req domain.SubmitRequest) (string, error) {
	payload := createRequest{ProductID: req.ProductID, CollectionID: req.CollectionID, Type: req.Type}
	header := http.Header{"Idempotency-Key": []string{uuid.NewString()}}
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/generations", payload, header, &resp); err != nil {
		return "", err
	}
	id := resp.ID
	if id == "" {
		id = resp.JobID
	}
	if id == "" {
		return "", errors.New("jobapi: create response has no id")
	}
	c.logger.Debug().Str("job_id", id).Msg("jobapi: job created")
	return id, nil
}

// MergePrompts merges the prompts for the selected shots. Prompts come back
// in the order the service listed them.
func (c *Client) MergePrompts(ctx context.Context, jobID string, req domain.SubmitRequest) ([]domain.Prompt, error) {
	payload := mergeRequest{
		Shots:       req.Shots,
		Quality:     req.Quality,
		Resolution:  req.Resolution,
		AspectRatio: req.AspectRatio,
	}
	var resp mergeResponse
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "merge"), payload, nil, &resp); err != nil {
		return nil, err
	}
	prompts, err := decodeOrderedPrompts(resp.PromptsByType)
	if err != nil {
		return nil, fmt.Errorf("jobapi: decode promptsByType: %w", err)
	}
	return prompts, nil
}

// ExecuteJob starts generation and returns the items as the service sees them.
func (c *Client) ExecuteJob(ctx context.Context, jobID string) ([]domain.VisualItem, error) {
	var resp itemsResponse
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "execute"), struct{}{}, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// GetJobSnapshot fetches the full job state.
func (c *Client) GetJobSnapshot(ctx context.Context, jobID string) (*domain.JobSnapshot, error) {
	var snap domain.JobSnapshot
	if err := c.do(ctx, http.MethodGet, jobPath(jobID), nil, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RetryItem asks the service to regenerate one item. The service answers
// with either the item or the whole job.
func (c *Client) RetryItem(ctx context.Context, jobID, itemType string) ([]domain.VisualItem, error) {
	var resp retryResponse
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "items", itemType, "retry"), struct{}{}, nil, &resp); err != nil {
		return nil, err
	}
	switch {
	case resp.Item != nil:
		return []domain.VisualItem{*resp.Item}, nil
	case resp.Job != nil:
		return resp.Job.Items, nil
	default:
		return resp.Items, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any, header http.Header, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("jobapi: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("jobapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jobapi: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("jobapi: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil {
			apiErr.Code = detail.Code
			switch {
			case detail.Message != "":
				apiErr.Message = detail.Message
			case detail.Error != "":
				apiErr.Message = detail.Error
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("jobapi: decode response: %w", err)
	}
	return nil
}

func jobPath(jobID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/generations/")
	b.WriteString(url.PathEscape(jobID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// decodeOrderedPrompts walks the promptsByType object token by token so the
// resulting slice follows document order instead of map order.
func decodeOrderedPrompts(raw json.RawMessage) ([]domain.Prompt, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var prompts []domain.Prompt
	seen := map[string]bool{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		var text string
		if err := dec.Decode(&text); err != nil {
			return nil, fmt.Errorf("prompt %q: %w", key, err)
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		prompts = append(prompts, domain.Prompt{Type: key, Text: text})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return prompts, nil
}
