// Package client is a typed HTTP client for the sixseven API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sixseven/internal/api"
	"sixseven/internal/dialogue"
	"sixseven/internal/httputil"
	"sixseven/internal/orchestrator"
	"sixseven/internal/store"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the server. A 404 matches
// store.ErrNotFound under errors.Is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == store.ErrNotFound && e.Status == http.StatusNotFound
}

type Client struct {
	base string
	// reads retry; command submission does not, so a retried POST cannot
	// start a second job.
	reads  *httputil.Client
	writes *httputil.Client
}

func New(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	noRetry := httputil.DefaultRetryConfig()
	noRetry.MaxRetries = 0
	return &Client{
		base:   base,
		reads:  httputil.NewClient(defaultTimeout, httputil.DefaultRetryConfig()),
		writes: httputil.NewClient(defaultTimeout, noRetry),
	}
}

type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int    `json:"uptime_seconds"`
	ActiveJobs    int    `json:"active_jobs"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	return out, c.get(ctx, "/healthz", nil, &out)
}

func (c *Client) Command(ctx context.Context, req orchestrator.CommandRequest) (orchestrator.CommandResponse, error) {
	var out orchestrator.CommandResponse
	return out, c.call(ctx, c.writes, http.MethodPost, "/v1/command", nil, req, &out)
}

func (c *Client) Job(ctx context.Context, id string) (store.Job, error) {
	var out store.Job
	return out, c.get(ctx, "/v1/jobs/"+url.PathEscape(id), nil, &out)
}

// ListOptions filters Jobs. Zero fields are not sent.
type ListOptions struct {
	SessionID string
	Kind      store.Kind
	Status    store.Status
	Limit     int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.SessionID != "" {
		q.Set("session_id", o.SessionID)
	}
	if o.Kind != "" {
		q.Set("type", string(o.Kind))
	}
	if o.Status != "" {
		q.Set("status", string(o.Status))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

func (c *Client) Jobs(ctx context.Context, opts ListOptions) ([]store.Job, error) {
	var out api.JobList
	if err := c.get(ctx, "/v1/jobs", opts.query(), &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (api.CancelResponse, error) {
	var out api.CancelResponse
	return out, c.call(ctx, c.writes, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, nil, &out)
}

func (c *Client) Speech(ctx context.Context, id string) (dialogue.Speech, error) {
	var out dialogue.Speech
	return out, c.get(ctx, "/v1/jobs/"+url.PathEscape(id)+"/speech", nil, &out)
}

func (c *Client) Session(ctx context.Context, id string) (store.Session, error) {
	var out store.Session
	return out, c.get(ctx, "/v1/sessions/"+url.PathEscape(id), nil, &out)
}

func (c *Client) Status(ctx context.Context, sessionID string) (orchestrator.StatusResult, error) {
	var out orchestrator.StatusResult
	return out, c.get(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/status", nil, &out)
}

// WaitForJob polls until the job is terminal or ctx ends. onUpdate, when
// non-nil, sees every snapshot whose status or progress changed.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration, onUpdate func(store.Job)) (store.Job, error) {
	var last store.Job
	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return last, err
		}
		if onUpdate != nil && (job.Status != last.Status || job.Progress != last.Progress) {
			onUpdate(job)
		}
		last = job
		if job.Status.IsTerminal() {
			return job, nil
		}
		if err := httputil.Sleep(ctx, interval); err != nil {
			return last, err
		}
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.call(ctx, c.reads, http.MethodGet, path, query, nil, out)
}

func (c *Client) call(ctx context.Context, hc *httputil.Client, method, path string, query url.Values, body, out any) error {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	err := hc.DoJSON(ctx, method, endpoint, nil, body, out)
	var se *httputil.StatusError
	if errors.As(err, &se) {
		return &APIError{Status: se.Status, Message: errorMessage(se.Body)}
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage pulls the message out of an {"error": ...} body.
func errorMessage(body string) string {
	var resp api.ErrorResponse
	if err := json.Unmarshal([]byte(body), &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return strings.TrimSpace(body)
}
