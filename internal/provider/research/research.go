// Package research submits research tasks to the Yutori research API.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sixseven/internal/httputil"
	"sixseven/internal/provider"
	"sixseven/internal/store"
)

const (
	DefaultBaseURL      = "https://api.yutori.com"
	DefaultPollInterval = 2500 * time.Millisecond
	DefaultTimeout      = 60 * time.Second
	DefaultTimezone     = "America/Los_Angeles"

	tasksPath = "/v1/research/tasks"
)

type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Provider implements provider.Provider for research jobs.
type Provider struct {
	cfg    Config
	client *httputil.Client
}

func New(cfg Config, client *httputil.Client) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = httputil.NewClient(30*time.Second, httputil.DefaultRetryConfig())
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Kind() store.Kind { return store.KindResearch }

func (p *Provider) Name() string { return "yutori" }

func (p *Provider) Settings() provider.Settings {
	return provider.Settings{PollInterval: p.cfg.PollInterval, Timeout: p.cfg.Timeout}
}

type outputSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

type submitRequest struct {
	Query        string `json:"query"`
	UserTimezone string `json:"user_timezone"`
	TaskSpec     struct {
		OutputSchema outputSchema `json:"output_schema"`
	} `json:"task_spec"`
}

func newSubmitRequest(query, timezone string) submitRequest {
	var req submitRequest
	req.Query = query
	req.UserTimezone = timezone
	stringList := map[string]any{"type": "array", "items": map[string]string{"type": "string"}}
	req.TaskSpec.OutputSchema = outputSchema{
		Type: "object",
		Properties: map[string]any{
			"answer":    map[string]string{"type": "string"},
			"bullets":   stringList,
			"citations": stringList,
		},
		Required: []string{"answer", "bullets", "citations"},
	}
	return req
}

// taskResponse is the subset of the Yutori task object the workflow reads.
type taskResponse struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	ViewURL      string          `json:"view_url"`
	ErrorMessage string          `json:"error_message"`
	Output       json.RawMessage `json:"output"`
	Markdown     string          `json:"markdown"`
}

func (t taskResponse) id() string {
	if t.ID != "" {
		return t.ID
	}
	return t.TaskID
}

func (p *Provider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
}

func (p *Provider) Submit(ctx context.Context, job store.Job) (provider.Submission, error) {
	query := strings.TrimSpace(job.Input.Query)
	if query == "" {
		return provider.Submission{}, fmt.Errorf("%w: empty research query", provider.ErrInvalidInput)
	}
	tz := job.Input.Params["timezone"]
	if tz == "" {
		tz = DefaultTimezone
	}

	var raw json.RawMessage
	if err := p.client.DoJSON(ctx, http.MethodPost, p.cfg.BaseURL+tasksPath, p.headers(), newSubmitRequest(query, tz), &raw); err != nil {
		return provider.Submission{}, fmt.Errorf("create research task: %w", err)
	}
	var task taskResponse
	if err := json.Unmarshal(raw, &task); err != nil {
		return provider.Submission{}, fmt.Errorf("decode research task: %w", err)
	}
	if task.id() == "" {
		return provider.Submission{}, fmt.Errorf("create research task: response has no task id")
	}
	return provider.Submission{TaskID: task.id()}, nil
}

func (p *Provider) Poll(ctx context.Context, taskID string) (provider.PollResult, error) {
	endpoint := p.cfg.BaseURL + tasksPath + "/" + url.PathEscape(taskID)
	var raw json.RawMessage
	if err := p.client.DoJSON(ctx, http.MethodGet, endpoint, p.headers(), nil, &raw); err != nil {
		return provider.PollResult{}, fmt.Errorf("poll research task: %w", err)
	}
	var task taskResponse
	if err := json.Unmarshal(raw, &task); err != nil {
		return provider.PollResult{}, fmt.Errorf("decode research task: %w", err)
	}
	status := strings.ToLower(strings.TrimSpace(task.Status))
	res := provider.PollResult{TaskID: taskID, State: classify(status), RemoteStatus: status, Raw: raw}
	if res.State == provider.StateFailed {
		res.Reason = task.ErrorMessage
		if res.Reason == "" {
			res.Reason = "Task failed"
		}
	}
	return res, nil
}

func classify(status string) provider.State {
	switch status {
	case "succeeded", "completed", "success":
		return provider.StateSucceeded
	case "failed", "error":
		return provider.StateFailed
	default:
		return provider.StatePending
	}
}

// Structured is the answer shape requested through the output schema.
type Structured struct {
	Answer    string   `json:"answer"`
	Bullets   []string `json:"bullets"`
	Citations []string `json:"citations"`
}

// Result is the stored result of a succeeded research job.
type Result struct {
	TaskID     string     `json:"task_id"`
	ViewURL    string     `json:"view_url,omitempty"`
	Structured Structured `json:"structured_result"`
	Markdown   string     `json:"markdown_result,omitempty"`
}

func (p *Provider) Extract(res provider.PollResult) (json.RawMessage, error) {
	var task taskResponse
	if err := json.Unmarshal(res.Raw, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidResult, err)
	}
	if len(task.Output) == 0 || string(task.Output) == "null" {
		return nil, fmt.Errorf("%w: missing output", provider.ErrInvalidResult)
	}
	var out Structured
	if err := json.Unmarshal(task.Output, &out); err != nil {
		return nil, fmt.Errorf("%w: output: %v", provider.ErrInvalidResult, err)
	}
	if strings.TrimSpace(out.Answer) == "" {
		return nil, fmt.Errorf("%w: output.answer is empty", provider.ErrInvalidResult)
	}
	if out.Bullets == nil {
		out.Bullets = []string{}
	}
	if out.Citations == nil {
		out.Citations = []string{}
	}
	taskID := res.TaskID
	if taskID == "" {
		taskID = task.id()
	}
	return json.Marshal(Result{
		TaskID:     taskID,
		ViewURL:    task.ViewURL,
		Structured: out,
		Markdown:   task.Markdown,
	})
}

// Decode parses a stored research result.
func Decode(raw json.RawMessage) (Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("decode research result: %w", err)
	}
	return r, nil
}
