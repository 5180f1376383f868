// Package creative edits reference images through Freepik's Seedream API.
package creative

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
	DefaultBaseURL      = "https://api.freepik.com"
	DefaultPollInterval = 3 * time.Second
	DefaultTimeout      = 60 * time.Second

	// MinImageLength is the smallest accepted base64 payload (~7KB decoded).
	MinImageLength = 10000

	seedreamPath = "/v1/ai/text-to-image/seedream-v4-5-edit"
)

// aspectRatios maps user-facing ratios to Seedream's names.
var aspectRatios = map[string]string{
	"original": "square_1_1",
	"1:1":      "square_1_1",
	"16:9":     "widescreen_16_9",
	"9:16":     "social_story_9_16",
	"2:3":      "portrait_2_3",
	"3:4":      "traditional_3_4",
	"3:2":      "standard_3_2",
	"4:3":      "classic_4_3",
	"21:9":     "cinematic_21_9",
}

// SeedreamAspect returns the Seedream aspect name, defaulting to square.
func SeedreamAspect(ratio string) string {
	if v, ok := aspectRatios[strings.TrimSpace(ratio)]; ok {
		return v
	}
	return "square_1_1"
}

type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Provider implements provider.Provider for creative jobs.
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
		client = httputil.NewClient(60*time.Second, httputil.DefaultRetryConfig())
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Kind() store.Kind { return store.KindCreative }

func (p *Provider) Name() string { return "freepik" }

func (p *Provider) Settings() provider.Settings {
	return provider.Settings{PollInterval: p.cfg.PollInterval, Timeout: p.cfg.Timeout}
}

func (p *Provider) headers() map[string]string {
	return map[string]string{"x-freepik-api-key": p.cfg.APIKey}
}

type generateRequest struct {
	Prompt              string   `json:"prompt"`
	ReferenceImages     []string `json:"reference_images"`
	AspectRatio         string   `json:"aspect_ratio"`
	EnableSafetyChecker bool     `json:"enable_safety_checker"`
}

// taskResponse covers both the flat and the {"data": {...}} response shapes.
type taskResponse struct {
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	ErrorMessage string          `json:"error_message"`
	Generated    json.RawMessage `json:"generated"`
	Data         *struct {
		TaskID       string          `json:"task_id"`
		Status       string          `json:"status"`
		Message      string          `json:"message"`
		ErrorMessage string          `json:"error_message"`
		Generated    json.RawMessage `json:"generated"`
	} `json:"data"`
}

func (t taskResponse) taskID() string {
	if t.Data != nil && t.Data.TaskID != "" {
		return t.Data.TaskID
	}
	return t.TaskID
}

func (t taskResponse) status() string {
	s := t.Status
	if t.Data != nil && t.Data.Status != "" {
		s = t.Data.Status
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

func (t taskResponse) reason() string {
	candidates := []string{t.ErrorMessage, t.Message}
	if t.Data != nil {
		candidates = append(candidates, t.Data.ErrorMessage, t.Data.Message)
	}
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return c
		}
	}
	return "Task failed"
}

func (t taskResponse) urls() []string {
	var out []string
	if t.Data != nil {
		out = append(out, generatedURLs(t.Data.Generated)...)
	}
	return append(out, generatedURLs(t.Generated)...)
}

// generatedURLs accepts entries that are plain strings or {"url": ...} objects.
func generatedURLs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		var s string
		if err := json.Unmarshal(e, &s); err == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(e, &obj); err == nil && obj.URL != "" {
			out = append(out, obj.URL)
		}
	}
	return out
}

func classify(status string) provider.State {
	switch status {
	case "COMPLETED", "SUCCEEDED", "SUCCESS":
		return provider.StateSucceeded
	case "FAILED", "ERROR":
		return provider.StateFailed
	default:
		return provider.StatePending
	}
}

// cleanImage strips a data URI prefix such as "data:image/jpeg;base64,".
func cleanImage(image string) string {
	image = strings.TrimSpace(image)
	if strings.HasPrefix(image, "data:") {
		if _, rest, ok := strings.Cut(image, ","); ok {
			return rest
		}
	}
	return image
}

func (p *Provider) Submit(ctx context.Context, job store.Job) (provider.Submission, error) {
	prompt := strings.TrimSpace(job.Input.Query)
	if prompt == "" {
		return provider.Submission{}, fmt.Errorf("%w: empty image prompt", provider.ErrInvalidInput)
	}
	image := cleanImage(job.Input.Image)
	if image == "" {
		return provider.Submission{}, fmt.Errorf("%w: no image provided for creative task", provider.ErrInvalidInput)
	}
	if len(image) < MinImageLength {
		return provider.Submission{}, fmt.Errorf("%w: image too small (%d base64 chars, minimum %d)",
			provider.ErrInvalidInput, len(image), MinImageLength)
	}

	req := generateRequest{
		Prompt:              prompt,
		ReferenceImages:     []string{image},
		AspectRatio:         SeedreamAspect(job.Input.Params["aspect_ratio"]),
		EnableSafetyChecker: true,
	}
	var raw json.RawMessage
	if err := p.client.DoJSON(ctx, http.MethodPost, p.cfg.BaseURL+seedreamPath, p.headers(), req, &raw); err != nil {
		return provider.Submission{}, fmt.Errorf("generate image: %w", err)
	}
	var task taskResponse
	if err := json.Unmarshal(raw, &task); err != nil {
		return provider.Submission{}, fmt.Errorf("decode generate response: %w", err)
	}

	status := task.status()
	res := p.result(task, raw)
	switch {
	case res.State == provider.StatePending && status != "":
		if task.taskID() == "" {
			return provider.Submission{}, fmt.Errorf("generate image: %s response has no task id", status)
		}
		return provider.Submission{TaskID: task.taskID()}, nil
	case res.State == provider.StatePending:
		// No status at all: the API answered synchronously with the images.
		res.State = provider.StateSucceeded
		res.RemoteStatus = "COMPLETED"
	}
	return provider.Submission{TaskID: task.taskID(), Done: &res}, nil
}

func (p *Provider) Poll(ctx context.Context, taskID string) (provider.PollResult, error) {
	endpoint := p.cfg.BaseURL + seedreamPath + "/" + url.PathEscape(taskID)
	var raw json.RawMessage
	if err := p.client.DoJSON(ctx, http.MethodGet, endpoint, p.headers(), nil, &raw); err != nil {
		return provider.PollResult{}, fmt.Errorf("poll image task: %w", err)
	}
	var task taskResponse
	if err := json.Unmarshal(raw, &task); err != nil {
		return provider.PollResult{}, fmt.Errorf("decode image task: %w", err)
	}
	res := p.result(task, raw)
	if res.TaskID == "" {
		res.TaskID = taskID
	}
	return res, nil
}

func (p *Provider) result(task taskResponse, raw json.RawMessage) provider.PollResult {
	status := task.status()
	res := provider.PollResult{
		TaskID:       task.taskID(),
		State:        classify(status),
		RemoteStatus: status,
		Raw:          raw,
	}
	if res.State == provider.StateFailed {
		res.Reason = task.reason()
	}
	return res
}

// Result is the stored result of a succeeded creative job.
type Result struct {
	TaskID        string   `json:"task_id,omitempty"`
	Status        string   `json:"status"`
	GeneratedURLs []string `json:"generated_urls"`
}

func (p *Provider) Extract(res provider.PollResult) (json.RawMessage, error) {
	var task taskResponse
	if err := json.Unmarshal(res.Raw, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidResult, err)
	}
	urls := task.urls()
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: response has no generated images", provider.ErrInvalidResult)
	}
	status := res.RemoteStatus
	if status == "" {
		status = "COMPLETED"
	}
	taskID := res.TaskID
	if taskID == "" {
		taskID = task.taskID()
	}
	return json.Marshal(Result{TaskID: taskID, Status: status, GeneratedURLs: urls})
}

// Decode parses a stored creative result.
func Decode(raw json.RawMessage) (Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("decode creative result: %w", err)
	}
	return r, nil
}
