package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"
	"unicode/utf8"
)

// maxErrorBody bounds remote error bodies carried in errors and job events.
const maxErrorBody = 500

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Client sends JSON requests with retry.
type Client struct {
	HTTP  *http.Client
	Retry RetryConfig
}

// NewClient returns a Client whose attempts are each bounded by timeout.
func NewClient(timeout time.Duration, retry RetryConfig) *Client {
	return &Client{
		HTTP:  &http.Client{Timeout: timeout},
		Retry: retry,
	}
}

// DoJSON sends body (JSON-encoded when non-nil) and decodes a 2xx response
// into out. Non-2xx responses yield *StatusError.
func (c *Client) DoJSON(ctx context.Context, method, endpoint string, headers map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	start := time.Now()
	status, err := c.do(ctx, method, endpoint, headers, payload, out)
	if h := hooksFrom(ctx); h.OnCall != nil {
		h.OnCall(Call{
			Method:   method,
			URL:      RedactURLs(endpoint),
			Status:   status,
			Duration: time.Since(start),
			Err:      err,
		})
	}
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, payload []byte, out any) (int, error) {
	resp, err := Do(ctx, c.HTTP, func() (*http.Request, error) {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}, c.Retry)
	if err != nil {
		if se, ok := asStatusError(err); ok {
			return se.Status, err
		}
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, readStatusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// MaxErrorDetail bounds error text stored on jobs and in their events.
const MaxErrorDetail = 500

// ErrorDetail renders err for storage: URLs redacted, at most MaxErrorDetail
// bytes. A nil error yields "".
func ErrorDetail(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(RedactURLs(err.Error()), MaxErrorDetail)
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'` + "`" + `]+`)

// RedactURLs keeps scheme and host of every URL in msg and drops the rest,
// which may carry tokens or signed parameters.
func RedactURLs(msg string) string {
	return urlPattern.ReplaceAllStringFunc(msg, func(match string) string {
		parsed, err := url.Parse(match)
		if err != nil || parsed.Host == "" {
			return "[redacted-url]"
		}
		return parsed.Scheme + "://" + parsed.Host + "/REDACTED"
	})
}
