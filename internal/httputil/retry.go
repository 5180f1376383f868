package httputil

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig controls the retry behavior.
type RetryConfig struct {
	MaxRetries   int // retries after the first attempt
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of delay to randomize (0..1)
}

// DefaultRetryConfig returns sensible defaults for API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.25,
	}
}

func (c RetryConfig) attempts() int {
	if c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

// Retry describes one attempt that is about to be repeated.
type Retry struct {
	Attempt     int
	MaxAttempts int
	Status      int // 0 for network errors
	Delay       time.Duration
	Err         error
}

// Hooks observe retries and completed calls. They travel in the request
// context so callers several layers up can attribute calls to a job.
type Hooks struct {
	OnRetry func(Retry)
	OnCall  func(Call)
}

// Call summarizes one logical request including its retries.
type Call struct {
	Method   string
	URL      string
	Status   int
	Duration time.Duration
	Err      error
}

type hooksKey struct{}

// WithHooks returns a context carrying h.
func WithHooks(ctx context.Context, h Hooks) context.Context {
	return context.WithValue(ctx, hooksKey{}, h)
}

func hooksFrom(ctx context.Context) Hooks {
	h, _ := ctx.Value(hooksKey{}).(Hooks)
	return h
}

// Do executes an HTTP request with retry/backoff. buildReq is called per
// attempt because request bodies are consumed on read and must be recreated.
//
// Retries on: network errors, HTTP 429, HTTP 5xx.
// Fails fast on 4xx (non-429): the response is returned with body intact.
func Do(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), cfg RetryConfig) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	hooks := hooksFrom(ctx)
	maxAttempts := cfg.attempts()
	var lastErr error

	for attempt := range maxAttempts {
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < maxAttempts-1 {
				delay := backoff(cfg, attempt, nil)
				log.Warn().
					Int("attempt", attempt+1).
					Int("max", maxAttempts).
					Err(err).
					Msg("httputil: retrying after network error")
				notifyRetry(hooks, Retry{Attempt: attempt + 1, MaxAttempts: maxAttempts, Delay: delay, Err: err})
				if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
					return nil, sleepErr
				}
			}
			continue
		}

		// Success, no retry needed.
		if resp.StatusCode < 400 {
			return resp, nil
		}

		// 429 and 5xx are retried, honoring Retry-After if present.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			statusErr := readStatusError(resp)
			lastErr = statusErr
			if attempt < maxAttempts-1 {
				delay := backoff(cfg, attempt, resp)
				log.Warn().
					Int("attempt", attempt+1).
					Int("max", maxAttempts).
					Int("status", resp.StatusCode).
					Dur("delay", delay).
					Msg("httputil: retrying after server error")
				notifyRetry(hooks, Retry{Attempt: attempt + 1, MaxAttempts: maxAttempts, Status: resp.StatusCode, Delay: delay, Err: statusErr})
				if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
					return nil, sleepErr
				}
			}
			continue
		}

		// 4xx (non-429): fail fast, return response with body intact.
		return resp, nil
	}

	return nil, fmt.Errorf("all %d attempts exhausted: %w", maxAttempts, lastErr)
}

func notifyRetry(h Hooks, r Retry) {
	if h.OnRetry != nil {
		h.OnRetry(r)
	}
}

// readStatusError drains and closes resp, keeping a bounded body excerpt.
func readStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody*4))
	return &StatusError{Status: resp.StatusCode, Body: Truncate(strings.TrimSpace(string(body)), maxErrorBody)}
}

// backoff computes the sleep duration for the given attempt. If the response
// contains a Retry-After header, that value takes precedence.
func backoff(cfg RetryConfig, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			return ra
		}
	}

	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	jitter := delay * cfg.JitterFactor * (rand.Float64()*2 - 1) // ±jitter
	delay += jitter
	if delay < 0 {
		delay = float64(cfg.BaseDelay)
	}

	return time.Duration(delay)
}

// parseRetryAfter parses the Retry-After header value. It supports:
//   - seconds (e.g. "120")
//   - HTTP-date (e.g. "Thu, 01 Dec 2024 16:00:00 GMT")
//
// Returns 0 if the header is empty or unparseable.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}

	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if t, err := time.Parse(time.RFC1123, val); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}

	return 0
}

// sleepWithContext sleeps for d but returns immediately if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sleep is the exported form of sleepWithContext for poll loops.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleepWithContext(ctx, d)
}
