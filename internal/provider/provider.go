// Package provider defines the contract between the workflow engine and the
// remote services that execute research and creative tasks.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"sixseven/internal/store"
)

var (
	// ErrInvalidInput marks jobs whose input the provider refuses to submit.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidResult marks terminal remote responses that fail schema checks.
	ErrInvalidResult = errors.New("invalid result")
)

type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Settings are the per-provider workflow timings.
type Settings struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// PollResult is one normalized observation of a remote task.
type PollResult struct {
	TaskID       string
	State        State
	RemoteStatus string
	// Reason is the remote failure message when State is StateFailed.
	Reason string
	Raw    json.RawMessage
}

// Err returns a *RemoteError for failed results and nil otherwise.
func (r PollResult) Err() error {
	if r.State != StateFailed {
		return nil
	}
	return &RemoteError{Status: r.RemoteStatus, Reason: r.Reason}
}

// Submission is the outcome of creating a remote task.
type Submission struct {
	TaskID string
	// Done is set when the remote API answered synchronously with a terminal
	// result, so no polling is needed.
	Done *PollResult
}

// RemoteError reports a task the remote service itself marked as failed.
type RemoteError struct {
	Status string
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote task %s", e.Status)
	}
	return fmt.Sprintf("remote task %s: %s", e.Status, e.Reason)
}

// Provider drives one kind of remote task.
type Provider interface {
	Kind() store.Kind
	// Name labels external calls in logs and metrics.
	Name() string
	Settings() Settings
	Submit(ctx context.Context, job store.Job) (Submission, error)
	Poll(ctx context.Context, taskID string) (PollResult, error)
	Extract(result PollResult) (json.RawMessage, error)
}

// Registry maps job kinds to providers.
type Registry struct {
	byKind map[store.Kind]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byKind: make(map[store.Kind]Provider, len(providers))}
	for _, p := range providers {
		r.byKind[p.Kind()] = p
	}
	return r
}

func (r *Registry) Get(kind store.Kind) (Provider, error) {
	p, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", kind)
	}
	return p, nil
}

// Kinds lists registered kinds in a stable order.
func (r *Registry) Kinds() []store.Kind {
	kinds := make([]store.Kind, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
