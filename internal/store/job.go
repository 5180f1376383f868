package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxEvents bounds the per-job event timeline. Oldest events are evicted first.
const MaxEvents = 50

const jobIDPrefix = "job-"

type Kind string

const (
	KindResearch Kind = "research"
	KindCreative Kind = "creative"
)

func (k Kind) Valid() bool {
	return k == KindResearch || k == KindCreative
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ValidTransitions defines the job state machine. Terminal states have no
// outgoing edges.
var ValidTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is allowed. Staying in the same
// non-terminal state is allowed so workflows can persist progress.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	return slices.Contains(ValidTransitions[from], to)
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is one line of a job's timeline.
type Event struct {
	At      time.Time      `json:"ts"`
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Failure reasons recorded in JobError.Reason.
const (
	ReasonSubmitFailed  = "submit_failed"
	ReasonPollFailed    = "poll_failed"
	ReasonRemoteFailed  = "remote_failed"
	ReasonInvalidResult = "invalid_result"
	ReasonInvalidInput  = "invalid_input"
	ReasonTimeout       = "timeout"
	ReasonInterrupted   = "interrupted"
	ReasonInternal      = "internal"
)

// JobError is the bounded, secret-free failure payload of a failed job.
type JobError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Input is the immutable snapshot of the command that created a job.
type Input struct {
	CommandText string            `json:"command_text"`
	Query       string            `json:"query"`
	Params      map[string]string `json:"params,omitempty"`
	// Image is the reference image for creative jobs. Kept out of API output.
	Image string `json:"-"`
}

type Job struct {
	ID              string          `json:"job_id"`
	SessionID       string          `json:"session_id,omitempty"`
	Kind            Kind            `json:"type"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       time.Time       `json:"started_at,omitzero"`
	Input           Input           `json:"input"`
	Progress        int             `json:"progress"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *JobError       `json:"error,omitempty"`
	RemoteTaskID    string          `json:"remote_task_id,omitempty"`
	Events          []Event         `json:"events"`
	CancelRequested bool            `json:"cancel_requested"`
}

// NewJob builds a queued job with a fresh id.
func NewJob(kind Kind, sessionID string, input Input, now time.Time) Job {
	return Job{
		ID:        NewJobID(),
		SessionID: sessionID,
		Kind:      kind,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Input:     input,
		Events:    []Event{},
	}
}

// AppendEvent adds an event and evicts the oldest entries beyond MaxEvents.
func (j *Job) AppendEvent(level Level, msg string, data map[string]any) {
	j.Events = append(j.Events, Event{
		At:      time.Now().UTC(),
		Level:   level,
		Message: msg,
		Data:    data,
	})
	j.Events = capEvents(j.Events)
}

// LastEvent returns the most recent event, if any.
func (j Job) LastEvent() (Event, bool) {
	if len(j.Events) == 0 {
		return Event{}, false
	}
	return j.Events[len(j.Events)-1], true
}

// Clone returns a deep copy so callers never alias store memory.
func (j Job) Clone() Job {
	out := j
	out.Input.Params = maps.Clone(j.Input.Params)
	if j.Result != nil {
		out.Result = slices.Clone(j.Result)
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	out.Events = make([]Event, len(j.Events))
	for i, ev := range j.Events {
		ev.Data = maps.Clone(ev.Data)
		out.Events[i] = ev
	}
	return out
}

// Elapsed measures from creation to now, or to the last update once terminal.
func (j Job) Elapsed(now time.Time) time.Duration {
	end := now
	if j.Status.IsTerminal() {
		end = j.UpdatedAt
	}
	if end.Before(j.CreatedAt) {
		return 0
	}
	return end.Sub(j.CreatedAt)
}

// validate checks the record-level invariants that hold regardless of history.
func (j Job) validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, j.Status)
	}
	if j.Result != nil && j.Status != StatusSucceeded {
		return fmt.Errorf("%w: result set on %s job", ErrInvalidJob, j.Status)
	}
	if j.Error != nil && j.Status != StatusFailed {
		return fmt.Errorf("%w: error set on %s job", ErrInvalidJob, j.Status)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidJob, j.Progress)
	}
	return nil
}

// prepareNew validates a job about to be inserted and fills store-owned fields.
func prepareNew(job Job, now time.Time) (Job, error) {
	if err := job.validate(); err != nil {
		return Job{}, err
	}
	if job.Status != StatusQueued {
		return Job{}, fmt.Errorf("%w: new job must be queued, got %s", ErrInvalidJob, job.Status)
	}
	job = job.Clone()
	job.Events = capEvents(job.Events)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	return job, nil
}

// checkUpdate validates next against the stored record it replaces and
// normalizes the fields the store owns.
func checkUpdate(prev Job, next *Job, now time.Time) error {
	if next.ID != prev.ID {
		return fmt.Errorf("%w: id changed", ErrInvalidJob)
	}
	if !CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if err := next.validate(); err != nil {
		return err
	}
	next.Kind = prev.Kind
	next.SessionID = prev.SessionID
	next.CreatedAt = prev.CreatedAt
	next.Input = prev.Input
	next.CancelRequested = next.CancelRequested || prev.CancelRequested
	next.Events = capEvents(next.Events)
	next.UpdatedAt = monotonicAfter(prev.UpdatedAt, now)
	return nil
}

func capEvents(events []Event) []Event {
	if events == nil {
		return []Event{}
	}
	if over := len(events) - MaxEvents; over > 0 {
		events = slices.Clone(events[over:])
	}
	return events
}

func monotonicAfter(prev, now time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return jobIDPrefix + uuid.NewString()
}

// ShortID returns a human-friendly short form of a job ID (first 8 hex chars).
func ShortID(id string) string {
	id = strings.TrimPrefix(id, jobIDPrefix)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
