package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidJob        = errors.New("invalid job")
	ErrDuplicate         = errors.New("already exists")
	ErrAmbiguous         = errors.New("ambiguous id")
	// ErrSkip may be returned by a MutateJob callback to abort without writing.
	ErrSkip = errors.New("skip update")
)

// DefaultListLimit applies when JobFilter.Limit is not positive.
const DefaultListLimit = 20

// Session groups commands from one caller and points at its latest job.
type Session struct {
	ID              string    `json:"session_id"`
	ActiveJobID     string    `json:"active_job_id,omitempty"`
	LastCommandText string    `json:"last_command_text,omitempty"`
	LastIntent      string    `json:"last_intent,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// stampSession fixes the timestamps of next before it is written. prev is
// the stored session when existed is true.
func stampSession(prev Session, existed bool, next *Session, now time.Time) {
	if existed {
		next.CreatedAt = prev.CreatedAt
		next.UpdatedAt = monotonicAfter(prev.UpdatedAt, now)
		return
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	SessionID string
	Kind      Kind
	Status    Status
	Limit     int
}

func (f JobFilter) matches(j Job) bool {
	if f.SessionID != "" && j.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}

func (f JobFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Store is the single source of truth for jobs and sessions. Every method is
// safe for concurrent use and every mutation is atomic per entity.
type Store interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	// UpdateJob replaces the stored job wholesale after validating the
	// status transition against the stored record.
	UpdateJob(ctx context.Context, job Job) (Job, error)
	// MutateJob performs read-modify-write under the store's lock. fn works on
	// a private copy; returning ErrSkip leaves the record untouched.
	MutateJob(ctx context.Context, id string, fn func(*Job) error) (Job, error)
	// ListJobs returns a newest-first point-in-time snapshot.
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateSession inserts or replaces a session.
	UpdateSession(ctx context.Context, session Session) (Session, error)
	// MutateSession performs read-modify-write of a session under the store's
	// lock, creating it when absent. fn sees the stored session, or one with
	// only ID set; returning ErrSkip leaves the record untouched.
	MutateSession(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	ResolveJobID(ctx context.Context, prefix string) (string, error)
	Close() error
}
