package notify

import (
	"context"
	"strings"
	"time"

	"sixseven/internal/dialogue"
	"sixseven/internal/store"
)

const (
	TriggerSucceeded = "succeeded"
	TriggerFailed    = "failed"
	TriggerCancelled = "cancelled"
)

var AllTriggers = []string{
	TriggerSucceeded,
	TriggerFailed,
	TriggerCancelled,
}

type Payload struct {
	Event     string `json:"event"`
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func IsValidTrigger(trigger string) bool {
	switch trigger {
	case TriggerSucceeded, TriggerFailed, TriggerCancelled:
		return true
	default:
		return false
	}
}

func DefaultTriggers() []string {
	out := make([]string, len(AllTriggers))
	copy(out, AllTriggers)
	return out
}

func TriggerSet(triggers []string) map[string]struct{} {
	if triggers == nil {
		triggers = DefaultTriggers()
	}
	out := make(map[string]struct{}, len(triggers))
	for _, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if IsValidTrigger(normalized) {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func EventLabel(event string) string {
	switch event {
	case TriggerSucceeded:
		return "Job Succeeded"
	case TriggerCancelled:
		return "Job Cancelled"
	default:
		return "Job Failed"
	}
}

// PayloadFor builds the notification for a terminal job.
func PayloadFor(job store.Job, now time.Time) Payload {
	return Payload{
		Event:     "job_" + string(job.Status),
		JobID:     job.ID,
		Kind:      string(job.Kind),
		Status:    string(job.Status),
		Message:   dialogue.ForJob(job).Speakable,
		SessionID: job.SessionID,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

func TestPayload() Payload {
	return Payload{
		Event:     "job_" + TriggerSucceeded,
		JobID:     "job-test",
		Kind:      string(store.KindResearch),
		Status:    TriggerSucceeded,
		Message:   "Test notification from sixseven",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
