// Package observe carries job lifecycle notifications to metrics, logs,
// notification channels and live streams.
package observe

import (
	"time"

	"github.com/rs/zerolog/log"

	"sixseven/internal/store"
)

// Call describes one external API call made on behalf of a job.
type Call struct {
	Service   string
	Operation string
	JobID     string
	Status    int
	Duration  time.Duration
	Err       error
}

func (c Call) Success() bool { return c.Err == nil }

// Observer receives lifecycle notifications. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	CommandHandled(intent string)
	JobCreated(job store.Job)
	JobStarted(job store.Job)
	JobProgress(job store.Job)
	JobCompleted(job store.Job)
	ExternalCall(call Call)
}

// Nop ignores everything.
type Nop struct{}

func (Nop) CommandHandled(string)  {}
func (Nop) JobCreated(store.Job)   {}
func (Nop) JobStarted(store.Job)   {}
func (Nop) JobProgress(store.Job)  {}
func (Nop) JobCompleted(store.Job) {}
func (Nop) ExternalCall(Call)      {}

type multi []Observer

// Multi fans notifications out to every non-nil observer in order.
func Multi(observers ...Observer) Observer {
	var m multi
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multi) CommandHandled(intent string) {
	for _, o := range m {
		o.CommandHandled(intent)
	}
}

func (m multi) JobCreated(job store.Job) {
	for _, o := range m {
		o.JobCreated(job)
	}
}

func (m multi) JobStarted(job store.Job) {
	for _, o := range m {
		o.JobStarted(job)
	}
}

func (m multi) JobProgress(job store.Job) {
	for _, o := range m {
		o.JobProgress(job)
	}
}

func (m multi) JobCompleted(job store.Job) {
	for _, o := range m {
		o.JobCompleted(job)
	}
}

func (m multi) ExternalCall(call Call) {
	for _, o := range m {
		o.ExternalCall(call)
	}
}

// Log writes lifecycle notifications to the global zerolog logger.
type Log struct{}

func (Log) CommandHandled(intent string) {
	log.Debug().Str("intent", intent).Msg("orchestrator: command handled")
}

func (Log) JobCreated(job store.Job) {
	log.Info().Str("job", store.ShortID(job.ID)).Str("type", string(job.Kind)).
		Str("session", job.SessionID).Msg("job created")
}

func (Log) JobStarted(job store.Job) {
	log.Info().Str("job", store.ShortID(job.ID)).Str("type", string(job.Kind)).Msg("job started")
}

func (Log) JobProgress(job store.Job) {
	ev := log.Debug().Str("job", store.ShortID(job.ID)).Int("progress", job.Progress)
	if last, ok := job.LastEvent(); ok {
		ev = ev.Str("event", last.Message)
	}
	ev.Msg("job progress")
}

func (Log) JobCompleted(job store.Job) {
	ev := log.Info()
	if job.Status == store.StatusFailed {
		ev = log.Warn()
	}
	ev = ev.Str("job", store.ShortID(job.ID)).Str("type", string(job.Kind)).Str("status", string(job.Status)).
		Dur("elapsed", job.Elapsed(job.UpdatedAt))
	if job.Error != nil {
		ev = ev.Str("reason", job.Error.Reason).Str("err", job.Error.Message)
	}
	ev.Msg("job completed")
}

func (Log) ExternalCall(call Call) {
	ev := log.Debug()
	if call.Err != nil {
		ev = log.Warn().Err(call.Err)
	}
	ev.Str("service", call.Service).Str("operation", call.Operation).Str("job", store.ShortID(call.JobID)).
		Int("status", call.Status).Dur("duration", call.Duration).Msg("external call")
}
