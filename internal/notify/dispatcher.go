package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"sixseven/internal/observe"
	"sixseven/internal/store"
)

const (
	defaultSendTimeout = 4 * time.Second
	defaultQueueSize   = 64
)

// Dispatcher fans terminal job notifications out to the configured senders.
// Observer callbacks only enqueue; Run does the network work.
type Dispatcher struct {
	observe.Nop

	senders     []Sender
	triggers    map[string]struct{}
	sendTimeout time.Duration
	queue       chan Payload
	now         func() time.Time
}

var _ observe.Observer = (*Dispatcher)(nil)

func NewDispatcher(senders []Sender, triggers []string) *Dispatcher {
	return &Dispatcher{
		senders:     senders,
		triggers:    TriggerSet(triggers),
		sendTimeout: defaultSendTimeout,
		queue:       make(chan Payload, defaultQueueSize),
		now:         time.Now,
	}
}

// JobCompleted enqueues a payload when the job's status is an enabled
// trigger. A full queue drops the notification rather than block the caller.
func (d *Dispatcher) JobCompleted(job store.Job) {
	if len(d.senders) == 0 {
		return
	}
	if _, ok := d.triggers[string(job.Status)]; !ok {
		return
	}
	select {
	case d.queue <- PayloadFor(job, d.now()):
	default:
		log.Warn().Str("job", store.ShortID(job.ID)).Str("status", string(job.Status)).Msg("notify: queue full, dropping notification")
	}
}

// Run delivers queued payloads until ctx ends, then flushes what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx))
			return
		case payload := <-d.queue:
			d.deliver(ctx, payload)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case payload := <-d.queue:
			d.deliver(ctx, payload)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, payload Payload) {
	results := SendAll(ctx, d.senders, payload, d.sendTimeout)
	for _, result := range results {
		if !result.Success {
			log.Warn().Str("channel", result.Channel).Str("job", store.ShortID(payload.JobID)).
				Str("event", payload.Event).Str("err", result.Error).Msg("notify: channel send failed")
		}
	}
	if len(results) > 0 && successCount(results) == 0 {
		log.Error().Str("job", store.ShortID(payload.JobID)).Str("err", summarizeFailures(results)).Msg("notify: all channels failed")
		return
	}
	log.Debug().Str("job", store.ShortID(payload.JobID)).Str("event", payload.Event).Msg("notify: sent")
}
