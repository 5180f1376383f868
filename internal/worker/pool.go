package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"sixseven/internal/store"
)

// ErrPoolClosed is returned by Dispatch before Start or after Stop.
var ErrPoolClosed = errors.New("worker pool closed")

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, reason, message string, cause error) error
}

// Handle tracks one dispatched job.
type Handle struct {
	JobID string
	done  chan struct{}
	err   error
}

// Done is closed when the job's workflow has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports the workflow's error. It is only meaningful after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool runs each dispatched job on its own goroutine, with at most n
// workflows executing at once.
type Pool struct {
	n      int
	runner Runner
	sem    *semaphore.Weighted
	active atomic.Int64

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewPool(n int, runner Runner) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{
		n:      n,
		runner: runner,
		sem:    semaphore.NewWeighted(int64(n)),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	log.Debug().Int("workers", p.n).Msg("worker pool started")
}

// Stop cancels running workflows and waits for every dispatched job to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Active reports jobs that are running or waiting for a worker slot.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Dispatch schedules jobID and returns immediately. The job stays queued in
// the store until a worker slot frees up.
func (p *Pool) Dispatch(jobID string) (*Handle, error) {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	ctx := p.ctx
	p.mu.Unlock()

	h := &Handle{JobID: jobID, done: make(chan struct{})}
	p.active.Add(1)
	go p.run(ctx, h)
	return h, nil
}

func (p *Pool) run(ctx context.Context, h *Handle) {
	defer p.wg.Done()
	defer close(h.done)
	defer p.active.Add(-1)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		// Shutdown while waiting: the job stays queued for recovery.
		log.Debug().Str("job", store.ShortID(h.JobID)).Msg("worker: dispatch abandoned before start")
		h.err = err
		return
	}
	defer p.sem.Release(1)

	h.err = p.processJob(ctx, h.JobID)
}

func (p *Pool) processJob(ctx context.Context, jobID string) (err error) {
	// Panic recovery.
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("job", store.ShortID(jobID)).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker panic")
			err = fmt.Errorf("worker panic: %v", r)
			if failErr := p.runner.Fail(context.WithoutCancel(ctx), jobID, store.ReasonInternal, "Internal error", err); failErr != nil {
				log.Error().Err(failErr).Str("job", store.ShortID(jobID)).Msg("worker: mark panicked job failed")
			}
		}
	}()

	log.Info().Str("job", store.ShortID(jobID)).Msg("worker processing job")

	if err := p.runner.Run(ctx, jobID); err != nil {
		log.Error().Err(err).Str("job", store.ShortID(jobID)).Msg("workflow failed")
		return err
	}
	return nil
}
