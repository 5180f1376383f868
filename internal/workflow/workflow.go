// Package workflow drives a job through submit, poll and extract against its
// provider, committing every step to the store.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sixseven/internal/httputil"
	"sixseven/internal/observe"
	"sixseven/internal/provider"
	"sixseven/internal/store"
)

// progressCeiling keeps estimated progress below 100 until the job succeeds.
const progressCeiling = 95

var (
	// errJobCancelled signals that cancellation was requested for the job.
	errJobCancelled = errors.New("job cancelled")
	// errTimedOut is the cause attached to the workflow deadline.
	errTimedOut = errors.New("workflow deadline exceeded")
	// errNotRunning aborts a step whose job was finished by someone else.
	errNotRunning = errors.New("job no longer running")
)

// failure is a terminal workflow outcome that maps onto JobError.
type failure struct {
	reason  string
	message string
	err     error
}

func (f *failure) Error() string { return f.message + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

// Engine runs provider workflows.
type Engine struct {
	store       store.Store
	providers   *provider.Registry
	observer    observe.Observer
	tracer      trace.Tracer
	now         func() time.Time
	cancelCheck time.Duration
}

func New(st store.Store, providers *provider.Registry, obs observe.Observer) *Engine {
	if obs == nil {
		obs = observe.Nop{}
	}
	return &Engine{
		store:       st,
		providers:   providers,
		observer:    obs,
		tracer:      otel.Tracer("sixseven/workflow"),
		now:         func() time.Time { return time.Now().UTC() },
		cancelCheck: 250 * time.Millisecond,
	}
}

// Run executes the workflow for jobID. Job-level failures are recorded on the
// job and never returned; the error reports store or lookup problems only.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	// Store writes must land even after shutdown or the deadline fire.
	sctx := context.WithoutCancel(ctx)

	job, err := e.store.GetJob(sctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	span.SetAttributes(attribute.String("job.type", string(job.Kind)))

	p, err := e.providers.Get(job.Kind)
	if err != nil {
		return e.Fail(sctx, jobID, store.ReasonInternal, "No provider for job type", err)
	}

	job, started, err := e.start(sctx, jobID, p)
	if err != nil {
		return err
	}
	if !started {
		if job.Status == store.StatusCancelled {
			e.observer.JobCompleted(job)
		} else {
			log.Debug().Str("job", store.ShortID(jobID)).Str("status", string(job.Status)).Msg("workflow: job not startable, skipping")
		}
		return nil
	}
	e.observer.JobStarted(job)

	settings := p.Settings()
	// Remote calls end only on the deadline or shutdown. A cancel request
	// ends waitCtx, which covers the pause between polls.
	runCtx, cancelRun := context.WithDeadlineCause(ctx, job.StartedAt.Add(settings.Timeout), errTimedOut)
	defer cancelRun()
	waitCtx, stopWait := context.WithCancelCause(runCtx)
	defer stopWait(nil)
	go e.watchForCancellation(waitCtx, jobID, stopWait)

	runErr := e.drive(runCtx, waitCtx, sctx, job, p, settings)
	err = e.finish(ctx, waitCtx, sctx, jobID, settings, runErr)
	if job, gErr := e.store.GetJob(sctx, jobID); gErr == nil {
		span.SetAttributes(attribute.String("job.status", string(job.Status)))
		if job.Status == store.StatusFailed {
			span.SetStatus(codes.Error, job.Error.Reason)
		}
	}
	return err
}

// start moves the job from queued to running, or straight to cancelled when
// cancellation was requested before it started. started is false when this
// call did not take the job from queued.
func (e *Engine) start(sctx context.Context, jobID string, p provider.Provider) (store.Job, bool, error) {
	started := false
	job, err := e.store.MutateJob(sctx, jobID, func(j *store.Job) error {
		if j.Status != store.StatusQueued {
			return store.ErrSkip
		}
		if j.CancelRequested {
			j.Status = store.StatusCancelled
			j.AppendEvent(store.LevelInfo, "Job cancelled before start", nil)
			return nil
		}
		j.Status = store.StatusRunning
		j.StartedAt = e.now()
		j.Progress = 0
		j.AppendEvent(store.LevelInfo, "Job started", map[string]any{"provider": p.Name()})
		started = true
		return nil
	})
	if err != nil {
		return store.Job{}, false, fmt.Errorf("start job %s: %w", jobID, err)
	}
	return job, started, nil
}

// drive submits the remote task and polls it until a terminal outcome. It
// returns nil once success is committed. Calls run on runCtx; the poll
// interval waits on waitCtx.
func (e *Engine) drive(runCtx, waitCtx, sctx context.Context, job store.Job, p provider.Provider, settings provider.Settings) error {
	sub, err := p.Submit(e.callContext(runCtx, sctx, job.ID, p, "submit"), job)
	if err != nil {
		if errors.Is(err, provider.ErrInvalidInput) {
			return &failure{reason: store.ReasonInvalidInput, message: "Invalid task input", err: err}
		}
		return &failure{reason: store.ReasonSubmitFailed, message: "Failed to submit remote task", err: err}
	}
	if err := e.running(sctx, job.ID, func(j *store.Job) {
		j.RemoteTaskID = sub.TaskID
		j.AppendEvent(store.LevelInfo, "Remote task submitted", map[string]any{"task_id": sub.TaskID})
	}); err != nil {
		return err
	}

	pending := sub.Done
	for {
		cur, err := e.store.GetJob(sctx, job.ID)
		if err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		if cur.CancelRequested {
			return errJobCancelled
		}
		if runCtx.Err() != nil {
			return context.Cause(runCtx)
		}

		var res provider.PollResult
		if pending != nil {
			res, pending = *pending, nil
		} else {
			res, err = p.Poll(e.callContext(runCtx, sctx, job.ID, p, "poll"), sub.TaskID)
			if err != nil {
				return &failure{reason: store.ReasonPollFailed, message: "Failed to poll remote task", err: err}
			}
		}

		switch res.State {
		case provider.StateFailed:
			return &failure{reason: store.ReasonRemoteFailed, message: "Remote task failed", err: res.Err()}
		case provider.StateSucceeded:
			result, err := p.Extract(res)
			if err != nil {
				return &failure{reason: store.ReasonInvalidResult, message: "Remote task returned an invalid result", err: err}
			}
			return e.succeed(sctx, job.ID, result)
		default:
			if err := e.progress(sctx, job.ID, res.RemoteStatus, settings.Timeout); err != nil {
				return err
			}
		}

		if err := httputil.Sleep(waitCtx, settings.PollInterval); err != nil {
			return context.Cause(waitCtx)
		}
	}
}

// running applies fn only while the job is still running.
func (e *Engine) running(sctx context.Context, jobID string, fn func(*store.Job)) error {
	_, err := e.store.MutateJob(sctx, jobID, func(j *store.Job) error {
		if j.Status != store.StatusRunning {
			return errNotRunning
		}
		fn(j)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	return nil
}

func (e *Engine) progress(sctx context.Context, jobID, remoteStatus string, timeout time.Duration) error {
	var updated store.Job
	err := e.running(sctx, jobID, func(j *store.Job) {
		elapsed := e.now().Sub(j.StartedAt)
		j.Progress = estimateProgress(elapsed, timeout)
		j.AppendEvent(store.LevelInfo, "Polling update: "+remoteStatus, map[string]any{
			"status":          remoteStatus,
			"elapsed_seconds": int(elapsed.Seconds()),
		})
		updated = *j
	})
	if err != nil {
		return err
	}
	e.observer.JobProgress(updated)
	return nil
}

func estimateProgress(elapsed, timeout time.Duration) int {
	if timeout <= 0 || elapsed <= 0 {
		return 0
	}
	pct := int(elapsed * 100 / timeout)
	return min(pct, progressCeiling)
}

func (e *Engine) succeed(sctx context.Context, jobID string, result []byte) error {
	job, err := e.store.MutateJob(sctx, jobID, func(j *store.Job) error {
		if j.Status != store.StatusRunning {
			return errNotRunning
		}
		j.Status = store.StatusSucceeded
		j.Result = result
		j.Progress = 100
		j.AppendEvent(store.LevelInfo, "Job succeeded", nil)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	e.observer.JobCompleted(job)
	return nil
}

// finish commits the terminal state for whatever stopped drive. waitCtx
// carries the cancel, deadline or shutdown cause.
func (e *Engine) finish(ctx, waitCtx, sctx context.Context, jobID string, settings provider.Settings, err error) error {
	var f *failure
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotRunning):
		return nil
	case errors.Is(err, errJobCancelled) || errors.Is(context.Cause(waitCtx), errJobCancelled):
		return e.cancel(sctx, jobID)
	case ctx.Err() != nil:
		return e.Fail(sctx, jobID, store.ReasonInterrupted, "Job interrupted by shutdown", ctx.Err())
	case errors.Is(context.Cause(waitCtx), errTimedOut):
		return e.Fail(sctx, jobID, store.ReasonTimeout, fmt.Sprintf("Job timed out after %s", settings.Timeout), errTimedOut)
	case errors.As(err, &f):
		return e.Fail(sctx, jobID, f.reason, f.message, f.err)
	default:
		// Store errors: the record may be unwritable, but try to close it out.
		_ = e.Fail(sctx, jobID, store.ReasonInternal, "Internal error", err)
		return err
	}
}

func (e *Engine) cancel(sctx context.Context, jobID string) error {
	changed := false
	job, err := e.store.MutateJob(sctx, jobID, func(j *store.Job) error {
		if j.Status.IsTerminal() {
			return store.ErrSkip
		}
		j.Status = store.StatusCancelled
		j.CancelRequested = true
		j.AppendEvent(store.LevelInfo, "Job cancelled", nil)
		changed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if changed {
		e.observer.JobCompleted(job)
	}
	return nil
}

// Fail commits a failed status with a bounded, redacted error detail. It is a
// no-op for jobs that are already terminal.
func (e *Engine) Fail(ctx context.Context, jobID, reason, message string, cause error) error {
	detail := httputil.ErrorDetail(cause)
	changed := false
	job, err := e.store.MutateJob(context.WithoutCancel(ctx), jobID, func(j *store.Job) error {
		if j.Status.IsTerminal() {
			return store.ErrSkip
		}
		j.Status = store.StatusFailed
		j.Result = nil
		j.Error = &store.JobError{Reason: reason, Message: message, Detail: detail}
		data := map[string]any{"reason": reason}
		if detail != "" {
			data["detail"] = detail
		}
		j.AppendEvent(store.LevelError, message, data)
		changed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if changed {
		log.Warn().Str("job", store.ShortID(jobID)).Str("reason", reason).Str("err", detail).Msg("workflow: job failed")
		e.observer.JobCompleted(job)
	}
	return nil
}

// callContext attaches retry and call hooks so remote calls show up in the
// job's timeline and in external call metrics.
func (e *Engine) callContext(runCtx, sctx context.Context, jobID string, p provider.Provider, op string) context.Context {
	return httputil.WithHooks(runCtx, httputil.Hooks{
		OnRetry: func(r httputil.Retry) {
			data := map[string]any{
				"operation":    op,
				"attempt":      r.Attempt,
				"max_attempts": r.MaxAttempts,
				"delay_ms":     r.Delay.Milliseconds(),
			}
			if r.Status != 0 {
				data["status"] = r.Status
			}
			if r.Err != nil {
				data["error"] = httputil.ErrorDetail(r.Err)
			}
			msg := fmt.Sprintf("Retrying %s %s (attempt %d of %d)", p.Name(), op, r.Attempt, r.MaxAttempts)
			if err := e.running(sctx, jobID, func(j *store.Job) {
				j.AppendEvent(store.LevelWarning, msg, data)
			}); err != nil {
				log.Debug().Err(err).Str("job", store.ShortID(jobID)).Msg("workflow: retry event dropped")
			}
		},
		OnCall: func(c httputil.Call) {
			e.observer.ExternalCall(observe.Call{
				Service:   p.Name(),
				Operation: op,
				JobID:     jobID,
				Status:    c.Status,
				Duration:  c.Duration,
				Err:       c.Err,
			})
		},
	})
}

// watchForCancellation ends the poll wait as soon as cancellation is
// requested. A call already in flight is left to finish; the loop sees the
// request when it returns.
func (e *Engine) watchForCancellation(ctx context.Context, jobID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(e.cancelCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := e.store.GetJob(context.WithoutCancel(ctx), jobID)
			if err != nil {
				continue
			}
			if job.CancelRequested {
				cancel(errJobCancelled)
				return
			}
		}
	}
}
