// Package orchestrator turns commands into jobs, answers status questions and
// cancels work on behalf of a session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sixseven/internal/dialogue"
	"sixseven/internal/httputil"
	"sixseven/internal/observe"
	"sixseven/internal/store"
	"sixseven/internal/worker"
)

const (
	DefaultTimezone    = "America/Los_Angeles"
	DefaultImagination = "vivid"
	DefaultAspectRatio = "original"
	DefaultStaleAfter  = 15 * time.Minute

	previewLen = 50
)

const unknownMessage = "I didn't understand that command. Try 'research', 'imagine', 'status', or 'stop'."

// ValidationError reports a malformed command. No job or session is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Scheduler runs a job's workflow off the caller's goroutine.
type Scheduler interface {
	Dispatch(jobID string) (*worker.Handle, error)
}

type CommandRequest struct {
	CommandText string `json:"command_text"`
	SessionID   string `json:"session_id,omitempty"`
	// Image is a base64 reference image, optionally a data: URI.
	Image       string `json:"image_base64,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Imagination string `json:"imagination,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type CommandResponse struct {
	Intent         Intent         `json:"intent"`
	Message        string         `json:"message"`
	SessionID      string         `json:"session_id"`
	JobID          string         `json:"job_id,omitempty"`
	Status         store.Status   `json:"status,omitempty"`
	ActiveJob      *StatusSummary `json:"active_job,omitempty"`
	CancelledJobID string         `json:"cancelled_job_id,omitempty"`
}

// StatusSummary describes a session's active job.
type StatusSummary struct {
	JobID          string       `json:"job_id"`
	Kind           store.Kind   `json:"type"`
	Status         store.Status `json:"status"`
	ElapsedSeconds int          `json:"elapsed_seconds"`
	Progress       int          `json:"progress"`
	LastEvent      *store.Event `json:"last_event,omitempty"`
}

type StatusResult struct {
	SessionID string         `json:"session_id"`
	Message   string         `json:"message"`
	ActiveJob *StatusSummary `json:"active_job"`
}

type CancelResult struct {
	JobID           string       `json:"job_id"`
	Success         bool         `json:"success"`
	AlreadyTerminal bool         `json:"already_terminal"`
	Status          store.Status `json:"status,omitempty"`
}

// Options tune the orchestrator. Zero values take the package defaults.
type Options struct {
	StaleAfter  time.Duration
	Timezone    string
	Imagination string
	AspectRatio string
}

type Orchestrator struct {
	store     store.Store
	scheduler Scheduler
	observer  observe.Observer
	opts      Options
	tracer    trace.Tracer
	now       func() time.Time
}

func New(st store.Store, scheduler Scheduler, obs observe.Observer, opts Options) *Orchestrator {
	if obs == nil {
		obs = observe.Nop{}
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	opts.Timezone = orDefault(opts.Timezone, DefaultTimezone)
	opts.Imagination = orDefault(opts.Imagination, DefaultImagination)
	opts.AspectRatio = orDefault(opts.AspectRatio, DefaultAspectRatio)
	return &Orchestrator{
		store:     st,
		scheduler: scheduler,
		observer:  obs,
		opts:      opts,
		tracer:    otel.Tracer("sixseven/orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleCommand routes one command. It never calls a remote provider; job
// execution is handed to the scheduler.
func (o *Orchestrator) HandleCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	text := strings.TrimSpace(req.CommandText)
	if text == "" {
		return CommandResponse{}, &ValidationError{Field: "command_text", Message: "must not be empty"}
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.command")
	defer span.End()

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	intent, query := ParseIntent(text)
	span.SetAttributes(attribute.String("intent", string(intent)), attribute.String("session.id", sessionID))
	log.Debug().Str("session", sessionID).Str("intent", string(intent)).Bool("has_query", query != "").Msg("orchestrator: intent parsed")
	o.observer.CommandHandled(string(intent))

	cmd := sessionUpdate{id: sessionID, text: req.CommandText, intent: intent}
	resp := CommandResponse{Intent: intent, SessionID: sessionID}
	switch intent {
	case IntentResearch, IntentCreative:
		return o.startJob(ctx, cmd, query, req)
	case IntentStatus:
		if err := o.recordCommand(ctx, cmd); err != nil {
			return CommandResponse{}, err
		}
		st, err := o.Status(ctx, sessionID)
		if err != nil {
			return CommandResponse{}, err
		}
		resp.Message = st.Message
		resp.ActiveJob = st.ActiveJob
	case IntentStop:
		if err := o.recordCommand(ctx, cmd); err != nil {
			return CommandResponse{}, err
		}
		res, err := o.CancelSession(ctx, sessionID)
		if err != nil {
			return CommandResponse{}, err
		}
		resp.Message = "No active task to cancel."
		if res.Success {
			resp.Message = "Task cancelled."
			resp.CancelledJobID = res.JobID
		}
	default:
		if err := o.recordCommand(ctx, cmd); err != nil {
			return CommandResponse{}, err
		}
		resp.Message = unknownMessage
	}
	return resp, nil
}

func (o *Orchestrator) startJob(ctx context.Context, cmd sessionUpdate, query string, req CommandRequest) (CommandResponse, error) {
	resp := CommandResponse{Intent: cmd.intent, SessionID: cmd.id}

	var (
		kind    store.Kind
		params  map[string]string
		message string
	)
	switch cmd.intent {
	case IntentResearch:
		if query == "" {
			resp.Message = "Please provide a research query."
			return resp, o.recordCommand(ctx, cmd)
		}
		kind = store.KindResearch
		params = map[string]string{"timezone": orDefault(req.Timezone, o.opts.Timezone)}
		message = "Starting research on: " + httputil.Truncate(query, previewLen) + "..."
	default:
		if query == "" {
			resp.Message = "Please provide an image prompt."
			return resp, o.recordCommand(ctx, cmd)
		}
		if strings.TrimSpace(req.Image) == "" {
			resp.Message = "Please provide an image for creative tasks."
			return resp, o.recordCommand(ctx, cmd)
		}
		kind = store.KindCreative
		params = map[string]string{
			"imagination":  orDefault(req.Imagination, o.opts.Imagination),
			"aspect_ratio": orDefault(req.AspectRatio, o.opts.AspectRatio),
		}
		message = "Generating image: " + httputil.Truncate(query, previewLen) + "..."
	}

	job := store.NewJob(kind, cmd.id, store.Input{
		CommandText: req.CommandText,
		Query:       query,
		Params:      params,
		Image:       req.Image,
	}, o.now())
	job, err := o.store.CreateJob(ctx, job)
	if err != nil {
		return CommandResponse{}, fmt.Errorf("create job: %w", err)
	}
	cmd.activeJobID = job.ID
	if err := o.recordCommand(ctx, cmd); err != nil {
		return CommandResponse{}, err
	}
	o.observer.JobCreated(job)

	if _, err := o.scheduler.Dispatch(job.ID); err != nil {
		o.failUndispatched(ctx, job.ID, err)
		return CommandResponse{}, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	log.Info().Str("job", store.ShortID(job.ID)).Str("type", string(kind)).Str("session", cmd.id).Msg("orchestrator: job dispatched")

	resp.Message = message
	resp.JobID = job.ID
	resp.Status = job.Status
	return resp, nil
}

// failUndispatched closes out a job no worker will ever pick up.
func (o *Orchestrator) failUndispatched(ctx context.Context, jobID string, cause error) {
	detail := httputil.ErrorDetail(cause)
	changed := false
	job, err := o.store.MutateJob(context.WithoutCancel(ctx), jobID, func(j *store.Job) error {
		if j.Status.IsTerminal() {
			return store.ErrSkip
		}
		j.Status = store.StatusFailed
		j.Error = &store.JobError{Reason: store.ReasonInternal, Message: "Could not schedule job", Detail: detail}
		j.AppendEvent(store.LevelError, "Could not schedule job", map[string]any{"reason": store.ReasonInternal, "detail": detail})
		changed = true
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("job", store.ShortID(jobID)).Msg("orchestrator: mark undispatched job failed")
		return
	}
	if changed {
		o.observer.JobCompleted(job)
	}
}

// Cancel requests cancellation. A queued job is cancelled on the spot; a
// running job is committed by its workflow at its next check.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (CancelResult, error) {
	res := CancelResult{JobID: jobID}
	flipped := false
	job, err := o.store.MutateJob(ctx, jobID, func(j *store.Job) error {
		if j.Status.IsTerminal() {
			res.AlreadyTerminal = true
			return store.ErrSkip
		}
		res.Success = true
		switch {
		case j.Status == store.StatusQueued:
			j.Status = store.StatusCancelled
			j.CancelRequested = true
			j.AppendEvent(store.LevelInfo, "Job cancelled", map[string]any{"before_start": true})
			flipped = true
		case !j.CancelRequested:
			j.CancelRequested = true
			j.AppendEvent(store.LevelInfo, "Cancellation requested", nil)
		default:
			return store.ErrSkip
		}
		return nil
	})
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	res.Status = job.Status
	if flipped {
		o.observer.JobCompleted(job)
	}
	log.Info().Str("job", store.ShortID(jobID)).Bool("success", res.Success).Str("status", string(job.Status)).Msg("orchestrator: cancel")
	return res, nil
}

// CancelSession cancels the session's active job, if any.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) (CancelResult, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.ActiveJobID == "" {
		return CancelResult{}, nil
	}
	res, err := o.Cancel(ctx, sess.ActiveJobID)
	if errors.Is(err, store.ErrNotFound) {
		return CancelResult{JobID: sess.ActiveJobID}, nil
	}
	return res, err
}

// Status summarizes the session's active job. It never writes.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (StatusResult, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	now := o.now()
	res := StatusResult{SessionID: sess.ID}

	var active *store.Job
	if sess.ActiveJobID != "" {
		job, err := o.store.GetJob(ctx, sess.ActiveJobID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return StatusResult{}, fmt.Errorf("load active job: %w", err)
		case job.Status.IsTerminal() && now.Sub(job.UpdatedAt) > o.opts.StaleAfter:
		default:
			active = &job
		}
	}

	res.Message = dialogue.StatusMessage(active, now)
	if active != nil {
		res.ActiveJob = Summarize(*active, now)
	}
	return res, nil
}

// Summarize builds the status view of a job.
func Summarize(job store.Job, now time.Time) *StatusSummary {
	s := &StatusSummary{
		JobID:          job.ID,
		Kind:           job.Kind,
		Status:         job.Status,
		ElapsedSeconds: int(job.Elapsed(now).Seconds()),
		Progress:       job.Progress,
	}
	if ev, ok := job.LastEvent(); ok {
		s.LastEvent = &ev
	}
	return s
}

// sessionUpdate is what one command writes to its session.
type sessionUpdate struct {
	id          string
	text        string
	intent      Intent
	activeJobID string
}

// recordCommand applies cmd to the session, creating it if needed. Only the
// fields the command owns are written, so concurrent commands on one session
// do not overwrite each other.
func (o *Orchestrator) recordCommand(ctx context.Context, cmd sessionUpdate) error {
	_, err := o.store.MutateSession(ctx, cmd.id, func(s *store.Session) error {
		s.LastCommandText = cmd.text
		if cmd.intent != IntentUnknown {
			s.LastIntent = string(cmd.intent)
		}
		if cmd.activeJobID != "" {
			s.ActiveJobID = cmd.activeJobID
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", cmd.id, err)
	}
	return nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
