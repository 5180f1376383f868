package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sixseven/internal/observe"
	"sixseven/internal/provider"
	"sixseven/internal/store"
	"sixseven/internal/worker"
	"sixseven/internal/workflow"
)

// scriptedProvider stays pending until resolveAfter polls, or forever when
// resolveAfter is zero.
type scriptedProvider struct {
	kind         store.Kind
	resolveAfter int32
	polls        atomic.Int32
}

func (p *scriptedProvider) Kind() store.Kind { return p.kind }
func (p *scriptedProvider) Name() string     { return "scripted" }
func (p *scriptedProvider) Settings() provider.Settings {
	return provider.Settings{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second}
}

func (p *scriptedProvider) Submit(context.Context, store.Job) (provider.Submission, error) {
	return provider.Submission{TaskID: "remote-1"}, nil
}

func (p *scriptedProvider) Poll(context.Context, string) (provider.PollResult, error) {
	n := p.polls.Add(1)
	if p.resolveAfter > 0 && n >= p.resolveAfter {
		return provider.PollResult{State: provider.StateSucceeded, RemoteStatus: "succeeded", Raw: json.RawMessage(`{}`)}, nil
	}
	return provider.PollResult{State: provider.StatePending, RemoteStatus: "running"}, nil
}

func (p *scriptedProvider) Extract(provider.PollResult) (json.RawMessage, error) {
	return json.RawMessage(`{"task_id":"remote-1","structured_result":{"answer":"Qubits."}}`), nil
}

type stubScheduler struct {
	err error
	mu  sync.Mutex
	ids []string
}

func (s *stubScheduler) Dispatch(jobID string) (*worker.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, jobID)
	return nil, s.err
}

type counter struct {
	observe.Nop
	created   atomic.Int32
	completed atomic.Int32
	commands  atomic.Int32
}

func (c *counter) CommandHandled(string)  { c.commands.Add(1) }
func (c *counter) JobCreated(store.Job)   { c.created.Add(1) }
func (c *counter) JobCompleted(store.Job) { c.completed.Add(1) }

// setup wires the real workflow engine and worker pool behind the orchestrator.
func setup(t *testing.T, providers ...provider.Provider) (*Orchestrator, store.Store, *counter) {
	t.Helper()
	st := store.NewMemoryStore()
	obs := &counter{}
	engine := workflow.New(st, provider.NewRegistry(providers...), obs)
	pool := worker.NewPool(2, engine)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
	return New(st, pool, obs, Options{}), st, obs
}

func waitForJob(t *testing.T, st store.Store, id string, cond func(store.Job) bool) store.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := st.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if cond(job) {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for job %s, last status %s", id, job.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func queuedJob(t *testing.T, st store.Store, sessionID string) store.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), store.NewJob(store.KindResearch, sessionID, store.Input{Query: "q"}, time.Now().UTC()))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestResearchCommandRunsToSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o, st, obs := setup(t, &scriptedProvider{kind: store.KindResearch, resolveAfter: 3})

	resp, err := o.HandleCommand(ctx, CommandRequest{CommandText: "research quantum computing", SessionID: "s1"})
	if err != nil {
		t.Fatalf("handle command: %v", err)
	}
	if resp.Intent != IntentResearch || resp.Status != store.StatusQueued || resp.JobID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Message != "Starting research on: quantum computing..." {
		t.Fatalf("unexpected message %q", resp.Message)
	}

	job := waitForJob(t, st, resp.JobID, func(j store.Job) bool { return j.Status.IsTerminal() })
	if job.Status != store.StatusSucceeded || job.Result == nil {
		t.Fatalf("expected succeeded job with result, got %s %s", job.Status, job.Result)
	}
	first, last := job.Events[0], job.Events[len(job.Events)-1]
	if first.Level != store.LevelInfo || first.Message != "Job started" {
		t.Fatalf("expected first event info 'Job started', got %+v", first)
	}
	if last.Level != store.LevelInfo || last.Message != "Job succeeded" {
		t.Fatalf("expected last event info 'Job succeeded', got %+v", last)
	}
	if job.Input.Params["timezone"] != DefaultTimezone {
		t.Fatalf("expected default timezone param, got %v", job.Input.Params)
	}

	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.ActiveJobID != resp.JobID || sess.LastIntent != "research" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if obs.created.Load() != 1 || obs.commands.Load() != 1 {
		t.Fatalf("expected one command and one created notification, got %d/%d", obs.commands.Load(), obs.created.Load())
	}
}

func TestEmptySessionGetsGeneratedID(t *testing.T) {
	t.Parallel()
	sched := &stubScheduler{}
	o := New(store.NewMemoryStore(), sched, nil, Options{Timezone: "Europe/Berlin"})

	resp, err := o.HandleCommand(context.Background(), CommandRequest{CommandText: "research tides"})
	if err != nil {
		t.Fatalf("handle command: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected generated session id")
	}
	job, err := o.store.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Input.Params["timezone"] != "Europe/Berlin" {
		t.Fatalf("expected configured timezone, got %v", job.Input.Params)
	}
	if len(sched.ids) != 1 || sched.ids[0] != resp.JobID {
		t.Fatalf("expected job dispatched once, got %v", sched.ids)
	}
}

func TestCreativeCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sched := &stubScheduler{}
	st := store.NewMemoryStore()
	o := New(st, sched, nil, Options{})

	resp, err := o.HandleCommand(ctx, CommandRequest{CommandText: "imagine a neon city", SessionID: "s2"})
	if err != nil {
		t.Fatalf("handle command: %v", err)
	}
	if resp.Intent != IntentCreative || resp.JobID != "" || resp.Message != "Please provide an image for creative tasks." {
		t.Fatalf("unexpected response without image: %+v", resp)
	}
	jobs, err := st.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 || len(sched.ids) != 0 {
		t.Fatalf("expected no job without image, got %d jobs, %d dispatches", len(jobs), len(sched.ids))
	}

	resp, err = o.HandleCommand(ctx, CommandRequest{CommandText: "imagine a neon city", SessionID: "s2", Image: "aGVsbG8=", AspectRatio: "16:9"})
	if err != nil {
		t.Fatalf("handle command: %v", err)
	}
	if resp.Message != "Generating image: a neon city..." || resp.JobID == "" {
		t.Fatalf("unexpected response with image: %+v", resp)
	}
	job, err := st.GetJob(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Kind != store.KindCreative || job.Input.Image != "aGVsbG8=" {
		t.Fatalf("unexpected creative job: %+v", job)
	}
	if job.Input.Params["aspect_ratio"] != "16:9" || job.Input.Params["imagination"] != DefaultImagination {
		t.Fatalf("unexpected creative params: %v", job.Input.Params)
	}
}

func TestEmptyQueryCreatesNoJob(t *testing.T) {
	t.Parallel()
	sched := &stubScheduler{}
	o := New(store.NewMemoryStore(), sched, nil, Options{})

	for text, want := range map[string]string{
		"research":        "Please provide a research query.",
		"imagine: ":       "Please provide an image prompt.",
		"research this: ": "Please provide a research query.",
	} {
		resp, err := o.HandleCommand(context.Background(), CommandRequest{CommandText: text, SessionID: "s"})
		if err != nil {
			t.Fatalf("%q: %v", text, err)
		}
		if resp.Message != want || resp.JobID != "" {
			t.Fatalf("%q: unexpected response %+v", text, resp)
		}
	}
	if len(sched.ids) != 0 {
		t.Fatalf("expected no dispatches, got %v", sched.ids)
	}
}

func TestUnknownCommandOnlyTouchesLastCommandText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	o := New(st, &stubScheduler{}, nil, Options{})

	job := queuedJob(t, st, "s3")
	if _, err := st.UpdateSession(ctx, store.Session{ID: "s3", ActiveJobID: job.ID, LastIntent: "research", LastCommandText: "research q"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	resp, err := o.HandleCommand(ctx, CommandRequest{CommandText: "sing me a song", SessionID: "s3"})
	if err != nil {
		t.Fatalf("handle command: %v", err)
	}
	if resp.Intent != IntentUnknown || resp.Message != unknownMessage || resp.JobID != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	sess, err := st.GetSession(ctx, "s3")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.LastCommandText != "sing me a song" {
		t.Fatalf("expected last command text updated, got %q", sess.LastCommandText)
	}
	if sess.LastIntent != "research" || sess.ActiveJobID != job.ID {
		t.Fatalf("expected rest of session untouched, got %+v", sess)
	}
	jobs, _ := st.ListJobs(ctx, store.JobFilter{})
	if len(jobs) != 1 {
		t.Fatalf("expected no new job, got %d", len(jobs))
	}
}

type holdKey struct{}

// holdingStore pauses session access for calls whose context carries holdKey
// until release is closed.
type holdingStore struct {
	store.Store
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *holdingStore) hold(ctx context.Context) {
	if ctx.Value(holdKey{}) == nil {
		return
	}
	h.once.Do(func() { close(h.reached) })
	<-h.release
}

func (h *holdingStore) GetSession(ctx context.Context, id string) (store.Session, error) {
	h.hold(ctx)
	return h.Store.GetSession(ctx, id)
}

func (h *holdingStore) UpdateSession(ctx context.Context, sess store.Session) (store.Session, error) {
	h.hold(ctx)
	return h.Store.UpdateSession(ctx, sess)
}

func (h *holdingStore) MutateSession(ctx context.Context, id string, fn func(*store.Session) error) (store.Session, error) {
	h.hold(ctx)
	return h.Store.MutateSession(ctx, id, fn)
}

func TestConcurrentCommandsKeepActiveJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	if _, err := st.UpdateSession(ctx, store.Session{ID: "s8", LastCommandText: "hello"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	hs := &holdingStore{Store: st, reached: make(chan struct{}), release: make(chan struct{})}
	o := New(hs, &stubScheduler{}, nil, Options{})

	unknownDone := make(chan error, 1)
	go func() {
		_, err := o.HandleCommand(context.WithValue(ctx, holdKey{}, true), CommandRequest{CommandText: "sing me a song", SessionID: "s8"})
		unknownDone <- err
	}()
	select {
	case <-hs.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("unknown command never touched the session")
	}

	resp, err := o.HandleCommand(ctx, CommandRequest{CommandText: "research tides", SessionID: "s8"})
	if err != nil {
		t.Fatalf("research command: %v", err)
	}
	close(hs.release)
	select {
	case err := <-unknownDone:
		if err != nil {
			t.Fatalf("unknown command: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unknown command did not finish")
	}

	sess, err := st.GetSession(ctx, "s8")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.ActiveJobID != resp.JobID || sess.LastIntent != "research" {
		t.Fatalf("active job lost to concurrent command: %+v", sess)
	}
	if sess.LastCommandText != "sing me a song" {
		t.Fatalf("expected last command text from the later write, got %q", sess.LastCommandText)
	}
}

func TestEmptyCommandIsValidationError(t *testing.T) {
	t.Parallel()
	o := New(store.NewMemoryStore(), &stubScheduler{}, nil, Options{})

	_, err := o.HandleCommand(context.Background(), CommandRequest{CommandText: "   "})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "command_text" {
		t.Fatalf("unexpected field %q", verr.Field)
	}
}

func TestDispatchFailureMarksJobFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	obs := &counter{}
	schedErr := fmt.Errorf("%w: notify https://hooks.example.com/t/secret-token", worker.ErrPoolClosed)
	o := New(st, &stubScheduler{err: schedErr}, obs, Options{})

	_, err := o.HandleCommand(ctx, CommandRequest{CommandText: "research tides", SessionID: "s4"})
	if !errors.Is(err, worker.ErrPoolClosed) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	jobs, err := st.ListJobs(ctx, store.JobFilter{SessionID: "s4"})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected one job, got %d (%v)", len(jobs), err)
	}
	if jobs[0].Status != store.StatusFailed || jobs[0].Error.Reason != store.ReasonInternal {
		t.Fatalf("expected failed/internal, got %s %+v", jobs[0].Status, jobs[0].Error)
	}
	if detail := jobs[0].Error.Detail; strings.Contains(detail, "secret-token") || !strings.Contains(detail, "https://hooks.example.com/REDACTED") {
		t.Fatalf("expected redacted detail, got %q", detail)
	}
	if obs.completed.Load() != 1 {
		t.Fatalf("expected completion notification, got %d", obs.completed.Load())
	}
}

func TestCancelQueuedJobIsImmediateAndIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	obs := &counter{}
	o := New(st, &stubScheduler{}, obs, Options{})
	job := queuedJob(t, st, "")

	res, err := o.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.Success || res.AlreadyTerminal || res.Status != store.StatusCancelled {
		t.Fatalf("unexpected first cancel result: %+v", res)
	}
	cancelled, _ := st.GetJob(ctx, job.ID)
	if !cancelled.CancelRequested || len(cancelled.Events) != 1 {
		t.Fatalf("expected cancel flag and one event, got %+v", cancelled)
	}

	res, err = o.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if res.Success || !res.AlreadyTerminal || res.Status != store.StatusCancelled {
		t.Fatalf("unexpected repeat cancel result: %+v", res)
	}
	again, _ := st.GetJob(ctx, job.ID)
	if !again.UpdatedAt.Equal(cancelled.UpdatedAt) || len(again.Events) != 1 {
		t.Fatalf("repeat cancel mutated the job")
	}
	if obs.completed.Load() != 1 {
		t.Fatalf("expected exactly one completion, got %d", obs.completed.Load())
	}
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	o := New(st, &stubScheduler{}, nil, Options{})
	job := queuedJob(t, st, "")

	for _, status := range []store.Status{store.StatusRunning, store.StatusSucceeded} {
		if _, err := st.MutateJob(ctx, job.ID, func(j *store.Job) error {
			j.Status = status
			if status == store.StatusSucceeded {
				j.Result = json.RawMessage(`{}`)
			}
			return nil
		}); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
	}
	before, _ := st.GetJob(ctx, job.ID)

	res, err := o.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Success || !res.AlreadyTerminal || res.Status != store.StatusSucceeded {
		t.Fatalf("unexpected result: %+v", res)
	}
	after, _ := st.GetJob(ctx, job.ID)
	if after.CancelRequested || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("cancel mutated a terminal job: %+v", after)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()
	o := New(store.NewMemoryStore(), &stubScheduler{}, nil, Options{})
	if _, err := o.Cancel(context.Background(), "job-missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &scriptedProvider{kind: store.KindResearch}
	o, st, _ := setup(t, p)

	resp, err := o.HandleCommand(ctx, CommandRequest{CommandText: "research slow thing", SessionID: "s5"})
	if err != nil {
		t.Fatalf("handle command: %v", err)
	}
	waitForJob(t, st, resp.JobID, func(j store.Job) bool { return j.Status == store.StatusRunning && p.polls.Load() > 0 })

	stop, err := o.HandleCommand(ctx, CommandRequest{CommandText: "stop", SessionID: "s5"})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stop.Intent != IntentStop || stop.CancelledJobID != resp.JobID || stop.Message != "Task cancelled." {
		t.Fatalf("unexpected stop response: %+v", stop)
	}

	job := waitForJob(t, st, resp.JobID, func(j store.Job) bool { return j.Status.IsTerminal() })
	if job.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	polls := p.polls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := p.polls.Load(); got != polls {
		t.Fatalf("expected no polls after cancellation, got %d more", got-polls)
	}

	again, err := o.HandleCommand(ctx, CommandRequest{CommandText: "cancel", SessionID: "s5"})
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if again.Message != "No active task to cancel." || again.CancelledJobID != "" {
		t.Fatalf("unexpected second stop response: %+v", again)
	}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	o := New(st, &stubScheduler{}, nil, Options{})

	resp, err := o.HandleCommand(ctx, CommandRequest{CommandText: "status", SessionID: "s6"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Message != "No active tasks." || resp.ActiveJob != nil {
		t.Fatalf("unexpected empty status: %+v", resp)
	}

	started, err := o.HandleCommand(ctx, CommandRequest{CommandText: "research tides", SessionID: "s6"})
	if err != nil {
		t.Fatalf("research: %v", err)
	}
	resp, err = o.HandleCommand(ctx, CommandRequest{CommandText: "status", SessionID: "s6"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.ActiveJob == nil || resp.ActiveJob.JobID != started.JobID || resp.Message != "Your research task is queued." {
		t.Fatalf("unexpected status: %+v", resp)
	}
}

func TestStatusHidesStaleTerminalJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	o := New(st, &stubScheduler{}, nil, Options{StaleAfter: time.Minute})
	job := queuedJob(t, st, "s7")
	if _, err := st.UpdateSession(ctx, store.Session{ID: "s7", ActiveJobID: job.ID}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if _, err := o.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res, err := o.Status(ctx, "s7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.ActiveJob == nil || res.Message != "Your research task was cancelled." {
		t.Fatalf("expected fresh terminal job visible, got %+v", res)
	}
	if res.ActiveJob.LastEvent == nil || res.ActiveJob.LastEvent.Message != "Job cancelled" {
		t.Fatalf("expected last event in summary, got %+v", res.ActiveJob.LastEvent)
	}

	o.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	res, err = o.Status(ctx, "s7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.ActiveJob != nil || res.Message != "No active tasks." {
		t.Fatalf("expected stale job hidden, got %+v", res)
	}

	sess, _ := st.GetSession(ctx, "s7")
	if sess.ActiveJobID != job.ID {
		t.Fatalf("status must not rewrite the session, got %+v", sess)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	t.Parallel()
	o := New(store.NewMemoryStore(), &stubScheduler{}, nil, Options{})
	_, err := o.Status(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected session id in error, got %v", err)
	}
}
