package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		s, err := Open(filepath.Join(t.TempDir(), "sixseven.db"))
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func newResearchJob(sessionID string) Job {
	return NewJob(KindResearch, sessionID, Input{
		CommandText: "research quantum computing",
		Query:       "quantum computing",
		Params:      map[string]string{"timezone": "America/Los_Angeles"},
	}, time.Time{})
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newResearchJob("s1")
		job.Input.Image = "abc"

		created, err := s.CreateJob(ctx, job)
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		if created.CreatedAt.IsZero() || !created.UpdatedAt.Equal(created.CreatedAt) {
			t.Fatalf("expected timestamps set, got created=%v updated=%v", created.CreatedAt, created.UpdatedAt)
		}

		got, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status != StatusQueued || got.Kind != KindResearch || got.SessionID != "s1" {
			t.Fatalf("unexpected job: %+v", got)
		}
		if got.Input.Query != "quantum computing" || got.Input.Params["timezone"] != "America/Los_Angeles" {
			t.Fatalf("unexpected input: %+v", got.Input)
		}
		if got.Input.Image != "abc" {
			t.Fatalf("expected image kept in store, got %q", got.Input.Image)
		}

		if _, err := s.CreateJob(ctx, job); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("want ErrDuplicate, got %v", err)
		}
	})
}

func TestCreateJobRejectsNonQueued(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		job := newResearchJob("")
		job.Status = StatusRunning
		if _, err := s.CreateJob(context.Background(), job); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("want ErrInvalidJob, got %v", err)
		}
	})
}

func TestGetAndUpdateUnknownJob(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.GetJob(ctx, "job-missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get: want ErrNotFound, got %v", err)
		}
		job := newResearchJob("")
		if _, err := s.UpdateJob(ctx, job); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update: want ErrNotFound, got %v", err)
		}
		if _, err := s.MutateJob(ctx, job.ID, func(*Job) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("mutate: want ErrNotFound, got %v", err)
		}
	})
}

func TestJobStateTransitions(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}

		// queued -> succeeded skips running.
		bad := job
		bad.Status = StatusSucceeded
		bad.Result = json.RawMessage(`{}`)
		if _, err := s.UpdateJob(ctx, bad); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("want ErrInvalidTransition, got %v", err)
		}

		job.Status = StatusRunning
		job, err = s.UpdateJob(ctx, job)
		if err != nil {
			t.Fatalf("queued -> running: %v", err)
		}

		job.Status = StatusSucceeded
		job.Result = json.RawMessage(`{"answer":"42"}`)
		job, err = s.UpdateJob(ctx, job)
		if err != nil {
			t.Fatalf("running -> succeeded: %v", err)
		}

		for _, to := range []Status{StatusQueued, StatusRunning, StatusFailed, StatusCancelled, StatusSucceeded} {
			next := job
			next.Status = to
			next.Result = nil
			if to == StatusSucceeded {
				next.Result = job.Result
			}
			if _, err := s.UpdateJob(ctx, next); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("succeeded -> %s: want ErrInvalidTransition, got %v", to, err)
			}
		}

		got, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status != StatusSucceeded || string(got.Result) != `{"answer":"42"}` {
			t.Fatalf("terminal job changed: %+v", got)
		}
	})
}

func TestResultAndErrorExclusive(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		_, err = s.MutateJob(ctx, job.ID, func(j *Job) error {
			j.Status = StatusRunning
			j.Result = json.RawMessage(`{}`)
			return nil
		})
		if !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("result on running job: want ErrInvalidJob, got %v", err)
		}
		_, err = s.MutateJob(ctx, job.ID, func(j *Job) error {
			j.Status = StatusRunning
			j.Error = &JobError{Reason: ReasonInternal, Message: "boom"}
			return nil
		})
		if !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("error on running job: want ErrInvalidJob, got %v", err)
		}
	})
}

func TestEventsCappedOldestFirst(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		for i := range MaxEvents + 1 {
			_, err := s.MutateJob(ctx, job.ID, func(j *Job) error {
				j.AppendEvent(LevelInfo, fmt.Sprintf("event %d", i), nil)
				return nil
			})
			if err != nil {
				t.Fatalf("append event %d: %v", i, err)
			}
		}
		got, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if len(got.Events) != MaxEvents {
			t.Fatalf("want %d events, got %d", MaxEvents, len(got.Events))
		}
		if got.Events[0].Message != "event 1" {
			t.Fatalf("want oldest event evicted, first is %q", got.Events[0].Message)
		}
		if got.Events[MaxEvents-1].Message != fmt.Sprintf("event %d", MaxEvents) {
			t.Fatalf("unexpected last event %q", got.Events[MaxEvents-1].Message)
		}
	})
}

func TestUpdateJobCapsOversizedEvents(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		for i := range 60 {
			job.Events = append(job.Events, Event{Level: LevelInfo, Message: fmt.Sprintf("e%d", i)})
		}
		got, err := s.UpdateJob(ctx, job)
		if err != nil {
			t.Fatalf("update job: %v", err)
		}
		if len(got.Events) != MaxEvents || got.Events[0].Message != "e10" {
			t.Fatalf("want last %d events starting at e10, got %d starting at %q", MaxEvents, len(got.Events), got.Events[0].Message)
		}
	})
}

func TestCancelRequestedIsMonotonic(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		stale := job

		if _, err := s.MutateJob(ctx, job.ID, func(j *Job) error {
			j.CancelRequested = true
			return nil
		}); err != nil {
			t.Fatalf("request cancel: %v", err)
		}

		// A writer holding a copy from before the cancel must not clear it.
		stale.Progress = 10
		got, err := s.UpdateJob(ctx, stale)
		if err != nil {
			t.Fatalf("stale update: %v", err)
		}
		if !got.CancelRequested {
			t.Fatalf("expected cancel_requested to survive stale update")
		}
	})
}

func TestUpdatedAtMonotonic(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		prev := job.UpdatedAt
		for i := range 5 {
			got, err := s.MutateJob(ctx, job.ID, func(j *Job) error {
				j.Progress = i
				return nil
			})
			if err != nil {
				t.Fatalf("mutate: %v", err)
			}
			if !got.UpdatedAt.After(prev) {
				t.Fatalf("updated_at did not advance: prev=%v got=%v", prev, got.UpdatedAt)
			}
			prev = got.UpdatedAt
		}
	})
}

func TestMutateJobSkipLeavesRecord(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		got, err := s.MutateJob(ctx, job.ID, func(j *Job) error {
			j.Progress = 50
			return ErrSkip
		})
		if err != nil {
			t.Fatalf("mutate: %v", err)
		}
		if got.Progress != 0 || !got.UpdatedAt.Equal(job.UpdatedAt) {
			t.Fatalf("expected untouched job, got progress=%d updated=%v", got.Progress, got.UpdatedAt)
		}

		boom := errors.New("boom")
		if _, err := s.MutateJob(ctx, job.ID, func(*Job) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("want callback error, got %v", err)
		}
	})
}

func TestConcurrentUpdatesAreAtomic(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}

		const writers = 8
		const rounds = 10
		var wg sync.WaitGroup
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range rounds {
					_, err := s.MutateJob(ctx, job.ID, func(j *Job) error {
						// Both fields come from the same writer; a torn write
						// would leave them disagreeing.
						j.Progress = w
						j.RemoteTaskID = fmt.Sprintf("writer-%d", w)
						j.AppendEvent(LevelInfo, fmt.Sprintf("writer-%d", w), nil)
						return nil
					})
					if err != nil {
						t.Errorf("mutate: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		got, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.RemoteTaskID != fmt.Sprintf("writer-%d", got.Progress) {
			t.Fatalf("torn write: progress=%d remote_task_id=%q", got.Progress, got.RemoteTaskID)
		}
		last, _ := got.LastEvent()
		if last.Message != got.RemoteTaskID {
			t.Fatalf("torn write: last event %q vs remote_task_id %q", last.Message, got.RemoteTaskID)
		}
		if len(got.Events) != MaxEvents {
			t.Fatalf("want %d events after %d writes, got %d", MaxEvents, writers*rounds, len(got.Events))
		}
	})
}

func TestConcurrentUpdateJobIsAtomic(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		const writers = 8
		const rounds = 10
		var wg sync.WaitGroup
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range rounds {
					// Every replaced field comes from this writer.
					full := job.Clone()
					full.Progress = w
					full.RemoteTaskID = fmt.Sprintf("writer-%d", w)
					full.StartedAt = base.Add(time.Duration(w) * time.Second)
					full.Events = []Event{{At: full.StartedAt, Level: LevelInfo, Message: full.RemoteTaskID}}
					if _, err := s.UpdateJob(ctx, full); err != nil {
						t.Errorf("update: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		got, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		w := got.Progress
		if got.RemoteTaskID != fmt.Sprintf("writer-%d", w) || !got.StartedAt.Equal(base.Add(time.Duration(w)*time.Second)) {
			t.Fatalf("mixed writers: progress=%d remote_task_id=%q started_at=%v", w, got.RemoteTaskID, got.StartedAt)
		}
		if len(got.Events) != 1 || got.Events[0].Message != got.RemoteTaskID {
			t.Fatalf("mixed writers: events %+v for %q", got.Events, got.RemoteTaskID)
		}
		if got.Status != StatusQueued || got.Input.Query != job.Input.Query {
			t.Fatalf("store-owned fields changed: %s %+v", got.Status, got.Input)
		}
	})
}

func TestConcurrentSessionMutationsKeepEveryField(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		const rounds = 20
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range rounds {
				if _, err := s.MutateSession(ctx, "s1", func(sess *Session) error {
					sess.ActiveJobID = fmt.Sprintf("job-%d", i)
					return nil
				}); err != nil {
					t.Errorf("set active job: %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := range rounds {
				if _, err := s.MutateSession(ctx, "s1", func(sess *Session) error {
					sess.LastCommandText = fmt.Sprintf("command %d", i)
					return nil
				}); err != nil {
					t.Errorf("set command text: %v", err)
					return
				}
			}
		}()
		wg.Wait()

		got, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		want := fmt.Sprintf("job-%d", rounds-1)
		if got.ActiveJobID != want || got.LastCommandText != fmt.Sprintf("command %d", rounds-1) {
			t.Fatalf("lost update: %+v", got)
		}
	})
}

func TestMutateSessionCreatesAndSkips(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created, err := s.MutateSession(ctx, "s1", func(sess *Session) error {
			if sess.ID != "s1" || !sess.CreatedAt.IsZero() {
				t.Errorf("expected fresh session, got %+v", sess)
			}
			sess.LastIntent = "status"
			return nil
		})
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		if created.CreatedAt.IsZero() || !created.UpdatedAt.Equal(created.CreatedAt) {
			t.Fatalf("expected stamped session, got %+v", created)
		}

		skipped, err := s.MutateSession(ctx, "s1", func(sess *Session) error {
			sess.LastIntent = "stop"
			return ErrSkip
		})
		if err != nil {
			t.Fatalf("skip: %v", err)
		}
		if skipped.LastIntent != "status" || !skipped.UpdatedAt.Equal(created.UpdatedAt) {
			t.Fatalf("expected untouched session, got %+v", skipped)
		}

		boom := errors.New("boom")
		if _, err := s.MutateSession(ctx, "s1", func(*Session) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("want callback error, got %v", err)
		}
		if _, err := s.MutateSession(ctx, "", func(*Session) error { return nil }); err == nil {
			t.Fatal("expected error for empty id")
		}
	})
}

func TestListJobsNewestFirstWithFilters(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		var ids []string
		for i := range 5 {
			kind := KindResearch
			if i%2 == 1 {
				kind = KindCreative
			}
			session := "s1"
			if i == 4 {
				session = "s2"
			}
			job := NewJob(kind, session, Input{Query: fmt.Sprintf("q%d", i)}, base.Add(time.Duration(i)*time.Second))
			if _, err := s.CreateJob(ctx, job); err != nil {
				t.Fatalf("create job %d: %v", i, err)
			}
			ids = append(ids, job.ID)
		}

		all, err := s.ListJobs(ctx, JobFilter{})
		if err != nil {
			t.Fatalf("list jobs: %v", err)
		}
		if len(all) != 5 || all[0].ID != ids[4] || all[4].ID != ids[0] {
			t.Fatalf("want newest first, got %v", jobIDs(all))
		}

		s1, err := s.ListJobs(ctx, JobFilter{SessionID: "s1", Kind: KindResearch})
		if err != nil {
			t.Fatalf("list filtered: %v", err)
		}
		if len(s1) != 2 || s1[0].ID != ids[2] || s1[1].ID != ids[0] {
			t.Fatalf("unexpected filtered list %v", jobIDs(s1))
		}

		limited, err := s.ListJobs(ctx, JobFilter{Limit: 2})
		if err != nil {
			t.Fatalf("list limited: %v", err)
		}
		if len(limited) != 2 || limited[0].ID != ids[4] {
			t.Fatalf("unexpected limited list %v", jobIDs(limited))
		}

		queued, err := s.ListJobs(ctx, JobFilter{Status: StatusSucceeded})
		if err != nil {
			t.Fatalf("list by status: %v", err)
		}
		if len(queued) != 0 {
			t.Fatalf("want no succeeded jobs, got %d", len(queued))
		}
	})
}

func TestListJobsTieBreaksOnInsertionOrder(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		first := NewJob(KindResearch, "", Input{}, at)
		second := NewJob(KindResearch, "", Input{}, at)
		for _, j := range []Job{first, second} {
			if _, err := s.CreateJob(ctx, j); err != nil {
				t.Fatalf("create job: %v", err)
			}
		}
		got, err := s.ListJobs(ctx, JobFilter{})
		if err != nil {
			t.Fatalf("list jobs: %v", err)
		}
		if got[0].ID != second.ID {
			t.Fatalf("want later insert first, got %v", jobIDs(got))
		}
	})
}

func TestSessionUpsert(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
		first, err := s.UpdateSession(ctx, Session{ID: "s1", LastCommandText: "hello"})
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		second, err := s.UpdateSession(ctx, Session{ID: "s1", ActiveJobID: "job-1", LastIntent: "research"})
		if err != nil {
			t.Fatalf("update session: %v", err)
		}
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
		}
		if !second.UpdatedAt.After(first.UpdatedAt) {
			t.Fatalf("updated_at did not advance")
		}
		got, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if got.ActiveJobID != "job-1" || got.LastIntent != "research" || got.LastCommandText != "" {
			t.Fatalf("unexpected session %+v", got)
		}
	})
}

func TestResolveJobID(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job, err := s.CreateJob(ctx, newResearchJob(""))
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		for _, in := range []string{job.ID, ShortID(job.ID), "job-" + ShortID(job.ID)} {
			got, err := s.ResolveJobID(ctx, in)
			if err != nil {
				t.Fatalf("resolve %q: %v", in, err)
			}
			if got != job.ID {
				t.Fatalf("resolve %q: want %s, got %s", in, job.ID, got)
			}
		}
		if _, err := s.ResolveJobID(ctx, "zzzz"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})
}

func TestReturnedJobsDoNotAliasStore(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := context.Background()
	job := newResearchJob("")
	job.AppendEvent(LevelInfo, "created", map[string]any{"k": "v"})
	if _, err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	got.Events[0].Message = "mutated"
	got.Events[0].Data["k"] = "mutated"
	got.Input.Params["timezone"] = "mutated"

	again, _ := s.GetJob(ctx, job.ID)
	if again.Events[0].Message != "created" || again.Events[0].Data["k"] != "v" {
		t.Fatalf("store event aliased: %+v", again.Events[0])
	}
	if again.Input.Params["timezone"] != "America/Los_Angeles" {
		t.Fatalf("store params aliased: %+v", again.Input.Params)
	}
}

func TestRecoverInFlightJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "sixseven.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer s.Close()

	running, _ := s.CreateJob(ctx, newResearchJob(""))
	if _, err := s.MutateJob(ctx, running.ID, func(j *Job) error {
		j.Status = StatusRunning
		return nil
	}); err != nil {
		t.Fatalf("start job: %v", err)
	}
	queued, _ := s.CreateJob(ctx, newResearchJob(""))

	rec, err := s.RecoverInFlightJobs(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(rec.Interrupted) != 1 || rec.Interrupted[0] != running.ID {
		t.Fatalf("unexpected interrupted %v", rec.Interrupted)
	}
	if len(rec.Queued) != 1 || rec.Queued[0] != queued.ID {
		t.Fatalf("unexpected queued %v", rec.Queued)
	}

	got, _ := s.GetJob(ctx, running.ID)
	if got.Status != StatusFailed || got.Error == nil || got.Error.Reason != ReasonInterrupted {
		t.Fatalf("want failed/interrupted, got %s %+v", got.Status, got.Error)
	}
}

func TestElapsed(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := Job{Status: StatusRunning, CreatedAt: created, UpdatedAt: created.Add(5 * time.Second)}
	if got := job.Elapsed(created.Add(30 * time.Second)); got != 30*time.Second {
		t.Fatalf("running: want 30s, got %v", got)
	}
	job.Status = StatusSucceeded
	if got := job.Elapsed(created.Add(30 * time.Second)); got != 5*time.Second {
		t.Fatalf("terminal: want 5s, got %v", got)
	}
}

func jobIDs(jobs []Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = ShortID(j.ID)
	}
	return out
}
