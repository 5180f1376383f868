package telemetry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sixseven/internal/observe"
	"sixseven/internal/store"
)

func TestMetricsFromLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := store.Job{ID: "job-1", Kind: store.KindResearch, Status: store.StatusQueued, CreatedAt: created}

	m.CommandHandled("research")
	m.CommandHandled("research")
	m.CommandHandled("")
	m.JobCreated(job)
	if got := testutil.ToFloat64(m.activeJobs); got != 1 {
		t.Fatalf("want 1 active job, got %v", got)
	}

	job.Status = store.StatusSucceeded
	job.UpdatedAt = created.Add(12 * time.Second)
	m.JobCompleted(job)
	if got := testutil.ToFloat64(m.activeJobs); got != 0 {
		t.Fatalf("want 0 active jobs, got %v", got)
	}

	if got := testutil.ToFloat64(m.commands.WithLabelValues("research")); got != 2 {
		t.Fatalf("want 2 research commands, got %v", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("want empty intent counted as unknown, got %v", got)
	}
	if n := testutil.CollectAndCount(m.jobDuration, "sixseven_job_duration_seconds"); n != 1 {
		t.Fatalf("want 1 duration series, got %d", n)
	}
}

func TestMetricsExternalCalls(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	m.ExternalCall(observe.Call{Service: "yutori", Operation: "poll", Duration: 200 * time.Millisecond})
	m.ExternalCall(observe.Call{Service: "yutori", Operation: "poll", Err: errors.New("timeout")})

	if got := testutil.ToFloat64(m.externalCalls.WithLabelValues("yutori", "poll", "true")); got != 1 {
		t.Fatalf("want 1 successful call, got %v", got)
	}
	if got := testutil.ToFloat64(m.externalCalls.WithLabelValues("yutori", "poll", "false")); got != 1 {
		t.Fatalf("want 1 failed call, got %v", got)
	}
}

func TestMetricsRegisterOncePerRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	NewMetrics(reg)
}

func TestSetupTracingWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.json")
	shutdown, err := SetupTracing(true, path, "test")
	if err != nil {
		t.Fatalf("setup tracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	disabled, err := SetupTracing(false, "", "test")
	if err != nil {
		t.Fatalf("disabled setup: %v", err)
	}
	if err := disabled(context.Background()); err != nil {
		t.Fatalf("disabled shutdown: %v", err)
	}
}
