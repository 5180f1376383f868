package telemetry

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sixseven/internal/observe"
	"sixseven/internal/store"
)

// Metrics records Prometheus metrics from lifecycle notifications.
type Metrics struct {
	commands            *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	activeJobs          prometheus.Gauge
	apiLatency          *prometheus.HistogramVec
	externalCalls       *prometheus.CounterVec
	externalCallLatency *prometheus.HistogramVec
}

var _ observe.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sixseven_commands_total",
				Help: "Commands handled, by parsed intent.",
			},
			[]string{"intent"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sixseven_job_duration_seconds",
				Help:    "Time from job creation to its terminal state.",
				Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120, 300},
			},
			[]string{"type", "status"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sixseven_active_jobs",
				Help: "Jobs created and not yet terminal.",
			},
		),
		apiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sixseven_api_latency_seconds",
				Help:    "HTTP API request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		),
		externalCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sixseven_external_api_calls_total",
				Help: "Calls to remote provider APIs.",
			},
			[]string{"service", "operation", "success"},
		),
		externalCallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sixseven_external_api_latency_seconds",
				Help:    "Remote provider API latency including retries.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service", "operation"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.jobDuration, m.activeJobs, m.apiLatency, m.externalCalls, m.externalCallLatency)
	}
	return m
}

func (m *Metrics) CommandHandled(intent string) {
	m.commands.WithLabelValues(norm(intent)).Inc()
}

func (m *Metrics) JobCreated(store.Job) {
	m.activeJobs.Inc()
}

func (m *Metrics) JobStarted(store.Job) {}

func (m *Metrics) JobProgress(store.Job) {}

func (m *Metrics) JobCompleted(job store.Job) {
	m.activeJobs.Dec()
	m.jobDuration.WithLabelValues(string(job.Kind), string(job.Status)).
		Observe(job.Elapsed(job.UpdatedAt).Seconds())
}

func (m *Metrics) ExternalCall(call observe.Call) {
	m.externalCalls.WithLabelValues(norm(call.Service), norm(call.Operation), strconv.FormatBool(call.Success())).Inc()
	m.externalCallLatency.WithLabelValues(norm(call.Service), norm(call.Operation)).Observe(call.Duration.Seconds())
}

// ObserveAPI records one HTTP request. route is the matched pattern, not the
// raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveAPI(method, route string, code int, d time.Duration) {
	m.apiLatency.WithLabelValues(method, norm(route), strconv.Itoa(code)).Observe(d.Seconds())
}

func norm(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}
