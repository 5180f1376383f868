// Package api serves the command intake and the job and session query
// endpoints over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sixseven/internal/dialogue"
	"sixseven/internal/orchestrator"
	"sixseven/internal/store"
	"sixseven/internal/telemetry"
)

const (
	maxBodySize = 1 << 20 // 1MB, base64 images included
	maxListSize = 100
)

// ActiveCounter reports how many jobs are executing right now.
type ActiveCounter interface {
	Active() int
}

type Options struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Hub          *Hub
	Pool         ActiveCounter
	Metrics      *telemetry.Metrics
	// Gatherer backs /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	// RateLimit is requests per minute per client IP on /v1 routes.
	RateLimit int
}

type Server struct {
	store     store.Store
	orch      *orchestrator.Orchestrator
	hub       *Hub
	pool      ActiveCounter
	router    chi.Router
	startedAt time.Time
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:     opts.Store,
		orch:      opts.Orchestrator,
		hub:       opts.Hub,
		pool:      opts.Pool,
		startedAt: time.Now(),
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	var observeAPI func(string, string, int, time.Duration)
	if opts.Metrics != nil {
		observeAPI = opts.Metrics.ObserveAPI
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLog(observeAPI), recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimit(opts.RateLimit))
		r.Post("/command", s.handleCommand)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Get("/{id}/speech", s.handleSpeech)
			r.Get("/{id}/stream", s.streamJob)
		})
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/status", s.handleSessionStatus)
		})
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.pool != nil {
		active = s.pool.Active()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": max(int(time.Since(s.startedAt).Seconds()), 0),
		"active_jobs":    active,
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CommandRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.orch.HandleCommand(r.Context(), req)
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("session", req.SessionID).Msg("api: command")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("empty request body")
		}
		return errors.New("invalid json")
	}
	return nil
}

type JobList struct {
	Jobs  []store.Job `json:"jobs"`
	Count int         `json:"count"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		SessionID: q.Get("session_id"),
		Kind:      store.Kind(q.Get("type")),
		Status:    store.Status(q.Get("status")),
		Limit:     store.DefaultListLimit,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown type %q", filter.Kind))
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListSize {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListSize))
			return
		}
		filter.Limit = n
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("api: list jobs")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: jobs, Count: len(jobs)})
}

// lookupJob resolves the {id} path parameter, accepting unique prefixes, and
// writes the error response itself when it fails.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (store.Job, bool) {
	ref := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := s.store.ResolveJobID(r.Context(), ref)
	if err == nil {
		var job store.Job
		job, err = s.store.GetJob(r.Context(), id)
		if err == nil {
			return job, true
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, store.ErrAmbiguous):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("job", ref).Msg("api: load job")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return store.Job{}, false
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type CancelResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	JobID   string       `json:"job_id"`
	Status  store.Status `json:"status"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	res, err := s.orch.Cancel(r.Context(), job.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		log.Error().Err(err).Str("job", store.ShortID(job.ID)).Msg("api: cancel")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := CancelResponse{Success: res.Success, JobID: res.JobID, Status: res.Status, Message: "Job cancelled"}
	if res.AlreadyTerminal {
		resp.Message = "Job already " + string(res.Status)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dialogue.ForJob(job))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	log.Error().Err(err).Msg("api: load session")
	writeError(w, http.StatusInternalServerError, "internal error")
}
