package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

type memJob struct {
	job Job
	seq uint64
}

// MemoryStore keeps jobs and sessions in process memory behind one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*memJob
	sessions map[string]Session
	seq      uint64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*memJob),
		sessions: make(map[string]Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job Job) (Job, error) {
	job, err := prepareNew(job, s.now())
	if err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return Job{}, fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}
	s.seq++
	s.jobs[job.ID] = &memJob{job: job, seq: s.seq}
	return job.Clone(), nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return rec.job.Clone(), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job Job) (Job, error) {
	next := job.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[job.ID]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	if err := checkUpdate(rec.job, &next, s.now()); err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	rec.job = next
	return next.Clone(), nil
}

func (s *MemoryStore) MutateJob(_ context.Context, id string, fn func(*Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	next := rec.job.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrSkip) {
			return rec.job.Clone(), nil
		}
		return Job{}, err
	}
	if err := checkUpdate(rec.job, &next, s.now()); err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	rec.job = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]Job, error) {
	s.mu.Lock()
	matched := make([]*memJob, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if filter.matches(rec.job) {
			matched = append(matched, &memJob{job: rec.job.Clone(), seq: rec.seq})
		}
	}
	s.mu.Unlock()

	slices.SortFunc(matched, func(a, b *memJob) int {
		if c := b.job.CreatedAt.Compare(a.job.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})
	if limit := filter.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Job, len(matched))
	for i, rec := range matched {
		out[i] = rec.job
	}
	return out, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, session Session) (Session, error) {
	return s.MutateSession(ctx, session.ID, func(sess *Session) error {
		*sess = session
		return nil
	})
}

func (s *MemoryStore) MutateSession(_ context.Context, id string, fn func(*Session) error) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("update session: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sessions[id]
	if !ok {
		prev = Session{ID: id}
	}
	next := prev
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrSkip) {
			return prev, nil
		}
		return Session{}, err
	}
	next.ID = id
	stampSession(prev, ok, &next, s.now())
	s.sessions[id] = next
	return next, nil
}

// ResolveJobID resolves a full id or a unique prefix (with or without the
// "job-" prefix) to a job id.
func (s *MemoryStore) ResolveJobID(_ context.Context, prefix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[prefix]; ok {
		return prefix, nil
	}
	want := prefix
	if !strings.HasPrefix(want, jobIDPrefix) {
		want = jobIDPrefix + want
	}
	var matches []string
	for id := range s.jobs {
		if strings.HasPrefix(id, want) {
			matches = append(matches, id)
		}
	}
	return pickMatch(prefix, matches)
}

func (s *MemoryStore) Close() error { return nil }

func pickMatch(prefix string, matches []string) (string, error) {
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job matching %q: %w", prefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		slices.Sort(matches)
		return "", fmt.Errorf("job prefix %q matches %s and others: %w", prefix, matches[0], ErrAmbiguous)
	}
}
