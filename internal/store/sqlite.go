package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore persists jobs and sessions in SQLite. All writes go through a
// single-connection writer pool, which serializes mutations.
type SQLiteStore struct {
	Writer *sql.DB
	Reader *sql.DB
	now    func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &SQLiteStore{
		Writer: writer,
		Reader: reader,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.createSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	rErr := s.Reader.Close()
	wErr := s.Writer.Close()
	return errors.Join(rErr, wErr)
}

const jobColumns = `id, session_id, kind, status, created_at, updated_at, started_at,
       input_json, input_image, progress, result_json, error_json, remote_task_id,
       events_json, cancel_requested`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                         Job
		kind, status              string
		created, updated, started int64
		inputJSON, eventsJSON     string
		resultJSON, errorJSON     sql.NullString
		cancelRequested           int
	)
	err := row.Scan(&j.ID, &j.SessionID, &kind, &status, &created, &updated, &started,
		&inputJSON, &j.Input.Image, &j.Progress, &resultJSON, &errorJSON, &j.RemoteTaskID,
		&eventsJSON, &cancelRequested)
	if err != nil {
		return Job{}, err
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	j.StartedAt = fromNanos(started)
	j.CancelRequested = cancelRequested == 1

	image := j.Input.Image
	if err := json.Unmarshal([]byte(inputJSON), &j.Input); err != nil {
		return Job{}, fmt.Errorf("decode input of job %s: %w", j.ID, err)
	}
	j.Input.Image = image
	if err := json.Unmarshal([]byte(eventsJSON), &j.Events); err != nil {
		return Job{}, fmt.Errorf("decode events of job %s: %w", j.ID, err)
	}
	if j.Events == nil {
		j.Events = []Event{}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		j.Result = json.RawMessage(resultJSON.String)
	}
	if errorJSON.Valid && errorJSON.String != "" {
		j.Error = &JobError{}
		if err := json.Unmarshal([]byte(errorJSON.String), j.Error); err != nil {
			return Job{}, fmt.Errorf("decode error of job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

// jobArgs encodes j in jobColumns order.
func jobArgs(j Job) ([]any, error) {
	inputJSON, err := json.Marshal(j.Input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	eventsJSON, err := json.Marshal(j.Events)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	var resultJSON, errorJSON sql.NullString
	if j.Result != nil {
		resultJSON = sql.NullString{String: string(j.Result), Valid: true}
	}
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return nil, fmt.Errorf("encode error: %w", err)
		}
		errorJSON = sql.NullString{String: string(b), Valid: true}
	}
	cancelRequested := 0
	if j.CancelRequested {
		cancelRequested = 1
	}
	return []any{
		j.ID, j.SessionID, string(j.Kind), string(j.Status),
		toNanos(j.CreatedAt), toNanos(j.UpdatedAt), toNanos(j.StartedAt),
		string(inputJSON), j.Input.Image, j.Progress, resultJSON, errorJSON, j.RemoteTaskID,
		string(eventsJSON), cancelRequested,
	}, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job Job) (Job, error) {
	job, err := prepareNew(job, s.now())
	if err != nil {
		return Job{}, err
	}
	args, err := jobArgs(job)
	if err != nil {
		return Job{}, fmt.Errorf("create job %s: %w", job.ID, err)
	}
	q := `INSERT INTO jobs(` + jobColumns + `) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	if _, err := s.Writer.ExecContext(ctx, q, args...); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return Job{}, fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
		}
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	return job.Clone(), nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.Reader.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job Job) (Job, error) {
	next := job.Clone()
	return s.MutateJob(ctx, job.ID, func(j *Job) error {
		*j = next
		return nil
	})
}

func (s *SQLiteStore) MutateJob(ctx context.Context, id string, fn func(*Job) error) (Job, error) {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("begin mutate job %s: %w", id, err)
	}
	defer tx.Rollback()

	prev, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return Job{}, fmt.Errorf("load job %s: %w", id, err)
	}

	next := prev.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrSkip) {
			return prev, nil
		}
		return Job{}, err
	}
	if err := checkUpdate(prev, &next, s.now()); err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", id, err)
	}

	args, err := jobArgs(next)
	if err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	const q = `
UPDATE jobs SET session_id = ?, kind = ?, status = ?, created_at = ?, updated_at = ?, started_at = ?,
       input_json = ?, input_image = ?, progress = ?, result_json = ?, error_json = ?, remote_task_id = ?,
       events_json = ?, cancel_requested = ?
WHERE id = ?`
	if _, err := tx.ExecContext(ctx, q, append(args[1:], next.ID)...); err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("commit job %s: %w", id, err)
	}
	return next, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

const sessionColumns = `id, active_job_id, last_command_text, last_intent, created_at, updated_at`

func scanSession(row rowScanner) (Session, error) {
	var (
		sess             Session
		created, updated int64
	)
	if err := row.Scan(&sess.ID, &sess.ActiveJobID, &sess.LastCommandText, &sess.LastIntent, &created, &updated); err != nil {
		return Session{}, err
	}
	sess.CreatedAt = fromNanos(created)
	sess.UpdatedAt = fromNanos(updated)
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	sess, err := scanSession(s.Reader.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session Session) (Session, error) {
	return s.MutateSession(ctx, session.ID, func(sess *Session) error {
		*sess = session
		return nil
	})
}

func (s *SQLiteStore) MutateSession(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("update session: empty id")
	}
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin mutate session %s: %w", id, err)
	}
	defer tx.Rollback()

	existed := true
	prev, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		existed = false
		prev = Session{ID: id}
	default:
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}

	next := prev
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrSkip) {
			return prev, nil
		}
		return Session{}, err
	}
	next.ID = id
	stampSession(prev, existed, &next, s.now())

	const q = `
INSERT INTO sessions(id, active_job_id, last_command_text, last_intent, created_at, updated_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
    active_job_id = excluded.active_job_id,
    last_command_text = excluded.last_command_text,
    last_intent = excluded.last_intent,
    updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, q, next.ID, next.ActiveJobID, next.LastCommandText,
		next.LastIntent, toNanos(next.CreatedAt), toNanos(next.UpdatedAt)); err != nil {
		return Session{}, fmt.Errorf("upsert session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit session %s: %w", id, err)
	}
	return next, nil
}

// ResolveJobID resolves a full or partial job ID to a single job ID.
// Accepts full IDs (job-2dad8b6b-...), short prefixes (2dad), or prefixed
// short forms (job-2dad).
func (s *SQLiteStore) ResolveJobID(ctx context.Context, prefix string) (string, error) {
	var id string
	err := s.Reader.QueryRowContext(ctx, `SELECT id FROM jobs WHERE id = ?`, prefix).Scan(&id)
	if err == nil {
		return id, nil
	}

	like := prefix + "%"
	if !strings.HasPrefix(prefix, jobIDPrefix) {
		like = jobIDPrefix + prefix + "%"
	}
	rows, err := s.Reader.QueryContext(ctx, `SELECT id FROM jobs WHERE id LIKE ? ORDER BY updated_at DESC LIMIT 2`, like)
	if err != nil {
		return "", fmt.Errorf("resolve job ID %q: %w", prefix, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", fmt.Errorf("scan job ID: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("resolve job ID %q: %w", prefix, err)
	}
	return pickMatch(prefix, matches)
}

// Recovery summarizes what RecoverInFlightJobs found.
type Recovery struct {
	Interrupted []string
	Queued      []string
}

// RecoverInFlightJobs fails jobs left running by a previous process and
// reports queued jobs so they can be dispatched again.
func (s *SQLiteStore) RecoverInFlightJobs(ctx context.Context) (Recovery, error) {
	var rec Recovery
	running, err := s.idsWithStatus(ctx, StatusRunning)
	if err != nil {
		return rec, err
	}
	for _, id := range running {
		_, err := s.MutateJob(ctx, id, func(j *Job) error {
			if j.Status != StatusRunning {
				return ErrSkip
			}
			j.Status = StatusFailed
			j.Error = &JobError{Reason: ReasonInterrupted, Message: "Job interrupted by restart"}
			j.AppendEvent(LevelError, "Job interrupted by restart", nil)
			return nil
		})
		if err != nil {
			return rec, fmt.Errorf("recover job %s: %w", id, err)
		}
		rec.Interrupted = append(rec.Interrupted, id)
	}
	rec.Queued, err = s.idsWithStatus(ctx, StatusQueued)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *SQLiteStore) idsWithStatus(ctx context.Context, status Status) ([]string, error) {
	rows, err := s.Writer.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
