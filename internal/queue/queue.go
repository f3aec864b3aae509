// Package queue implements the durable task queue: ordered delivery,
// per-attempt exponential backoff, and a retained failed set. The queue owns
// its store completely; the relational file/job tables live elsewhere and
// reference tasks only through the payload.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/filetrack/filetrack/internal/common"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
	defaultPollEvery   = time.Second
)

var errNoReady = errors.New("no task ready")

// Queue is an explicitly constructed engine instance: created at process
// start, closed at shutdown. No package-level singleton.
type Queue struct {
	db        *sql.DB
	logger    *slog.Logger
	notify    chan struct{}
	pollEvery time.Duration

	maxAttempts int
	backoffBase time.Duration
}

// Option configures engine defaults.
type Option func(*Queue)

func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithDefaultBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.backoffBase = d
		}
	}
}

// WithPollInterval bounds how long an idle Dequeue sleeps between claim
// attempts when no wakeup arrives.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollEvery = d
		}
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	filename       TEXT NOT NULL,
	locator        TEXT NOT NULL,
	owner_id       INTEGER NOT NULL,
	file_id        INTEGER,
	job_type       TEXT NOT NULL,
	state          TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	max_attempts   INTEGER NOT NULL,
	backoff_ms     INTEGER NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_ms     INTEGER NOT NULL,
	next_run_ms    INTEGER NOT NULL,
	processed_ms   INTEGER,
	finished_ms    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_state_owner ON tasks(state, owner_id);
CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks(state, next_run_ms, seq);
`

// Open opens (or creates) the queue store at path and prepares the schema.
func Open(path string, logger *slog.Logger, opts ...Option) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error("failed to open queue store", "path", path, "error", err)
		return nil, err
	}
	// single writer connection; the engine is the only mutator anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		logger.Error("failed to prepare queue schema", "error", err)
		return nil, err
	}

	q := &Queue{
		db:          db,
		logger:      logger,
		notify:      make(chan struct{}, 1),
		pollEvery:   defaultPollEvery,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

// Close releases the queue store. In-flight Dequeue calls should be cancelled
// through their contexts first.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends a task in the waiting state. Fresh tasks are delivered in
// enqueue order; retried tasks re-enter at the current time, behind anything
// already waiting.
func (q *Queue) Enqueue(ctx context.Context, p Payload, opts ...EnqueueOption) (*Task, error) {
	o := enqueueOptions{maxAttempts: q.maxAttempts, backoffBase: q.backoffBase}
	for _, fn := range opts {
		fn(&o)
	}

	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.New().String(),
		Payload:     p,
		State:       StateWaiting,
		MaxAttempts: o.maxAttempts,
		BackoffBase: o.backoffBase,
		CreatedAt:   now,
		NextRunAt:   now,
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, filename, locator, owner_id, file_id, job_type, state,
		                    attempts, max_attempts, backoff_ms, created_ms, next_run_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		t.ID, p.Filename, p.Locator, p.OwnerID, p.FileID, p.JobType, string(StateWaiting),
		o.maxAttempts, o.backoffBase.Milliseconds(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		q.logger.Error("failed to enqueue task", "owner_id", p.OwnerID, "locator", p.Locator, "error", err)
		return nil, err
	}
	q.logger.Info("task enqueued", "task_id", t.ID, "owner_id", p.OwnerID, "locator", p.Locator, "job_type", p.JobType)
	q.wake()
	return t, nil
}

// Dequeue blocks until a task is ready, claims it atomically, and returns it
// in the active state with the attempt counter already incremented.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		t, err := q.claim(ctx)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, errNoReady) {
			return nil, err
		}

		wait := q.pollEvery
		if d, ok := q.untilNextRun(ctx); ok && d < wait {
			wait = d
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

const taskColumns = `seq, id, filename, locator, owner_id, file_id, job_type, state,
	attempts, max_attempts, backoff_ms, failure_reason, created_ms, next_run_ms, processed_ms, finished_ms`

func (q *Queue) claim(ctx context.Context) (*Task, error) {
	now := time.Now().UTC()
	row := q.db.QueryRowContext(ctx,
		`UPDATE tasks SET state = ?, attempts = attempts + 1, processed_ms = ?
		 WHERE seq = (
			SELECT seq FROM tasks WHERE state = ? AND next_run_ms <= ?
			ORDER BY next_run_ms, seq LIMIT 1
		 ) AND state = ?
		 RETURNING `+taskColumns,
		string(StateActive), now.UnixMilli(), string(StateWaiting), now.UnixMilli(), string(StateWaiting))
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNoReady
		}
		return nil, err
	}
	q.logger.Debug("task claimed", "task_id", t.ID, "attempt", t.Attempts)
	return t, nil
}

// untilNextRun reports how long until the earliest waiting task becomes
// ready, if any is scheduled.
func (q *Queue) untilNextRun(ctx context.Context) (time.Duration, bool) {
	var next sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT MIN(next_run_ms) FROM tasks WHERE state = ?`, string(StateWaiting)).Scan(&next)
	if err != nil || !next.Valid {
		return 0, false
	}
	return time.UnixMilli(next.Int64).Sub(time.Now().UTC()), true
}

// Complete acknowledges a successful attempt.
func (q *Queue) Complete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, finished_ms = ?, failure_reason = '' WHERE id = ? AND state = ?`,
		string(StateCompleted), now.UnixMilli(), id, string(StateActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.ErrNotFound
	}
	q.logger.Info("task completed", "task_id", id)
	return nil
}

// Fail records a failed attempt. While attempts remain the task goes back to
// waiting with exponential backoff (base doubling per attempt); once attempts
// are exhausted it lands in the failed set and stays there until retried.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	var (
		attempts    int
		maxAttempts int
		backoffMs   int64
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT attempts, max_attempts, backoff_ms FROM tasks WHERE id = ? AND state = ?`,
		id, string(StateActive)).Scan(&attempts, &maxAttempts, &backoffMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		}
		return err
	}

	now := time.Now().UTC()
	if attempts >= maxAttempts {
		_, err = q.db.ExecContext(ctx,
			`UPDATE tasks SET state = ?, failure_reason = ?, finished_ms = ? WHERE id = ? AND state = ?`,
			string(StateFailed), reason, now.UnixMilli(), id, string(StateActive))
		if err != nil {
			return err
		}
		q.logger.Warn("task exhausted retries", "task_id", id, "attempts", attempts, "error", reason)
		return nil
	}

	delay := time.Duration(backoffMs) * time.Millisecond << (attempts - 1)
	nextRun := now.Add(delay)
	_, err = q.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, failure_reason = ?, next_run_ms = ? WHERE id = ? AND state = ?`,
		string(StateWaiting), reason, nextRun.UnixMilli(), id, string(StateActive))
	if err != nil {
		return err
	}
	q.logger.Warn("task failed, retry scheduled", "task_id", id, "attempt", attempts, "delay", delay, "error", reason)
	q.wake()
	return nil
}

// Retry moves a task out of the failed set back to waiting, resetting its
// attempt counter. Only failed tasks can be retried.
func (q *Queue) Retry(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, attempts = 0, failure_reason = '', finished_ms = NULL, next_run_ms = ?
		 WHERE id = ? AND state = ?`,
		string(StateWaiting), now.UnixMilli(), id, string(StateFailed))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// distinguish a missing task from one in the wrong state
		if _, err := q.GetByID(ctx, id); err != nil {
			return err
		}
		return common.ErrNotFailed
	}
	q.logger.Info("task retried", "task_id", id)
	q.wake()
	return nil
}

// GetByID returns a snapshot of one task.
func (q *Queue) GetByID(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// List returns all tasks in the given state in delivery order.
func (q *Queue) List(ctx context.Context, state State) ([]*Task, error) {
	return q.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY next_run_ms, seq`, string(state))
}

// ListForOwner returns the owner's tasks in the given state. The owner column
// is indexed, so scoped listings do not scan the whole queue.
func (q *Queue) ListForOwner(ctx context.Context, state State, ownerID int64) ([]*Task, error) {
	return q.list(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE state = ? AND owner_id = ? ORDER BY next_run_ms, seq`,
		string(state), ownerID)
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Counts aggregates bucket sizes over the whole queue.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	return q.counts(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
}

// CountsForOwner aggregates bucket sizes for one owner.
func (q *Queue) CountsForOwner(ctx context.Context, ownerID int64) (Counts, error) {
	return q.counts(ctx, `SELECT state, COUNT(*) FROM tasks WHERE owner_id = ? GROUP BY state`, ownerID)
}

func (q *Queue) counts(ctx context.Context, query string, args ...any) (Counts, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, err
		}
		switch State(state) {
		case StateWaiting:
			c.Waiting = n
		case StateActive:
			c.Active = n
		case StateCompleted:
			c.Completed = n
		case StateFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		state       string
		fileID      sql.NullInt64
		backoffMs   int64
		createdMs   int64
		nextRunMs   int64
		processedMs sql.NullInt64
		finishedMs  sql.NullInt64
	)
	err := row.Scan(&t.seq, &t.ID, &t.Payload.Filename, &t.Payload.Locator, &t.Payload.OwnerID,
		&fileID, &t.Payload.JobType, &state, &t.Attempts, &t.MaxAttempts, &backoffMs,
		&t.FailureReason, &createdMs, &nextRunMs, &processedMs, &finishedMs)
	if err != nil {
		return nil, err
	}
	if fileID.Valid {
		t.Payload.FileID = &fileID.Int64
	}
	t.State = State(state)
	t.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	t.NextRunAt = time.UnixMilli(nextRunMs).UTC()
	if processedMs.Valid {
		ts := time.UnixMilli(processedMs.Int64).UTC()
		t.ProcessedAt = &ts
	}
	if finishedMs.Valid {
		ts := time.UnixMilli(finishedMs.Int64).UTC()
		t.FinishedAt = &ts
	}
	return &t, nil
}
