package queue

import "time"

// State is the queue-native lifecycle of a task.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed" // retained until retried or reaped
)

// Payload is the unit of scheduled work. FileID is optional: tasks enqueued
// before the file row exists carry only owner+locator and the worker resolves
// the file itself.
type Payload struct {
	Filename string `json:"filename"`
	Locator  string `json:"locator"`
	OwnerID  int64  `json:"owner_id"`
	FileID   *int64 `json:"file_id,omitempty"`
	JobType  string `json:"job_type"`
}

// Task is a snapshot of queue state for one unit of work. All mutation goes
// through the engine; callers never write these fields back.
type Task struct {
	ID            string        `json:"id"`
	Payload       Payload       `json:"payload"`
	State         State         `json:"state"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	BackoffBase   time.Duration `json:"backoff_base"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	NextRunAt     time.Time     `json:"next_run_at"`
	ProcessedAt   *time.Time    `json:"processed_at,omitempty"` // last claim time
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`

	seq int64
}

// Counts aggregates the queue buckets.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type enqueueOptions struct {
	maxAttempts int
	backoffBase time.Duration
}

// EnqueueOption overrides per-task retry configuration.
type EnqueueOption func(*enqueueOptions)

// WithMaxAttempts caps how many times the task is attempted before it lands
// in the failed set.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the base delay of the exponential backoff; the delay
// doubles with each failed attempt.
func WithBackoffBase(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.backoffBase = d
		}
	}
}
