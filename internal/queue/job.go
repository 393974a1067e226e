package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Priority orders jobs inside a queue; lower values run first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

func (p Priority) String() string {
	switch {
	case p <= PriorityHigh:
		return "high"
	case p <= PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// State is the lifecycle position of a job.
type State string

const (
	Waiting   State = "waiting"
	Delayed   State = "delayed"
	Active    State = "active"
	Completed State = "completed"
	Failed    State = "failed"
)

// Config describes one named queue.
type Config struct {
	Name        string
	Priority    Priority
	Concurrency int
	Attempts    int
	// Backoff is the base delay; the n-th retry waits Backoff * 2^(n-1).
	Backoff time.Duration
	Timeout time.Duration
	// Limiter, when set, gates every job start.
	Limiter *rate.Limiter

	KeepCompleted int
	KeepFailed    int
	MaxAge        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Attempts <= 0 {
		c.Attempts = 1
	}
	if c.Priority == 0 {
		c.Priority = PriorityNormal
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 1000
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 5000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	return c
}

// BackoffFor returns the delay before retrying after the given failed attempt (1-based).
func (c Config) BackoffFor(attempt int) time.Duration {
	if c.Backoff <= 0 || attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return c.Backoff << shift
}

// Job is a unit of work held by a queue.
type Job struct {
	ID          string
	Queue       string
	Payload     json.RawMessage
	Priority    Priority
	Attempts    int
	MaxAttempts int
	State       State
	LastError   string
	EnqueuedAt  time.Time
	RunAt       time.Time
	FinishedAt  time.Time

	seq   uint64
	index int
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

func (j *Job) snapshot() Job {
	c := *j
	c.index = -1
	return c
}

// Handler processes one job. It must be safe to run again for the same
// job after a failure or redelivery.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Event describes a job lifecycle change.
type Event struct {
	Queue   string
	JobID   string
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Hook observes job lifecycle changes. Hooks run synchronously on the
// worker goroutine and must not block.
type Hook func(Event)

// Stats counts jobs per state in a queue.
type Stats struct {
	Queue     string
	Waiting   int
	Delayed   int
	Active    int
	Completed int
	Failed    int
}

// jobHeap orders ready jobs by priority, then arrival.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
