package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownQueue is returned when enqueuing into a queue that was never registered.
var ErrUnknownQueue = errors.New("unknown queue")

type enqueueOptions struct {
	priority Priority
	delay    time.Duration
	jobID    string
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithPriority overrides the queue's default priority.
func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithDelay holds the job for d before it becomes runnable.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithJobID sets a deterministic id. A job with the same id that is still
// pending, running or retained as completed is not enqueued again.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

type queue struct {
	cfg     Config
	handler Handler

	mu        sync.Mutex
	seq       uint64
	ready     jobHeap
	delayed   map[string]*time.Timer
	pending   map[string]*Job // waiting, delayed and active
	completed []*Job
	failed    []*Job
	signal    chan struct{}
}

func newQueue(cfg Config, h Handler) *queue {
	return &queue{
		cfg:     cfg,
		handler: h,
		delayed: make(map[string]*time.Timer),
		pending: make(map[string]*Job),
		signal:  make(chan struct{}, 1),
	}
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Service runs named in-process queues, each with its own worker pool.
type Service struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	queues  map[string]*queue
	hooks   []Hook
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewService creates an empty queue service.
func NewService(logger *zap.Logger) *Service {
	return &Service{
		logger: logger,
		now:    time.Now,
		queues: make(map[string]*queue),
	}
}

// Register adds a queue and its handler. Queues registered after Start
// get their workers immediately.
func (s *Service) Register(cfg Config, h Handler) error {
	if cfg.Name == "" {
		return errors.New("queue name is required")
	}
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[cfg.Name]; ok {
		return fmt.Errorf("queue %q already registered", cfg.Name)
	}
	q := newQueue(cfg, h)
	s.queues[cfg.Name] = q
	if s.started && !s.stopped {
		s.spawn(q)
	}
	return nil
}

// OnEvent adds a lifecycle hook. Must be called before Start.
func (s *Service) OnEvent(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Enqueue adds a job with a JSON-encoded payload and returns its id.
func (s *Service) Enqueue(name string, payload any, opts ...EnqueueOption) (string, error) {
	s.mu.RLock()
	q, ok := s.queues[name]
	stopped := s.stopped
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	if stopped {
		return "", errors.New("queue service stopped")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	o := enqueueOptions{priority: q.cfg.Priority}
	for _, opt := range opts {
		opt(&o)
	}
	if o.jobID == "" {
		o.jobID = uuid.NewString()
	}

	now := s.now()
	q.mu.Lock()
	if _, dup := q.pending[o.jobID]; dup || q.retained(o.jobID) {
		q.mu.Unlock()
		s.logger.Debug("duplicate job ignored", zap.String("queue", name), zap.String("job_id", o.jobID))
		return o.jobID, nil
	}
	q.seq++
	job := &Job{
		ID:          o.jobID,
		Queue:       name,
		Payload:     raw,
		Priority:    o.priority,
		MaxAttempts: q.cfg.Attempts,
		EnqueuedAt:  now,
		RunAt:       now.Add(o.delay),
		seq:         q.seq,
	}
	q.pending[job.ID] = job
	if o.delay > 0 {
		job.State = Delayed
		s.delayLocked(q, job, o.delay)
		q.mu.Unlock()
		return job.ID, nil
	}
	job.State = Waiting
	heap.Push(&q.ready, job)
	q.mu.Unlock()
	q.wake()
	return job.ID, nil
}

func (q *queue) retained(id string) bool {
	for _, j := range q.completed {
		if j.ID == id {
			return true
		}
	}
	return false
}

// delayLocked arms a timer that moves job into the ready heap. q.mu must be held.
func (s *Service) delayLocked(q *queue, job *Job, d time.Duration) {
	q.delayed[job.ID] = time.AfterFunc(d, func() {
		q.mu.Lock()
		if _, ok := q.delayed[job.ID]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.delayed, job.ID)
		job.State = Waiting
		heap.Push(&q.ready, job)
		q.mu.Unlock()
		q.wake()
	})
}

// Start launches the worker pools.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	for _, q := range s.queues {
		s.spawn(q)
	}
	s.logger.Info("queues started", zap.Int("queues", len(s.queues)))
}

func (s *Service) spawn(q *queue) {
	for i := 0; i < q.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.work(q)
	}
}

// Stop cancels running jobs, disarms delayed ones and waits for workers.
// Jobs still pending are dropped.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	queues := make([]*queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		for id, t := range q.delayed {
			t.Stop()
			delete(q.delayed, id)
		}
		q.mu.Unlock()
	}
	s.wg.Wait()
	s.logger.Info("queues stopped")
}

func (s *Service) work(q *queue) {
	defer s.wg.Done()
	for {
		job := q.next(s.ctx)
		if job == nil {
			return
		}
		if q.cfg.Limiter != nil {
			if err := q.cfg.Limiter.Wait(s.ctx); err != nil {
				return
			}
		}
		s.run(q, job)
	}
}

// next blocks until a job is ready or ctx is done.
func (q *queue) next(ctx context.Context) *Job {
	for {
		q.mu.Lock()
		if q.ready.Len() > 0 {
			job := heap.Pop(&q.ready).(*Job)
			job.State = Active
			more := q.ready.Len() > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return job
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) run(q *queue, job *Job) {
	q.mu.Lock()
	job.Attempts++
	attempt := job.Attempts
	q.mu.Unlock()

	s.emit(Event{Queue: q.cfg.Name, JobID: job.ID, State: Active, Attempt: attempt})

	ctx := s.ctx
	var cancel context.CancelFunc
	if q.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	err := safeCall(ctx, q.handler, job)
	cancel()

	if err == nil {
		q.finish(job, Completed, "", s.now())
		s.emit(Event{Queue: q.cfg.Name, JobID: job.ID, State: Completed, Attempt: attempt})
		return
	}

	if s.ctx.Err() != nil {
		// Shutting down; the job is dropped rather than counted as failed.
		return
	}

	if IsPermanent(err) || attempt >= job.MaxAttempts {
		q.finish(job, Failed, err.Error(), s.now())
		s.logger.Warn("job failed",
			zap.String("queue", q.cfg.Name), zap.String("job_id", job.ID),
			zap.Int("attempts", attempt), zap.Error(err))
		s.emit(Event{Queue: q.cfg.Name, JobID: job.ID, State: Failed, Attempt: attempt, Err: err})
		return
	}

	delay := q.cfg.BackoffFor(attempt)
	q.mu.Lock()
	job.LastError = err.Error()
	job.State = Delayed
	job.RunAt = s.now().Add(delay)
	s.delayLocked(q, job, delay)
	q.mu.Unlock()
	s.logger.Debug("job retry scheduled",
		zap.String("queue", q.cfg.Name), zap.String("job_id", job.ID),
		zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	s.emit(Event{Queue: q.cfg.Name, JobID: job.ID, State: Delayed, Attempt: attempt, Delay: delay, Err: err})
}

func safeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// finish records a terminal state and prunes retained history.
func (q *queue) finish(job *Job, state State, lastErr string, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, job.ID)
	job.State = state
	job.FinishedAt = now
	if lastErr != "" {
		job.LastError = lastErr
	}
	if state == Completed {
		q.completed = prune(append(q.completed, job), q.cfg.KeepCompleted, q.cfg.MaxAge, now)
	} else {
		q.failed = prune(append(q.failed, job), q.cfg.KeepFailed, q.cfg.MaxAge, now)
	}
}

func prune(jobs []*Job, keep int, maxAge time.Duration, now time.Time) []*Job {
	drop := 0
	for drop < len(jobs) && (len(jobs)-drop > keep || now.Sub(jobs[drop].FinishedAt) > maxAge) {
		drop++
	}
	if drop == 0 {
		return jobs
	}
	return append(jobs[:0:0], jobs[drop:]...)
}

func (s *Service) emit(ev Event) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ev)
	}
}

// Stats returns per-state counts for every registered queue.
func (s *Service) Stats() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Stats, 0, len(s.queues))
	for name, q := range s.queues {
		st := Stats{Queue: name}
		q.mu.Lock()
		for _, j := range q.pending {
			switch j.State {
			case Waiting:
				st.Waiting++
			case Delayed:
				st.Delayed++
			case Active:
				st.Active++
			}
		}
		st.Completed = len(q.completed)
		st.Failed = len(q.failed)
		q.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// Jobs returns copies of the jobs of a queue in the given state.
func (s *Service) Jobs(name string, state State) ([]Job, error) {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	switch state {
	case Completed:
		for _, j := range q.completed {
			out = append(out, j.snapshot())
		}
	case Failed:
		for _, j := range q.failed {
			out = append(out, j.snapshot())
		}
	default:
		for _, j := range q.pending {
			if j.State == state {
				out = append(out, j.snapshot())
			}
		}
	}
	return out, nil
}
