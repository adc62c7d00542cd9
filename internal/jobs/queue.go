package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"crabstack.local/projects/crab-orchestrator/internal/ids"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

const (
	DefaultWorkers = 4
	DefaultTimeout = 30 * time.Second
)

var (
	ErrQueueClosed = errors.New("job queue closed")
	ErrAbandoned   = errors.New("job abandoned")
)

type Job struct {
	ID          string             `json:"job_id"`
	SessionID   string             `json:"session_id"`
	ToolName    string             `json:"tool_name"`
	Lane        string             `json:"lane,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	Status      protocol.JobStatus `json:"status"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   time.Time          `json:"started_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
}

// JobError is the failure recorded for a job whose runner returned an error.
type JobError struct {
	JobID    string
	ToolName string
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.JobID, e.ToolName, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

type Request struct {
	// ID is optional; one is generated when empty.
	ID        string
	SessionID string
	ToolName  string
	Payload   json.RawMessage
	// Jobs sharing a non-empty Lane run one at a time in enqueue order.
	Lane    string
	Timeout time.Duration
}

// Runner performs the work of one job.
type Runner func(ctx context.Context, job Job) (json.RawMessage, error)

type Stats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Defects   int `json:"defects"`
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(q *Queue) {
		if timeout > 0 {
			q.timeout = timeout
		}
	}
}

// WithOnStart registers a callback invoked once per job right after enqueue.
// It always returns before the job's runner is called.
func WithOnStart(fn func(Job)) Option {
	return func(q *Queue) {
		q.onStart = fn
	}
}

// WithOnComplete registers a callback invoked once per job on its terminal transition.
func WithOnComplete(fn func(Job)) Option {
	return func(q *Queue) {
		q.onComplete = fn
	}
}

type jobState struct {
	job       Job
	ctx       context.Context
	cancel    context.CancelFunc
	timeout   time.Duration
	abandoned bool
	// announced closes once onStart has returned.
	announced chan struct{}
}

type lane struct {
	pending []string
}

// Queue runs long-running tool invocations off the turn path on a bounded
// worker pool.
type Queue struct {
	logger     *log.Logger
	runner     Runner
	workers    int
	timeout    time.Duration
	onStart    func(Job)
	onComplete func(Job)
	now        func() time.Time

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*jobState
	lanes  map[string]*lane
	stats  Stats
	closed bool
}

func NewQueue(logger *log.Logger, runner Runner, opts ...Option) *Queue {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	q := &Queue{
		logger:  logger,
		runner:  runner,
		workers: DefaultWorkers,
		timeout: DefaultTimeout,
		now:     time.Now,
		jobs:    make(map[string]*jobState),
		lanes:   make(map[string]*lane),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.sem = semaphore.NewWeighted(int64(q.workers))
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Enqueue schedules a job and returns its id without waiting for it to run.
func (q *Queue) Enqueue(req Request) (string, error) {
	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		return "", fmt.Errorf("tool_name is required")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = ids.Prefixed("job")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = q.timeout
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if _, exists := q.jobs[id]; exists {
		q.mu.Unlock()
		return "", fmt.Errorf("job %s already exists", id)
	}

	ctx, cancel := context.WithCancel(q.ctx)
	announced := make(chan struct{})
	st := &jobState{
		job: Job{
			ID:        id,
			SessionID: req.SessionID,
			ToolName:  toolName,
			Lane:      req.Lane,
			Payload:   cloneRaw(req.Payload),
			Status:    protocol.JobStarted,
			CreatedAt: q.now().UTC(),
		},
		ctx:       ctx,
		cancel:    cancel,
		timeout:   timeout,
		announced: announced,
	}
	q.jobs[id] = st
	q.stats.Active++
	snapshot := st.job

	q.wg.Add(1)
	if req.Lane == "" {
		go q.execute(id)
	} else if l, ok := q.lanes[req.Lane]; ok {
		l.pending = append(l.pending, id)
	} else {
		q.lanes[req.Lane] = &lane{pending: []string{id}}
		go q.drainLane(req.Lane)
	}
	q.mu.Unlock()

	q.logger.Printf("job enqueued job_id=%s tool=%s session_id=%s lane=%s", id, toolName, req.SessionID, req.Lane)
	if q.onStart != nil {
		q.onStart(snapshot)
	}
	close(announced)
	return id, nil
}

// Complete records the terminal outcome of a job. Only the first call for a
// job takes effect; later calls are counted as defects.
func (q *Queue) Complete(jobID string, result json.RawMessage, err error) bool {
	q.mu.Lock()
	st, ok := q.jobs[jobID]
	if !ok {
		q.stats.Defects++
		q.mu.Unlock()
		q.logger.Printf("defect: completion for unknown or acknowledged job job_id=%s", jobID)
		return false
	}
	if st.abandoned {
		delete(q.jobs, jobID)
		q.mu.Unlock()
		return false
	}
	if st.job.Status.Terminal() {
		q.stats.Defects++
		q.mu.Unlock()
		q.logger.Printf("defect: duplicate completion job_id=%s status=%s", jobID, st.job.Status)
		return false
	}

	st.job.CompletedAt = q.now().UTC()
	if err != nil {
		st.job.Status = protocol.JobFailed
		st.job.Error = err.Error()
		q.stats.Failed++
		if errors.Is(err, context.DeadlineExceeded) {
			q.stats.TimedOut++
		}
	} else {
		st.job.Status = protocol.JobCompleted
		st.job.Result = cloneRaw(result)
		q.stats.Completed++
	}
	snapshot := st.job
	q.mu.Unlock()

	st.cancel()
	q.logger.Printf("job finished job_id=%s tool=%s status=%s", jobID, snapshot.ToolName, snapshot.Status)
	if q.onComplete != nil {
		q.onComplete(snapshot)
	}
	return true
}

// Acknowledge drops a terminal job from active tracking once its result has
// been handed to the reasoning engine.
func (q *Queue) Acknowledge(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.jobs[jobID]
	if !ok || !st.job.Status.Terminal() {
		return false
	}
	delete(q.jobs, jobID)
	q.stats.Active--
	return true
}

func (q *Queue) Get(jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.jobs[jobID]
	if !ok || st.abandoned {
		return Job{}, false
	}
	return st.job, true
}

// Active lists the tracked jobs of a session in creation order.
func (q *Queue) Active(sessionID string) []Job {
	q.mu.Lock()
	out := make([]Job, 0)
	for _, st := range q.jobs {
		if st.abandoned || st.job.SessionID != sessionID {
			continue
		}
		out = append(out, st.job)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CancelSession abandons every job of a session. Running jobs see their
// context canceled; their eventual completion is dropped silently.
func (q *Queue) CancelSession(sessionID string) int {
	q.mu.Lock()
	var cancels []context.CancelFunc
	for id, st := range q.jobs {
		if st.job.SessionID != sessionID || st.abandoned {
			continue
		}
		if st.job.Status.Terminal() {
			delete(q.jobs, id)
		} else {
			st.abandoned = true
		}
		q.stats.Active--
		cancels = append(cancels, st.cancel)
	}
	q.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		q.logger.Printf("abandoned jobs session_id=%s count=%d", sessionID, len(cancels))
	}
	return len(cancels)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) Defects() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats.Defects
}

// Close cancels all jobs and waits for workers to return or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drainLane(key string) {
	for {
		q.mu.Lock()
		l := q.lanes[key]
		if l == nil || len(l.pending) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		id := l.pending[0]
		l.pending = l.pending[1:]
		q.mu.Unlock()

		q.execute(id)
	}
}

func (q *Queue) execute(id string) {
	defer q.wg.Done()

	q.mu.Lock()
	st, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return
	}
	<-st.announced

	if err := q.sem.Acquire(st.ctx, 1); err != nil {
		q.Complete(id, nil, fmt.Errorf("%w: %v", ErrAbandoned, err))
		return
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	if st.abandoned {
		q.mu.Unlock()
		q.Complete(id, nil, ErrAbandoned)
		return
	}
	if st.job.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	st.job.Status = protocol.JobRunning
	st.job.StartedAt = q.now().UTC()
	job := st.job
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(st.ctx, st.timeout)
	defer cancel()

	result, err := q.run(ctx, job)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		err = &JobError{JobID: id, ToolName: job.ToolName, Err: err}
	}
	q.Complete(id, result, err)
}

func (q *Queue) run(ctx context.Context, job Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	if q.runner == nil {
		return nil, fmt.Errorf("no runner configured")
	}
	return q.runner(ctx, job)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	copied := make(json.RawMessage, len(raw))
	copy(copied, raw)
	return copied
}
