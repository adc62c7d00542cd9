package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

const DefaultQueueSize = 256

var (
	ErrSessionQueueFull = errors.New("session queue full")
	ErrNoWorker         = errors.New("session has no worker")
)

type EventHandler func(context.Context, string, turn.Event)

// Scheduler runs one worker goroutine per session so a session's events are
// handled strictly in arrival order while sessions proceed concurrently.
// Workers exist between Add and Remove; events for any other session are
// refused.
type Scheduler struct {
	logger    *log.Logger
	handler   EventHandler
	queueSize int

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	ctx  context.Context
	ch   chan turn.Event
	quit chan struct{}
	done chan struct{}
}

func NewScheduler(logger *log.Logger, queueSize int, handler EventHandler) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Scheduler{
		logger:    logger,
		handler:   handler,
		queueSize: queueSize,
		workers:   make(map[string]*worker),
	}
}

// Add starts the session's worker. Its handler calls run under ctx, so
// canceling ctx stops the work of an event already in progress.
func (s *Scheduler) Add(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[sessionID]; ok {
		return
	}
	w := &worker{
		ctx:  ctx,
		ch:   make(chan turn.Event, s.queueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.workers[sessionID] = w
	go s.run(sessionID, w)
}

func (s *Scheduler) Enqueue(_ context.Context, sessionID string, ev turn.Event) error {
	s.mu.Lock()
	w, ok := s.workers[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWorker, sessionID)
	}

	select {
	case w.ch <- ev:
		return nil
	default:
		s.logger.Printf("session queue full session_id=%s", sessionID)
		return ErrSessionQueueFull
	}
}

// Remove stops the session's worker. Events still queued are dropped. The
// returned channel closes once the handler in progress, if any, has returned.
func (s *Scheduler) Remove(sessionID string) <-chan struct{} {
	s.mu.Lock()
	w, ok := s.workers[sessionID]
	delete(s.workers, sessionID)
	s.mu.Unlock()

	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	close(w.quit)
	return w.done
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Scheduler) run(sessionID string, w *worker) {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case ev := <-w.ch:
			select {
			case <-w.quit:
				return
			default:
			}
			s.handler(w.ctx, sessionID, ev)
		}
	}
}
