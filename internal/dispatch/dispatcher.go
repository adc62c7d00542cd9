package dispatch

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/events"
	"crabstack.local/projects/crab-orchestrator/internal/subscribers"
)

// Dispatcher fans lifecycle events out to subscribers, each delivery on its
// own goroutine with bounded retries.
type Dispatcher struct {
	logger       *log.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration
	inflight     sync.WaitGroup
}

var _ events.Sink = (*Dispatcher)(nil)

type Option func(*Dispatcher)

func WithRetry(count int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if count > 0 {
			d.retryCount = count
		}
		if backoff >= 0 {
			d.retryBackoff = backoff
		}
	}
}

func New(logger *log.Logger, subs []subscribers.Subscriber, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	d := &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, event events.Event) {
	for _, sub := range d.subscribers {
		s := sub
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.dispatchOne(ctx, s, event)
		}()
	}
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, event events.Event) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}

		d.logger.Printf("subscriber=%s event_id=%s event_type=%s session_id=%s attempt=%d err=%v", sub.Name(), event.EventID, event.Type, event.SessionID, attempt, err)
		if attempt == d.retryCount || subscribers.IsPermanent(err) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
