package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultMaxAge  = 300 * time.Second
)

var (
	ErrTimeout       = protocol.NewSentinel(protocol.CodeRPCTimeout, "pending call timed out", true)
	ErrDuplicateCall = errors.New("duplicate call id")
	ErrCanceled      = errors.New("pending call canceled")
)

// Call describes an in-flight cross-boundary request.
type Call struct {
	ID        string
	Method    string
	SessionID string
}

// Result is delivered exactly once per registered call.
type Result struct {
	Value json.RawMessage
	Err   error
}

type Handle struct {
	Call
	SubmittedAt time.Time
	ch          chan Result
}

// Done receives the single result for the call.
func (h *Handle) Done() <-chan Result {
	return h.ch
}

// Wait blocks until the call resolves or ctx ends. A context cancellation does
// not remove the registry entry; callers that give up should Cancel the call.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-h.ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type entry struct {
	handle *Handle
	timer  *time.Timer
}

// Registry correlates outbound requests with their responses. It is shared by
// every session on the bridge and serializes access internally.
type Registry struct {
	logger         *log.Logger
	defaultTimeout time.Duration
	now            func() time.Time

	mu    sync.Mutex
	calls map[string]*entry
}

func NewRegistry(logger *log.Logger, defaultTimeout time.Duration) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Registry{
		logger:         logger,
		defaultTimeout: defaultTimeout,
		now:            time.Now,
		calls:          make(map[string]*entry),
	}
}

// Register creates a resolution slot. A non-positive timeout uses the registry default.
func (r *Registry) Register(call Call, timeout time.Duration) (*Handle, error) {
	call.ID = strings.TrimSpace(call.ID)
	if call.ID == "" {
		return nil, fmt.Errorf("call id is required")
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	h := &Handle{
		Call:        call,
		SubmittedAt: r.now().UTC(),
		ch:          make(chan Result, 1),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[call.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, call.ID)
	}
	e := &entry{handle: h}
	e.timer = time.AfterFunc(timeout, func() {
		r.expire(call.ID, timeout)
	})
	r.calls[call.ID] = e
	return h, nil
}

// Resolve completes the matching handle. It returns false when no call is
// waiting, e.g. a late response after the timeout fired.
func (r *Registry) Resolve(id string, value json.RawMessage, err error) bool {
	e := r.take(id)
	if e == nil {
		r.logger.Printf("discarding response for unknown call call_id=%s", id)
		return false
	}
	e.handle.ch <- Result{Value: value, Err: err}
	return true
}

// Cancel resolves a call with err (ErrCanceled when nil) if it is still pending.
func (r *Registry) Cancel(id string, err error) bool {
	if err == nil {
		err = ErrCanceled
	}
	e := r.take(id)
	if e == nil {
		return false
	}
	e.handle.ch <- Result{Err: err}
	return true
}

// FailSession resolves every call owned by sessionID with err.
func (r *Registry) FailSession(sessionID string, err error) int {
	r.mu.Lock()
	var failed []*entry
	for id, e := range r.calls {
		if e.handle.SessionID != sessionID {
			continue
		}
		delete(r.calls, id)
		e.timer.Stop()
		failed = append(failed, e)
	}
	r.mu.Unlock()

	for _, e := range failed {
		e.handle.ch <- Result{Err: err}
	}
	if len(failed) > 0 {
		r.logger.Printf("failed pending calls session_id=%s count=%d err=%v", sessionID, len(failed), err)
	}
	return len(failed)
}

// Sweep times out calls older than maxAge regardless of their own deadline.
func (r *Registry) Sweep(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := r.now().UTC().Add(-maxAge)

	r.mu.Lock()
	var stale []*entry
	for id, e := range r.calls {
		if e.handle.SubmittedAt.After(cutoff) {
			continue
		}
		delete(r.calls, id)
		e.timer.Stop()
		stale = append(stale, e)
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.logger.Printf("sweeping stale call call_id=%s method=%s", e.handle.ID, e.handle.Method)
		e.handle.ch <- Result{Err: fmt.Errorf("%w: call %s exceeded max age %s", ErrTimeout, e.handle.ID, maxAge)}
	}
	return len(stale)
}

// Run sweeps stale calls every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(maxAge)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Registry) expire(id string, timeout time.Duration) {
	e := r.take(id)
	if e == nil {
		return
	}
	r.logger.Printf("pending call timed out call_id=%s method=%s session_id=%s timeout=%s", id, e.handle.Method, e.handle.SessionID, timeout)
	e.handle.ch <- Result{Err: fmt.Errorf("%w: %s %s after %s", ErrTimeout, e.handle.Method, id, timeout)}
}

// take removes the entry under the lock. Whoever removes it owns delivery.
func (r *Registry) take(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[id]
	if !ok {
		return nil
	}
	delete(r.calls, id)
	e.timer.Stop()
	return e
}
