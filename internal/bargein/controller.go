package bargein

import (
	"io"
	"log"
	"sync"
)

// Controller tracks whether the agent is producing output and latches a
// halt request raised while it is. The latch is level triggered: it stays
// raised until Take or Reset consumes it.
type Controller struct {
	logger *log.Logger

	mu       sync.Mutex
	speaking bool
	raised   bool
	notify   chan struct{}
}

func NewController(logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Controller{
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

func (c *Controller) OutputStarted() {
	c.mu.Lock()
	c.speaking = true
	c.mu.Unlock()
}

func (c *Controller) OutputEnded() {
	c.mu.Lock()
	c.speaking = false
	c.mu.Unlock()
}

func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Signal raises the halt latch if output is active. It reports whether the
// signal had any effect.
func (c *Controller) Signal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.speaking {
		return false
	}
	if !c.raised {
		c.logger.Printf("barge-in raised")
	}
	c.raised = true
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// C receives a value whenever the latch is raised. Receivers must still call
// Take; the channel only wakes them up.
func (c *Controller) C() <-chan struct{} {
	return c.notify
}

// Raised reports the latch without consuming it.
func (c *Controller) Raised() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raised
}

// Take consumes the latch. It returns true at most once per raise.
func (c *Controller) Take() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.raised {
		return false
	}
	c.raised = false
	c.speaking = false
	c.drainLocked()
	return true
}

// Reset clears the latch and output state at a turn boundary.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raised = false
	c.speaking = false
	c.drainLocked()
}

func (c *Controller) drainLocked() {
	select {
	case <-c.notify:
	default:
	}
}
