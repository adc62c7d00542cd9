package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/events"
	"crabstack.local/projects/crab-orchestrator/internal/subscribers"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 1 << 20
)

type Option func(*WebhookSubscriber)

type WebhookSubscriber struct {
	name       string
	URL        string
	httpClient *http.Client
	logger     *log.Logger
	filter     func(events.Type) bool
}

// Filter returns an event filter accepting only the listed types. No types
// accepts everything.
func Filter(types ...events.Type) func(events.Type) bool {
	if len(types) == 0 {
		return nil
	}
	allowed := make(map[events.Type]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(t events.Type) bool {
		_, ok := allowed[t]
		return ok
	}
}

func New(name string, url string, logger *log.Logger, opts ...Option) *WebhookSubscriber {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	sub := &WebhookSubscriber{
		name:       strings.TrimSpace(name),
		URL:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     logger,
	}
	if sub.name == "" {
		sub.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	return sub
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *WebhookSubscriber) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func WithEventFilter(filter func(events.Type) bool) Option {
	return func(s *WebhookSubscriber) {
		s.filter = filter
	}
}

func (s *WebhookSubscriber) Name() string {
	return s.name
}

// StatusError is a non-2xx webhook reply.
type StatusError struct {
	StatusCode int
	Body       string
	Truncated  bool
}

func (e *StatusError) Error() string {
	suffix := ""
	if e.Truncated {
		suffix = " (truncated)"
	}
	return fmt.Sprintf("webhook status=%d body=%q%s", e.StatusCode, e.Body, suffix)
}

// retryable reports whether the receiver may accept the same event later.
func (e *StatusError) retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Handle posts the event as JSON. The event id is sent as the idempotency key
// so receivers can drop redeliveries. Client errors other than 408 and 429
// are returned as permanent failures.
func (s *WebhookSubscriber) Handle(ctx context.Context, event events.Event) error {
	if s.filter != nil && !s.filter(event.Type) {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return subscribers.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return subscribers.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.EventID)
	req.Header.Set("X-Crab-Event-Type", string(event.Type))
	req.Header.Set("X-Crab-Session-Id", event.SessionID)
	if event.TurnOrdinal > 0 {
		req.Header.Set("X-Crab-Turn-Ordinal", strconv.FormatInt(event.TurnOrdinal, 10))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	errorBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes+1))
	if err != nil {
		return fmt.Errorf("webhook status=%d read body: %w", resp.StatusCode, err)
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	if len(errorBody) > maxErrorBodyBytes {
		errorBody = errorBody[:maxErrorBodyBytes]
		statusErr.Truncated = true
	}
	statusErr.Body = string(errorBody)
	if !statusErr.retryable() {
		return subscribers.Permanent(statusErr)
	}
	return statusErr
}
