package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"crabstack.local/projects/crab-orchestrator/internal/jobs"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

// Metrics records turn, approval and background job instruments.
type Metrics struct {
	turnsStarted  metric.Int64Counter
	turnsEnded    metric.Int64Counter
	activeTurns   metric.Int64UpDownCounter
	turnDuration  metric.Float64Histogram
	stepDuration  metric.Float64Histogram
	approvalItems metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

var _ turn.Metrics = (*Metrics)(nil)

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	turnsStarted, err := meter.Int64Counter(
		"crab_orchestrator_turns_started_total",
		metric.WithDescription("Turns started"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating turns started counter: %w", err)
	}

	turnsEnded, err := meter.Int64Counter(
		"crab_orchestrator_turns_total",
		metric.WithDescription("Turns ended by outcome"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating turns counter: %w", err)
	}

	activeTurns, err := meter.Int64UpDownCounter(
		"crab_orchestrator_active_turns",
		metric.WithDescription("Turns currently in progress"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating active turns counter: %w", err)
	}

	turnDuration, err := meter.Float64Histogram(
		"crab_orchestrator_turn_duration_seconds",
		metric.WithDescription("Turn duration from input to idle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating turn duration histogram: %w", err)
	}

	stepDuration, err := meter.Float64Histogram(
		"crab_orchestrator_reasoning_step_seconds",
		metric.WithDescription("Reasoning step latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating step duration histogram: %w", err)
	}

	approvalItems, err := meter.Int64Counter(
		"crab_orchestrator_approval_items_total",
		metric.WithDescription("Decided approval items by decision"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating approval items counter: %w", err)
	}

	jobsCompleted, err := meter.Int64Counter(
		"crab_orchestrator_jobs_total",
		metric.WithDescription("Background jobs by terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating jobs counter: %w", err)
	}

	jobDuration, err := meter.Float64Histogram(
		"crab_orchestrator_job_duration_seconds",
		metric.WithDescription("Background job run time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating job duration histogram: %w", err)
	}

	return &Metrics{
		turnsStarted:  turnsStarted,
		turnsEnded:    turnsEnded,
		activeTurns:   activeTurns,
		turnDuration:  turnDuration,
		stepDuration:  stepDuration,
		approvalItems: approvalItems,
		jobsCompleted: jobsCompleted,
		jobDuration:   jobDuration,
	}, nil
}

func (m *Metrics) TurnStarted(ctx context.Context) {
	m.turnsStarted.Add(ctx, 1)
	m.activeTurns.Add(ctx, 1)
}

func (m *Metrics) TurnEnded(ctx context.Context, outcome turn.Outcome, duration time.Duration) {
	opt := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	m.turnsEnded.Add(ctx, 1, opt)
	m.activeTurns.Add(ctx, -1)
	m.turnDuration.Record(ctx, duration.Seconds(), opt)
}

func (m *Metrics) StepCompleted(ctx context.Context, duration time.Duration) {
	m.stepDuration.Record(ctx, duration.Seconds())
}

func (m *Metrics) BatchReleased(ctx context.Context, approved, rejected int) {
	if approved > 0 {
		m.approvalItems.Add(ctx, int64(approved), metric.WithAttributes(attribute.String("decision", "approved")))
	}
	if rejected > 0 {
		m.approvalItems.Add(ctx, int64(rejected), metric.WithAttributes(attribute.String("decision", "rejected")))
	}
}

// JobCompleted records a background job reaching a terminal status.
func (m *Metrics) JobCompleted(ctx context.Context, job jobs.Job) {
	opt := metric.WithAttributes(
		attribute.String("status", string(job.Status)),
		attribute.String("tool", job.ToolName),
	)
	m.jobsCompleted.Add(ctx, 1, opt)
	if !job.StartedAt.IsZero() && !job.CompletedAt.IsZero() {
		m.jobDuration.Record(ctx, job.CompletedAt.Sub(job.StartedAt).Seconds(), opt)
	}
}
