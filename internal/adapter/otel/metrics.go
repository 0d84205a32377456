package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "craftplan"

// Metrics holds all CraftPlan metric instruments.
type Metrics struct {
	RunsStarted   metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunsFailed    metric.Int64Counter
	RunsCancelled metric.Int64Counter
	RunDuration   metric.Float64Histogram
	RunCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("craftplan.runs.started",
		metric.WithDescription("Number of agent runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("craftplan.runs.completed",
		metric.WithDescription("Number of agent runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("craftplan.runs.failed",
		metric.WithDescription("Number of agent runs that ended in error"))
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("craftplan.runs.cancelled",
		metric.WithDescription("Number of agent runs cancelled"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("craftplan.run.duration_seconds",
		metric.WithDescription("Agent run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunCost, err = meter.Float64Histogram("craftplan.run.cost_usd",
		metric.WithDescription("Estimated run cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
