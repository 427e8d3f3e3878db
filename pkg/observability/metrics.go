// Package observability exposes the governance core's OpenTelemetry
// instruments. Callers construct Metrics from their meter provider and
// hand it to the components; Noop() gives an inert instance for tests
// and embedders without a metrics pipeline.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics bundles the core's instruments.
type Metrics struct {
	declarations     metric.Int64Counter
	conflictsOpened  metric.Int64Counter
	validations      metric.Int64Counter
	executions       metric.Int64Counter
	executionSeconds metric.Float64Histogram
}

// New creates the instruments on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.declarations, err = meter.Int64Counter("warden.declarations",
		metric.WithDescription("artifact declarations processed")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if m.conflictsOpened, err = meter.Int64Counter("warden.conflicts.opened",
		metric.WithDescription("dependency conflicts opened by declarations")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if m.validations, err = meter.Int64Counter("warden.validations",
		metric.WithDescription("static validation calls")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if m.executions, err = meter.Int64Counter("warden.executions",
		metric.WithDescription("sandboxed executions")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if m.executionSeconds, err = meter.Float64Histogram("warden.execution.seconds",
		metric.WithDescription("wall-clock duration of sandboxed executions"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	return m, nil
}

// Noop returns metrics backed by the no-op meter.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter("warden"))
	return m
}

func (m *Metrics) RecordDeclaration(ctx context.Context, accepted bool, openConflicts int) {
	if m == nil {
		return
	}
	m.declarations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
	if openConflicts > 0 {
		m.conflictsOpened.Add(ctx, int64(openConflicts))
	}
}

func (m *Metrics) RecordValidation(ctx context.Context, halted bool) {
	if m == nil {
		return
	}
	m.validations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("halted", halted)))
}

func (m *Metrics) RecordExecution(ctx context.Context, seconds float64, haltReason string) {
	if m == nil {
		return
	}
	outcome := "ok"
	if haltReason != "" {
		outcome = haltReason
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.executionSeconds.Record(ctx, seconds)
}
