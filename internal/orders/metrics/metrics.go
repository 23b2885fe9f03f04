package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	ordersCreatedTotal    metric.Int64Counter
	orderCreationDuration metric.Float64Histogram
	reconcileOutcomes     metric.Int64Counter
	provisioningDuration  metric.Float64Histogram
	sweepOrders           metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.ordersCreatedTotal, err = meter.Int64Counter(
		"orders_created_total",
		metric.WithDescription("Total number of orders checked out"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create orders_created_total counter: %w", err)
	}

	m.orderCreationDuration, err = meter.Float64Histogram(
		"order_creation_duration_seconds",
		metric.WithDescription("Duration of checkout including invoice creation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create order_creation_duration histogram: %w", err)
	}

	m.reconcileOutcomes, err = meter.Int64Counter(
		"reconcile_outcomes_total",
		metric.WithDescription("Reconciliation attempts by outcome and reason"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reconcile_outcomes_total counter: %w", err)
	}

	m.provisioningDuration, err = meter.Float64Histogram(
		"provisioning_duration_seconds",
		metric.WithDescription("Latency of provisioning gateway calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create provisioning_duration histogram: %w", err)
	}

	m.sweepOrders, err = meter.Int64Counter(
		"sweep_orders_total",
		metric.WithDescription("Orders examined by the pending-order sweep, by result"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sweep_orders_total counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordOrderCreated(ctx context.Context, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ordersCreatedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordOrderCreationDuration(ctx context.Context, durationSeconds float64) {
	m.orderCreationDuration.Record(ctx, durationSeconds)
}

// RecordReconcile counts one reconciliation attempt. reason is empty for completed attempts.
func (m *Metrics) RecordReconcile(ctx context.Context, outcome, reason string) {
	m.reconcileOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordProvisioningDuration(ctx context.Context, durationSeconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.provisioningDuration.Record(ctx, durationSeconds, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordSweepResult(ctx context.Context, result string) {
	m.sweepOrders.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}
