package notify

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	sent     metric.Int64Counter
	duration metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.sent, err = meter.Int64Counter(
		"notifications_sent_total",
		metric.WithDescription("Order confirmations attempted, by delivery status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create notifications_sent counter: %w", err)
	}

	m.duration, err = meter.Float64Histogram(
		"notification_duration_seconds",
		metric.WithDescription("Order confirmation delivery latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create notification_duration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordSend(ctx context.Context, durationSeconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.sent.Add(ctx, 1, attrs)
	m.duration.Record(ctx, durationSeconds, attrs)
}
