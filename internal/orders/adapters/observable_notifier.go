package adapters

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oidovnamnan/gatesim/internal/notify"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

type ObservableNotifier struct {
	notifier ports.Notifier
	metrics  *notify.Metrics
}

func NewObservableNotifier(notifier ports.Notifier, metrics *notify.Metrics) *ObservableNotifier {
	return &ObservableNotifier{
		notifier: notifier,
		metrics:  metrics,
	}
}

func (n *ObservableNotifier) SendOrderConfirmation(ctx context.Context, msg ports.Confirmation) error {
	ctx, span := telemetry.StartSpan(ctx, "Notifier.SendOrderConfirmation")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("order.id", msg.OrderID),
		attribute.String("notification.channel", "email"),
	)

	start := time.Now()
	err := n.notifier.SendOrderConfirmation(ctx, msg)
	n.metrics.RecordSend(ctx, time.Since(start).Seconds(), err == nil)

	if err != nil {
		telemetry.RecordSpanError(span, err)
		return err
	}

	telemetry.SetSpanSuccess(span)
	return nil
}
