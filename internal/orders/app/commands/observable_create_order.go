package commands

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oidovnamnan/gatesim/internal/orders/metrics"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

// ObservableCommandHandler wraps checkout with a span, creation metrics and logs.
type ObservableCommandHandler struct {
	handler CommandHandler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewObservableCommandHandler(handler CommandHandler, logger *slog.Logger, metrics *metrics.Metrics) *ObservableCommandHandler {
	return &ObservableCommandHandler{
		handler: handler,
		logger:  logger,
		metrics: metrics,
	}
}

func (o *ObservableCommandHandler) Handle(ctx context.Context, cmd CreateOrderCommand) (*CheckoutResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "Checkout.Handle")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.Int("order.items", len(cmd.Items)),
		attribute.String("order.currency", cmd.Currency),
	)

	start := time.Now()
	result, err := o.handler.Handle(ctx, cmd)
	o.metrics.RecordOrderCreationDuration(ctx, time.Since(start).Seconds())
	o.metrics.RecordOrderCreated(ctx, err == nil)

	if err != nil {
		telemetry.RecordSpanError(span, err)
		o.logger.ErrorContext(ctx, "checkout failed",
			"error", err,
			"contact", maskEmail(cmd.ContactEmail),
		)
		return nil, err
	}

	telemetry.AddSpanAttributes(span,
		attribute.String("order.id", result.Order.ID),
		attribute.String("invoice.id", result.Invoice.InvoiceID),
		attribute.Int64("order.total_amount", result.Order.TotalAmount),
	)
	telemetry.SetSpanSuccess(span)

	o.logger.InfoContext(ctx, "order checked out",
		"order_id", result.Order.ID,
		"invoice_id", result.Invoice.InvoiceID,
		"total_amount", result.Order.TotalAmount,
		"currency", result.Order.Currency,
	)
	return result, nil
}

// maskEmail keeps the domain and the first letter of the mailbox.
func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
