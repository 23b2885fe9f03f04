package commands

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oidovnamnan/gatesim/internal/orders/metrics"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

type ObservableReconciler struct {
	reconciler Reconciler
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewObservableReconciler(reconciler Reconciler, logger *slog.Logger, metrics *metrics.Metrics) *ObservableReconciler {
	return &ObservableReconciler{
		reconciler: reconciler,
		logger:     logger,
		metrics:    metrics,
	}
}

func (o *ObservableReconciler) Reconcile(ctx context.Context, orderID, invoiceID string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "Reconciler.Reconcile")
	defer span.End()

	ctx = telemetry.WithLogAttrs(ctx, slog.String("order_id", orderID))
	telemetry.AddSpanAttributes(span,
		attribute.String("order.id", orderID),
		attribute.String("invoice.id", invoiceID),
		attribute.String("trigger", "payment"),
	)

	result, err := o.reconciler.Reconcile(ctx, orderID, invoiceID)
	o.observe(ctx, span, result, err)
	return result, err
}

func (o *ObservableReconciler) Retry(ctx context.Context, orderID string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "Reconciler.Retry")
	defer span.End()

	ctx = telemetry.WithLogAttrs(ctx, slog.String("order_id", orderID))
	telemetry.AddSpanAttributes(span,
		attribute.String("order.id", orderID),
		attribute.String("trigger", "operator_retry"),
	)

	result, err := o.reconciler.Retry(ctx, orderID)
	o.observe(ctx, span, result, err)
	return result, err
}

func (o *ObservableReconciler) observe(ctx context.Context, span trace.Span, result Result, err error) {
	if err != nil {
		o.metrics.RecordReconcile(ctx, "rejected", ErrorReason(err))
		telemetry.RecordSpanError(span, err)
		o.logger.WarnContext(ctx, "reconcile rejected", "error", err)
		return
	}

	o.metrics.RecordReconcile(ctx, string(result.Outcome), reasonOf(result))
	telemetry.AddSpanAttributes(span,
		attribute.String("reconcile.outcome", string(result.Outcome)),
		attribute.String("reconcile.reason", result.Reason),
	)

	switch result.Outcome {
	case OutcomeCompleted:
		telemetry.SetSpanSuccess(span)
		o.logger.InfoContext(ctx, "order provisioned", "iccid", result.ESIM.ICCID)
	case OutcomeSkipped:
		telemetry.SetSpanSuccess(span)
		o.logger.InfoContext(ctx, "reconcile skipped", "reason", result.Reason)
	case OutcomeFailed:
		telemetry.RecordSpanError(span, result.Err)
		o.logger.ErrorContext(ctx, "provisioning failed",
			"error", result.Err,
			"retriable", IsRetriable(result.Err),
		)
	}
}

func reasonOf(result Result) string {
	if result.Outcome == OutcomeFailed {
		return ErrorReason(result.Err)
	}
	return result.Reason
}
