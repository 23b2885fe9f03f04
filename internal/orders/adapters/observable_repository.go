package adapters

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oidovnamnan/gatesim/internal/database"
	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

type ObservableRepository struct {
	repo    ports.OrderRepository
	metrics *database.Metrics
}

func NewObservableRepository(repo ports.OrderRepository, metrics *database.Metrics) *ObservableRepository {
	return &ObservableRepository{
		repo:    repo,
		metrics: metrics,
	}
}

func (r *ObservableRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.Create")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("order.id", order.ID),
		attribute.String("operation", "create"),
	)

	start := time.Now()
	err := r.repo.Create(ctx, order)
	r.finish(ctx, span, "create_order", start, err)
	return err
}

func (r *ObservableRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.GetByID")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("order.id", id),
		attribute.String("operation", "get_by_id"),
	)

	start := time.Now()
	order, err := r.repo.GetByID(ctx, id)
	r.finish(ctx, span, "get_order_by_id", start, err)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *ObservableRepository) List(ctx context.Context, filter ports.ListFilter) ([]domain.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.List")
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("operation", "list"),
		attribute.Int("page", filter.Page),
		attribute.Int("page_size", filter.PageSize),
	}
	if filter.Status != nil {
		attrs = append(attrs, attribute.String("filter.status", string(*filter.Status)))
	}
	telemetry.AddSpanAttributes(span, attrs...)

	start := time.Now()
	orders, err := r.repo.List(ctx, filter)
	r.finish(ctx, span, "list_orders", start, err)
	if err != nil {
		return nil, err
	}

	telemetry.AddSpanAttributes(span, attribute.Int("result.count", len(orders)))
	return orders, nil
}

func (r *ObservableRepository) Update(ctx context.Context, id string, fn ports.UpdateFunc) (*domain.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.Update")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("order.id", id),
		attribute.String("operation", "update"),
	)

	start := time.Now()
	order, err := r.repo.Update(ctx, id, fn)
	r.finish(ctx, span, "update_order", start, err)
	if err != nil {
		return nil, err
	}

	telemetry.AddSpanAttributes(span, attribute.String("order.status", string(order.Status)))
	return order, nil
}

func (r *ObservableRepository) ListReconcilable(ctx context.Context, filter ports.ReconcilableFilter) ([]domain.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "OrderRepository.ListReconcilable")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("operation", "list_reconcilable"),
		attribute.Int("limit", filter.Limit),
	)

	start := time.Now()
	orders, err := r.repo.ListReconcilable(ctx, filter)
	r.finish(ctx, span, "list_reconcilable_orders", start, err)
	if err != nil {
		return nil, err
	}

	telemetry.AddSpanAttributes(span, attribute.Int("result.count", len(orders)))
	return orders, nil
}

// finish records metrics and span status. State-machine rejections and missing
// orders are expected outcomes, not store failures.
func (r *ObservableRepository) finish(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	expected := err == nil || errors.Is(err, ports.ErrNotFound) || domain.IsStateError(err)
	r.metrics.RecordQuery(ctx, operation, time.Since(start).Seconds(), !expected)

	switch {
	case err == nil:
		telemetry.SetSpanSuccess(span)
	case expected:
		telemetry.AddSpanEvent(span, "rejected", attribute.String("reason", err.Error()))
	default:
		telemetry.RecordSpanError(span, err)
	}
}
