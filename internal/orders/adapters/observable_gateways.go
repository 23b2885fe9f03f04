package adapters

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oidovnamnan/gatesim/internal/orders/metrics"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

// ObservableProvisioningGateway traces vendor provisioning calls and records their latency.
type ObservableProvisioningGateway struct {
	gateway ports.ProvisioningGateway
	metrics *metrics.Metrics
}

func NewObservableProvisioningGateway(gateway ports.ProvisioningGateway, metrics *metrics.Metrics) *ObservableProvisioningGateway {
	return &ObservableProvisioningGateway{
		gateway: gateway,
		metrics: metrics,
	}
}

func (g *ObservableProvisioningGateway) CreateOrder(ctx context.Context, req ports.ProvisionRequest) (*ports.Provisioned, error) {
	ctx, span := telemetry.StartSpan(ctx, "ProvisioningGateway.CreateOrder")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("provisioning.package_id", req.PackageID),
		attribute.String("provisioning.idempotency_key", req.IdempotencyKey),
	)

	start := time.Now()
	provisioned, err := g.gateway.CreateOrder(ctx, req)
	g.metrics.RecordProvisioningDuration(ctx, time.Since(start).Seconds(), err == nil)

	if err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, err
	}

	telemetry.AddSpanAttributes(span, attribute.String("esim.iccid", provisioned.ICCID))
	telemetry.SetSpanSuccess(span)
	return provisioned, nil
}

// ObservableInvoiceGateway traces invoice gateway calls.
type ObservableInvoiceGateway struct {
	gateway ports.InvoiceGateway
}

func NewObservableInvoiceGateway(gateway ports.InvoiceGateway) *ObservableInvoiceGateway {
	return &ObservableInvoiceGateway{gateway: gateway}
}

func (g *ObservableInvoiceGateway) CreateInvoice(ctx context.Context, req ports.InvoiceRequest) (*ports.Invoice, error) {
	ctx, span := telemetry.StartSpan(ctx, "InvoiceGateway.CreateInvoice")
	defer span.End()

	telemetry.AddSpanAttributes(span,
		attribute.String("order.id", req.OrderID),
		attribute.Int64("invoice.amount", req.Amount),
	)

	invoice, err := g.gateway.CreateInvoice(ctx, req)
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, err
	}

	telemetry.AddSpanAttributes(span, attribute.String("invoice.id", invoice.InvoiceID))
	telemetry.SetSpanSuccess(span)
	return invoice, nil
}

func (g *ObservableInvoiceGateway) CheckPayment(ctx context.Context, invoiceID string) (*ports.PaymentCheck, error) {
	ctx, span := telemetry.StartSpan(ctx, "InvoiceGateway.CheckPayment")
	defer span.End()

	telemetry.AddSpanAttributes(span, attribute.String("invoice.id", invoiceID))

	check, err := g.gateway.CheckPayment(ctx, invoiceID)
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, err
	}

	telemetry.AddSpanAttributes(span,
		attribute.Int("payment.count", check.Count),
		attribute.Int64("payment.paid_amount", check.PaidAmount),
	)
	telemetry.SetSpanSuccess(span)
	return check, nil
}
