package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/oidovnamnan/gatesim/internal/orders/metrics"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

type provisionerFunc func(ctx context.Context, req ports.ProvisionRequest) (*ports.Provisioned, error)

func (f provisionerFunc) CreateOrder(ctx context.Context, req ports.ProvisionRequest) (*ports.Provisioned, error) {
	return f(ctx, req)
}

func TestObservableProvisioningGatewayRecordsDuration(t *testing.T) {
	spans := telemetry.RecordSpans(t)
	reader := sdkmetric.NewManualReader()
	m, err := metrics.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	calls := 0
	gateway := NewObservableProvisioningGateway(provisionerFunc(func(_ context.Context, req ports.ProvisionRequest) (*ports.Provisioned, error) {
		calls++
		if req.PackageID == "broken" {
			return nil, ports.ErrGatewayRejected
		}
		return &ports.Provisioned{ICCID: "8997"}, nil
	}), m)

	provisioned, err := gateway.CreateOrder(context.Background(), ports.ProvisionRequest{PackageID: "pkg-1", IdempotencyKey: "o-0"})
	require.NoError(t, err)
	assert.Equal(t, "8997", provisioned.ICCID)

	_, err = gateway.CreateOrder(context.Background(), ports.ProvisionRequest{PackageID: "broken"})
	assert.ErrorIs(t, err, ports.ErrGatewayRejected)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"ProvisioningGateway.CreateOrder", "ProvisioningGateway.CreateOrder"}, telemetry.SpanNames(spans))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "provisioning_duration_seconds" {
				continue
			}
			hist, ok := metric.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			for _, dp := range hist.DataPoints {
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				counts[status.AsString()] += dp.Count
			}
		}
	}
	assert.Equal(t, map[string]uint64{"success": 1, "error": 1}, counts)
}

type invoicesFunc func(ctx context.Context, invoiceID string) (*ports.PaymentCheck, error)

func (f invoicesFunc) CreateInvoice(_ context.Context, req ports.InvoiceRequest) (*ports.Invoice, error) {
	return &ports.Invoice{InvoiceID: "inv_" + req.OrderID}, nil
}

func (f invoicesFunc) CheckPayment(ctx context.Context, invoiceID string) (*ports.PaymentCheck, error) {
	return f(ctx, invoiceID)
}

func TestObservableInvoiceGatewayTracesCalls(t *testing.T) {
	spans := telemetry.RecordSpans(t)
	gateway := NewObservableInvoiceGateway(invoicesFunc(func(_ context.Context, invoiceID string) (*ports.PaymentCheck, error) {
		if invoiceID == "down" {
			return nil, ports.ErrGatewayUnavailable
		}
		return &ports.PaymentCheck{Count: 1, PaidAmount: 500}, nil
	}))

	invoice, err := gateway.CreateInvoice(context.Background(), ports.InvoiceRequest{OrderID: "a", Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, "inv_a", invoice.InvoiceID)

	check, err := gateway.CheckPayment(context.Background(), "inv_a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), check.PaidAmount)

	_, err = gateway.CheckPayment(context.Background(), "down")
	assert.ErrorIs(t, err, ports.ErrGatewayUnavailable)

	assert.Equal(t, []string{
		"InvoiceGateway.CreateInvoice",
		"InvoiceGateway.CheckPayment",
		"InvoiceGateway.CheckPayment",
	}, telemetry.SpanNames(spans))
}
