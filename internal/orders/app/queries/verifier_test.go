package queries_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidovnamnan/gatesim/internal/orders/app/queries"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

type fakeInvoiceGateway struct {
	checkPaymentFn func(ctx context.Context, invoiceID string) (*ports.PaymentCheck, error)
	calls          int
}

func (f *fakeInvoiceGateway) CreateInvoice(context.Context, ports.InvoiceRequest) (*ports.Invoice, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeInvoiceGateway) CheckPayment(ctx context.Context, invoiceID string) (*ports.PaymentCheck, error) {
	f.calls++
	return f.checkPaymentFn(ctx, invoiceID)
}

type mapCache struct {
	paid     map[string]ports.PaymentCheck
	getErr   error
	setCalls int
}

func (c *mapCache) GetPaid(_ context.Context, id string) (*ports.PaymentCheck, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	check, ok := c.paid[id]
	if !ok {
		return nil, false, nil
	}
	return &check, true, nil
}

func (c *mapCache) SetPaid(_ context.Context, id string, check ports.PaymentCheck) error {
	c.setCalls++
	c.paid[id] = check
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func paidCheck() *ports.PaymentCheck {
	return &ports.PaymentCheck{
		Count:      1,
		PaidAmount: 32000,
		Rows:       []ports.PaymentRow{{PaymentID: "pay_1", Status: "PAID", Amount: 32000}},
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name     string
		check    *ports.PaymentCheck
		wantPaid bool
	}{
		{name: "paid row", check: paidCheck(), wantPaid: true},
		{name: "no rows", check: &ports.PaymentCheck{}, wantPaid: false},
		{
			name: "only unsettled rows",
			check: &ports.PaymentCheck{Count: 1, Rows: []ports.PaymentRow{
				{PaymentID: "pay_1", Status: "NEW"},
				{PaymentID: "pay_2", Status: "FAILED"},
			}},
			wantPaid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := &fakeInvoiceGateway{checkPaymentFn: func(context.Context, string) (*ports.PaymentCheck, error) {
				return tt.check, nil
			}}
			verifier := queries.NewPaymentVerifier(gateway, &mapCache{paid: map[string]ports.PaymentCheck{}}, discardLogger())

			status, err := verifier.Verify(context.Background(), "inv_1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPaid, status.Paid)
			assert.NotNil(t, status.Rows)
		})
	}
}

func TestVerifyRequiresInvoiceID(t *testing.T) {
	gateway := &fakeInvoiceGateway{}
	verifier := queries.NewPaymentVerifier(gateway, &mapCache{}, discardLogger())

	_, err := verifier.Verify(context.Background(), "  ")
	assert.ErrorIs(t, err, queries.ErrInvoiceIDRequired)
	assert.Zero(t, gateway.calls)
}

func TestVerifyPropagatesGatewayFailure(t *testing.T) {
	gateway := &fakeInvoiceGateway{checkPaymentFn: func(context.Context, string) (*ports.PaymentCheck, error) {
		return nil, ports.ErrGatewayUnavailable
	}}
	verifier := queries.NewPaymentVerifier(gateway, &mapCache{paid: map[string]ports.PaymentCheck{}}, discardLogger())

	_, err := verifier.Verify(context.Background(), "inv_1")
	assert.ErrorIs(t, err, ports.ErrGatewayUnavailable)
}

func TestVerifyCachesOnlyPaidResults(t *testing.T) {
	paid := false
	gateway := &fakeInvoiceGateway{checkPaymentFn: func(context.Context, string) (*ports.PaymentCheck, error) {
		if paid {
			return paidCheck(), nil
		}
		return &ports.PaymentCheck{}, nil
	}}
	cache := &mapCache{paid: map[string]ports.PaymentCheck{}}
	verifier := queries.NewPaymentVerifier(gateway, cache, discardLogger())
	ctx := context.Background()

	status, err := verifier.Verify(ctx, "inv_1")
	require.NoError(t, err)
	assert.False(t, status.Paid)
	assert.Zero(t, cache.setCalls)

	paid = true
	status, err = verifier.Verify(ctx, "inv_1")
	require.NoError(t, err)
	assert.True(t, status.Paid)
	assert.Equal(t, 1, cache.setCalls)

	status, err = verifier.Verify(ctx, "inv_1")
	require.NoError(t, err)
	assert.True(t, status.Paid)
	assert.Equal(t, 2, gateway.calls, "third call is served from cache")
}

func TestVerifyIgnoresCacheErrors(t *testing.T) {
	gateway := &fakeInvoiceGateway{checkPaymentFn: func(context.Context, string) (*ports.PaymentCheck, error) {
		return paidCheck(), nil
	}}
	cache := &mapCache{paid: map[string]ports.PaymentCheck{}, getErr: errors.New("redis down")}
	verifier := queries.NewPaymentVerifier(gateway, cache, discardLogger())

	status, err := verifier.Verify(context.Background(), "inv_1")
	require.NoError(t, err)
	assert.True(t, status.Paid)
}
