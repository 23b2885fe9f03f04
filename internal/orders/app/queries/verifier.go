package queries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

// ErrInvoiceIDRequired is returned when verification is requested without an invoice.
var ErrInvoiceIDRequired = errors.New("invoice_id is required")

// PaymentStatus is the verifier's view of an invoice.
type PaymentStatus struct {
	Paid       bool               `json:"isPaid"`
	PaidAmount int64              `json:"paidAmount"`
	Count      int                `json:"count"`
	Rows       []ports.PaymentRow `json:"payments"`
}

// PaymentVerifier asks the invoice gateway whether an invoice has been paid.
// It never writes order state.
type PaymentVerifier struct {
	gateway ports.InvoiceGateway
	cache   ports.PaymentCache
	logger  *slog.Logger
}

func NewPaymentVerifier(gateway ports.InvoiceGateway, cache ports.PaymentCache, logger *slog.Logger) *PaymentVerifier {
	return &PaymentVerifier{gateway: gateway, cache: cache, logger: logger}
}

// Verify reports whether at least one payment row for the invoice is PAID.
// Gateway failures are returned wrapped; callers must not treat them as unpaid.
func (v *PaymentVerifier) Verify(ctx context.Context, invoiceID string) (PaymentStatus, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return PaymentStatus{}, ErrInvoiceIDRequired
	}

	if cached, ok, err := v.cache.GetPaid(ctx, invoiceID); err != nil {
		v.logger.WarnContext(ctx, "payment cache read failed", "invoice_id", invoiceID, "error", err)
	} else if ok {
		return statusFrom(*cached), nil
	}

	check, err := v.gateway.CheckPayment(ctx, invoiceID)
	if err != nil {
		return PaymentStatus{}, fmt.Errorf("verify invoice %s: %w", invoiceID, err)
	}

	status := statusFrom(*check)
	if status.Paid {
		if err := v.cache.SetPaid(ctx, invoiceID, *check); err != nil {
			v.logger.WarnContext(ctx, "payment cache write failed", "invoice_id", invoiceID, "error", err)
		}
	}
	return status, nil
}

func statusFrom(check ports.PaymentCheck) PaymentStatus {
	status := PaymentStatus{
		PaidAmount: check.PaidAmount,
		Count:      check.Count,
		Rows:       check.Rows,
	}
	if status.Rows == nil {
		status.Rows = []ports.PaymentRow{}
	}
	for _, row := range check.Rows {
		if strings.EqualFold(row.Status, ports.PaymentStatusPaid) {
			status.Paid = true
			break
		}
	}
	return status
}
