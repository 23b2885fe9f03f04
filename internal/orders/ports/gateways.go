package ports

import (
	"context"
	"errors"
	"time"
)

// PaymentStatusPaid marks a settled payment row reported by the invoice gateway.
const PaymentStatusPaid = "PAID"

var (
	// ErrGatewayUnavailable covers network failures, timeouts and 5xx responses.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrGatewayRejected is returned when a vendor explicitly declines a request.
	ErrGatewayRejected = errors.New("gateway rejected request")
)

// InvoiceRequest describes a payment invoice to be issued for an order.
type InvoiceRequest struct {
	OrderID     string
	Amount      int64
	Currency    string
	Description string
	CallbackURL string
}

// BankLink is a deeplink into a banking app able to pay the invoice.
type BankLink struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Logo        string `json:"logo"`
	Link        string `json:"link"`
}

// Invoice is the invoice gateway's answer to an invoice request.
type Invoice struct {
	InvoiceID string     `json:"invoiceId"`
	QRText    string     `json:"qrText"`
	QRImage   string     `json:"qrImage,omitempty"`
	ShortURL  string     `json:"shortUrl"`
	BankLinks []BankLink `json:"bankLinks"`
}

// PaymentRow is a single payment recorded against an invoice.
type PaymentRow struct {
	PaymentID string    `json:"paymentId"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	Date      time.Time `json:"date"`
}

// PaymentCheck is the raw payment listing for an invoice.
type PaymentCheck struct {
	Count      int          `json:"count"`
	PaidAmount int64        `json:"paidAmount"`
	Rows       []PaymentRow `json:"rows"`
}

// InvoiceGateway issues invoices and reports their payment state.
type InvoiceGateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	CheckPayment(ctx context.Context, invoiceID string) (*PaymentCheck, error)
}

// ProvisionRequest asks the provisioning vendor for one activation artifact.
type ProvisionRequest struct {
	PackageID      string
	Quantity       int
	IdempotencyKey string
	Description    string
}

// Provisioned is the activation artifact allocated by the vendor.
type Provisioned struct {
	ICCID  string
	LPA    string
	QRData string
}

// ProvisioningGateway allocates eSIM profiles. Every successful call consumes inventory.
type ProvisioningGateway interface {
	CreateOrder(ctx context.Context, req ProvisionRequest) (*Provisioned, error)
}
