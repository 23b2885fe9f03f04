package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderStatus captures the lifecycle of an order in the system.
type OrderStatus string

const (
	StatusPending            OrderStatus = "PENDING"
	StatusPaid               OrderStatus = "PAID"
	StatusProvisioning       OrderStatus = "PROVISIONING"
	StatusCompleted          OrderStatus = "COMPLETED"
	StatusProvisioningFailed OrderStatus = "PROVISIONING_FAILED"
)

// DefaultStaleLockAfter is how long a PROVISIONING lock is honoured before
// another trigger may reclaim it.
const DefaultStaleLockAfter = 5 * time.Minute

// Item is a purchased line item. PackageID is the provisioning product identifier.
type Item struct {
	PackageID string `json:"id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
}

// ESIM is the activation artifact returned by the provisioning gateway.
type ESIM struct {
	ICCID  string `json:"iccid"`
	LPA    string `json:"lpa"`
	QRData string `json:"qrData"`
}

// Metadata holds diagnostic fields updated on failure and retry.
type Metadata struct {
	RetryCount        int        `json:"retryCount"`
	ProvisioningError string     `json:"provisioningError,omitempty"`
	LockToken         string     `json:"lockToken,omitempty"`
	LastAttemptAt     *time.Time `json:"lastAttemptAt,omitempty"`
}

// Order represents an eSIM purchase and its payment/provisioning state.
type Order struct {
	ID           string      `json:"id"`
	Status       OrderStatus `json:"status"`
	Items        []Item      `json:"items"`
	TotalAmount  int64       `json:"totalAmount"`
	Currency     string      `json:"currency"`
	InvoiceID    string      `json:"invoiceId,omitempty"`
	PaymentID    string      `json:"paymentId,omitempty"`
	ContactEmail string      `json:"contactEmail"`
	ESIM         *ESIM       `json:"esim,omitempty"`
	Metadata     Metadata    `json:"metadata"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Validate ensures the order adheres to business constraints.
func (o Order) Validate() error {
	if strings.TrimSpace(o.ContactEmail) == "" {
		return fmt.Errorf("%w: contact_email is required", ErrInvalidOrder)
	}
	if !strings.Contains(o.ContactEmail, "@") {
		return fmt.Errorf("%w: contact_email must be valid", ErrInvalidOrder)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	if o.TotalAmount <= 0 {
		return fmt.Errorf("%w: total_amount must be positive", ErrInvalidOrder)
	}
	if strings.TrimSpace(o.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidOrder)
	}
	return nil
}

// IsTerminal indicates whether the order is in a terminal state.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case StatusCompleted, StatusProvisioningFailed:
		return true
	default:
		return false
	}
}

// LockIsFresh reports whether a PROVISIONING lock is still within its staleness window.
func (o Order) LockIsFresh(now time.Time, staleAfter time.Duration) bool {
	return o.Status == StatusProvisioning && o.UpdatedAt.After(now.Add(-staleAfter))
}

// PackageID returns the provisioning product identifier of the first line item.
func (o Order) PackageID() (string, error) {
	if len(o.Items) == 0 {
		return "", fmt.Errorf("%w: order has no line items", ErrMissingPackageID)
	}
	id := strings.TrimSpace(o.Items[0].PackageID)
	if id == "" {
		return "", fmt.Errorf("%w: first line item %q has no package id", ErrMissingPackageID, o.Items[0].Name)
	}
	return id, nil
}

// AttachInvoice binds the invoice issued at checkout. An order is bound to one invoice only.
func (o *Order) AttachInvoice(invoiceID string, now time.Time) error {
	if strings.TrimSpace(invoiceID) == "" {
		return fmt.Errorf("%w: invoice_id is required", ErrInvalidOrder)
	}
	if o.InvoiceID != "" && o.InvoiceID != invoiceID {
		return fmt.Errorf("%w: order was issued invoice %s", ErrInvoiceMismatch, o.InvoiceID)
	}
	o.InvoiceID = invoiceID
	o.UpdatedAt = now
	return nil
}

// AcquireLock moves the order into PROVISIONING on behalf of a verified payment.
// It must run inside the store's atomic update.
func (o *Order) AcquireLock(invoiceID, token string, now time.Time, staleAfter time.Duration) error {
	if o.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	if o.LockIsFresh(now, staleAfter) {
		return ErrLockHeld
	}
	if o.PaymentID != "" && o.PaymentID != invoiceID {
		return fmt.Errorf("%w: order is bound to payment %s", ErrInvoiceMismatch, o.PaymentID)
	}
	if o.InvoiceID != "" && o.InvoiceID != invoiceID {
		return fmt.Errorf("%w: order was issued invoice %s", ErrInvoiceMismatch, o.InvoiceID)
	}

	o.Status = StatusProvisioning
	o.PaymentID = invoiceID
	o.Metadata.LockToken = token
	o.Metadata.LastAttemptAt = &now
	o.UpdatedAt = now
	return nil
}

// AcquireRetryLock re-enters PROVISIONING on operator request.
func (o *Order) AcquireRetryLock(token string, now time.Time, staleAfter time.Duration) error {
	switch o.Status {
	case StatusCompleted:
		return ErrAlreadyCompleted
	case StatusPending:
		return ErrPaymentNotVerified
	case StatusProvisioning:
		if o.LockIsFresh(now, staleAfter) {
			return ErrLockHeld
		}
	}

	o.Status = StatusProvisioning
	o.Metadata.RetryCount++
	o.Metadata.ProvisioningError = ""
	o.Metadata.LockToken = token
	o.Metadata.LastAttemptAt = &now
	o.UpdatedAt = now
	return nil
}

// Complete records the provisioned eSIM. The eSIM is written exactly once.
// A late success may also overwrite a failure recorded by a competing attempt,
// since the vendor has already allocated the profile.
func (o *Order) Complete(esim ESIM, now time.Time) error {
	if o.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	if o.Status != StatusProvisioning && o.Status != StatusProvisioningFailed {
		return fmt.Errorf("%w: status is %s", ErrNotProvisioning, o.Status)
	}

	o.Status = StatusCompleted
	o.ESIM = &esim
	o.Metadata.ProvisioningError = ""
	o.Metadata.LockToken = ""
	o.UpdatedAt = now
	return nil
}

// FailProvisioning parks the order in PROVISIONING_FAILED with a diagnostic reason.
func (o *Order) FailProvisioning(reason string, now time.Time) error {
	if o.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	if o.Status != StatusProvisioning {
		return fmt.Errorf("%w: status is %s", ErrNotProvisioning, o.Status)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "provisioning failed"
	}

	o.Status = StatusProvisioningFailed
	o.Metadata.ProvisioningError = reason
	o.Metadata.LockToken = ""
	o.UpdatedAt = now
	return nil
}
