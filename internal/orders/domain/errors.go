package domain

import "errors"

var (
	// ErrAlreadyCompleted is returned when an order has already been provisioned.
	ErrAlreadyCompleted = errors.New("order already completed")
	// ErrLockHeld is returned while another caller holds a fresh PROVISIONING lock.
	ErrLockHeld = errors.New("order is currently provisioning")
	// ErrInvoiceMismatch is returned when a payment reference conflicts with the one bound to the order.
	ErrInvoiceMismatch = errors.New("invoice does not belong to order")
	// ErrMissingPackageID is returned when the first line item carries no package identifier.
	ErrMissingPackageID = errors.New("missing package identifier")
	// ErrPaymentNotVerified is returned when provisioning is requested for an unpaid order.
	ErrPaymentNotVerified = errors.New("payment has not been verified")
	// ErrNotProvisioning is returned when a provisioning outcome is recorded on an
	// order that no longer holds the PROVISIONING lock.
	ErrNotProvisioning = errors.New("order is not provisioning")
	// ErrInvalidOrder wraps every rejection of malformed order data.
	ErrInvalidOrder = errors.New("invalid order")
)

// IsStateError reports whether err is a state-machine rejection rather than an
// infrastructure failure.
func IsStateError(err error) bool {
	for _, target := range []error{
		ErrAlreadyCompleted, ErrLockHeld, ErrInvoiceMismatch,
		ErrMissingPackageID, ErrPaymentNotVerified, ErrNotProvisioning,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
