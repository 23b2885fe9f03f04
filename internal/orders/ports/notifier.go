package ports

import (
	"context"

	"github.com/oidovnamnan/gatesim/internal/orders/domain"
)

// Confirmation carries what a buyer needs to activate a purchased eSIM.
type Confirmation struct {
	Email       string
	OrderID     string
	TotalAmount int64
	Currency    string
	Items       []domain.Item
	ESIM        domain.ESIM
}

// Notifier delivers order confirmations. Delivery is best-effort.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, msg Confirmation) error
}
