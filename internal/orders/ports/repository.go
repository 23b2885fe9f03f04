package ports

import (
	"context"
	"errors"
	"time"

	"github.com/oidovnamnan/gatesim/internal/orders/domain"
)

// UpdateFunc mutates an order inside the repository's atomic read-modify-write.
// Returning an error aborts the update and leaves the stored order untouched.
type UpdateFunc func(order *domain.Order) error

// OrderRepository exposes persistence operations required by the application layer.
type OrderRepository interface {
	Create(ctx context.Context, order domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Order, error)
	// Update re-reads the order under a row lock, applies fn and persists the result
	// in one transaction. Errors from fn are returned unchanged.
	Update(ctx context.Context, id string, fn UpdateFunc) (*domain.Order, error)
	ListReconcilable(ctx context.Context, filter ReconcilableFilter) ([]domain.Order, error)
}

// ListFilter narrows list queries by status and pagination.
type ListFilter struct {
	Status   *domain.OrderStatus
	Page     int
	PageSize int
}

// ReconcilableFilter selects orders the sweep should re-check: PENDING or PAID
// orders with a known invoice, plus PROVISIONING orders last touched before StaleBefore.
// Results are ordered by (CreatedAt, ID); a non-nil After resumes strictly past that key.
type ReconcilableFilter struct {
	StaleBefore  time.Time
	CreatedAfter time.Time
	After        *SweepCursor
	Limit        int
}

// SweepCursor is the keyset position of the last order of a page.
type SweepCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the keyset position of order.
func CursorOf(order domain.Order) *SweepCursor {
	return &SweepCursor{CreatedAt: order.CreatedAt, ID: order.ID}
}

var (
	// ErrNotFound is returned when the requested order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrConflict is returned when a concurrent write aborted the transaction.
	ErrConflict = errors.New("order update conflict")
)
