package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

// Repository provides an in-memory store useful for local development and tests.
// Update holds the write lock for the whole callback, which serializes
// read-modify-write cycles the same way a row lock does.
type Repository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewRepository constructs a new in-memory repository.
func NewRepository() *Repository {
	return &Repository{orders: make(map[string]domain.Order)}
}

// Create stores a new order instance.
func (r *Repository) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = clone(order)
	return nil
}

// GetByID fetches a single order by identifier.
func (r *Repository) GetByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	c := clone(order)
	return &c, nil
}

// List returns orders respecting the provided filter. Pagination is 1-based.
func (r *Repository) List(_ context.Context, filter ports.ListFilter) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.Order
	for _, order := range r.orders {
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		result = append(result, clone(order))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	start := (page - 1) * pageSize
	if start >= len(result) {
		return []domain.Order{}, nil
	}

	end := min(start+pageSize, len(result))
	return result[start:end], nil
}

// Update applies fn to a copy of the stored order and commits it only if fn succeeds.
func (r *Repository) Update(ctx context.Context, id string, fn ports.UpdateFunc) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[id]
	if !ok {
		return nil, ports.ErrNotFound
	}

	working := clone(stored)
	if err := fn(&working); err != nil {
		return nil, err
	}

	r.orders[id] = clone(working)
	return &working, nil
}

// ListReconcilable returns sweep candidates ordered by (CreatedAt, ID).
func (r *Repository) ListReconcilable(_ context.Context, filter ports.ReconcilableFilter) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.Order
	for _, order := range r.orders {
		if !filter.CreatedAfter.IsZero() && !order.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		if filter.After != nil && !cursorLess(*filter.After, order) {
			continue
		}
		switch order.Status {
		case domain.StatusPending, domain.StatusPaid:
			if order.InvoiceID == "" && order.PaymentID == "" {
				continue
			}
		case domain.StatusProvisioning:
			if !order.UpdatedAt.Before(filter.StaleBefore) {
				continue
			}
		default:
			continue
		}
		result = append(result, clone(order))
	}

	sort.Slice(result, func(i, j int) bool {
		return cursorLess(*ports.CursorOf(result[i]), result[j])
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// cursorLess reports whether c sorts strictly before order.
func cursorLess(c ports.SweepCursor, order domain.Order) bool {
	if !c.CreatedAt.Equal(order.CreatedAt) {
		return c.CreatedAt.Before(order.CreatedAt)
	}
	return c.ID < order.ID
}

func clone(o domain.Order) domain.Order {
	c := o
	if o.Items != nil {
		c.Items = make([]domain.Item, len(o.Items))
		copy(c.Items, o.Items)
	}
	if o.ESIM != nil {
		esim := *o.ESIM
		c.ESIM = &esim
	}
	if o.Metadata.LastAttemptAt != nil {
		at := *o.Metadata.LastAttemptAt
		c.Metadata.LastAttemptAt = &at
	}
	return c
}
