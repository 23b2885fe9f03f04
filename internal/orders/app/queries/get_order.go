package queries

import (
	"context"
	"errors"
	"strings"

	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

// ErrOrderIDRequired is returned when a lookup carries a blank order ID.
var ErrOrderIDRequired = errors.New("order_id is required")

// GetOrderQuery represents a request to retrieve an order by its ID.
type GetOrderQuery struct {
	OrderID string
}

// GetOrderQueryHandler executes GetOrderQuery and returns the order if found.
type GetOrderQueryHandler struct {
	repo ports.OrderRepository
}

func NewGetOrderQueryHandler(repo ports.OrderRepository) *GetOrderQueryHandler {
	return &GetOrderQueryHandler{repo: repo}
}

// Handle executes the query and retrieves the order.
func (h *GetOrderQueryHandler) Handle(ctx context.Context, query GetOrderQuery) (*domain.Order, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	order, err := h.repo.GetByID(ctx, strings.TrimSpace(query.OrderID))
	if err != nil {
		return nil, err
	}

	return order, nil
}

// Validate ensures the query has valid parameters.
func (q GetOrderQuery) Validate() error {
	if strings.TrimSpace(q.OrderID) == "" {
		return ErrOrderIDRequired
	}
	return nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListOrdersQuery pages through orders, optionally narrowed to one status.
type ListOrdersQuery struct {
	Status   string
	Page     int
	PageSize int
}

type ListOrdersQueryHandler struct {
	repo ports.OrderRepository
}

func NewListOrdersQueryHandler(repo ports.OrderRepository) *ListOrdersQueryHandler {
	return &ListOrdersQueryHandler{repo: repo}
}

func (h *ListOrdersQueryHandler) Handle(ctx context.Context, query ListOrdersQuery) ([]domain.Order, error) {
	filter, err := query.filter()
	if err != nil {
		return nil, err
	}
	return h.repo.List(ctx, filter)
}

func (q ListOrdersQuery) filter() (ports.ListFilter, error) {
	filter := ports.ListFilter{Page: q.Page, PageSize: q.PageSize}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}

	if s := strings.ToUpper(strings.TrimSpace(q.Status)); s != "" {
		status := domain.OrderStatus(s)
		switch status {
		case domain.StatusPending, domain.StatusPaid, domain.StatusProvisioning,
			domain.StatusCompleted, domain.StatusProvisioningFailed:
		default:
			return ports.ListFilter{}, errors.New("status is not a known order status")
		}
		filter.Status = &status
	}
	return filter, nil
}
