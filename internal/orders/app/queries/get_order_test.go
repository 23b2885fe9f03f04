package queries_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oidovnamnan/gatesim/internal/orders/adapters/memory"
	"github.com/oidovnamnan/gatesim/internal/orders/app/queries"
	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

func newOrder(id string, status domain.OrderStatus, created time.Time) domain.Order {
	return domain.Order{
		ID:           id,
		Status:       status,
		Items:        []domain.Item{{PackageID: "pkg-1", Name: "Japan 5GB", Price: 32000}},
		TotalAmount:  32000,
		Currency:     "MNT",
		ContactEmail: "buyer@example.com",
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestGetOrder(t *testing.T) {
	t.Run("returns order by ID", func(t *testing.T) {
		repo := memory.NewRepository()
		handler := queries.NewGetOrderQueryHandler(repo)
		ctx := context.Background()

		expectedOrder := newOrder("test-order-123", domain.StatusPending, time.Now().UTC())
		if err := repo.Create(ctx, expectedOrder); err != nil {
			t.Fatalf("failed to create test order: %v", err)
		}

		result, err := handler.Handle(ctx, queries.GetOrderQuery{OrderID: "test-order-123"})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.ID != expectedOrder.ID {
			t.Errorf("expected ID %s, got %s", expectedOrder.ID, result.ID)
		}
		if result.ContactEmail != expectedOrder.ContactEmail {
			t.Errorf("expected email %s, got %s", expectedOrder.ContactEmail, result.ContactEmail)
		}
		if result.TotalAmount != expectedOrder.TotalAmount {
			t.Errorf("expected amount %d, got %d", expectedOrder.TotalAmount, result.TotalAmount)
		}
	})

	t.Run("returns not found error for nonexistent order", func(t *testing.T) {
		handler := queries.NewGetOrderQueryHandler(memory.NewRepository())

		result, err := handler.Handle(context.Background(), queries.GetOrderQuery{OrderID: "nonexistent-order"})
		if !errors.Is(err, ports.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if result != nil {
			t.Errorf("expected nil result, got %+v", result)
		}
	})
}

func TestGetOrderQueryValidation(t *testing.T) {
	tests := []struct {
		name    string
		query   queries.GetOrderQuery
		wantErr bool
	}{
		{name: "valid order ID", query: queries.GetOrderQuery{OrderID: "order-123"}},
		{name: "empty order ID", query: queries.GetOrderQuery{OrderID: ""}, wantErr: true},
		{name: "whitespace order ID", query: queries.GetOrderQuery{OrderID: "  \t  "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, queries.ErrOrderIDRequired) {
				t.Errorf("expected ErrOrderIDRequired, got %v", err)
			}
		})
	}
}

func TestListOrders(t *testing.T) {
	repo := memory.NewRepository()
	handler := queries.NewListOrdersQueryHandler(repo)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, status := range []domain.OrderStatus{domain.StatusPending, domain.StatusCompleted, domain.StatusCompleted} {
		order := newOrder(string(rune('a'+i)), status, base.Add(time.Duration(i)*time.Minute))
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("failed to create order: %v", err)
		}
	}

	t.Run("filters by status", func(t *testing.T) {
		orders, err := handler.Handle(ctx, queries.ListOrdersQuery{Status: "completed"})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(orders) != 2 {
			t.Errorf("expected 2 completed orders, got %d", len(orders))
		}
	})

	t.Run("defaults pagination", func(t *testing.T) {
		orders, err := handler.Handle(ctx, queries.ListOrdersQuery{PageSize: -1})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(orders) != 3 {
			t.Errorf("expected 3 orders, got %d", len(orders))
		}
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		if _, err := handler.Handle(ctx, queries.ListOrdersQuery{Status: "CANCELED"}); err == nil {
			t.Error("expected error for unknown status")
		}
	})
}
