package commands

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

type CreateOrderCommand struct {
	ContactEmail string
	Currency     string
	Items        []domain.Item
}

func (c CreateOrderCommand) Validate() error {
	if strings.TrimSpace(c.ContactEmail) == "" {
		return fmt.Errorf("%w: contact_email is required", domain.ErrInvalidOrder)
	}
	if !strings.Contains(c.ContactEmail, "@") {
		return fmt.Errorf("%w: contact_email must be valid", domain.ErrInvalidOrder)
	}
	if len(c.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", domain.ErrInvalidOrder)
	}
	for i, item := range c.Items {
		if strings.TrimSpace(item.PackageID) == "" {
			return fmt.Errorf("%w: items[%d].id is required", domain.ErrInvalidOrder, i)
		}
		if item.Price <= 0 {
			return fmt.Errorf("%w: items[%d].price must be positive", domain.ErrInvalidOrder, i)
		}
	}
	return nil
}

// CheckoutResult is a stored order plus the invoice the buyer has to pay.
type CheckoutResult struct {
	Order   *domain.Order  `json:"order"`
	Invoice *ports.Invoice `json:"invoice"`
}

type CommandHandler interface {
	Handle(ctx context.Context, cmd CreateOrderCommand) (*CheckoutResult, error)
}

type CheckoutConfig struct {
	DefaultCurrency string
	// CallbackBaseURL is the public origin the invoice gateway calls back to.
	CallbackBaseURL string
	WebhookSecret   string
}

type CreateOrderCommandHandler struct {
	repo     ports.OrderRepository
	invoices ports.InvoiceGateway
	cfg      CheckoutConfig
	now      func() time.Time
}

func NewCreateOrderCommandHandler(
	repo ports.OrderRepository,
	invoices ports.InvoiceGateway,
	cfg CheckoutConfig,
) *CreateOrderCommandHandler {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "MNT"
	}
	return &CreateOrderCommandHandler{
		repo:     repo,
		invoices: invoices,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *CreateOrderCommandHandler) Handle(ctx context.Context, cmd CreateOrderCommand) (*CheckoutResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	now := h.now()
	order := domain.Order{
		ID:           uuid.NewString(),
		Status:       domain.StatusPending,
		Items:        cmd.Items,
		Currency:     strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		ContactEmail: strings.TrimSpace(cmd.ContactEmail),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if order.Currency == "" {
		order.Currency = h.cfg.DefaultCurrency
	}
	for _, item := range cmd.Items {
		order.TotalAmount += item.Price
	}

	if err := order.Validate(); err != nil {
		return nil, err
	}

	if err := h.repo.Create(ctx, order); err != nil {
		return nil, err
	}

	invoice, err := h.invoices.CreateInvoice(ctx, ports.InvoiceRequest{
		OrderID:     order.ID,
		Amount:      order.TotalAmount,
		Currency:    order.Currency,
		Description: describe(order),
		CallbackURL: h.callbackURL(order.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("order %s saved but invoice was not issued: %w", order.ID, err)
	}

	updated, err := h.repo.Update(ctx, order.ID, func(o *domain.Order) error {
		return o.AttachInvoice(invoice.InvoiceID, h.now())
	})
	if err != nil {
		return nil, fmt.Errorf("attach invoice %s to order %s: %w", invoice.InvoiceID, order.ID, err)
	}

	return &CheckoutResult{Order: updated, Invoice: invoice}, nil
}

func (h *CreateOrderCommandHandler) callbackURL(orderID string) string {
	if h.cfg.CallbackBaseURL == "" {
		return ""
	}
	q := url.Values{"order_id": {orderID}}
	if h.cfg.WebhookSecret != "" {
		q.Set("secret", h.cfg.WebhookSecret)
	}
	return strings.TrimRight(h.cfg.CallbackBaseURL, "/") + "/webhook?" + q.Encode()
}

func describe(order domain.Order) string {
	names := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		name := item.Name
		if name == "" {
			name = item.PackageID
		}
		names = append(names, name)
	}
	return "eSIM: " + strings.Join(names, ", ")
}
