package ports

import "context"

// StoredResponse is a recorded webhook answer replayed for duplicate deliveries.
type StoredResponse struct {
	StatusCode int
	Body       []byte
	OrderID    string
}

// IdempotencyStore records handled deliveries keyed by order and invoice.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*StoredResponse, error)
	Save(ctx context.Context, key string, response StoredResponse) error
}
