package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

// PaymentCache stores invoices confirmed as paid.
type PaymentCache struct {
	client   redis.Cmdable
	keyspace Keyspace
	ttl      time.Duration
}

func NewPaymentCache(client redis.Cmdable, keyspace Keyspace, ttl time.Duration) *PaymentCache {
	return &PaymentCache{client: client, keyspace: keyspace, ttl: ttl}
}

func (c *PaymentCache) GetPaid(ctx context.Context, invoiceID string) (*ports.PaymentCheck, bool, error) {
	raw, err := c.client.Get(ctx, c.keyspace.Key("paid", invoiceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get paid invoice %s: %w", invoiceID, err)
	}

	var check ports.PaymentCheck
	if err := json.Unmarshal(raw, &check); err != nil {
		return nil, false, fmt.Errorf("decode paid invoice %s: %w", invoiceID, err)
	}
	return &check, true, nil
}

func (c *PaymentCache) SetPaid(ctx context.Context, invoiceID string, check ports.PaymentCheck) error {
	raw, err := json.Marshal(check)
	if err != nil {
		return fmt.Errorf("encode paid invoice %s: %w", invoiceID, err)
	}
	if err := c.client.Set(ctx, c.keyspace.Key("paid", invoiceID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set paid invoice %s: %w", invoiceID, err)
	}
	return nil
}

// NoopPaymentCache never remembers anything; every verification hits the gateway.
type NoopPaymentCache struct{}

func (NoopPaymentCache) GetPaid(context.Context, string) (*ports.PaymentCheck, bool, error) {
	return nil, false, nil
}

func (NoopPaymentCache) SetPaid(context.Context, string, ports.PaymentCheck) error {
	return nil
}
