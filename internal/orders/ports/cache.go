package ports

import (
	"context"
	"errors"
	"time"
)

// PaymentCache remembers invoices already verified as paid. Paid is monotonic,
// so only positive results are stored.
type PaymentCache interface {
	GetPaid(ctx context.Context, invoiceID string) (*PaymentCheck, bool, error)
	SetPaid(ctx context.Context, invoiceID string, check PaymentCheck) error
}

// RateLimiter throttles repeated calls sharing a key across instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// ErrLockLost is returned when a lock expired and was taken by another holder.
var ErrLockLost = errors.New("lock no longer held")

// Lock is a held named lock. Holders running longer than the ttl refresh it.
type Lock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker provides a short-lived named lock shared across instances.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (lock Lock, acquired bool, err error)
}
