package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

// DefaultTTL bounds how long a recorded response is replayed.
const DefaultTTL = 72 * time.Hour

// Store persists replayable responses in the idempotency_keys table.
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewStore(pool *pgxpool.Pool, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{pool: pool, ttl: ttl}
}

// Get returns the live response recorded for key, or nil when none exists.
func (s *Store) Get(ctx context.Context, key string) (*ports.StoredResponse, error) {
	query := `
		SELECT status_code, body, order_id
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()
	`

	var resp ports.StoredResponse
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&resp.StatusCode,
		&resp.Body,
		&resp.OrderID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select idempotency key: %w", err)
	}

	return &resp, nil
}

// Save records a response. The first writer for a live key wins; an expired
// entry is replaced.
func (s *Store) Save(ctx context.Context, key string, response ports.StoredResponse) error {
	query := `
		INSERT INTO idempotency_keys (key, status_code, body, order_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET status_code = EXCLUDED.status_code,
		    body = EXCLUDED.body,
		    order_id = EXCLUDED.order_id,
		    created_at = NOW(),
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= NOW()
	`

	expiresAt := time.Now().UTC().Add(s.ttl)
	_, err := s.pool.Exec(ctx, query, key, response.StatusCode, response.Body, response.OrderID, expiresAt)
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}

	return nil
}

// Purge deletes expired entries and reports how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
