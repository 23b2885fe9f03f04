package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

const orderColumns = `id, status, items, total_amount, currency, invoice_id, payment_id,
	contact_email, esim, metadata, created_at, updated_at`

// PostgreSQL error codes that mean a concurrent transaction won.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, order domain.Order) error {
	row, err := toRow(order)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.pool.Exec(ctx, query,
		row.id, row.status, row.items, row.totalAmount, row.currency, row.invoiceID, row.paymentID,
		row.contactEmail, row.esim, row.metadata, row.createdAt, row.updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", mapError(err))
	}

	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}

	return order, nil
}

func (r *Repository) List(ctx context.Context, filter ports.ListFilter) ([]domain.Order, error) {
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	var statusFilter *string
	if filter.Status != nil {
		s := string(*filter.Status)
		statusFilter = &s
	}

	offset := (page - 1) * pageSize

	rows, err := r.pool.Query(ctx, query, statusFilter, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return collectOrders(rows)
}

// Update runs fn between SELECT ... FOR UPDATE and UPDATE in a single transaction.
func (r *Repository) Update(ctx context.Context, id string, fn ports.UpdateFunc) (*domain.Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin order update: %w", mapError(err))
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	order, err := scanOrder(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("lock order: %w", mapError(err))
	}

	if err := fn(order); err != nil {
		return nil, err
	}

	row, err := toRow(*order)
	if err != nil {
		return nil, err
	}

	update := `
		UPDATE orders
		SET status = $2, items = $3, invoice_id = $4, payment_id = $5,
		    esim = $6, metadata = $7, updated_at = $8
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, update,
		row.id, row.status, row.items, row.invoiceID, row.paymentID,
		row.esim, row.metadata, row.updatedAt,
	); err != nil {
		return nil, fmt.Errorf("update order: %w", mapError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit order update: %w", mapError(err))
	}

	return order, nil
}

func (r *Repository) ListReconcilable(ctx context.Context, filter ports.ReconcilableFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE (
			(status IN ('PENDING', 'PAID') AND (invoice_id IS NOT NULL OR payment_id IS NOT NULL))
			OR (status = 'PROVISIONING' AND updated_at < $1)
		)
		AND ($2::timestamptz IS NULL OR created_at > $2)
		AND ($3::timestamptz IS NULL OR (created_at, id) > ($3, $4))
		ORDER BY created_at ASC, id ASC
		LIMIT $5
	`

	var createdAfter *time.Time
	if !filter.CreatedAfter.IsZero() {
		createdAfter = &filter.CreatedAfter
	}
	var (
		afterCreated *time.Time
		afterID      string
	)
	if filter.After != nil {
		afterCreated = &filter.After.CreatedAt
		afterID = filter.After.ID
	}

	rows, err := r.pool.Query(ctx, query, filter.StaleBefore, createdAfter, afterCreated, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reconcilable orders: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	return orders, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order     domain.Order
		items     []byte
		esim      []byte
		metadata  []byte
		invoiceID *string
		paymentID *string
	)

	if err := row.Scan(
		&order.ID,
		&order.Status,
		&items,
		&order.TotalAmount,
		&order.Currency,
		&invoiceID,
		&paymentID,
		&order.ContactEmail,
		&esim,
		&metadata,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if invoiceID != nil {
		order.InvoiceID = *invoiceID
	}
	if paymentID != nil {
		order.PaymentID = *paymentID
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if len(esim) > 0 {
		order.ESIM = &domain.ESIM{}
		if err := json.Unmarshal(esim, order.ESIM); err != nil {
			return nil, fmt.Errorf("decode esim: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &order.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	return &order, nil
}

type orderRow struct {
	id           string
	status       string
	items        []byte
	totalAmount  int64
	currency     string
	invoiceID    *string
	paymentID    *string
	contactEmail string
	esim         []byte
	metadata     []byte
	createdAt    time.Time
	updatedAt    time.Time
}

func toRow(order domain.Order) (orderRow, error) {
	items := order.Items
	if items == nil {
		items = []domain.Item{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return orderRow{}, fmt.Errorf("encode items: %w", err)
	}
	metadataJSON, err := json.Marshal(order.Metadata)
	if err != nil {
		return orderRow{}, fmt.Errorf("encode metadata: %w", err)
	}

	var esimJSON []byte
	if order.ESIM != nil {
		if esimJSON, err = json.Marshal(order.ESIM); err != nil {
			return orderRow{}, fmt.Errorf("encode esim: %w", err)
		}
	}

	return orderRow{
		id:           order.ID,
		status:       string(order.Status),
		items:        itemsJSON,
		totalAmount:  order.TotalAmount,
		currency:     order.Currency,
		invoiceID:    nullable(order.InvoiceID),
		paymentID:    nullable(order.PaymentID),
		contactEmail: order.ContactEmail,
		esim:         esimJSON,
		metadata:     metadataJSON,
		createdAt:    order.CreatedAt.UTC(),
		updatedAt:    order.UpdatedAt.UTC(),
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return fmt.Errorf("%w: %s", ports.ErrConflict, pgErr.Message)
		}
	}
	return err
}
