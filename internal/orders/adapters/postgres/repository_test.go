//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	testpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/oidovnamnan/gatesim/internal/database"
	"github.com/oidovnamnan/gatesim/internal/orders/adapters/postgres"
	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := testpostgres.Run(ctx,
		"postgres:16-alpine",
		testpostgres.WithDatabase("test"),
		testpostgres.WithUsername("test"),
		testpostgres.WithPassword("test"),
		testpostgres.BasicWaitStrategies(),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	migrationsPath := filepath.Join(findProjectRoot(t), "migrations")
	if err := database.RunMigrations(connStr, migrationsPath); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	pool, err := database.NewPool(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

func newOrder(id, invoiceID string, status domain.OrderStatus, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:           id,
		Status:       status,
		Items:        []domain.Item{{PackageID: "kallur-digital-7days-1gb", Name: "Turkey 1GB", Price: 25000}},
		TotalAmount:  25000,
		Currency:     "MNT",
		InvoiceID:    invoiceID,
		ContactEmail: "traveller@example.com",
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func TestRepositoryCreate(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewRepository(pool)
	ctx := context.Background()

	order := newOrder("ord-create", "inv-create", domain.StatusPending, time.Now().UTC().Truncate(time.Microsecond))

	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	retrieved, err := repo.GetByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("failed to retrieve order: %v", err)
	}

	if retrieved.ContactEmail != order.ContactEmail {
		t.Errorf("expected email %s, got %s", order.ContactEmail, retrieved.ContactEmail)
	}
	if retrieved.TotalAmount != order.TotalAmount {
		t.Errorf("expected amount %d, got %d", order.TotalAmount, retrieved.TotalAmount)
	}
	if retrieved.InvoiceID != order.InvoiceID {
		t.Errorf("expected invoice %s, got %s", order.InvoiceID, retrieved.InvoiceID)
	}
	if len(retrieved.Items) != 1 || retrieved.Items[0].PackageID != "kallur-digital-7days-1gb" {
		t.Errorf("expected items to round trip, got %+v", retrieved.Items)
	}
	if retrieved.ESIM != nil {
		t.Errorf("expected no esim on a pending order, got %+v", retrieved.ESIM)
	}
}

func TestRepositoryGetByID_NotFound(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewRepository(pool)

	_, err := repo.GetByID(context.Background(), "nonexistent-id")
	if !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepositoryList(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewRepository(pool)
	ctx := context.Background()
	base := time.Now().UTC()

	orders := []domain.Order{
		newOrder("order-1", "inv-1", domain.StatusPending, base),
		newOrder("order-2", "inv-2", domain.StatusPaid, base.Add(time.Second)),
		newOrder("order-3", "inv-3", domain.StatusPending, base.Add(2*time.Second)),
	}
	for _, order := range orders {
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("failed to create order: %v", err)
		}
	}

	t.Run("list all orders newest first", func(t *testing.T) {
		result, err := repo.List(ctx, ports.ListFilter{})
		if err != nil {
			t.Fatalf("failed to list orders: %v", err)
		}
		if len(result) != 3 {
			t.Fatalf("expected 3 orders, got %d", len(result))
		}
		if result[0].ID != "order-3" {
			t.Errorf("expected first order to be order-3, got %s", result[0].ID)
		}
	})

	t.Run("filter by status", func(t *testing.T) {
		status := domain.StatusPending
		result, err := repo.List(ctx, ports.ListFilter{Status: &status})
		if err != nil {
			t.Fatalf("failed to list orders: %v", err)
		}
		if len(result) != 2 {
			t.Errorf("expected 2 pending orders, got %d", len(result))
		}
	})

	t.Run("pagination", func(t *testing.T) {
		result, err := repo.List(ctx, ports.ListFilter{Page: 2, PageSize: 2})
		if err != nil {
			t.Fatalf("failed to list orders: %v", err)
		}
		if len(result) != 1 {
			t.Errorf("expected 1 order on page 2, got %d", len(result))
		}
	})
}

func TestRepositoryUpdate(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewRepository(pool)
	ctx := context.Background()

	order := newOrder("ord-update", "inv-update", domain.StatusPending, time.Now().UTC().Add(-time.Minute))
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	t.Run("commits the mutation", func(t *testing.T) {
		now := time.Now().UTC()
		updated, err := repo.Update(ctx, order.ID, func(o *domain.Order) error {
			return o.AcquireLock("inv-update", "token-1", now, domain.DefaultStaleLockAfter)
		})
		if err != nil {
			t.Fatalf("failed to update order: %v", err)
		}
		if updated.Status != domain.StatusProvisioning {
			t.Errorf("expected status PROVISIONING, got %s", updated.Status)
		}

		stored, err := repo.GetByID(ctx, order.ID)
		if err != nil {
			t.Fatalf("failed to retrieve order: %v", err)
		}
		if stored.PaymentID != "inv-update" || stored.Metadata.LockToken != "token-1" {
			t.Errorf("expected lock to be persisted, got payment %q token %q", stored.PaymentID, stored.Metadata.LockToken)
		}
	})

	t.Run("rolls back when the callback fails", func(t *testing.T) {
		_, err := repo.Update(ctx, order.ID, func(o *domain.Order) error {
			o.Status = domain.StatusProvisioningFailed
			return domain.ErrLockHeld
		})
		if !errors.Is(err, domain.ErrLockHeld) {
			t.Fatalf("expected ErrLockHeld, got %v", err)
		}

		stored, err := repo.GetByID(ctx, order.ID)
		if err != nil {
			t.Fatalf("failed to retrieve order: %v", err)
		}
		if stored.Status != domain.StatusProvisioning {
			t.Errorf("expected status to stay PROVISIONING, got %s", stored.Status)
		}
	})

	t.Run("returns not found for missing orders", func(t *testing.T) {
		_, err := repo.Update(ctx, "missing", func(o *domain.Order) error { return nil })
		if !errors.Is(err, ports.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRepositoryUpdate_SerializesConcurrentLocks(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewRepository(pool)
	ctx := context.Background()

	order := newOrder("ord-race", "inv-race", domain.StatusPending, time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, order.ID, func(o *domain.Order) error {
				return o.AcquireLock("inv-race", "token", time.Now().UTC(), domain.DefaultStaleLockAfter)
			})
			if err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrLockHeld) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("expected exactly one lock acquisition, got %d", acquired)
	}
}

func TestRepositoryListReconcilable(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := newOrder("ord-stale", "inv-stale", domain.StatusProvisioning, now.Add(-time.Hour))
	stale.UpdatedAt = now.Add(-10 * time.Minute)
	fresh := newOrder("ord-fresh", "inv-fresh", domain.StatusProvisioning, now.Add(-time.Hour))
	fresh.UpdatedAt = now.Add(-30 * time.Second)
	completed := newOrder("ord-done", "inv-done", domain.StatusCompleted, now.Add(-time.Hour))
	completed.ESIM = &domain.ESIM{ICCID: "8997", LPA: "LPA:1$x$y"}

	for _, o := range []domain.Order{
		newOrder("ord-pending", "inv-pending", domain.StatusPending, now.Add(-2*time.Hour)),
		newOrder("ord-no-invoice", "", domain.StatusPending, now.Add(-time.Hour)),
		newOrder("ord-ancient", "inv-ancient", domain.StatusPending, now.Add(-72*time.Hour)),
		stale, fresh, completed,
	} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("failed to create order %s: %v", o.ID, err)
		}
	}

	result, err := repo.ListReconcilable(ctx, ports.ReconcilableFilter{
		StaleBefore:  now.Add(-domain.DefaultStaleLockAfter),
		CreatedAfter: now.Add(-48 * time.Hour),
		Limit:        10,
	})
	if err != nil {
		t.Fatalf("failed to list reconcilable orders: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("expected 2 reconcilable orders, got %d", len(result))
	}
	if result[0].ID != "ord-pending" || result[1].ID != "ord-stale" {
		t.Errorf("expected [ord-pending ord-stale], got [%s %s]", result[0].ID, result[1].ID)
	}
}

func TestRepositoryListReconcilablePagesByCursor(t *testing.T) {
	pool := setupTestDB(t)
	repo := postgres.NewRepository(pool)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	for _, o := range []domain.Order{
		newOrder("ord-c", "inv-c", domain.StatusPending, created),
		newOrder("ord-b", "inv-b", domain.StatusPending, created),
		newOrder("ord-a", "inv-a", domain.StatusPending, created.Add(-time.Minute)),
		newOrder("ord-d", "inv-d", domain.StatusPending, created.Add(time.Minute)),
		newOrder("ord-e", "inv-e", domain.StatusPending, created.Add(2*time.Minute)),
	} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("failed to create order %s: %v", o.ID, err)
		}
	}

	filter := ports.ReconcilableFilter{
		StaleBefore: time.Now().UTC().Add(-domain.DefaultStaleLockAfter),
		Limit:       2,
	}

	var seen []string
	pages := 0
	for {
		page, err := repo.ListReconcilable(ctx, filter)
		if err != nil {
			t.Fatalf("failed to list page %d: %v", pages, err)
		}
		pages++
		for _, o := range page {
			seen = append(seen, o.ID)
		}
		if len(page) < filter.Limit {
			break
		}
		filter.After = ports.CursorOf(page[len(page)-1])
	}

	want := []string{"ord-a", "ord-b", "ord-c", "ord-d", "ord-e"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v across pages, got %v", want, seen)
	}
	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}
}
