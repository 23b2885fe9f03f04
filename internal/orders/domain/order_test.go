package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/oidovnamnan/gatesim/internal/orders/domain"
)

func validOrder() domain.Order {
	now := time.Now()
	return domain.Order{
		ID:           "ord_1",
		Status:       domain.StatusPending,
		Items:        []domain.Item{{PackageID: "merhaba-7days-1gb", Name: "Turkey 1GB", Price: 15000}},
		TotalAmount:  15000,
		Currency:     "MNT",
		InvoiceID:    "inv_1",
		ContactEmail: "traveller@example.com",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestOrderValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *domain.Order)
		wantErr bool
	}{
		{name: "valid order", mutate: func(o *domain.Order) {}, wantErr: false},
		{name: "missing email", mutate: func(o *domain.Order) { o.ContactEmail = "" }, wantErr: true},
		{name: "whitespace only email", mutate: func(o *domain.Order) { o.ContactEmail = "   " }, wantErr: true},
		{name: "invalid email format", mutate: func(o *domain.Order) { o.ContactEmail = "notanemail" }, wantErr: true},
		{name: "no items", mutate: func(o *domain.Order) { o.Items = nil }, wantErr: true},
		{name: "zero amount", mutate: func(o *domain.Order) { o.TotalAmount = 0 }, wantErr: true},
		{name: "negative amount", mutate: func(o *domain.Order) { o.TotalAmount = -100 }, wantErr: true},
		{name: "missing currency", mutate: func(o *domain.Order) { o.Currency = " " }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := validOrder()
			tt.mutate(&order)
			err := order.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Order.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, domain.ErrInvalidOrder) {
				t.Errorf("Order.Validate() error = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

func TestOrderIsTerminal(t *testing.T) {
	tests := []struct {
		name   string
		status domain.OrderStatus
		want   bool
	}{
		{"completed is terminal", domain.StatusCompleted, true},
		{"provisioning failed is terminal", domain.StatusProvisioningFailed, true},
		{"pending is not terminal", domain.StatusPending, false},
		{"paid is not terminal", domain.StatusPaid, false},
		{"provisioning is not terminal", domain.StatusProvisioning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := domain.Order{Status: tt.status}
			if got := order.IsTerminal(); got != tt.want {
				t.Errorf("Order.IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrderAcquireLock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := domain.DefaultStaleLockAfter

	tests := []struct {
		name    string
		mutate  func(o *domain.Order)
		invoice string
		wantErr error
	}{
		{name: "pending order is locked", mutate: func(o *domain.Order) {}, invoice: "inv_1"},
		{name: "paid order is locked", mutate: func(o *domain.Order) { o.Status = domain.StatusPaid }, invoice: "inv_1"},
		{name: "failed order is locked", mutate: func(o *domain.Order) { o.Status = domain.StatusProvisioningFailed }, invoice: "inv_1"},
		{
			name: "stale provisioning lock is reclaimed",
			mutate: func(o *domain.Order) {
				o.Status = domain.StatusProvisioning
				o.UpdatedAt = now.Add(-10 * time.Minute)
			},
			invoice: "inv_1",
		},
		{
			name: "fresh provisioning lock is held",
			mutate: func(o *domain.Order) {
				o.Status = domain.StatusProvisioning
				o.UpdatedAt = now.Add(-30 * time.Second)
			},
			invoice: "inv_1",
			wantErr: domain.ErrLockHeld,
		},
		{
			name:    "completed order is not relocked",
			mutate:  func(o *domain.Order) { o.Status = domain.StatusCompleted },
			invoice: "inv_1",
			wantErr: domain.ErrAlreadyCompleted,
		},
		{
			name:    "foreign invoice is rejected",
			mutate:  func(o *domain.Order) {},
			invoice: "inv_forged",
			wantErr: domain.ErrInvoiceMismatch,
		},
		{
			name: "bound payment id is never overwritten",
			mutate: func(o *domain.Order) {
				o.InvoiceID = ""
				o.PaymentID = "inv_1"
				o.Status = domain.StatusProvisioningFailed
			},
			invoice: "inv_2",
			wantErr: domain.ErrInvoiceMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := validOrder()
			tt.mutate(&order)
			before := order

			err := order.AcquireLock(tt.invoice, "token-1", now, stale)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				if order.Status != before.Status || order.PaymentID != before.PaymentID {
					t.Errorf("expected order to be unchanged on error, got status %s payment %s", order.Status, order.PaymentID)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if order.Status != domain.StatusProvisioning {
				t.Errorf("expected status %s, got %s", domain.StatusProvisioning, order.Status)
			}
			if order.PaymentID != tt.invoice {
				t.Errorf("expected payment id %s, got %s", tt.invoice, order.PaymentID)
			}
			if order.Metadata.LockToken != "token-1" {
				t.Errorf("expected lock token to be stored, got %q", order.Metadata.LockToken)
			}
			if !order.UpdatedAt.Equal(now) {
				t.Errorf("expected updated at %v, got %v", now, order.UpdatedAt)
			}
		})
	}
}

func TestOrderLockStalenessBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	order := validOrder()
	order.Status = domain.StatusProvisioning

	order.UpdatedAt = now.Add(-domain.DefaultStaleLockAfter + time.Second)
	if !order.LockIsFresh(now, domain.DefaultStaleLockAfter) {
		t.Error("expected lock just inside the window to be fresh")
	}

	order.UpdatedAt = now.Add(-domain.DefaultStaleLockAfter)
	if order.LockIsFresh(now, domain.DefaultStaleLockAfter) {
		t.Error("expected lock exactly at the threshold to be stale")
	}
}

func TestOrderAcquireRetryLock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("failed order re-enters provisioning", func(t *testing.T) {
		order := validOrder()
		order.Status = domain.StatusProvisioningFailed
		order.Metadata.RetryCount = 1
		order.Metadata.ProvisioningError = "out of stock"

		if err := order.AcquireRetryLock("token-2", now, domain.DefaultStaleLockAfter); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if order.Status != domain.StatusProvisioning {
			t.Errorf("expected status %s, got %s", domain.StatusProvisioning, order.Status)
		}
		if order.Metadata.RetryCount != 2 {
			t.Errorf("expected retry count 2, got %d", order.Metadata.RetryCount)
		}
		if order.Metadata.ProvisioningError != "" {
			t.Errorf("expected provisioning error to be cleared, got %q", order.Metadata.ProvisioningError)
		}
	})

	tests := []struct {
		name    string
		status  domain.OrderStatus
		age     time.Duration
		wantErr error
	}{
		{"completed order cannot be retried", domain.StatusCompleted, 0, domain.ErrAlreadyCompleted},
		{"unpaid order cannot be retried", domain.StatusPending, 0, domain.ErrPaymentNotVerified},
		{"fresh lock cannot be retried", domain.StatusProvisioning, time.Minute, domain.ErrLockHeld},
		{"stale lock can be retried", domain.StatusProvisioning, 6 * time.Minute, nil},
		{"paid order can be retried", domain.StatusPaid, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := validOrder()
			order.Status = tt.status
			order.UpdatedAt = now.Add(-tt.age)

			err := order.AcquireRetryLock("token-3", now, domain.DefaultStaleLockAfter)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOrderComplete(t *testing.T) {
	now := time.Now()
	esim := domain.ESIM{ICCID: "8997000000000000001", LPA: "LPA:1$smdp.example$ABC", QRData: "data:image/png;base64,AAA"}

	t.Run("writes esim from provisioning", func(t *testing.T) {
		order := validOrder()
		order.Status = domain.StatusProvisioning
		order.Metadata.LockToken = "token-1"

		if err := order.Complete(esim, now); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if order.Status != domain.StatusCompleted {
			t.Errorf("expected status %s, got %s", domain.StatusCompleted, order.Status)
		}
		if order.ESIM == nil || order.ESIM.ICCID != esim.ICCID {
			t.Fatalf("expected esim to be written, got %+v", order.ESIM)
		}
		if order.Metadata.LockToken != "" {
			t.Errorf("expected lock token to be released, got %q", order.Metadata.LockToken)
		}
	})

	t.Run("never overwrites a completed esim", func(t *testing.T) {
		order := validOrder()
		order.Status = domain.StatusCompleted
		order.ESIM = &domain.ESIM{ICCID: "original"}

		err := order.Complete(esim, now)
		if !errors.Is(err, domain.ErrAlreadyCompleted) {
			t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
		}
		if order.ESIM.ICCID != "original" {
			t.Errorf("expected esim unchanged, got %s", order.ESIM.ICCID)
		}
	})

	t.Run("late success replaces a recorded failure", func(t *testing.T) {
		order := validOrder()
		order.Status = domain.StatusProvisioningFailed
		order.Metadata.ProvisioningError = "timeout"

		if err := order.Complete(esim, now); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if order.Metadata.ProvisioningError != "" {
			t.Errorf("expected provisioning error to be cleared, got %q", order.Metadata.ProvisioningError)
		}
	})

	t.Run("requires provisioning status", func(t *testing.T) {
		order := validOrder()
		if err := order.Complete(esim, now); !errors.Is(err, domain.ErrNotProvisioning) {
			t.Errorf("expected ErrNotProvisioning, got %v", err)
		}
	})
}

func TestOrderFailProvisioning(t *testing.T) {
	now := time.Now()

	order := validOrder()
	order.Status = domain.StatusProvisioning
	if err := order.FailProvisioning("", now); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if order.Status != domain.StatusProvisioningFailed {
		t.Errorf("expected status %s, got %s", domain.StatusProvisioningFailed, order.Status)
	}
	if order.Metadata.ProvisioningError == "" {
		t.Error("expected a non-empty provisioning error")
	}

	completed := validOrder()
	completed.Status = domain.StatusCompleted
	if err := completed.FailProvisioning("late failure", now); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestOrderPackageID(t *testing.T) {
	order := validOrder()
	id, err := order.PackageID()
	if err != nil || id != "merhaba-7days-1gb" {
		t.Fatalf("expected package id merhaba-7days-1gb, got %q (%v)", id, err)
	}

	order.Items = nil
	if _, err := order.PackageID(); !errors.Is(err, domain.ErrMissingPackageID) {
		t.Errorf("expected ErrMissingPackageID, got %v", err)
	}

	order.Items = []domain.Item{{Name: "No SKU"}}
	if _, err := order.PackageID(); !errors.Is(err, domain.ErrMissingPackageID) {
		t.Errorf("expected ErrMissingPackageID, got %v", err)
	}
}

func TestOrderAttachInvoice(t *testing.T) {
	now := time.Now()
	order := validOrder()
	order.InvoiceID = ""

	if err := order.AttachInvoice("inv_9", now); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if order.InvoiceID != "inv_9" {
		t.Errorf("expected invoice inv_9, got %s", order.InvoiceID)
	}
	if err := order.AttachInvoice("inv_9", now); err != nil {
		t.Errorf("expected re-attaching the same invoice to succeed, got %v", err)
	}
	if err := order.AttachInvoice("inv_10", now); !errors.Is(err, domain.ErrInvoiceMismatch) {
		t.Errorf("expected ErrInvoiceMismatch, got %v", err)
	}
	if err := order.AttachInvoice(" ", now); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder for empty invoice id, got %v", err)
	}
}
