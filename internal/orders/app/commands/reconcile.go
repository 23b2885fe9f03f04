package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
	"github.com/oidovnamnan/gatesim/internal/qr"
)

// Outcome discriminates reconciliation results.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

const (
	ReasonAlreadyCompleted = "already_completed"
	ReasonInProgress       = "in_progress"
)

const (
	DefaultProvisionTimeout = 45 * time.Second
	notifyTimeout           = 30 * time.Second
	qrSize                  = 320
)

var (
	ErrOrderIDRequired   = errors.New("order_id is required")
	ErrInvoiceIDRequired = errors.New("invoice_id is required")
	errLockLost          = errors.New("provisioning lock was reclaimed")
)

// Result is the outcome of one reconciliation attempt.
type Result struct {
	OrderID string       `json:"orderId"`
	Outcome Outcome      `json:"outcome"`
	Reason  string       `json:"reason,omitempty"`
	ESIM    *domain.ESIM `json:"esim,omitempty"`
	Err     error        `json:"-"`
}

// Reconciler moves paid orders through provisioning.
type Reconciler interface {
	// Reconcile provisions an order whose invoice has already been verified as paid.
	Reconcile(ctx context.Context, orderID, invoiceID string) (Result, error)
	// Retry re-enters provisioning on operator request.
	Retry(ctx context.Context, orderID string) (Result, error)
}

type ReconcilerConfig struct {
	StaleLockAfter   time.Duration
	ProvisionTimeout time.Duration
}

// CoreReconciler holds the provisioning lock in the order row itself. The lock is
// taken in one store transaction and released by a second one after the vendor call.
type CoreReconciler struct {
	repo        ports.OrderRepository
	provisioner ports.ProvisioningGateway
	notifier    ports.Notifier
	logger      *slog.Logger
	cfg         ReconcilerConfig

	now      func() time.Time
	newToken func() string
	inflight sync.WaitGroup
}

func NewReconciler(
	repo ports.OrderRepository,
	provisioner ports.ProvisioningGateway,
	notifier ports.Notifier,
	logger *slog.Logger,
	cfg ReconcilerConfig,
) *CoreReconciler {
	if cfg.StaleLockAfter <= 0 {
		cfg.StaleLockAfter = domain.DefaultStaleLockAfter
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = DefaultProvisionTimeout
	}
	return &CoreReconciler{
		repo:        repo,
		provisioner: provisioner,
		notifier:    notifier,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		newToken:    uuid.NewString,
	}
}

func (r *CoreReconciler) Reconcile(ctx context.Context, orderID, invoiceID string) (Result, error) {
	orderID = strings.TrimSpace(orderID)
	invoiceID = strings.TrimSpace(invoiceID)
	if orderID == "" {
		return Result{}, ErrOrderIDRequired
	}
	if invoiceID == "" {
		return Result{}, ErrInvoiceIDRequired
	}

	token := r.newToken()
	now := r.now()
	locked, err := r.repo.Update(ctx, orderID, func(o *domain.Order) error {
		return o.AcquireLock(invoiceID, token, now, r.cfg.StaleLockAfter)
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return r.alreadyCompleted(ctx, orderID), nil
	case errors.Is(err, domain.ErrLockHeld):
		return Result{OrderID: orderID, Outcome: OutcomeSkipped, Reason: ReasonInProgress}, nil
	case err != nil:
		return Result{}, fmt.Errorf("acquire provisioning lock for order %s: %w", orderID, err)
	}

	return r.provision(ctx, *locked, token), nil
}

func (r *CoreReconciler) Retry(ctx context.Context, orderID string) (Result, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Result{}, ErrOrderIDRequired
	}

	token := r.newToken()
	now := r.now()
	locked, err := r.repo.Update(ctx, orderID, func(o *domain.Order) error {
		return o.AcquireRetryLock(token, now, r.cfg.StaleLockAfter)
	})
	if err != nil {
		return Result{}, fmt.Errorf("acquire retry lock for order %s: %w", orderID, err)
	}

	return r.provision(ctx, *locked, token), nil
}

// Wait blocks until in-flight confirmation emails have been handed off.
func (r *CoreReconciler) Wait() {
	r.inflight.Wait()
}

func (r *CoreReconciler) alreadyCompleted(ctx context.Context, orderID string) Result {
	result := Result{OrderID: orderID, Outcome: OutcomeSkipped, Reason: ReasonAlreadyCompleted}
	if order, err := r.repo.GetByID(ctx, orderID); err == nil {
		result.ESIM = order.ESIM
	}
	return result
}

// provision runs with the lock held. Neither the vendor call nor the final write
// follows the caller's cancellation: once the lock is taken the attempt must end
// in a recorded outcome.
func (r *CoreReconciler) provision(ctx context.Context, order domain.Order, token string) Result {
	detached := context.WithoutCancel(ctx)

	packageID, err := order.PackageID()
	if err != nil {
		return r.fail(detached, order.ID, token, err)
	}

	pctx, cancel := context.WithTimeout(detached, r.cfg.ProvisionTimeout)
	defer cancel()

	provisioned, err := r.provisioner.CreateOrder(pctx, ports.ProvisionRequest{
		PackageID:      packageID,
		Quantity:       1,
		IdempotencyKey: fmt.Sprintf("%s-%d", order.ID, order.Metadata.RetryCount),
		Description:    "order " + order.ID,
	})
	if err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ports.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %w", ports.ErrGatewayUnavailable, err)
		}
		return r.fail(detached, order.ID, token, fmt.Errorf("provision package %s: %w", packageID, err))
	}

	esim := domain.ESIM{
		ICCID:  provisioned.ICCID,
		LPA:    provisioned.LPA,
		QRData: r.qrData(detached, order.ID, provisioned),
	}
	return r.complete(detached, order.ID, token, esim)
}

func (r *CoreReconciler) complete(ctx context.Context, orderID, token string, esim domain.ESIM) Result {
	now := r.now()
	updated, err := r.repo.Update(ctx, orderID, func(o *domain.Order) error {
		if o.Metadata.LockToken != token && o.Status != domain.StatusCompleted {
			r.logger.WarnContext(ctx, "provisioning lock reclaimed before completion, recording esim anyway",
				"order_id", orderID,
				"iccid", esim.ICCID,
			)
		}
		return o.Complete(esim, now)
	})

	if errors.Is(err, domain.ErrAlreadyCompleted) {
		existing := r.alreadyCompleted(ctx, orderID)
		existingICCID := ""
		if existing.ESIM != nil {
			existingICCID = existing.ESIM.ICCID
		}
		r.logger.ErrorContext(ctx, "double provisioning: order already completed by a competing attempt",
			"order_id", orderID,
			"kept_iccid", existingICCID,
			"orphaned_iccid", esim.ICCID,
		)
		return existing
	}
	if err != nil {
		// The profile exists at the vendor but not in the store. A stale-lock
		// reclaim replays the same idempotency key.
		r.logger.ErrorContext(ctx, "failed to record provisioned esim",
			"order_id", orderID,
			"iccid", esim.ICCID,
			"lpa", esim.LPA,
			"error", err,
		)
		return Result{OrderID: orderID, Outcome: OutcomeFailed, Err: fmt.Errorf("record esim: %w", err)}
	}

	r.notify(ctx, *updated)
	return Result{OrderID: orderID, Outcome: OutcomeCompleted, ESIM: updated.ESIM}
}

func (r *CoreReconciler) fail(ctx context.Context, orderID, token string, cause error) Result {
	now := r.now()
	_, err := r.repo.Update(ctx, orderID, func(o *domain.Order) error {
		if o.Metadata.LockToken != token {
			return errLockLost
		}
		return o.FailProvisioning(cause.Error(), now)
	})
	switch {
	case errors.Is(err, errLockLost), errors.Is(err, domain.ErrAlreadyCompleted):
		r.logger.WarnContext(ctx, "provisioning failure not recorded, lock now owned by another attempt",
			"order_id", orderID,
			"cause", cause,
		)
	case err != nil:
		r.logger.ErrorContext(ctx, "failed to record provisioning failure",
			"order_id", orderID,
			"cause", cause,
			"error", err,
		)
	}

	return Result{OrderID: orderID, Outcome: OutcomeFailed, Err: cause}
}

func (r *CoreReconciler) qrData(ctx context.Context, orderID string, p *ports.Provisioned) string {
	if qr.IsDataURI(p.QRData) {
		return p.QRData
	}
	payload := qr.ActivationPayload(p.LPA, p.QRData)
	uri, err := qr.DataURI(payload, qrSize)
	if err != nil {
		r.logger.WarnContext(ctx, "could not render activation qr", "order_id", orderID, "error", err)
		return payload
	}
	return uri
}

func (r *CoreReconciler) notify(ctx context.Context, order domain.Order) {
	if order.ContactEmail == "" || order.ESIM == nil {
		return
	}
	msg := ports.Confirmation{
		Email:       order.ContactEmail,
		OrderID:     order.ID,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		Items:       order.Items,
		ESIM:        *order.ESIM,
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()

		if err := r.notifier.SendOrderConfirmation(nctx, msg); err != nil {
			r.logger.WarnContext(nctx, "order confirmation not delivered",
				"order_id", msg.OrderID,
				"error", err,
			)
		}
	}()
}

// IsRetriable reports whether a failed attempt may succeed if triggered again later.
func IsRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ports.ErrGatewayUnavailable),
		errors.Is(err, ports.ErrConflict),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// ErrorReason labels err for metrics and sweep summaries.
func ErrorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ports.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return ReasonAlreadyCompleted
	case errors.Is(err, domain.ErrLockHeld):
		return ReasonInProgress
	case errors.Is(err, domain.ErrInvoiceMismatch):
		return "invoice_mismatch"
	case errors.Is(err, domain.ErrMissingPackageID):
		return "missing_package_id"
	case errors.Is(err, domain.ErrPaymentNotVerified):
		return "payment_not_verified"
	case errors.Is(err, ports.ErrGatewayRejected):
		return "gateway_rejected"
	case errors.Is(err, ports.ErrGatewayUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "gateway_unavailable"
	case errors.Is(err, ports.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
