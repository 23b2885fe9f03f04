package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oidovnamnan/gatesim/internal/orders/app/commands"
	"github.com/oidovnamnan/gatesim/internal/orders/app/queries"
	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/metrics"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

var (
	// ErrValidation marks malformed trigger input.
	ErrValidation = errors.New("validation failed")
	// ErrSweepInProgress is returned when another instance holds the sweep lock.
	ErrSweepInProgress = errors.New("sweep already in progress")
)

const (
	sweepLockName = "process-pending"
	// DefaultSweepLockTTL bounds how long a crashed sweeper blocks the next run.
	// A live sweep keeps refreshing it.
	DefaultSweepLockTTL = 2 * time.Minute
)

type Config struct {
	StaleLockAfter   time.Duration
	ProvisionTimeout time.Duration
	WebhookWait      time.Duration
	SweepConcurrency int
	SweepBatchSize   int
	SweepMaxAge      time.Duration
	SweepLockTTL     time.Duration
	Checkout         commands.CheckoutConfig
}

func (c Config) withDefaults() Config {
	if c.StaleLockAfter <= 0 {
		c.StaleLockAfter = domain.DefaultStaleLockAfter
	}
	if c.WebhookWait <= 0 {
		c.WebhookWait = 8 * time.Second
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 4
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	if c.SweepLockTTL <= 0 {
		c.SweepLockTTL = DefaultSweepLockTTL
	}
	return c
}

// Dependencies are the adapters the service drives.
type Dependencies struct {
	Repo         ports.OrderRepository
	Invoices     ports.InvoiceGateway
	Provisioner  ports.ProvisioningGateway
	Notifier     ports.Notifier
	PaymentCache ports.PaymentCache
	Idempotency  ports.IdempotencyStore
	Locker       ports.Locker
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Service bundles the order use cases: checkout, the four reconciliation
// triggers and operator reads.
type Service struct {
	repo        ports.OrderRepository
	idemStore   ports.IdempotencyStore
	locker      ports.Locker
	logger      *slog.Logger
	metrics     *metrics.Metrics
	verifier    *queries.PaymentVerifier
	reconciler  commands.Reconciler
	core        *commands.CoreReconciler
	createOrder commands.CommandHandler
	getOrder    *queries.GetOrderQueryHandler
	listOrders  *queries.ListOrdersQueryHandler
	cfg         Config
	now         func() time.Time
	background  sync.WaitGroup
}

func NewService(deps Dependencies, cfg Config) *Service {
	cfg = cfg.withDefaults()

	core := commands.NewReconciler(deps.Repo, deps.Provisioner, deps.Notifier, deps.Logger, commands.ReconcilerConfig{
		StaleLockAfter:   cfg.StaleLockAfter,
		ProvisionTimeout: cfg.ProvisionTimeout,
	})
	checkout := commands.NewCreateOrderCommandHandler(deps.Repo, deps.Invoices, cfg.Checkout)

	return &Service{
		repo:        deps.Repo,
		idemStore:   deps.Idempotency,
		locker:      deps.Locker,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		verifier:    queries.NewPaymentVerifier(deps.Invoices, deps.PaymentCache, deps.Logger),
		reconciler:  commands.NewObservableReconciler(core, deps.Logger, deps.Metrics),
		core:        core,
		createOrder: commands.NewObservableCommandHandler(checkout, deps.Logger, deps.Metrics),
		getOrder:    queries.NewGetOrderQueryHandler(deps.Repo),
		listOrders:  queries.NewListOrdersQueryHandler(deps.Repo),
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Wait blocks until detached webhook reconciliations and confirmation emails finish.
func (s *Service) Wait() {
	s.background.Wait()
	s.core.Wait()
}

// PaymentCallback is an invoice gateway notification. Its content is only a hint:
// payment is always re-verified with the gateway.
type PaymentCallback struct {
	OrderID   string
	InvoiceID string
}

type CallbackResult struct {
	Paid bool
	// Accepted is set when reconciliation outlived the webhook wait and continues in the background.
	Accepted bool
	Result   *commands.Result
	// Err is a reconcile rejection (unknown order, foreign invoice).
	Err error
}

// HandlePaymentCallback verifies the referenced invoice and reconciles the order when paid.
func (s *Service) HandlePaymentCallback(ctx context.Context, cb PaymentCallback) (CallbackResult, error) {
	orderID := strings.TrimSpace(cb.OrderID)
	invoiceID := strings.TrimSpace(cb.InvoiceID)
	if orderID == "" {
		return CallbackResult{}, fmt.Errorf("%w: order_id is required", ErrValidation)
	}
	if invoiceID == "" {
		return CallbackResult{}, fmt.Errorf("%w: invoice reference is required", ErrValidation)
	}

	status, err := s.verifier.Verify(ctx, invoiceID)
	if err != nil {
		return CallbackResult{}, err
	}
	if !status.Paid {
		s.logger.InfoContext(ctx, "callback for unpaid invoice", "order_id", orderID, "invoice_id", invoiceID)
		return CallbackResult{Paid: false}, nil
	}

	type outcome struct {
		result commands.Result
		err    error
	}
	done := make(chan outcome, 1)
	detached := context.WithoutCancel(ctx)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		result, err := s.reconcilePaid(detached, orderID, invoiceID, status.PaidAmount)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(s.cfg.WebhookWait)
	defer timer.Stop()

	select {
	case o := <-done:
		if o.err != nil {
			return CallbackResult{Paid: true, Err: o.err}, nil
		}
		return CallbackResult{Paid: true, Result: &o.result}, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.logger.InfoContext(ctx, "reconcile continues in background", "order_id", orderID)
	return CallbackResult{Paid: true, Accepted: true}, nil
}

// ProvisioningStatus is reported to pollers separately from payment state.
type ProvisioningStatus struct {
	Status    string       `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	ESIM      *domain.ESIM `json:"esim,omitempty"`
	Error     string       `json:"error,omitempty"`
	Retriable bool         `json:"retriable,omitempty"`
}

type PaymentStatusResult struct {
	queries.PaymentStatus
	Provisioning *ProvisioningStatus `json:"provisioning,omitempty"`
}

// CheckPaymentStatus answers a buyer's poll. When paid and an order is named the
// order is reconciled inline; provisioning problems never turn into payment errors.
func (s *Service) CheckPaymentStatus(ctx context.Context, invoiceID, orderID string) (PaymentStatusResult, error) {
	status, err := s.verifier.Verify(ctx, invoiceID)
	if err != nil {
		return PaymentStatusResult{}, err
	}

	out := PaymentStatusResult{PaymentStatus: status}
	orderID = strings.TrimSpace(orderID)
	if !status.Paid || orderID == "" {
		return out, nil
	}

	result, err := s.reconcilePaid(ctx, orderID, strings.TrimSpace(invoiceID), status.PaidAmount)
	if err != nil {
		out.Provisioning = &ProvisioningStatus{Status: "error", Reason: commands.ErrorReason(err), Error: err.Error()}
		return out, nil
	}

	out.Provisioning = &ProvisioningStatus{
		Status: string(result.Outcome),
		Reason: result.Reason,
		ESIM:   result.ESIM,
	}
	if result.Err != nil {
		out.Provisioning.Error = result.Err.Error()
		out.Provisioning.Retriable = commands.IsRetriable(result.Err)
	}
	return out, nil
}

// RetryProvisioning is the operator re-entry into provisioning.
func (s *Service) RetryProvisioning(ctx context.Context, orderID string) (*domain.Order, commands.Result, error) {
	result, err := s.reconciler.Retry(ctx, orderID)
	if err != nil {
		return nil, commands.Result{}, err
	}

	order, err := s.repo.GetByID(ctx, result.OrderID)
	if err != nil {
		return nil, result, err
	}
	return order, result, nil
}

type SweepSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

// SweepResult is one order's fate within a sweep. Result is completed, failed,
// skipped or pending.
type SweepResult struct {
	OrderID   string `json:"orderId"`
	InvoiceID string `json:"invoiceId"`
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SweepReport struct {
	Summary SweepSummary  `json:"summary"`
	Results []SweepResult `json:"results"`
}

// ProcessPending re-checks every order that may have been paid without a
// delivered webhook, plus crashed provisioning attempts. The whole candidate set
// is walked in (created_at, id) pages of SweepBatchSize. Orders are isolated: one
// order's failure is recorded in the report and never aborts the rest.
func (s *Service) ProcessPending(ctx context.Context) (SweepReport, error) {
	lock, acquired, err := s.locker.TryLock(ctx, sweepLockName, s.cfg.SweepLockTTL)
	if err != nil {
		return SweepReport{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !acquired {
		return SweepReport{}, ErrSweepInProgress
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "failed to release sweep lock", "error", err)
		}
	}()
	lost, stopRefresh := s.keepLocked(ctx, lock)
	defer stopRefresh()

	now := s.now()
	filter := ports.ReconcilableFilter{
		StaleBefore: now.Add(-s.cfg.StaleLockAfter),
		Limit:       s.cfg.SweepBatchSize,
	}
	if s.cfg.SweepMaxAge > 0 {
		filter.CreatedAfter = now.Add(-s.cfg.SweepMaxAge)
	}

	var (
		results []SweepResult
		pages   int
	)
	for {
		select {
		case <-lost:
			return s.summarize(ctx, results), fmt.Errorf("sweep stopped after %d pages: %w", pages, ports.ErrLockLost)
		default:
		}
		if err := ctx.Err(); err != nil {
			return s.summarize(ctx, results), fmt.Errorf("sweep stopped after %d pages: %w", pages, err)
		}

		orders, err := s.repo.ListReconcilable(ctx, filter)
		if err != nil {
			return s.summarize(ctx, results), fmt.Errorf("list reconcilable orders (page %d): %w", pages+1, err)
		}
		pages++
		results = append(results, s.sweepPage(ctx, orders)...)

		if len(orders) < filter.Limit {
			break
		}
		filter.After = ports.CursorOf(orders[len(orders)-1])
	}

	report := s.summarize(ctx, results)
	s.logger.InfoContext(ctx, "sweep finished",
		"pages", pages,
		"total", report.Summary.Total,
		"completed", report.Summary.Completed,
		"failed", report.Summary.Failed,
		"skipped", report.Summary.Skipped,
		"pending", report.Summary.Pending,
	)
	return report, nil
}

func (s *Service) sweepPage(ctx context.Context, orders []domain.Order) []SweepResult {
	results := make([]SweepResult, len(orders))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.SweepConcurrency)
	for i, order := range orders {
		g.Go(func() error {
			results[i] = s.sweepOne(ctx, order)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) summarize(ctx context.Context, results []SweepResult) SweepReport {
	report := SweepReport{Results: results}
	if report.Results == nil {
		report.Results = []SweepResult{}
	}
	report.Summary.Total = len(results)
	for _, r := range results {
		switch r.Result {
		case string(commands.OutcomeCompleted):
			report.Summary.Completed++
		case string(commands.OutcomeFailed):
			report.Summary.Failed++
		case string(commands.OutcomeSkipped):
			report.Summary.Skipped++
		default:
			report.Summary.Pending++
		}
		s.metrics.RecordSweepResult(ctx, r.Result)
	}
	return report
}

// keepLocked refreshes the sweep lock every third of its ttl until stop is
// called. lost is closed if the lock could not be kept.
func (s *Service) keepLocked(ctx context.Context, lock ports.Lock) (lost <-chan struct{}, stop func()) {
	lostCh := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	ttl := s.cfg.SweepLockTTL
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}

	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := lock.Refresh(context.WithoutCancel(ctx), ttl)
				if err == nil {
					continue
				}
				if errors.Is(err, ports.ErrLockLost) {
					s.logger.ErrorContext(ctx, "sweep lock lost", "error", err)
					close(lostCh)
					return
				}
				s.logger.WarnContext(ctx, "failed to refresh sweep lock", "error", err)
			}
		}
	}()

	var once sync.Once
	return lostCh, func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

func (s *Service) sweepOne(ctx context.Context, order domain.Order) (res SweepResult) {
	invoiceID := order.PaymentID
	if invoiceID == "" {
		invoiceID = order.InvoiceID
	}
	res = SweepResult{OrderID: order.ID, InvoiceID: invoiceID}

	defer func() {
		if p := recover(); p != nil {
			s.logger.ErrorContext(ctx, "sweep panicked on order", "order_id", order.ID, "panic", p)
			res = SweepResult{OrderID: order.ID, InvoiceID: invoiceID, Result: string(commands.OutcomeFailed), Reason: "internal", Error: fmt.Sprint(p)}
		}
	}()

	status, err := s.verifier.Verify(ctx, invoiceID)
	if err != nil {
		res.Result = string(commands.OutcomeFailed)
		res.Reason = "verify_failed"
		res.Error = err.Error()
		return res
	}
	if !status.Paid {
		res.Result = "pending"
		return res
	}

	s.warnOnShortfall(ctx, order, status.PaidAmount)
	result, err := s.reconciler.Reconcile(ctx, order.ID, invoiceID)
	if err != nil {
		res.Result = string(commands.OutcomeFailed)
		res.Reason = commands.ErrorReason(err)
		res.Error = err.Error()
		return res
	}

	res.Result = string(result.Outcome)
	res.Reason = result.Reason
	if result.Err != nil {
		res.Reason = commands.ErrorReason(result.Err)
		res.Error = result.Err.Error()
	}
	return res
}

func (s *Service) reconcilePaid(ctx context.Context, orderID, invoiceID string, paidAmount int64) (commands.Result, error) {
	if order, err := s.repo.GetByID(ctx, orderID); err == nil {
		s.warnOnShortfall(ctx, *order, paidAmount)
	}
	return s.reconciler.Reconcile(ctx, orderID, invoiceID)
}

// warnOnShortfall flags invoices settled for less than the order total. The
// gateway only settles the invoiced amount, so this is logged and not enforced.
func (s *Service) warnOnShortfall(ctx context.Context, order domain.Order, paidAmount int64) {
	if paidAmount > 0 && paidAmount < order.TotalAmount {
		s.logger.WarnContext(ctx, "paid amount below order total",
			"order_id", order.ID,
			"paid_amount", paidAmount,
			"total_amount", order.TotalAmount,
		)
	}
}

// CreateOrderInput captures the checkout payload.
type CreateOrderInput struct {
	ContactEmail string      `json:"contactEmail" validate:"required,email"`
	Currency     string      `json:"currency" validate:"omitempty,len=3,alpha"`
	Items        []ItemInput `json:"items" validate:"required,min=1,dive"`
}

type ItemInput struct {
	PackageID string `json:"id" validate:"required"`
	Name      string `json:"name"`
	Price     int64  `json:"price" validate:"gt=0"`
}

// CreateOrder stores a PENDING order and issues its invoice.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*commands.CheckoutResult, error) {
	items := make([]domain.Item, 0, len(input.Items))
	for _, item := range input.Items {
		items = append(items, domain.Item{PackageID: item.PackageID, Name: item.Name, Price: item.Price})
	}
	return s.createOrder.Handle(ctx, commands.CreateOrderCommand{
		ContactEmail: input.ContactEmail,
		Currency:     input.Currency,
		Items:        items,
	})
}

// GetOrder retrieves an order by ID.
func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.getOrder.Handle(ctx, queries.GetOrderQuery{OrderID: id})
}

// ListOrders returns a page of orders.
func (s *Service) ListOrders(ctx context.Context, query queries.ListOrdersQuery) ([]domain.Order, error) {
	return s.listOrders.Handle(ctx, query)
}

// SaveIdempotentResponse writes response details for a key.
func (s *Service) SaveIdempotentResponse(ctx context.Context, key string, response ports.StoredResponse) error {
	return s.idemStore.Save(ctx, key, response)
}

// GetIdempotentResponse retrieves previously stored response data.
func (s *Service) GetIdempotentResponse(ctx context.Context, key string) (*ports.StoredResponse, error) {
	return s.idemStore.Get(ctx, key)
}
