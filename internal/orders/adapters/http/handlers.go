package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/oidovnamnan/gatesim/internal/orders/app"
	"github.com/oidovnamnan/gatesim/internal/orders/app/commands"
	"github.com/oidovnamnan/gatesim/internal/orders/app/queries"
	"github.com/oidovnamnan/gatesim/internal/orders/domain"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

const maxBodyBytes = 64 << 10

// Auth holds the shared secrets guarding the trigger endpoints. An empty
// WebhookSecret disables the webhook check; empty operator or cron secrets
// disable the routes they guard.
type Auth struct {
	WebhookSecret string
	OperatorToken string
	CronSecret    string
}

// Handler exposes the payment triggers and order endpoints.
type Handler struct {
	service  *app.Service
	limiter  ports.RateLimiter
	auth     Auth
	logger   *slog.Logger
	validate *validator.Validate
}

func NewHandler(service *app.Service, limiter ports.RateLimiter, auth Auth, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		limiter:  limiter,
		auth:     auth,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register mounts the handlers on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhook", h.webhook)
	r.Get("/payment-status", h.paymentStatus)
	r.With(h.requireOperator).Post("/retry", h.retry)
	r.With(h.requireOperatorOrCron).Post("/process-pending", h.processPending)

	r.Route("/v1/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.With(h.requireOperator).Get("/", h.listOrders)
		r.With(h.requireOperator).Get("/{orderID}", h.getOrder)
	})
}

type webhookPayload struct {
	InvoiceID string `json:"invoice_id"`
	ObjectID  string `json:"object_id"`
	PaymentID string `json:"payment_id"`
}

func (p webhookPayload) reference() string {
	for _, v := range []string{p.InvoiceID, p.ObjectID, p.PaymentID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if h.auth.WebhookSecret != "" && !secretsEqual(query.Get("secret"), h.auth.WebhookSecret) {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var payload webhookPayload
	if err := decodeOptional(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	orderID := strings.TrimSpace(query.Get("order_id"))
	invoiceID := payload.reference()
	if invoiceID == "" {
		invoiceID = strings.TrimSpace(query.Get("invoice_id"))
	}
	if orderID == "" || invoiceID == "" {
		writeError(w, http.StatusBadRequest, "order_id and invoice reference are required")
		return
	}

	idemKey := "webhook:" + orderID + ":" + invoiceID
	if stored, err := h.service.GetIdempotentResponse(ctx, idemKey); err != nil {
		h.logger.WarnContext(ctx, "idempotency lookup failed", "key", idemKey, "error", err)
	} else if stored != nil {
		replay(w, stored)
		return
	}

	res, err := h.service.HandlePaymentCallback(ctx, app.PaymentCallback{OrderID: orderID, InvoiceID: invoiceID})
	if err != nil {
		if errors.Is(err, app.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(ctx, "payment verification failed", "order_id", orderID, "invoice_id", invoiceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Success: false, Message: "payment verification failed"})
		return
	}

	resp := describeCallback(res)
	body, err := json.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res.Result != nil && (res.Result.Outcome == commands.OutcomeCompleted || res.Result.Reason == commands.ReasonAlreadyCompleted) {
		stored := ports.StoredResponse{StatusCode: http.StatusOK, Body: body, OrderID: orderID}
		if err := h.service.SaveIdempotentResponse(ctx, idemKey, stored); err != nil {
			h.logger.WarnContext(ctx, "failed to record webhook delivery", "key", idemKey, "error", err)
		}
	}

	writeRaw(w, http.StatusOK, body)
}

func describeCallback(res app.CallbackResult) webhookResponse {
	switch {
	case !res.Paid:
		return webhookResponse{Success: false, Message: "payment not confirmed"}
	case res.Err != nil:
		return webhookResponse{Success: false, Message: res.Err.Error()}
	case res.Accepted:
		return webhookResponse{Success: true, Message: "payment verified, provisioning in progress"}
	case res.Result == nil:
		return webhookResponse{Success: true, Message: "payment verified"}
	}

	switch res.Result.Outcome {
	case commands.OutcomeCompleted:
		return webhookResponse{Success: true, Message: "order completed"}
	case commands.OutcomeSkipped:
		if res.Result.Reason == commands.ReasonAlreadyCompleted {
			return webhookResponse{Success: true, Message: "order already completed"}
		}
		return webhookResponse{Success: true, Message: "provisioning in progress"}
	default:
		return webhookResponse{Success: false, Message: "provisioning failed: " + errorText(res.Result.Err)}
	}
}

type paymentStatusResponse struct {
	Success bool `json:"success"`
	app.PaymentStatusResult
	Message string `json:"message"`
}

func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	invoiceID := strings.TrimSpace(r.URL.Query().Get("invoiceId"))
	orderID := strings.TrimSpace(r.URL.Query().Get("orderId"))
	if invoiceID == "" {
		writeError(w, http.StatusBadRequest, "invoiceId is required")
		return
	}

	allowed, err := h.limiter.Allow(ctx, "poll:"+invoiceID)
	if err != nil {
		h.logger.WarnContext(ctx, "rate limiter unavailable", "error", err)
		allowed = true
	}
	if !allowed {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, "too many status checks, slow down")
		return
	}

	res, err := h.service.CheckPaymentStatus(ctx, invoiceID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, queries.ErrInvoiceIDRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ports.ErrGatewayUnavailable), errors.Is(err, ports.ErrGatewayRejected):
			writeError(w, http.StatusBadGateway, "payment status is temporarily unavailable")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, paymentStatusResponse{
		Success:             true,
		PaymentStatusResult: res,
		Message:             pollMessage(res),
	})
}

func pollMessage(res app.PaymentStatusResult) string {
	if !res.Paid {
		return "waiting for payment"
	}
	if res.Provisioning != nil {
		switch res.Provisioning.Status {
		case string(commands.OutcomeCompleted):
			return "payment received, your eSIM is ready"
		case string(commands.OutcomeSkipped):
			if res.Provisioning.Reason == commands.ReasonAlreadyCompleted {
				return "payment received, your eSIM is ready"
			}
		}
	}
	return "payment received, activating your eSIM"
}

type retryRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	order, result, err := h.service.RetryProvisioning(r.Context(), req.OrderID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if result.Outcome == commands.OutcomeFailed {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success":   false,
			"error":     errorText(result.Err),
			"retriable": commands.IsRetriable(result.Err),
			"order":     order,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": order})
}

func (h *Handler) processPending(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ProcessPending(r.Context())
	if err != nil {
		if errors.Is(err, app.ErrSweepInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": report.Summary,
		"results": report.Results,
	})
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header required")
		return
	}
	idemKey = "checkout:" + idemKey

	if stored, err := h.service.GetIdempotentResponse(ctx, idemKey); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if stored != nil {
		replay(w, stored)
		return
	}

	var payload app.CreateOrderInput
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	result, err := h.service.CreateOrder(ctx, payload)
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrGatewayUnavailable), errors.Is(err, ports.ErrGatewayRejected):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, statusFor(err), err.Error())
		}
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stored := ports.StoredResponse{
		StatusCode: http.StatusCreated,
		Body:       body,
		OrderID:    result.Order.ID,
	}
	if err := h.service.SaveIdempotentResponse(ctx, idemKey, stored); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeRaw(w, http.StatusCreated, body)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := queries.ListOrdersQuery{Status: q.Get("status")}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		query.Page = page
	}
	if pageSize, err := strconv.Atoi(q.Get("page_size")); err == nil {
		query.PageSize = pageSize
	}

	orders, err := h.service.ListOrders(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// statusFor maps application errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyCompleted),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, ports.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPaymentNotVerified),
		errors.Is(err, domain.ErrInvoiceMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ports.ErrGatewayUnavailable), errors.Is(err, ports.ErrGatewayRejected):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, commands.ErrOrderIDRequired),
		errors.Is(err, commands.ErrInvoiceIDRequired),
		errors.Is(err, queries.ErrOrderIDRequired),
		errors.Is(err, queries.ErrInvoiceIDRequired),
		errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func replay(w http.ResponseWriter, stored *ports.StoredResponse) {
	w.Header().Set("Idempotent-Replayed", "true")
	writeRaw(w, stored.StatusCode, stored.Body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
