// Package qpay is the invoice gateway client for the QPay merchant API (v2).
package qpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oidovnamnan/gatesim/internal/gateways"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

const vendor = "qpay"

type Config struct {
	BaseURL     string
	Username    string
	Password    string
	InvoiceCode string
	Timeout     time.Duration
}

// Client implements ports.InvoiceGateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *gateways.TokenSource
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	c.tokens = gateways.NewTokenSource(c.fetchToken)
	return c
}

type tokenResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	// ExpiresIn is an absolute unix timestamp in QPay's API.
	ExpiresIn int64 `json:"expires_in"`
}

func (c *Client) fetchToken(ctx context.Context) (gateways.Token, error) {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return gateways.Token{}, errors.New("qpay credentials are not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/token", nil)
	if err != nil {
		return gateways.Token{}, err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Accept", "application/json")

	var out tokenResponse
	if err := c.send(req, &out); err != nil {
		return gateways.Token{}, fmt.Errorf("qpay auth: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return gateways.Token{}, gateways.DecodeError(vendor, errors.New("empty access_token"))
	}

	expires := time.Unix(out.ExpiresIn, 0)
	if out.ExpiresIn == 0 {
		expires = time.Now().Add(time.Hour)
	}
	return gateways.Token{Value: out.AccessToken, ExpiresAt: expires}, nil
}

type invoiceRequest struct {
	InvoiceCode         string `json:"invoice_code"`
	SenderInvoiceNo     string `json:"sender_invoice_no"`
	InvoiceReceiverCode string `json:"invoice_receiver_code"`
	InvoiceDescription  string `json:"invoice_description"`
	Amount              int64  `json:"amount"`
	CallbackURL         string `json:"callback_url,omitempty"`
}

type invoiceResponse struct {
	InvoiceID string           `json:"invoice_id"`
	QRText    string           `json:"qr_text"`
	QRImage   string           `json:"qr_image"`
	ShortURL  string           `json:"qPay_shortUrl"`
	URLs      []ports.BankLink `json:"urls"`
}

// CreateInvoice issues a QPay invoice for an order.
func (c *Client) CreateInvoice(ctx context.Context, in ports.InvoiceRequest) (*ports.Invoice, error) {
	ctx, span := telemetry.StartClientSpan(ctx, "qpay.CreateInvoice", vendor)
	defer span.End()
	telemetry.AddSpanAttributes(span, attribute.String("order.id", in.OrderID))

	body := invoiceRequest{
		InvoiceCode:         c.cfg.InvoiceCode,
		SenderInvoiceNo:     in.OrderID,
		InvoiceReceiverCode: "terminal",
		InvoiceDescription:  in.Description,
		Amount:              in.Amount,
		CallbackURL:         in.CallbackURL,
	}

	var out invoiceResponse
	if err := c.postJSON(ctx, "/invoice", body, &out); err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, fmt.Errorf("create invoice for order %s: %w", in.OrderID, err)
	}
	if out.InvoiceID == "" {
		err := gateways.DecodeError(vendor, errors.New("invoice_id missing"))
		telemetry.RecordSpanError(span, err)
		return nil, err
	}

	telemetry.AddSpanAttributes(span, attribute.String("invoice.id", out.InvoiceID))
	telemetry.SetSpanSuccess(span)
	return &ports.Invoice{
		InvoiceID: out.InvoiceID,
		QRText:    out.QRText,
		QRImage:   out.QRImage,
		ShortURL:  out.ShortURL,
		BankLinks: out.URLs,
	}, nil
}

type paymentCheckRequest struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Offset     struct {
		PageNumber int `json:"page_number"`
		PageLimit  int `json:"page_limit"`
	} `json:"offset"`
}

type paymentCheckResponse struct {
	Count      int          `json:"count"`
	PaidAmount amount       `json:"paid_amount"`
	Rows       []paymentRow `json:"rows"`
}

type paymentRow struct {
	PaymentID     string `json:"payment_id"`
	PaymentStatus string `json:"payment_status"`
	PaymentAmount amount `json:"payment_amount"`
	PaymentDate   string `json:"payment_date"`
}

// CheckPayment lists payments recorded against an invoice.
func (c *Client) CheckPayment(ctx context.Context, invoiceID string) (*ports.PaymentCheck, error) {
	ctx, span := telemetry.StartClientSpan(ctx, "qpay.CheckPayment", vendor)
	defer span.End()
	telemetry.AddSpanAttributes(span, attribute.String("invoice.id", invoiceID))

	var body paymentCheckRequest
	body.ObjectType = "INVOICE"
	body.ObjectID = invoiceID
	body.Offset.PageNumber = 1
	body.Offset.PageLimit = 100

	var out paymentCheckResponse
	if err := c.postJSON(ctx, "/payment/check", body, &out); err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, fmt.Errorf("check payment for invoice %s: %w", invoiceID, err)
	}

	check := &ports.PaymentCheck{
		Count:      out.Count,
		PaidAmount: int64(out.PaidAmount),
		Rows:       make([]ports.PaymentRow, 0, len(out.Rows)),
	}
	for _, row := range out.Rows {
		date, _ := time.Parse(time.RFC3339Nano, row.PaymentDate)
		check.Rows = append(check.Rows, ports.PaymentRow{
			PaymentID: row.PaymentID,
			Status:    strings.ToUpper(row.PaymentStatus),
			Amount:    int64(row.PaymentAmount),
			Date:      date,
		})
	}

	telemetry.AddSpanAttributes(span, attribute.Int("payment.count", check.Count))
	telemetry.SetSpanSuccess(span)
	return check, nil
}

// postJSON sends an authenticated request, retrying once with a fresh token on 401.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		err = c.send(req, out)
		if gateways.IsUnauthorized(err) && attempt == 0 {
			c.tokens.Invalidate()
			continue
		}
		return err
	}
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gateways.TransportError(vendor, err)
	}
	defer resp.Body.Close()

	if err := gateways.CheckResponse(vendor, resp); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gateways.TransportError(vendor, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return gateways.DecodeError(vendor, err)
	}
	return nil
}

// amount accepts both JSON numbers and numeric strings ("25000.00").
type amount int64

func (a *amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", s, err)
	}
	*a = amount(math.Round(f))
	return nil
}
