// Package airalo is the provisioning gateway client for the Airalo partner API.
package airalo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oidovnamnan/gatesim/internal/gateways"
	"github.com/oidovnamnan/gatesim/internal/orders/ports"
	"github.com/oidovnamnan/gatesim/internal/telemetry"
)

const vendor = "airalo"

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client implements ports.ProvisioningGateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *gateways.TokenSource
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	c.tokens = gateways.NewTokenSource(c.fetchToken)
	return c
}

type tokenResponse struct {
	Data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	} `json:"data"`
}

func (c *Client) fetchToken(ctx context.Context) (gateways.Token, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return gateways.Token{}, errors.New("airalo credentials are not configured")
	}

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return gateways.Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out tokenResponse
	if err := c.send(req, &out); err != nil {
		return gateways.Token{}, fmt.Errorf("airalo auth: %w", err)
	}
	if out.Data.AccessToken == "" {
		return gateways.Token{}, gateways.DecodeError(vendor, errors.New("empty access_token"))
	}

	// expires_in is relative, in seconds.
	ttl := time.Duration(out.Data.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return gateways.Token{Value: out.Data.AccessToken, ExpiresAt: time.Now().Add(ttl)}, nil
}

type orderResponse struct {
	Data struct {
		ID   json.Number `json:"id"`
		Code string      `json:"code"`
		Sims []struct {
			ICCID      string `json:"iccid"`
			LPA        string `json:"lpa"`
			MatchingID string `json:"matching_id"`
			QRCode     string `json:"qrcode"`
			QRCodeURL  string `json:"qrcode_url"`
		} `json:"sims"`
	} `json:"data"`
}

// CreateOrder purchases one eSIM for the given package.
func (c *Client) CreateOrder(ctx context.Context, in ports.ProvisionRequest) (*ports.Provisioned, error) {
	ctx, span := telemetry.StartClientSpan(ctx, "airalo.CreateOrder", vendor)
	defer span.End()
	telemetry.AddSpanAttributes(span,
		attribute.String("package.id", in.PackageID),
		attribute.String("idempotency.key", in.IdempotencyKey),
	)

	quantity := in.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	form := url.Values{
		"quantity":    {strconv.Itoa(quantity)},
		"package_id":  {in.PackageID},
		"type":        {"sim"},
		"description": {in.Description},
	}

	var out orderResponse
	if err := c.postForm(ctx, "/orders", form, in.IdempotencyKey, &out); err != nil {
		telemetry.RecordSpanError(span, err)
		return nil, fmt.Errorf("create esim order for package %s: %w", in.PackageID, err)
	}
	if len(out.Data.Sims) == 0 || out.Data.Sims[0].ICCID == "" {
		err := gateways.DecodeError(vendor, errors.New("order response has no sims"))
		telemetry.RecordSpanError(span, err)
		return nil, err
	}

	sim := out.Data.Sims[0]
	lpa := sim.LPA
	if sim.MatchingID != "" && !strings.HasPrefix(lpa, "LPA:") {
		lpa = "LPA:1$" + lpa + "$" + sim.MatchingID
	}
	qrData := sim.QRCode
	if qrData == "" {
		qrData = sim.QRCodeURL
	}

	telemetry.AddSpanAttributes(span, attribute.String("esim.iccid", sim.ICCID))
	telemetry.SetSpanSuccess(span)
	return &ports.Provisioned{ICCID: sim.ICCID, LPA: lpa, QRData: qrData}, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, idempotencyKey string, out any) error {
	payload := form.Encode()

	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

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
