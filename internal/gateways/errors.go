// Package gateways holds the HTTP clients for the invoice and provisioning vendors.
package gateways

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

const maxErrorBody = 4 << 10

// StatusError is a non-2xx vendor response. It unwraps to ports.ErrGatewayUnavailable
// for 5xx, 408 and 429, and to ports.ErrGatewayRejected for other 4xx codes.
type StatusError struct {
	Vendor     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed: status=%d body=%s", e.Vendor, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Retriable() {
		return ports.ErrGatewayUnavailable
	}
	return ports.ErrGatewayRejected
}

// Retriable reports whether the vendor may accept the same request later.
func (e *StatusError) Retriable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// CheckResponse returns a *StatusError for non-2xx responses. The body is read
// (bounded) only on failure.
func CheckResponse(vendor string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Vendor:     vendor,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// TransportError marks a failure to reach the vendor at all (DNS, connect, timeout).
func TransportError(vendor string, err error) error {
	return fmt.Errorf("%s request: %w: %w", vendor, ports.ErrGatewayUnavailable, err)
}

// DecodeError marks an unreadable success response. The vendor may have acted
// on the request, so it is reported as a rejection rather than retried blindly.
func DecodeError(vendor string, err error) error {
	return fmt.Errorf("%s response: %w: %w", vendor, ports.ErrGatewayRejected, err)
}

// IsUnauthorized reports whether err is a 401 from the vendor.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}
