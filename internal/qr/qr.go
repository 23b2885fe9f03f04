// Package qr renders eSIM activation codes as scannable images.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	dataURIPrefix = "data:image/png;base64,"
	defaultSize   = 256
)

// ErrEmptyPayload is returned when there is nothing to encode.
var ErrEmptyPayload = errors.New("qr payload is empty")

// DataURI encodes payload as a PNG QR code wrapped in a data URI.
func DataURI(payload string, size int) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrEmptyPayload
	}
	if size <= 0 {
		size = defaultSize
	}

	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return dataURIPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// ActivationPayload picks what the buyer's phone should scan: the vendor's
// own QR payload when present, otherwise the LPA activation string.
func ActivationPayload(lpa, vendorQR string) string {
	if v := strings.TrimSpace(vendorQR); v != "" {
		return v
	}
	return strings.TrimSpace(lpa)
}

// IsDataURI reports whether s is already a rendered image.
func IsDataURI(s string) bool {
	return strings.HasPrefix(s, "data:image/")
}
