package qr

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataURI(t *testing.T) {
	uri, err := DataURI("LPA:1$smdp.example.com$ACTIVATION-CODE", 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, dataURIPrefix))

	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, dataURIPrefix))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), "expected PNG signature")
	assert.True(t, IsDataURI(uri))
}

func TestDataURIRejectsEmptyPayload(t *testing.T) {
	_, err := DataURI("   ", 128)
	assert.True(t, errors.Is(err, ErrEmptyPayload))
}

func TestActivationPayload(t *testing.T) {
	assert.Equal(t, "vendor-qr", ActivationPayload("LPA:1$a$b", " vendor-qr "))
	assert.Equal(t, "LPA:1$a$b", ActivationPayload("LPA:1$a$b", ""))
}
