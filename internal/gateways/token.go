package gateways

import (
	"context"
	"sync"
	"time"
)

// refreshMargin renews tokens slightly before the vendor expires them.
const refreshMargin = time.Minute

// Token is a bearer token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenSource caches a bearer token and fetches a new one when it is about to expire.
type TokenSource struct {
	mu    sync.Mutex
	fetch func(ctx context.Context) (Token, error)
	now   func() time.Time
	token Token
}

func NewTokenSource(fetch func(ctx context.Context) (Token, error)) *TokenSource {
	return &TokenSource{fetch: fetch, now: time.Now}
}

func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Value != "" && s.now().Add(refreshMargin).Before(s.token.ExpiresAt) {
		return s.token.Value, nil
	}

	token, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	return token.Value, nil
}

// Invalidate drops the cached token after the vendor refused it.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = Token{}
}
