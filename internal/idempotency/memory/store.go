package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

type entry struct {
	response  ports.StoredResponse
	expiresAt time.Time
}

// Store retains replayable responses in process memory.
type Store struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]entry
}

// NewStore creates an in-memory store. A non-positive ttl keeps entries forever.
func NewStore(ttl time.Duration) *Store {
	return &Store{ttl: ttl, now: time.Now, items: make(map[string]entry)}
}

// Get returns the stored response for a given key if present and not expired.
func (s *Store) Get(_ context.Context, key string) (*ports.StoredResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	if s.expired(value) {
		delete(s.items, key)
		return nil, nil
	}
	resp := value.response
	return &resp, nil
}

// Save stores the response unless a live entry already exists for key.
func (s *Store) Save(_ context.Context, key string, response ports.StoredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[key]; ok && !s.expired(existing) {
		return nil
	}

	e := entry{response: response}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.items[key] = e
	return nil
}

func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
