package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

// releaseScript deletes the lock only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if it still carries the caller's token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out named locks backed by SET NX PX.
type Locker struct {
	client   *redis.Client
	keyspace Keyspace
}

func NewLocker(client *redis.Client, keyspace Keyspace) *Locker {
	return &Locker{client: client, keyspace: keyspace}
}

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (ports.Lock, bool, error) {
	key := l.keyspace.Key("lock", name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{client: l.client, name: name, key: key, token: token}, true, nil
}

type redisLock struct {
	client *redis.Client
	name   string
	key    string
	token  string
}

func (l *redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	extended, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", l.name, err)
	}
	if extended == 0 {
		return fmt.Errorf("refresh lock %s: %w", l.name, ports.ErrLockLost)
	}
	return nil
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	return nil
}

// LocalLocker is the single-instance fallback used when Redis is not configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, ttl time.Duration) (ports.Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.held[name]; ok && now.Before(current.expires) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[name] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLock{locker: l, name: name, token: token}, true, nil
}

type localLock struct {
	locker *LocalLocker
	name   string
	token  string
}

func (h *localLock) Refresh(_ context.Context, ttl time.Duration) error {
	l := h.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	current, ok := l.held[h.name]
	if !ok || current.token != h.token || !now.Before(current.expires) {
		return fmt.Errorf("refresh lock %s: %w", h.name, ports.ErrLockLost)
	}
	current.expires = now.Add(ttl)
	l.held[h.name] = current
	return nil
}

func (h *localLock) Release(context.Context) error {
	l := h.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.held[h.name]; ok && current.token == h.token {
		delete(l.held, h.name)
	}
	return nil
}
