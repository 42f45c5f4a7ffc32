package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// Lease is held while one scanner instance delivers a reminder
type Lease interface {
	Release(ctx context.Context) error
}

// Leaser hands out delivery leases. Acquire returns a nil Lease when another
// holder owns key.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// RedisLeaser shares leases between scanner processes through Redis
type RedisLeaser struct {
	locker *redislock.Client
	prefix string
}

// NewRedisLeaser creates a leaser over a go-redis client
func NewRedisLeaser(client redislock.RedisClient) *RedisLeaser {
	return &RedisLeaser{
		locker: redislock.New(client),
		prefix: "duebook:lease:",
	}
}

// Acquire obtains key for ttl without waiting
func (l *RedisLeaser) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lock, err := l.locker.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return lock, nil
}

// LocalLeaser keeps leases in process memory. It only coordinates goroutines
// of a single scanner process.
type LocalLeaser struct {
	mu   sync.Mutex
	held map[string]localLease
	now  func() time.Time
}

type localLease struct {
	owner   *localHandle
	expires time.Time
}

type localHandle struct {
	l   *LocalLeaser
	key string
}

// NewLocalLeaser creates an empty in-process leaser
func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{held: make(map[string]localLease), now: time.Now}
}

func (l *LocalLeaser) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, nil
	}
	h := &localHandle{l: l, key: key}
	l.held[key] = localLease{owner: h, expires: now.Add(ttl)}
	return h, nil
}

// Release drops the lease if it is still held by this handle
func (h *localHandle) Release(ctx context.Context) error {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	if cur, ok := h.l.held[h.key]; ok && cur.owner == h {
		delete(h.l.held, h.key)
	}
	return nil
}
