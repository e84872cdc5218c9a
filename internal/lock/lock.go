package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tenant:recovering:"

// Locker hands out per-tenant recovery locks. At most one holder may create a
// protocol client for a tenant at a time, whichever trigger asked for it.
type Locker interface {
	AcquireRecoveryLock(ctx context.Context, tenantID string, ttl time.Duration) (bool, error)
	ReleaseRecoveryLock(ctx context.Context, tenantID string) error
}

// RedisLocker implements Locker using Redis SET NX EX
type RedisLocker struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// AcquireRecoveryLock tries to acquire an exclusive recovery lock for tenantID.
// Returns true if acquired, false if already held by another replica or trigger.
func (l *RedisLocker) AcquireRecoveryLock(ctx context.Context, tenantID string, ttl time.Duration) (bool, error) {
	key := keyPrefix + tenantID
	ok, err := l.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX: %w", err)
	}
	return ok, nil
}

// ReleaseRecoveryLock releases the recovery lock for tenantID
func (l *RedisLocker) ReleaseRecoveryLock(ctx context.Context, tenantID string) error {
	key := keyPrefix + tenantID
	return l.rdb.Del(ctx, key).Err()
}

// Local is the in-process registry-wide map of per-tenant recovery locks.
// Expired locks are treated as free so a crashed holder cannot wedge a tenant.
type Local struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]time.Time), now: time.Now}
}

func (l *Local) AcquireRecoveryLock(_ context.Context, tenantID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, held := l.locks[tenantID]; held && live(exp, l.now()) {
		return false, nil
	}
	var exp time.Time // zero never expires
	if ttl > 0 {
		exp = l.now().Add(ttl)
	}
	l.locks[tenantID] = exp
	return true, nil
}

func (l *Local) ReleaseRecoveryLock(_ context.Context, tenantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, tenantID)
	return nil
}

// Held reports whether tenantID is currently locked.
func (l *Local) Held(tenantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, held := l.locks[tenantID]
	return held && live(exp, l.now())
}

func live(exp, now time.Time) bool { return exp.IsZero() || now.Before(exp) }

// Acquire polls locker until the lock is taken, ctx ends or wait elapses.
func Acquire(ctx context.Context, locker Locker, tenantID string, ttl, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := locker.AcquireRecoveryLock(ctx, tenantID, ttl)
		if err != nil || ok {
			return ok, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
