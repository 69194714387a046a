package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"settlehub/services/settled/config"
)

const redisTimeout = 5 * time.Second

// Locker is a time-boxed advisory lock keyed by job name. A lock that is never
// released expires after its TTL.
//
// TryLock returns a non-empty token when it claims name and "" when another
// claim is live. Unlock releases the claim only while token still holds it,
// so a run that overran its TTL cannot release the lock of the run after it.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, name, token string) error
}

type memoryClaim struct {
	token   string
	expires time.Time
}

// MemoryLocker guards jobs within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryClaim
	clock func() time.Time
}

// NewMemoryLocker returns an empty process-local locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]memoryClaim{}, clock: time.Now}
}

// SetClock overrides the time source, primarily for tests.
func (l *MemoryLocker) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.mu.Lock()
	l.clock = clock
	l.mu.Unlock()
}

// TryLock claims name unless an unexpired claim exists.
func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if claim, ok := l.held[name]; ok && now.Before(claim.expires) {
		return "", nil
	}
	token := uuid.NewString()
	l.held[name] = memoryClaim{token: token, expires: now.Add(ttl)}
	return token, nil
}

// Unlock drops the claim on name if token still holds it.
func (l *MemoryLocker) Unlock(_ context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if claim, ok := l.held[name]; ok && claim.token == token {
		delete(l.held, name)
	}
	return nil
}

// LeaseStore persists expiring lease rows.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// DatabaseLocker shares leases between instances through the settlement
// database. Every acquisition records its own token as the lease owner.
type DatabaseLocker struct {
	store LeaseStore
}

// NewDatabaseLocker returns a locker backed by store.
func NewDatabaseLocker(store LeaseStore) *DatabaseLocker {
	return &DatabaseLocker{store: store}
}

// TryLock acquires the lease for name under a fresh token.
func (l *DatabaseLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.store.AcquireLease(ctx, name, token, ttl)
	if err != nil || !ok {
		return "", err
	}
	return token, nil
}

// Unlock releases the lease if token still owns it.
func (l *DatabaseLocker) Unlock(ctx context.Context, name, token string) error {
	return l.store.ReleaseLease(ctx, name, token)
}

// RedisClient is the subset of the redis client the locker uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the key only while it still holds the caller's token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisLocker shares locks between instances through redis.
type RedisLocker struct {
	client RedisClient
	prefix string
}

// NewRedisLocker returns a locker storing keys under prefix.
func NewRedisLocker(client RedisClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock sets the key to a fresh token if absent with a TTL.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+name, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("scheduler: redis lock %s: %w", name, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Unlock deletes the key while it still holds token.
func (l *RedisLocker) Unlock(ctx context.Context, name, token string) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	err := l.client.Eval(ctx, releaseScript, []string{l.prefix + name}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("scheduler: redis unlock %s: %w", name, err)
	}
	return nil
}

// NewLocker builds the backend selected in cfg. The returned close function
// releases backend connections.
func NewLocker(cfg config.LockConfig, leases LeaseStore) (Locker, func() error, error) {
	switch cfg.Backend {
	case "", config.LockBackendMemory:
		return NewMemoryLocker(), func() error { return nil }, nil
	case config.LockBackendDatabase:
		if leases == nil {
			return nil, nil, fmt.Errorf("scheduler: database lock requires a lease store")
		}
		return NewDatabaseLocker(leases), func() error { return nil }, nil
	case config.LockBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisLocker(client, cfg.KeyPrefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("scheduler: unknown lock backend %q", cfg.Backend)
	}
}
