package syncengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/phl-surveillance/platform/internal/shared/errors"
)

// Locker grants exclusive leases on sync keys. Acquire fails with a
// ConcurrencyConflict error when the key is already held; it never waits.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

func pullLockKey(sourceID, region string) string {
	return "pull:" + sourceID + ":" + region
}

func pushLockKey(destination, region string) string {
	return "push:" + destination + ":" + region
}

func vectorPushLockKey(destination, region string, weekEnding time.Time) string {
	return "vector-push:" + destination + ":" + region + ":" + weekEnding.Format("2006-01-02")
}

// MemoryLocker serializes jobs within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, errors.ConcurrencyConflict(key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the lease only if it still carries our token, so a
// job whose lease expired cannot release a lease taken by another instance.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds leases in Redis so that at most one instance runs a job
// per key. Leases expire after ttl in case the holder dies.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLocker{
		client: client,
		prefix: "surveillance:sync-lock:",
		ttl:    ttl,
		log:    log.With().Str("component", "sync-locker").Logger(),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := newLeaseToken()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create lease token")
	}

	redisKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire sync lease")
	}
	if !ok {
		return nil, errors.ConcurrencyConflict(key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.log.Warn().Err(err).Str("key", key).Msg("failed to release sync lease; it will expire")
			}
		})
	}, nil
}

func newLeaseToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
