package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/retry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLeaseHeld = errors.New("request is being modified by another caller")

const (
	leaseAttempts  = 4
	leaseBaseDelay = 50 * time.Millisecond
)

// Locker hands out exclusive, expiring leases keyed by request.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// LeaseKey is the lease every writer of a request's status or metadata takes:
// transitions, metadata edits and reconciliation.
func LeaseKey(id uuid.UUID) string {
	return "docsupply:lease:request:" + id.String()
}

// NewPreferredLocker returns a Redis locker when client answers a ping, so
// several replicas serialise on the same leases; otherwise an in-process one.
func NewPreferredLocker(ctx context.Context, client *redis.Client) Locker {
	if client == nil {
		return NewLocalLocker()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Log.WithError(err).Warn("Redis unavailable, using in-process request leases")
		return NewLocalLocker()
	}
	return NewRedisLocker(client)
}

// releaseScript deletes the key only if it still carries our token, so an
// expired lease cannot remove a successor's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	err := retry.Do(ctx, leaseAttempts, leaseBaseDelay, func(err error) bool {
		return errors.Is(err, ErrLeaseHeld)
	}, func() error {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("acquiring lease: %w", err)
		}
		if !ok {
			return ErrLeaseHeld
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}

// LocalLocker is the in-process fallback used when no Redis is configured and
// in tests. It only serializes callers within one process.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]localLease), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	err := retry.Do(ctx, leaseAttempts, leaseBaseDelay, func(err error) bool {
		return errors.Is(err, ErrLeaseHeld)
	}, func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && l.now().Before(cur.expires) {
			return ErrLeaseHeld
		}
		l.leases[key] = localLease{token: token, expires: l.now().Add(ttl)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.token == token {
			delete(l.leases, key)
		}
		return nil
	}, nil
}
