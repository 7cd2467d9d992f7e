package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crash/internal/logger"
)

// ErrNotHeld is returned when a renew or release finds the lease owned by
// someone else (or expired).
var ErrNotHeld = errors.New("lease not held")

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Lease is the distributed leadership lock: one key, set-if-absent, renewed
// by its holder. If the holder dies the key expires after TTL and a standby
// process takes over.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	id     string
	held   atomic.Bool
}

func New(client *redis.Client, key string, ttl time.Duration) *Lease {
	host, _ := os.Hostname()
	return &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
		id:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// ID identifies this process in the lease key, for operator inspection.
func (l *Lease) ID() string {
	return l.id
}

func (l *Lease) Held() bool {
	return l.held.Load()
}

// TryAcquire attempts a single set-if-absent acquisition.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire: %w", err)
	}
	l.held.Store(ok)
	return ok, nil
}

// AcquireLoop blocks until the lease is acquired or ctx is done, retrying
// with exponential backoff capped at the TTL so a dead leader is replaced
// soon after its lease expires.
func (l *Lease) AcquireLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = l.ttl
	bo.MaxElapsedTime = 0

	op := func() error {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("lease held elsewhere")
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// KeepAlive renews the lease on an interval below half the TTL and returns
// when the lease is lost or ctx is done. Callers treat a return with
// ErrNotHeld as loss of leadership.
func (l *Lease) KeepAlive(ctx context.Context) error {
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
			if err != nil {
				logger.Warn("lease renew failed", "err", err)
				continue
			}
			if renewed == 0 {
				l.held.Store(false)
				logger.Warn("leadership lost", "id", l.id)
				return ErrNotHeld
			}
		}
	}
}

// Release gives up the lease immediately on clean shutdown.
func (l *Lease) Release(ctx context.Context) error {
	l.held.Store(false)
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Int()
	if err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	logger.Info("lease released", "id", l.id)
	return nil
}
