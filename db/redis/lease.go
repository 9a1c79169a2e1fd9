package redis

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease makes one node the only writer of a key space. It is taken with
// SET NX and renewed at a third of its TTL until released.
type Lease struct {
	client *Client
	key    string
	owner  string
	ttl    time.Duration
	logger zerolog.Logger

	mu   sync.Mutex
	held bool
	stop chan struct{}
	done chan struct{}
}

// NewLease creates an unacquired lease on name for owner.
func NewLease(client *Client, name, owner string, ttl time.Duration, logger zerolog.Logger) *Lease {
	return &Lease{
		client: client,
		key:    client.Key("lease", name),
		owner:  owner,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_lease").Str("lease", name).Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Acquire takes the lease and starts renewing it. A lease already held by
// the same owner (a restart inside the TTL) is taken over.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.client.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to acquire store lease")
	}
	if !ok {
		holder, err := l.client.client.Get(ctx, l.key).Result()
		if err != nil && err != redis.Nil {
			return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to read store lease")
		}
		if holder != l.owner {
			return apperrors.Newf(apperrors.ErrPersistence, "store lease is held by another node", "lease %s held by %q", l.key, holder)
		}
		if err := l.renew(ctx); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
	go l.keep()
	l.logger.Info().Str("owner", l.owner).Dur("ttl", l.ttl).Msg("Store lease acquired")
	return nil
}

func (l *Lease) renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to renew store lease")
	}
	if n == 0 {
		return apperrors.New(apperrors.ErrPersistence, "store lease lost")
	}
	return nil
}

func (l *Lease) keep() {
	defer close(l.done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := l.renew(ctx)
			cancel()
			if err != nil {
				// Keep trying: a transient Redis outage must not end the lease
				// while the key may still be ours.
				l.logger.Error().Err(err).Msg("Store lease renewal failed")
			}
		}
	}
}

// Release stops renewal and deletes the lease if this node still holds it.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	held := l.held
	l.held = false
	l.mu.Unlock()
	if !held {
		return nil
	}
	close(l.stop)
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := releaseScript.Run(ctx, l.client.client, []string{l.key}, l.owner).Err(); err != nil && err != redis.Nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to release store lease")
	}
	l.logger.Info().Msg("Store lease released")
	return nil
}
