// Package redislock implements generic.Locker on Redis so that several
// API instances sharing one database still serialize transitions on the
// same document.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 25 * time.Millisecond
)

// release deletes the key only if it still holds our token, so an expired
// lock re-acquired by another holder is never freed by mistake.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

type Option func(*Locker)

// WithTTL bounds how long a crashed holder can block a key.
func WithTTL(d time.Duration) Option { return func(l *Locker) { l.ttl = d } }

func WithRetryInterval(d time.Duration) Option { return func(l *Locker) { l.retry = d } }

func WithPrefix(p string) Option { return func(l *Locker) { l.prefix = p } }

func New(client *redis.Client, opts ...Option) *Locker {
	l := &Locker{client: client, prefix: "approval:lock:", ttl: defaultTTL, retry: defaultRetry}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect creates a client for addr and checks it answers.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redislock: ping: %w", err)
	}
	return client, nil
}

// Lock blocks until key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	full := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redislock: acquire %s: %w", key, err)
		}
		if ok {
			return func() {
				// Background context: the request may already be cancelled.
				_ = release.Run(context.Background(), l.client, []string{full}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
