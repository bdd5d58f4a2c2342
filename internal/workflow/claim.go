package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Claimer grants exclusive ownership of an instance to one runner.
//
// Claim returns ok=false when another runner holds the instance. When ok is
// true the caller must Release the lease once done.
type Claimer interface {
	Claim(ctx context.Context, instanceID string) (lease *Lease, ok bool, err error)
}

// Lease is a held claim. Lost is closed if the claim is taken away before
// Release, after which the holder must stop touching the instance.
type Lease struct {
	lost        chan struct{}
	lostOnce    sync.Once
	release     func()
	releaseOnce sync.Once
}

func newLease(release func()) *Lease {
	return &Lease{lost: make(chan struct{}), release: release}
}

// Lost is closed when the claim has been lost.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Release gives the claim back. Calls after the first are no-ops.
func (l *Lease) Release() {
	l.releaseOnce.Do(l.release)
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// LocalClaimer grants claims within a single process.
type LocalClaimer struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalClaimer creates an empty in-process claimer.
func NewLocalClaimer() *LocalClaimer {
	return &LocalClaimer{held: make(map[string]struct{})}
}

// Claim implements Claimer. Local leases are never lost.
func (c *LocalClaimer) Claim(_ context.Context, instanceID string) (*Lease, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, taken := c.held[instanceID]; taken {
		return nil, false, nil
	}
	c.held[instanceID] = struct{}{}

	return newLease(func() {
		c.mu.Lock()
		delete(c.held, instanceID)
		c.mu.Unlock()
	}), true, nil
}

// Held reports whether instanceID is currently claimed.
func (c *LocalClaimer) Held(instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[instanceID]
	return ok
}

// Compare-and-extend: only the token holder may refresh.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Compare-and-delete: only the token holder may release.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisClaimer grants claims through Redis keys that expire unless the
// holder keeps refreshing them, so a crashed process frees its instances
// after one TTL.
type RedisClaimer struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// RedisClaimerOption configures a RedisClaimer.
type RedisClaimerOption func(*RedisClaimer)

// WithClaimTTL sets how long a claim survives without a refresh.
func WithClaimTTL(ttl time.Duration) RedisClaimerOption {
	return func(c *RedisClaimer) { c.ttl = ttl }
}

// WithClaimKeyPrefix sets the prefix of claim keys.
func WithClaimKeyPrefix(prefix string) RedisClaimerOption {
	return func(c *RedisClaimer) { c.keyPrefix = prefix }
}

// WithClaimLogger sets the claimer's logger.
func WithClaimLogger(l *zap.Logger) RedisClaimerOption {
	return func(c *RedisClaimer) { c.logger = l }
}

// NewRedisClaimer creates a claimer on the given client.
func NewRedisClaimer(client redis.UniversalClient, opts ...RedisClaimerOption) *RedisClaimer {
	c := &RedisClaimer{
		client:    client,
		ttl:       30 * time.Second,
		keyPrefix: "autoflow:claim:",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Claim implements Claimer. While held, the key's TTL is extended every
// ttl/3 until Release. The lease is marked lost when a refresh finds the
// key gone or owned by another token.
func (c *RedisClaimer) Claim(ctx context.Context, instanceID string) (*Lease, bool, error) {
	key := c.keyPrefix + instanceID
	token := uuid.New().String()

	ok, err := c.client.SetNX(ctx, key, token, c.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", instanceID, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	lease := newLease(func() {
		close(stop)
		<-done
		// The caller's context may already be cancelled at release time.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, c.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			c.logger.Warn("failed to release instance claim",
				zap.String("instance_id", instanceID),
				zap.Error(err),
			)
		}
	})
	go c.refresh(lease, key, token, stop, done)
	return lease, true, nil
}

func (c *RedisClaimer) refresh(lease *Lease, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := c.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := refreshScript.Run(ctx, c.client, []string{key}, token, c.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				c.logger.Warn("failed to refresh instance claim", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				c.logger.Warn("instance claim lost", zap.String("key", key))
				lease.markLost()
				return
			}
		}
	}
}

// Ping verifies Redis is reachable.
func (c *RedisClaimer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
