package idempotency

import (
	"context"
	"sync"
	"time"

	"taskpulse/internal/config"
	"taskpulse/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Claimer is the claim-before-act contract consumers depend on. A false claim
// means another delivery of the same event already did (or is doing) the work.
type Claimer interface {
	Claim(ctx context.Context, consumer, eventID string) (bool, error)
	Release(ctx context.Context, consumer, eventID string) error
}

var (
	client *redis.Client
	once   sync.Once
)

// Client returns the global Redis client (initialized on first use).
func Client(ctx context.Context) *redis.Client {
	once.Do(func() {
		cfg := config.Get()
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error(ctx, "Invalid REDIS_URL", "error", err, "url", cfg.RedisURL)
			return
		}
		opts.PoolSize = cfg.RedisPoolSize
		client = redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error(ctx, "Redis ping failed", "error", err)
			return
		}
		logger.Info(ctx, "Redis client initialized", "pool_size", cfg.RedisPoolSize)
	})
	return client
}

// Guard deduplicates event processing with single-key atomic SET NX claims.
// Claims expire after a window at least as long as the bus retention, so any
// possible redelivery still sees the claim while storage stays bounded.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGuard builds a guard over the given client.
func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	return &Guard{rdb: rdb, ttl: ttl}
}

// Default returns a guard over the global client with the configured TTL.
func Default(ctx context.Context) *Guard {
	return NewGuard(Client(ctx), config.Get().IdempotencyTTL)
}

// Key returns the claim key for a consumer/event pair. Claims are scoped per
// logical consumer so one consumer's claim never blocks another's processing
// of the same event.
func Key(consumer, eventID string) string {
	return "idem:" + consumer + ":" + eventID
}

// Claim atomically records that eventID is being processed by consumer.
// Returns false when already claimed. A Redis error propagates so the caller
// leaves the event unresolved and redelivery retries it.
func (g *Guard) Claim(ctx context.Context, consumer, eventID string) (bool, error) {
	if g.rdb == nil {
		return false, redis.ErrClosed
	}
	ok, err := g.rdb.SetNX(ctx, Key(consumer, eventID), 1, g.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops a claim so a redelivery can retry the work. Used by consumers
// that claimed first and then hit a transient failure before any side effect.
func (g *Guard) Release(ctx context.Context, consumer, eventID string) error {
	if g.rdb == nil {
		return redis.ErrClosed
	}
	return g.rdb.Del(ctx, Key(consumer, eventID)).Err()
}
