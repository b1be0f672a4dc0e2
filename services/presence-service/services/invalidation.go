package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"chorus/presence-service/utils"
)

const invalidationChannel = "cache:invalidate"

// InvalidationHandler receives the key named by one invalidation message.
type InvalidationHandler func(key string)

// InvalidationBus carries "evict key K" announcements to every node, the publisher included.
// Delivery is at-most-once; local caches keep a TTL so a lost message heals on expiry.
type InvalidationBus interface {
	Publish(ctx context.Context, key string) error
	// Start subscribes and returns once the subscription is confirmed.
	Start(ctx context.Context, handler InvalidationHandler) error
	Close() error
}

// RedisInvalidationBus implements InvalidationBus over Redis pub/sub. The wire message is the key.
type RedisInvalidationBus struct {
	redis   *redis.Client
	channel string
	logger  *utils.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisInvalidationBus(client *redis.Client, logger *utils.Logger) *RedisInvalidationBus {
	return &RedisInvalidationBus{
		redis:   client,
		channel: invalidationChannel,
		logger:  logger.With("component", "invalidation-bus", "transport", "redis"),
	}
}

func (b *RedisInvalidationBus) Publish(ctx context.Context, key string) error {
	if err := b.redis.Publish(ctx, b.channel, key).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

func (b *RedisInvalidationBus) Start(ctx context.Context, handler InvalidationHandler) error {
	pubsub := b.redis.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()

	ch := pubsub.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()

	b.logger.Info("Listening for cache invalidations", "channel", b.channel)
	return nil
}

func (b *RedisInvalidationBus) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	b.wg.Wait()
	return err
}

// CacheInvalidator ties the node-local record cache to the invalidation bus.
type CacheInvalidator struct {
	bus     InvalidationBus
	cache   *RecordCache
	metrics *Metrics
	logger  *utils.Logger
}

func NewCacheInvalidator(bus InvalidationBus, cache *RecordCache, metrics *Metrics, logger *utils.Logger) *CacheInvalidator {
	return &CacheInvalidator{
		bus:     bus,
		cache:   cache,
		metrics: metrics,
		logger:  logger.With("component", "cache-invalidator"),
	}
}

// Start subscribes this node's cache to the bus.
func (c *CacheInvalidator) Start(ctx context.Context) error {
	return c.bus.Start(ctx, c.handle)
}

// Invalidate evicts key locally right away, then announces it to every node. A publish failure is
// returned but the local eviction has already happened.
func (c *CacheInvalidator) Invalidate(ctx context.Context, key string) error {
	c.cache.Evict(key)
	if err := c.bus.Publish(ctx, key); err != nil {
		return err
	}
	c.metrics.Invalidations.WithLabelValues("published").Inc()
	return nil
}

func (c *CacheInvalidator) handle(key string) {
	if key == "" {
		return
	}
	c.metrics.Invalidations.WithLabelValues("received").Inc()
	if c.cache.Evict(key) {
		c.logger.Debug("Evicted cache entry", "key", key)
	}
}

func (c *CacheInvalidator) Close() error {
	if err := c.bus.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
