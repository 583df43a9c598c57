package cache

import (
	"context"
	stderrors "errors"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/aminofox/zenplay/pkg/config"
	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
)

// CodecSupportCache memoizes whether the media pipeline supports a mime
// type with codecs.
type CodecSupportCache struct {
	store   Store
	logger  logger.Logger
	metrics *metrics.Metrics
}

// NewCodecSupportCache wraps store
func NewCodecSupportCache(store Store, log logger.Logger, m *metrics.Metrics) *CodecSupportCache {
	return &CodecSupportCache{
		store:   store,
		logger:  logger.OrDefault(log).With(logger.Component("codec-cache")),
		metrics: m,
	}
}

// New builds the cache described by cfg
func New(cfg config.CacheConfig, log logger.Logger, m *metrics.Metrics) (*CodecSupportCache, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewCodecSupportCache(NewMemoryStore(cfg.MaxEntries, cfg.TTL), log, m), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewCodecSupportCache(NewRedisStore(client, cfg.KeyPrefix, cfg.TTL), log, m), nil
	default:
		return nil, errors.NewConfigurationError(errors.ErrCodeInvalidConfig, "unknown cache kind: "+cfg.Kind)
	}
}

// IsSupported returns the memoized result for mimeWithCodec, calling check
// on a miss. Store failures are logged and fall back to check.
func (c *CodecSupportCache) IsSupported(ctx context.Context, mimeWithCodec string, check func(string) bool) bool {
	supported, err := c.store.Get(ctx, mimeWithCodec)
	if err == nil {
		c.metrics.IncCodecCacheLookups("hit")
		return supported
	}
	c.metrics.IncCodecCacheLookups("miss")
	if !stderrors.Is(err, ErrNotFound) {
		c.logger.Warn("Codec cache lookup failed", logger.String("codec", mimeWithCodec), logger.Err(err))
	}

	supported = check(mimeWithCodec)
	if err := c.store.Set(ctx, mimeWithCodec, supported, 0); err != nil {
		c.logger.Warn("Codec cache store failed", logger.String("codec", mimeWithCodec), logger.Err(err))
	}
	return supported
}

// Clear forgets every memoized result
func (c *CodecSupportCache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Stats returns the store statistics
func (c *CodecSupportCache) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx)
}

// Close releases the store when it holds a connection
func (c *CodecSupportCache) Close() error {
	if closer, ok := c.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
