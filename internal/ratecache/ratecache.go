// Package ratecache shares exchange-rate snapshots between instances through
// Redis. A cached snapshot keeps its original fetch time, so the cache never
// makes a rate look fresher than it is.
package ratecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/birdhaven/donations/internal/currency"
	"github.com/birdhaven/donations/internal/invoice"
)

const keyNamespace = "birdhaven:rate"

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
}

// Cache is an invoice.RateSource that consults Redis before next.
type Cache struct {
	store  cmdable
	next   invoice.RateSource
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Dial parses a redis:// URL and verifies connectivity.
func Dial(ctx context.Context, rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = time.Second
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// New wraps next. Snapshots older than maxAge are never served from cache.
func New(client *redis.Client, next invoice.RateSource, maxAge time.Duration, logger *slog.Logger) *Cache {
	return newCache(client, next, maxAge, logger)
}

func newCache(store cmdable, next invoice.RateSource, maxAge time.Duration, logger *slog.Logger) *Cache {
	if maxAge <= 0 {
		maxAge = invoice.DefaultRateMaxAge
	}
	return &Cache{store: store, next: next, maxAge: maxAge, logger: logger, now: time.Now}
}

// Key returns the cache key for a fiat/token pair.
func Key(fiat currency.Fiat, token string) string {
	return keyNamespace + ":" + string(fiat) + ":" + token
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx).Err()
}

// Rate returns a cached snapshot when one is young enough, otherwise asks
// next and caches its answer for the rest of its validity window. Redis
// failures fall through to next.
func (c *Cache) Rate(ctx context.Context, fiat currency.Fiat, token string) (invoice.Rate, error) {
	key := Key(fiat, token)
	now := c.now()

	raw, err := c.store.Get(ctx, key).Result()
	switch {
	case err == nil:
		var rate invoice.Rate
		if jerr := json.Unmarshal([]byte(raw), &rate); jerr != nil {
			c.logger.Warn("discarding malformed cached rate", "key", key, "error", jerr)
		} else if !rate.FetchedAt.IsZero() && now.Sub(rate.FetchedAt) <= c.maxAge {
			return rate, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("rate cache read failed", "key", key, "error", err)
	}

	rate, err := c.next.Rate(ctx, fiat, token)
	if err != nil {
		return invoice.Rate{}, err
	}

	ttl := c.maxAge - now.Sub(rate.FetchedAt)
	if rate.FetchedAt.IsZero() || ttl <= 0 {
		return rate, nil
	}
	data, err := json.Marshal(rate)
	if err != nil {
		return rate, nil
	}
	if err := c.store.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("rate cache write failed", "key", key, "error", err)
	}
	return rate, nil
}

var _ invoice.RateSource = (*Cache)(nil)
