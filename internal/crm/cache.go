package crm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/service/sending"
)

const (
	keyPrefix      = "offermail:crm:"
	staleKeyPrefix = "offermail:crm:stale:"
)

// CachedSource fronts a CRM source with Redis. Fresh entries live for ttl;
// a stale copy is kept for staleTTL and served when the source fails.
type CachedSource struct {
	inner    sending.CRMSource
	rdb      *redis.Client
	ttl      time.Duration
	staleTTL time.Duration
	log      *logger.Logger
}

// NewCachedSource wraps inner. Zero durations select 15m fresh and 7d
// stale.
func NewCachedSource(inner sending.CRMSource, rdb *redis.Client, ttl, staleTTL time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if staleTTL <= 0 {
		staleTTL = 7 * 24 * time.Hour
	}
	return &CachedSource{inner: inner, rdb: rdb, ttl: ttl, staleTTL: staleTTL, log: logger.Named("crm")}
}

// Attributes implements sending.CRMSource.
func (c *CachedSource) Attributes(ctx context.Context, clientID string) (domain.CRMAttributes, error) {
	if attrs, ok := c.read(ctx, keyPrefix+clientID); ok {
		return attrs, nil
	}

	attrs, err := c.inner.Attributes(ctx, clientID)
	if err != nil {
		if stale, ok := c.read(ctx, staleKeyPrefix+clientID); ok {
			c.log.Warn("crm source failed, serving stale attributes", "client_id", clientID, "error", err)
			return stale, nil
		}
		return domain.CRMAttributes{}, err
	}

	data, err := json.Marshal(attrs)
	if err == nil {
		pipe := c.rdb.Pipeline()
		pipe.Set(ctx, keyPrefix+clientID, data, c.ttl)
		pipe.Set(ctx, staleKeyPrefix+clientID, data, c.staleTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			c.log.Warn("crm cache write failed", "client_id", clientID, "error", err)
		}
	}
	return attrs, nil
}

// Invalidate drops the fresh entry so the next read hits the source.
func (c *CachedSource) Invalidate(ctx context.Context, clientID string) error {
	return c.rdb.Del(ctx, keyPrefix+clientID).Err()
}

func (c *CachedSource) read(ctx context.Context, key string) (domain.CRMAttributes, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("crm cache read failed", "key", key, "error", err)
		}
		return domain.CRMAttributes{}, false
	}
	var attrs domain.CRMAttributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return domain.CRMAttributes{}, false
	}
	return attrs, true
}
