// Package cache decorates the access resolver with a TTL-bounded redis
// cache. Grants change rarely compared to how often they are checked; a
// short TTL keeps revocation lag bounded while absorbing the tree walk on
// hot paths. Correctness never depends on the cache being present.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"trellis/internal/access"
	"trellis/internal/access/metrics"
	"trellis/internal/recordable"

	"github.com/google/uuid"
)

// noneMarker caches a "no role" result distinctly from a cache miss.
const noneMarker = "!none"

// CachedChecker wraps an access.Checker with a redis read-through cache on
// RoleFor. Batch queries pass through uncached.
type CachedChecker struct {
	inner   access.Checker
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New wraps inner. A nil client disables caching entirely.
func New(inner access.Checker, client *redis.Client, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *CachedChecker {
	return &CachedChecker{inner: inner, client: client, ttl: ttl, logger: logger, metrics: m}
}

func cacheKey(actor recordable.Ref, recordingID uuid.UUID) string {
	return "trellis:role:" + actor.Type + ":" + actor.ID.String() + ":" + recordingID.String()
}

func (c *CachedChecker) RoleFor(ctx context.Context, actor *recordable.Ref, recordingID uuid.UUID) (access.Role, error) {
	if c.client == nil || actor == nil || actor.IsZero() {
		return c.inner.RoleFor(ctx, actor, recordingID)
	}
	key := cacheKey(*actor, recordingID)

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		if cached == noneMarker {
			return "", nil
		}
		return access.Role(cached), nil
	case errors.Is(err, redis.Nil):
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
	default:
		// Cache trouble must not deny or grant anything; fall through to
		// the real resolver.
		c.logger.WarnContext(ctx, "role cache read failed", "error", err)
	}

	role, err := c.inner.RoleFor(ctx, actor, recordingID)
	if err != nil {
		return "", err
	}
	value := string(role)
	if value == "" {
		value = noneMarker
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "role cache write failed", "error", err)
	}
	return role, nil
}

func (c *CachedChecker) Allowed(ctx context.Context, actor *recordable.Ref, recordingID uuid.UUID, required access.Role) (bool, error) {
	if _, ok := required.Rank(); !ok {
		return false, nil
	}
	role, err := c.RoleFor(ctx, actor, recordingID)
	if err != nil {
		return false, err
	}
	return role.Meets(required), nil
}

func (c *CachedChecker) RootRecordingIDsFor(ctx context.Context, actor recordable.Ref, minimum access.Role) ([]uuid.UUID, error) {
	return c.inner.RootRecordingIDsFor(ctx, actor, minimum)
}

// Invalidate drops every cached role on one recording. The operations
// service calls it for the guarded node and the root after grant or boundary
// changes; cached roles deeper in the subtree heal within the TTL.
func (c *CachedChecker) Invalidate(ctx context.Context, recordingID uuid.UUID) {
	if c.client == nil {
		return
	}
	pattern := "trellis:role:*:" + recordingID.String()
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.WarnContext(ctx, "role cache invalidation failed", "error", err)
			return
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.WarnContext(ctx, "role cache scan failed", "error", err)
	}
}
