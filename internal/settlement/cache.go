package settlement

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"bursar/pkg/logging"
)

// Billing status values served from the cache. "low" warns, "blocked"
// means the debt ceiling was hit and the gateway must deny new dials.
const (
	StatusOK      = "ok"
	StatusLow     = "low"
	StatusBlocked = "blocked"
)

const statusKeyPrefix = "bursar:billing-status:"

// StatusCache keeps a short-lived billing status per tenant so the call
// gateway can gate outbound dials without hitting Postgres. A nil client
// disables caching; all methods are no-ops then.
type StatusCache struct {
	rdb    goredis.UniversalClient
	logger logging.Logger
	ttl    time.Duration
}

func NewStatusCache(rdb goredis.UniversalClient, logger logging.Logger) *StatusCache {
	return &StatusCache{rdb: rdb, logger: logger, ttl: 5 * time.Minute}
}

// Get returns the cached status and whether it was present.
func (c *StatusCache) Get(ctx context.Context, tenantID string) (string, bool) {
	if c == nil || c.rdb == nil {
		return "", false
	}
	val, err := c.rdb.Get(ctx, statusKeyPrefix+tenantID).Result()
	if err == goredis.Nil {
		return "", false
	}
	if err != nil {
		c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Billing status cache read failed")
		return "", false
	}
	return val, true
}

// Set stores the status with the cache TTL.
func (c *StatusCache) Set(ctx context.Context, tenantID, status string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, statusKeyPrefix+tenantID, status, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Billing status cache write failed")
	}
}

// Invalidate drops the cached status after any balance change so the next
// read reflects the ledger.
func (c *StatusCache) Invalidate(ctx context.Context, tenantID string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, statusKeyPrefix+tenantID).Err(); err != nil {
		c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Billing status cache invalidation failed")
	}
}
