package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/pkg/logging"
)

const (
	configTTL        = time.Hour
	configVersionTTL = 2 * time.Hour
)

// Cache fronts the tenant repository with a Redis cache. Invalidation is a
// version-counter increment, never a delete: a writer bumping the version
// cannot race a concurrent reader's miss-then-fill, because stale fills land
// under the old versioned key and age out on their own TTL.
type Cache struct {
	repo   *Repository
	rdb    *redis.Client
	logger *logging.Logger
}

// NewCache wraps a repository with the versioned Redis cache.
func NewCache(repo *Repository, rdb *redis.Client, logger *logging.Logger) *Cache {
	if repo == nil {
		panic("tenant: repository required")
	}
	if rdb == nil {
		panic("tenant: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Cache{repo: repo, rdb: rdb, logger: logger.WithComponent("tenant_cache")}
}

func configKey(tenantID string, version int64) string {
	return fmt.Sprintf("tenant_cfg:%s:v%d", tenantID, version)
}

func versionKey(tenantID string) string {
	return fmt.Sprintf("tenant_cfg_version:%s", tenantID)
}

// Get returns the tenant, serving from cache when possible.
func (c *Cache) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	version, err := c.currentVersion(ctx, tenantID)
	if err != nil {
		// Cache trouble never blocks tenant resolution.
		c.logger.Warn("tenant cache version read failed", "error", err, "tenant_id", tenantID)
		return c.repo.GetByID(ctx, tenantID)
	}

	key := configKey(tenantID, version)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var t Tenant
		if err := json.Unmarshal(data, &t); err == nil {
			return &t, nil
		}
		c.logger.Warn("tenant cache entry corrupt", "tenant_id", tenantID)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("tenant cache read failed", "error", err, "tenant_id", tenantID)
	}

	t, err := c.repo.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if blob, err := json.Marshal(t); err == nil {
		if err := c.rdb.Set(ctx, key, blob, configTTL).Err(); err != nil {
			c.logger.Warn("tenant cache fill failed", "error", err, "tenant_id", tenantID)
		}
	}
	return t, nil
}

// Invalidate bumps the version counter after any tenant write.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) error {
	key := versionKey(tenantID)
	if err := c.rdb.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("tenant: bump config version: %w", err)
	}
	return c.rdb.Expire(ctx, key, configVersionTTL).Err()
}

func (c *Cache) currentVersion(ctx context.Context, tenantID string) (int64, error) {
	val, err := c.rdb.Get(ctx, versionKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	version, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tenant: parse config version: %w", err)
	}
	return version, nil
}
