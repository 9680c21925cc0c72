package outbound

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/pkg/logging"
)

// Limiter enforces the per-tenant daily outbound cap as a 24-hour sliding
// window of hourly counters. At 80% a warning is logged; at 100% the send
// is deferred to the next window with a retry hint.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	now    func() time.Time
	logger *logging.Logger
}

// NewLimiter wires the limiter. A non-positive limit disables it.
func NewLimiter(rdb *redis.Client, limit int, logger *logging.Logger) *Limiter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Limiter{rdb: rdb, limit: limit, now: time.Now, logger: logger.WithComponent("outbound_limiter")}
}

func bucketKey(tenantID string, t time.Time) string {
	return fmt.Sprintf("outbound_count:%s:%s", tenantID, t.UTC().Format("2006010215"))
}

// Reserve counts one send against the window. On overflow the counter is
// rolled back and DAILY_MESSAGE_LIMIT is returned with the seconds until
// the oldest bucket leaves the window.
func (l *Limiter) Reserve(ctx context.Context, tenantID string) error {
	if l.limit <= 0 || l.rdb == nil {
		return nil
	}
	now := l.now()
	key := bucketKey(tenantID, now)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 25*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbound: reserve: %w", err)
	}

	keys := make([]string, 0, 24)
	for i := 1; i < 24; i++ {
		keys = append(keys, bucketKey(tenantID, now.Add(-time.Duration(i)*time.Hour)))
	}
	total := incr.Val()
	if len(keys) > 0 {
		vals, err := l.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("outbound: window sum: %w", err)
		}
		for _, v := range vals {
			if s, ok := v.(string); ok {
				if n, err := strconv.ParseInt(s, 10, 64); err == nil {
					total += n
				}
			}
		}
	}

	if total > int64(l.limit) {
		l.rdb.Decr(ctx, key)
		retryAfter := int(time.Until(now.Truncate(time.Hour).Add(time.Hour)).Seconds())
		if retryAfter < 1 {
			retryAfter = 60
		}
		err := apperr.Newf(apperr.CodeDailyMessageLimit, "tenant daily message limit of %d reached", l.limit)
		err.RetryAfterSeconds = retryAfter
		return err
	}
	if total >= int64(float64(l.limit)*0.8) {
		l.logger.Warn("tenant approaching daily message limit",
			"tenant_id", tenantID, "sent_24h", total, "limit", l.limit)
	}
	return nil
}
