package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/worker"
	"github.com/sokoflow/backend/pkg/logging"
)

const healthCheckTimeout = 2 * time.Second

// pinger is satisfied by pgxpool.Pool.
type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports liveness of the service's dependencies. The worker
// check reads the heartbeat the worker runtime publishes to Redis; a
// missing key means no worker has run for at least the heartbeat TTL.
type Health struct {
	db        pinger
	rdb       *redis.Client
	queuePing func(ctx context.Context) error
	logger    *logging.Logger
}

// NewHealth wires the health endpoint. Any dependency may be nil; its
// check reports "skipped".
func NewHealth(db pinger, rdb *redis.Client, queuePing func(ctx context.Context) error, logger *logging.Logger) *Health {
	if logger == nil {
		logger = logging.Default()
	}
	return &Health{db: db, rdb: rdb, queuePing: queuePing, logger: logger.WithComponent("health")}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ServeHTTP returns 200 when every wired dependency answers and 503
// otherwise, with a per-dependency breakdown either way.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{
		"postgres": "skipped",
		"redis":    "skipped",
		"queue":    "skipped",
		"worker":   "skipped",
	}
	healthy := true
	fail := func(name, status string, err error) {
		checks[name] = status
		healthy = false
		if err != nil {
			h.logger.Warn("health check failed", "check", name, "error", err)
		}
	}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			fail("postgres", "down", err)
		} else {
			checks["postgres"] = "ok"
		}
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			fail("redis", "down", err)
		} else {
			checks["redis"] = "ok"
			n, err := h.rdb.Exists(ctx, worker.HeartbeatKey).Result()
			switch {
			case err != nil:
				fail("worker", "unknown", err)
			case n == 0:
				fail("worker", "stale", nil)
			default:
				checks["worker"] = "ok"
			}
		}
	}
	if h.queuePing != nil {
		if err := h.queuePing(ctx); err != nil {
			fail("queue", "down", err)
		} else {
			checks["queue"] = "ok"
		}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Checks: checks})
}
