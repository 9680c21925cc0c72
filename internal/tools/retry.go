package tools

import (
	"context"
	"math/rand"
	"time"

	"github.com/sokoflow/backend/internal/apperr"
)

// retryBackoff is the wait before each retry. Transient failures get up
// to three retries; permanent errors surface immediately so the subflow
// can escalate or apologize.
var retryBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

func retry[T any](ctx context.Context, c *Client, tool string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	var err error
	for attempt := 0; ; attempt++ {
		out, err = attemptOnce(ctx, c.timeoutFor(tool), fn)
		if err == nil {
			return out, nil
		}
		if attempt >= len(retryBackoff) || !apperr.From(err).Retryable() {
			return out, err
		}
		c.metrics.ObserveToolRetry(tool)
		c.logger.Warn("tool retry", "tool", tool, "attempt", attempt+1, "error", err)

		delay := retryBackoff[attempt] + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// attemptOnce bounds a single attempt so a slow backend burns one retry,
// not the whole turn budget.
func attemptOnce[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
