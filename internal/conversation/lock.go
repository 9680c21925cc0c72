package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/apperr"
)

// releaseScript deletes the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker serializes processing per conversation with a cluster-wide
// advisory lock. The hold time bounds how long a crashed worker can block
// a conversation; the acquire timeout bounds how long a contender waits.
type Locker struct {
	rdb            *redis.Client
	hold           time.Duration
	acquireTimeout time.Duration
}

// NewLocker wires the locker.
func NewLocker(rdb *redis.Client, hold, acquireTimeout time.Duration) *Locker {
	if rdb == nil {
		panic("conversation: redis client required")
	}
	if hold <= 0 {
		hold = 45 * time.Second
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 10 * time.Second
	}
	return &Locker{rdb: rdb, hold: hold, acquireTimeout: acquireTimeout}
}

// Lock is a held advisory lock.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

func lockKey(conversationID string) string {
	return fmt.Sprintf("convlock:%s", conversationID)
}

// TryAcquire attempts one non-blocking grab.
func (l *Locker) TryAcquire(ctx context.Context, conversationID string) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey(conversationID), token, l.hold).Result()
	if err != nil {
		return nil, false, fmt.Errorf("conversation: acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{locker: l, key: lockKey(conversationID), token: token}, true, nil
}

// Acquire blocks with backoff until the lock is held or the acquire
// timeout elapses. Contention yields RATE_LIMIT_EXCEEDED so the job
// runtime requeues the message behind the in-flight turn.
func (l *Locker) Acquire(ctx context.Context, conversationID string) (*Lock, error) {
	deadline := time.Now().Add(l.acquireTimeout)
	wait := 50 * time.Millisecond
	for {
		lock, ok, err := l.TryAcquire(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		if time.Now().After(deadline) {
			return nil, apperr.Newf(apperr.CodeRateLimitExceeded, "conversation %s is locked", conversationID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < time.Second {
			wait *= 2
		}
	}
}

// Release frees the lock when still owned. Losing ownership (hold-time
// expiry) is not an error; the next holder owns the key.
func (lk *Lock) Release(ctx context.Context) error {
	if lk == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token).Err(); err != nil {
		return fmt.Errorf("conversation: release lock: %w", err)
	}
	return nil
}

// Extend refreshes the hold time while a long turn is in flight.
func (lk *Lock) Extend(ctx context.Context) error {
	ok, err := lk.locker.rdb.Expire(ctx, lk.key, lk.locker.hold).Result()
	if err != nil {
		return fmt.Errorf("conversation: extend lock: %w", err)
	}
	if !ok {
		return apperr.New(apperr.CodeConflict, "lock no longer held")
	}
	return nil
}
