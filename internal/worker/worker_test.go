package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/jobs"
	"github.com/sokoflow/backend/internal/queue"
)

func fastRetries(t *testing.T) {
	t.Helper()
	origRetries, origLock := retryDelays, lockRetryDelay
	retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	lockRetryDelay = time.Millisecond
	t.Cleanup(func() { retryDelays, lockRetryDelay = origRetries, origLock })
}

func startRuntime(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rt.Run(ctx)
}

func enqueueTest(t *testing.T, queues queue.Set, env jobs.Envelope) {
	t.Helper()
	if _, err := jobs.NewEnqueuer(queues, nil).Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestRuntimeRunsHandlerAndDeletes(t *testing.T) {
	queues := queue.NewMemorySet(8)
	rt := NewRuntime(queues, []queue.Name{queue.Messaging}, 1, nil, nil, nil)

	got := make(chan jobs.Envelope, 1)
	rt.Register(jobs.KindKeywordReply, func(_ context.Context, env jobs.Envelope) error {
		got <- env
		return nil
	})
	startRuntime(t, rt)
	enqueueTest(t, queues, jobs.Envelope{Kind: jobs.KindKeywordReply, TenantID: "ten_1", Keyword: "help"})

	select {
	case env := <-got:
		if env.TenantID != "ten_1" || env.Keyword != "help" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestRuntimeRetriesTransientUpToBudget(t *testing.T) {
	fastRetries(t)
	queues := queue.NewMemorySet(8)
	rt := NewRuntime(queues, []queue.Name{queue.Messaging}, 1, nil, nil, nil)

	var calls atomic.Int32
	rt.Register(jobs.KindKeywordReply, func(_ context.Context, _ jobs.Envelope) error {
		calls.Add(1)
		return apperr.New(apperr.CodeExternalAPI, "gateway down")
	})
	startRuntime(t, rt)
	enqueueTest(t, queues, jobs.Envelope{Kind: jobs.KindKeywordReply, TenantID: "ten_1"})

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected exactly %d attempts, got %d", jobs.MaxAttempts(jobs.KindKeywordReply), got)
	}
}

func TestRuntimePermanentErrorNotRetried(t *testing.T) {
	fastRetries(t)
	queues := queue.NewMemorySet(8)
	rt := NewRuntime(queues, []queue.Name{queue.Messaging}, 1, nil, nil, nil)

	var calls atomic.Int32
	rt.Register(jobs.KindKeywordReply, func(_ context.Context, _ jobs.Envelope) error {
		calls.Add(1)
		return apperr.New(apperr.CodeInvalidInput, "bad envelope")
	})
	startRuntime(t, rt)
	enqueueTest(t, queues, jobs.Envelope{Kind: jobs.KindKeywordReply, TenantID: "ten_1"})

	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("permanent failure must not retry, got %d attempts", got)
	}
}

func TestRuntimeLockContentionDoesNotSpendAttempts(t *testing.T) {
	fastRetries(t)
	queues := queue.NewMemorySet(8)
	rt := NewRuntime(queues, []queue.Name{queue.Messaging}, 1, nil, nil, nil)

	var calls atomic.Int32
	rt.Register(jobs.KindProcessInbound, func(_ context.Context, _ jobs.Envelope) error {
		// Five contention rounds exceed the three-attempt budget; the job
		// must still get through because contention is not an attempt.
		if calls.Add(1) <= 5 {
			return apperr.New(apperr.CodeRateLimitExceeded, "conversation is locked")
		}
		return nil
	})
	startRuntime(t, rt)
	enqueueTest(t, queues, jobs.Envelope{Kind: jobs.KindProcessInbound, TenantID: "ten_1", ConversationID: "conv_1"})

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 6 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := calls.Load(); got != 6 {
		t.Fatalf("job should run until the lock frees, got %d calls", got)
	}
}

func TestRuntimeHonorsNotBefore(t *testing.T) {
	fastRetries(t)
	queues := queue.NewMemorySet(8)
	rt := NewRuntime(queues, []queue.Name{queue.Messaging}, 1, nil, nil, nil)

	ran := make(chan time.Time, 1)
	rt.Register(jobs.KindDeliverOutbound, func(_ context.Context, _ jobs.Envelope) error {
		ran <- time.Now()
		return nil
	})
	startRuntime(t, rt)

	release := time.Now().Add(300 * time.Millisecond)
	enqueueTest(t, queues, jobs.Envelope{Kind: jobs.KindDeliverOutbound, TenantID: "ten_1", NotBefore: release})

	select {
	case at := <-ran:
		if at.Before(release) {
			t.Fatalf("job ran %s early", release.Sub(at))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("deferred job never ran")
	}
}

func TestRuntimePublishesHeartbeat(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	queues := queue.NewMemorySet(8)
	rt := NewRuntime(queues, []queue.Name{queue.Default}, 1, nil, rdb, nil)
	startRuntime(t, rt)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mr.Exists(HeartbeatKey) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("heartbeat key never written")
}
