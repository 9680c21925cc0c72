// Package worker consumes background jobs from the named queues and runs
// them through the conversation pipeline. Delivery is at-least-once; the
// handlers lean on the outbound idempotency keys and relative counter
// updates to make redelivery harmless.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/jobs"
	"github.com/sokoflow/backend/internal/queue"
	"github.com/sokoflow/backend/pkg/logging"
)

// HeartbeatKey is refreshed while the worker is polling; the health
// endpoint checks its presence.
const HeartbeatKey = "worker:heartbeat"

const (
	heartbeatTTL   = 30 * time.Second
	heartbeatEvery = 10 * time.Second
	receiveBatch   = 5
	receiveWait    = 10 // seconds, long poll
	maxDeferSleep  = 5 * time.Second
)

// Retry spacing, package vars so tests can shorten them.
var (
	retryDelays    = []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Minute, 5 * time.Minute}
	lockRetryDelay = 2 * time.Second
)

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retryDelays) {
		attempt = len(retryDelays)
	}
	return retryDelays[attempt-1]
}

// Handler executes one job kind.
type Handler func(ctx context.Context, env jobs.Envelope) error

// Runtime polls the queues and drives registered handlers with retry and
// attempt accounting.
type Runtime struct {
	queues      queue.Set
	names       []queue.Name
	concurrency int
	store       *jobs.Store
	rdb         *redis.Client
	handlers    map[jobs.Kind]Handler
	logger      *logging.Logger
}

// NewRuntime wires the job runtime. store and rdb may be nil; attempt
// counts then ride in the envelope and no heartbeat is published.
func NewRuntime(queues queue.Set, names []queue.Name, concurrency int, store *jobs.Store, rdb *redis.Client, logger *logging.Logger) *Runtime {
	if len(names) == 0 {
		names = queue.Names()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Runtime{
		queues:      queues,
		names:       names,
		concurrency: concurrency,
		store:       store,
		rdb:         rdb,
		handlers:    make(map[jobs.Kind]Handler),
		logger:      logger.WithComponent("worker"),
	}
}

// Register binds a handler to a job kind.
func (r *Runtime) Register(kind jobs.Kind, h Handler) {
	r.handlers[kind] = h
}

// Run polls until ctx is canceled.
func (r *Runtime) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range r.names {
		for i := 0; i < r.concurrency; i++ {
			wg.Add(1)
			go func(name queue.Name) {
				defer wg.Done()
				r.poll(ctx, name)
			}(name)
		}
	}
	if r.rdb != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.heartbeat(ctx)
		}()
	}
	wg.Wait()
}

func (r *Runtime) poll(ctx context.Context, name queue.Name) {
	client := r.queues.Get(name)
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := client.Receive(ctx, receiveBatch, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("queue receive failed", "queue", string(name), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			r.process(ctx, name, client, msg)
		}
	}
}

func (r *Runtime) process(ctx context.Context, name queue.Name, client queue.Client, msg queue.Message) {
	env, err := jobs.Decode(msg.Body)
	if err != nil {
		r.logger.Error("undecodable job dropped", "queue", string(name), "error", err)
		r.delete(ctx, client, msg)
		return
	}

	log := r.logger.With("job_id", env.JobID, "kind", string(env.Kind), "tenant_id", env.TenantID)

	// Jobs scheduled for the future go back on the queue; short waits are
	// absorbed here so a near-due job does not churn.
	if wait := time.Until(env.NotBefore); wait > 0 {
		if wait > maxDeferSleep {
			wait = maxDeferSleep
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if time.Until(env.NotBefore) > 0 {
			r.republish(ctx, env)
			r.delete(ctx, client, msg)
			return
		}
	}

	h, ok := r.handlers[env.Kind]
	if !ok {
		log.Error("no handler for job kind")
		r.finish(ctx, env, jobs.JobFailed, "no handler registered")
		r.delete(ctx, client, msg)
		return
	}

	attempt := env.Attempt + 1
	if r.store != nil {
		if a, err := r.store.StartAttempt(ctx, env.JobID); err != nil {
			log.Warn("job record missing, continuing", "error", err)
		} else {
			attempt = a
		}
	}

	herr := h(ctx, env)
	switch {
	case herr == nil:
		r.finish(ctx, env, jobs.JobDone, "")
		r.delete(ctx, client, msg)

	case apperr.IsCode(herr, apperr.CodeRateLimitExceeded):
		// Conversation lock contention: slot back in behind the in-flight
		// turn without spending an attempt.
		log.Info("conversation busy, requeueing", "error", herr)
		env.NotBefore = time.Now().Add(lockRetryDelay)
		r.republish(ctx, env)
		r.requeueRecord(ctx, env, herr.Error())
		r.delete(ctx, client, msg)

	case apperr.From(herr).Retryable() && attempt < jobs.MaxAttempts(env.Kind):
		log.Warn("job attempt failed, retrying", "attempt", attempt, "error", herr)
		env.Attempt = attempt
		env.NotBefore = time.Now().Add(retryDelay(attempt))
		r.republish(ctx, env)
		r.requeueRecord(ctx, env, herr.Error())
		r.delete(ctx, client, msg)

	default:
		log.Error("job failed permanently", "attempt", attempt, "error", herr)
		r.finish(ctx, env, jobs.JobFailed, herr.Error())
		r.delete(ctx, client, msg)
	}
}

func (r *Runtime) republish(ctx context.Context, env jobs.Envelope) {
	body, err := env.Encode()
	if err != nil {
		r.logger.Error("requeue encode failed", "job_id", env.JobID, "error", err)
		return
	}
	if err := r.queues.Get(jobs.QueueFor(env.Kind)).Send(ctx, body); err != nil {
		// Leave the original undeleted so the queue redelivers it.
		r.logger.Error("requeue publish failed", "job_id", env.JobID, "error", err)
	}
}

func (r *Runtime) delete(ctx context.Context, client queue.Client, msg queue.Message) {
	if err := client.Delete(ctx, msg.ReceiptHandle); err != nil {
		r.logger.Warn("queue delete failed", "error", err)
	}
}

func (r *Runtime) finish(ctx context.Context, env jobs.Envelope, status jobs.JobStatus, detail string) {
	if r.store == nil {
		return
	}
	if err := r.store.Finish(ctx, env.JobID, status, detail); err != nil {
		r.logger.Warn("job record update failed", "job_id", env.JobID, "error", err)
	}
}

func (r *Runtime) requeueRecord(ctx context.Context, env jobs.Envelope, detail string) {
	if r.store == nil {
		return
	}
	if err := r.store.Requeue(ctx, env.JobID, detail); err != nil {
		r.logger.Warn("job record update failed", "job_id", env.JobID, "error", err)
	}
}

func (r *Runtime) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		if err := r.rdb.Set(ctx, HeartbeatKey, time.Now().UTC().Format(time.RFC3339), heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
			r.logger.Warn("heartbeat write failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
