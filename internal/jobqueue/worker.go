package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

func (r *Runtime) worker(ctx context.Context, q *queue, idx int) {
	// Per-worker RNG: retry jitter without contention on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		it := r.take(q)
		if it == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		r.execOne(ctx, q, it, rng)
	}
}

// take removes the first pending job whose lane is free.
func (r *Runtime) take(q *queue) *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.pending {
		if _, lane := it.key(); !r.lanes.tryAcquire(lane) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.active++
		return it
	}
	return nil
}

func (r *Runtime) execOne(ctx context.Context, q *queue, it *item, rng *rand.Rand) {
	id, lane := it.key()
	keep := false
	defer func() {
		q.mu.Lock()
		q.active--
		if !keep {
			delete(q.ids, id)
		}
		q.mu.Unlock()
		r.lanes.release(lane)
		// Jobs of other queues may be waiting for this lane.
		r.wakeAll()
	}()

	q.mu.Lock()
	cfg := q.cfg
	lim := q.limiter
	q.mu.Unlock()
	// Until the claim below the stored job is untouched, so giving up here
	// leaves it for the next Start or another runtime.
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	rec, ok := r.claim(ctx, q, it, cfg)
	if !ok {
		return
	}

	start := r.now()
	r.publish(eventbus.JobStarted, rec, nil)
	log := r.log.With(logx.String("job_id", rec.ID), logx.String("queue", q.name))
	log.Debug("job started", logx.Int("attempt", rec.Attempts), logx.Int("max_attempts", rec.MaxAttempts))

	job := &Job{
		ID:          rec.ID,
		Queue:       rec.Queue,
		Lane:        rec.Lane,
		Payload:     rec.Payload,
		Attempt:     rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		EnqueuedAt:  rec.CreatedAt,
		report: func(_ context.Context, p storage.JobProgress) error {
			return r.progress(it, p)
		},
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	var lost atomic.Bool
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		r.keepLease(runCtx, cancel, it, &lost)
	}()
	err := r.run(runCtx, q, job, log)
	cancel()
	<-leaseDone
	dur := r.now().Sub(start)

	if lost.Load() {
		log.Warn("job claim lost; attempt abandoned", logx.Int("attempt", rec.Attempts))
		return
	}

	switch {
	case err == nil:
		rec, _ = r.write(it, func(rec *storage.JobRecord) {
			rec.State = storage.JobCompleted
			rec.LastError = ""
			rec.FinishedAt = r.now()
			rec.UpdatedAt = rec.FinishedAt
			release(rec)
		})
		q.completed.Add(1)
		log.Info("job completed", logx.Int("attempts", rec.Attempts), logx.Duration("dur", dur))
		r.publish(eventbus.JobCompleted, rec, nil)
		return

	case ctx.Err() != nil && !IsNoRetry(err):
		// Shutdown cut the attempt short; it does not count.
		r.interrupted(it)
		return
	}

	cause := err
	var nr noRetryError
	if errors.As(err, &nr) {
		cause = nr.err
	}
	if IsNoRetry(err) || rec.Attempts >= rec.MaxAttempts {
		rec, _ = r.write(it, func(rec *storage.JobRecord) {
			rec.State = storage.JobFailed
			rec.LastError = cause.Error()
			rec.FinishedAt = r.now()
			rec.UpdatedAt = rec.FinishedAt
			release(rec)
		})
		q.failed.Add(1)
		log.Warn("job failed", logx.Int("attempts", rec.Attempts), logx.Bool("permanent", IsNoRetry(err)), logx.Err(cause))
		r.publish(eventbus.JobFailed, rec, cause)
		return
	}

	delay := backoffDelay(cfg, rec.Attempts, err, rng)
	rec, werr := r.write(it, func(rec *storage.JobRecord) {
		now := r.now()
		rec.State = storage.JobDelayed
		rec.LastError = cause.Error()
		rec.RunAt = now.Add(delay)
		rec.UpdatedAt = now
		release(rec)
	})
	q.retried.Add(1)
	log.Info("job retry scheduled", logx.Int("attempt", rec.Attempts), logx.Duration("delay", delay), logx.Err(cause))
	r.publish(eventbus.JobRetrying, rec, cause)
	if werr == nil && r.isRunning() {
		keep = true
		r.schedule(q, it, delay)
	}
}

// claim takes the job in the store for this runtime. It returns false when
// another runtime got there first, or when the job turned out to be the
// leftover of a process that died during its final attempt.
func (r *Runtime) claim(ctx context.Context, q *queue, it *item, cfg QueueConfig) (storage.JobRecord, bool) {
	id, _ := it.key()
	now := r.now()
	claimed, ok, err := r.store.ClaimJob(ctx, id, r.owner, now, now.Add(r.lease))
	switch {
	case err != nil:
		if ctx.Err() == nil {
			r.log.Warn("job claim failed", logx.String("job_id", id), logx.String("queue", q.name), logx.Err(err))
		}
		return storage.JobRecord{}, false
	case !ok:
		r.log.Debug("job no longer claimable", logx.String("job_id", id), logx.String("queue", q.name))
		return storage.JobRecord{}, false
	}
	if claimed.MaxAttempts <= 0 {
		claimed.MaxAttempts = cfg.Attempts
	}
	rec := it.update(func(rec *storage.JobRecord) { *rec = claimed })
	if rec.Attempts <= rec.MaxAttempts {
		return rec, true
	}

	// The attempt that used up the budget was running when its process died.
	rec, _ = r.write(it, func(rec *storage.JobRecord) {
		rec.Attempts = rec.MaxAttempts
		rec.State = storage.JobFailed
		rec.LastError = "process exited during the final attempt"
		rec.FinishedAt = now
		rec.UpdatedAt = now
		release(rec)
	})
	q.failed.Add(1)
	r.log.Warn("job failed", logx.String("job_id", rec.ID), logx.String("queue", q.name),
		logx.Int("attempts", rec.Attempts), logx.String("err", rec.LastError))
	r.publish(eventbus.JobFailed, rec, errors.New(rec.LastError))
	return storage.JobRecord{}, false
}

// keepLease extends the claim until ctx ends. Losing the claim cancels the
// attempt.
func (r *Runtime) keepLease(ctx context.Context, cancel context.CancelFunc, it *item, lost *atomic.Bool) {
	t := time.NewTicker(r.lease / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		_, err := r.write(it, func(rec *storage.JobRecord) {
			rec.LeaseUntil = r.now().Add(r.lease)
		})
		if errors.Is(err, storage.ErrConflict) {
			lost.Store(true)
			cancel()
			return
		}
	}
}

func release(rec *storage.JobRecord) {
	rec.Owner = ""
	rec.LeaseUntil = time.Time{}
}

// run calls the handler. A panic fails the attempt instead of the worker.
func (r *Runtime) run(ctx context.Context, q *queue, job *Job, log logx.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			log.Error("job panicked", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	return q.handler(ctx, job)
}

// interrupted hands a claimed job back after shutdown stopped it. The store
// copy is what the next Start, or another runtime, picks up.
func (r *Runtime) interrupted(it *item) {
	rec, _ := r.write(it, func(rec *storage.JobRecord) {
		if rec.Attempts > 0 {
			rec.Attempts--
		}
		rec.State = storage.JobWaiting
		rec.UpdatedAt = r.now()
		release(rec)
	})
	r.log.Info("job interrupted by shutdown", logx.String("job_id", rec.ID), logx.String("queue", rec.Queue))
}

func (r *Runtime) progress(it *item, p storage.JobProgress) error {
	rec, err := r.write(it, func(rec *storage.JobRecord) {
		rec.Progress = &p
		rec.UpdatedAt = r.now()
	})
	if err != nil {
		return fmt.Errorf("jobqueue: save progress: %w", err)
	}
	r.publish(eventbus.JobProgress, rec, nil)
	return nil
}

// backoffDelay returns the wait before the attempt after `attempt`. Explicit
// RetryAfter hints win over the policy; both are capped by MaxDelay.
func backoffDelay(cfg QueueConfig, attempt int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		return clampDelay(applyJitter(d, cfg.Jitter, rng), cfg.MaxDelay)
	}

	d := cfg.BaseDelay
	if cfg.Backoff == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= cfg.MaxDelay {
				d = cfg.MaxDelay
				break
			}
		}
	}
	return clampDelay(applyJitter(d, cfg.Jitter, rng), cfg.MaxDelay)
}

func applyJitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 || d <= 0 || rng == nil {
		return d
	}
	f := (rng.Float64()*2 - 1) * j
	d = time.Duration(float64(d) * (1 + f))
	if d < 0 {
		d = 0
	}
	return d
}

func clampDelay(d, maxD time.Duration) time.Duration {
	if maxD > 0 && d > maxD {
		return maxD
	}
	return d
}
