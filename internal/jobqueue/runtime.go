// Package jobqueue runs named, durable job queues: a worker pool per queue,
// an optional rate limiter, retries with backoff, progress reporting, and
// persistence through storage.Jobs so unfinished work survives a restart.
//
// The store is the queue of record. A runtime polls it for jobs written by
// any producer, and runs a job only after claiming it there, so several
// processes can share one store without running a job twice. A claim is a
// lease that the running worker keeps extending; when a process dies its
// leases run out and another runtime takes the jobs over.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

const (
	storeWriteTimeout   = 5 * time.Second
	DefaultLease        = 30 * time.Second
	DefaultPollInterval = time.Second
)

type Option func(*Runtime)

func WithStore(s storage.Jobs) Option { return func(r *Runtime) { r.store = s } }
func WithBus(b eventbus.Bus) Option   { return func(r *Runtime) { r.bus = b } }
func WithLogger(l logx.Logger) Option { return func(r *Runtime) { r.log = l } }

// WithLease sets how long a claim stays valid without renewal.
func WithLease(d time.Duration) Option { return func(r *Runtime) { r.lease = d } }

// WithPollInterval sets how often the store is checked for claimable jobs.
func WithPollInterval(d time.Duration) Option { return func(r *Runtime) { r.pollEvery = d } }

// Runtime owns every registered queue. Queues are registered before Start.
type Runtime struct {
	store storage.Jobs
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	// owner identifies this runtime in job claims.
	owner     string
	lease     time.Duration
	pollEvery time.Duration
	producer  *Producer

	mu      sync.Mutex
	queues  map[string]*queue
	sup     *supervisor.Supervisor
	running bool

	lanes laneSet
}

type queue struct {
	name    string
	handler Handler

	mu      sync.Mutex
	cfg     QueueConfig
	limiter *rate.Limiter
	pending []*item
	delayed map[string]*delayedItem
	active  int
	wake    chan struct{}
	// ids holds every job this runtime has pending, delayed or running.
	ids     map[string]struct{}

	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

// item is the in-memory copy of one live job record. The worker that took it
// is its only writer while it runs.
type item struct {
	mu  sync.Mutex
	rec storage.JobRecord
	// wmu orders store writes so an older snapshot never lands last.
	wmu sync.Mutex
}

func (it *item) key() (id, lane string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.rec.ID, it.rec.Lane
}

func (it *item) update(fn func(rec *storage.JobRecord)) storage.JobRecord {
	it.mu.Lock()
	defer it.mu.Unlock()
	if fn != nil {
		fn(&it.rec)
	}
	out := it.rec
	if out.Progress != nil {
		p := *out.Progress
		out.Progress = &p
	}
	return out
}

type delayedItem struct {
	it    *item
	timer *time.Timer
}

func New(opts ...Option) *Runtime {
	r := &Runtime{
		bus:    eventbus.Nop{},
		log:    logx.Nop(),
		now:    time.Now,
		queues: map[string]*queue{},
		owner:  uuid.NewString(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.store == nil {
		r.store = storage.NewMemory()
	}
	if r.lease <= 0 {
		r.lease = DefaultLease
	}
	if r.pollEvery <= 0 {
		r.pollEvery = DefaultPollInterval
	}
	r.log = r.log.With(logx.String("comp", "jobqueue"))
	r.producer = &Producer{store: r.store, log: r.log, now: func() time.Time { return r.now() }}
	return r
}

// Register adds a queue. It fails once the runtime is running.
func (r *Runtime) Register(cfg QueueConfig, h Handler) error {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return errors.New("jobqueue: queue name is required")
	}
	if h == nil {
		return fmt.Errorf("jobqueue: queue %s: handler is nil", name)
	}
	cfg.Name = name
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunning
	}
	if _, ok := r.queues[name]; ok {
		return fmt.Errorf("jobqueue: queue %s already registered", name)
	}
	r.queues[name] = &queue{
		name:    name,
		handler: h,
		cfg:     cfg,
		limiter: newLimiter(cfg),
		delayed: map[string]*delayedItem{},
		ids:     map[string]struct{}{},
		wake:    make(chan struct{}, cfg.Concurrency),
	}
	return nil
}

func newLimiter(cfg QueueConfig) *rate.Limiter {
	if cfg.RateMax <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateMax)), cfg.RateMax)
}

// Apply updates rate and retry policies of registered queues in place.
// Concurrency changes need a restart and are only logged.
func (r *Runtime) Apply(cfgs map[string]QueueConfig) {
	for _, q := range r.queueList() {
		next, ok := cfgs[q.name]
		if !ok {
			continue
		}
		next.Name = q.name
		next = next.withDefaults()

		q.mu.Lock()
		prev := q.cfg
		if next.Concurrency != prev.Concurrency {
			r.log.Warn("queue concurrency change needs a restart",
				logx.String("queue", q.name), logx.Int("current", prev.Concurrency), logx.Int("configured", next.Concurrency))
			next.Concurrency = prev.Concurrency
		}
		switch {
		case next.RateMax <= 0:
			q.limiter = nil
		case q.limiter == nil:
			q.limiter = newLimiter(next)
		case next.RateMax != prev.RateMax || next.RateWindow != prev.RateWindow:
			q.limiter.SetLimit(rate.Every(next.RateWindow / time.Duration(next.RateMax)))
			q.limiter.SetBurst(next.RateMax)
		}
		q.cfg = next
		q.mu.Unlock()
	}
}

// Start loads claimable jobs from the store, starts the workers and keeps
// polling the store for jobs written by producers.
func (r *Runtime) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.running || r.sup != nil {
		r.mu.Unlock()
		return nil
	}
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log),
		// A broken queue must not take the process down.
		supervisor.WithCancelOnError(false),
	)
	r.sup = sup
	r.mu.Unlock()

	// The store is the source of truth; in-memory leftovers of an earlier run
	// are dropped before the first poll reloads them.
	queues := r.queueList()
	r.reset()
	if err := r.poll(ctx, true); err != nil {
		r.reset()
		r.mu.Lock()
		r.sup = nil
		r.mu.Unlock()
		sup.Cancel()
		return fmt.Errorf("jobqueue: load jobs: %w", err)
	}

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	for _, q := range queues {
		q.mu.Lock()
		workers := q.cfg.Concurrency
		q.mu.Unlock()
		for i := 0; i < workers; i++ {
			q, idx := q, i
			sup.GoRestart(fmt.Sprintf("%s.worker.%d", q.name, idx), func(c context.Context) error {
				r.worker(c, q, idx)
				if c.Err() != nil {
					return c.Err()
				}
				return errors.New("worker exited unexpectedly")
			},
				supervisor.WithPublishFirstError(true),
			)
		}
	}
	sup.GoRestart("jobqueue.poll", func(c context.Context) error {
		t := time.NewTicker(r.pollEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
			}
			if err := r.poll(c, false); err != nil && c.Err() == nil {
				r.log.Warn("job poll failed", logx.Err(err))
			}
		}
	})
	r.log.Info("job runtime started", logx.Int("queues", len(queues)), logx.String("owner", r.owner))
	return nil
}

// Stop cancels the workers and waits for them. Jobs interrupted mid-attempt
// go back to waiting in the store; delayed jobs keep their due time.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()

	r.reset()
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		r.log.Warn("job runtime stop timed out", logx.Err(err))
		return err
	}
	r.log.Info("job runtime stopped")
	return nil
}

// Supervisor exposes worker goroutine stats (nil when stopped).
func (r *Runtime) Supervisor() *supervisor.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sup
}

type enqueueOptions struct {
	id    string
	lane  string
	delay time.Duration
}

type EnqueueOption func(*enqueueOptions)

// WithJobID makes Enqueue idempotent: a live job with the same id is not
// added twice.
func WithJobID(id string) EnqueueOption { return func(o *enqueueOptions) { o.id = strings.TrimSpace(id) } }

// WithLane serializes the job with every other job of the same lane, across
// all queues.
func WithLane(lane string) EnqueueOption { return func(o *enqueueOptions) { o.lane = strings.TrimSpace(lane) } }

// WithDelay makes the job eligible only after d.
func WithDelay(d time.Duration) EnqueueOption { return func(o *enqueueOptions) { o.delay = d } }

// Enqueue persists a job and hands it to the queue's workers. payload may be
// a json.RawMessage or any JSON-marshalable value.
func (r *Runtime) Enqueue(ctx context.Context, queueName string, payload any, opts ...EnqueueOption) (string, error) {
	var o enqueueOptions
	for _, fn := range opts {
		fn(&o)
	}
	q := r.queue(queueName)
	if q == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if !r.isRunning() {
		return "", ErrStopped
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if !q.track(o.id) {
		r.log.Debug("enqueue ignored; job already live", logx.String("job_id", o.id))
		return o.id, nil
	}

	q.mu.Lock()
	cfg := q.cfg
	size := len(q.pending) + len(q.delayed)
	q.mu.Unlock()
	if size >= cfg.QueueSize {
		q.untrack(o.id)
		r.log.Warn("job rejected: queue full", logx.String("queue", q.name), logx.Int("queue_size", cfg.QueueSize))
		return "", fmt.Errorf("%w: %s", ErrQueueFull, q.name)
	}

	rec, created, err := r.producer.write(ctx, q.name, payload, cfg.Attempts, o)
	if err != nil || !created {
		// A live job found in the store is left to the poller.
		q.untrack(o.id)
		if err != nil {
			return "", err
		}
		return o.id, nil
	}

	it := &item{rec: rec}
	if o.delay > 0 {
		r.schedule(q, it, o.delay)
	} else {
		r.push(q, it)
	}
	r.publish(eventbus.JobEnqueued, rec, nil)
	r.log.Debug("job enqueued", logx.String("job_id", rec.ID), logx.String("queue", q.name), logx.String("lane", o.lane))
	return rec.ID, nil
}

// Job returns the stored record of a job, including progress.
func (r *Runtime) Job(ctx context.Context, id string) (storage.JobRecord, error) {
	return r.store.GetJob(ctx, id)
}

// Failed lists jobs parked as failed. An empty queue name lists every queue.
func (r *Runtime) Failed(ctx context.Context, queueName string, limit int) ([]storage.JobRecord, error) {
	return r.store.ListJobs(ctx, storage.JobFilter{Queue: queueName, States: []storage.JobState{storage.JobFailed}, Limit: limit})
}

// Queues lists registered queue names.
func (r *Runtime) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.queues))
	for name := range r.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Runtime) Snapshot() Snapshot {
	snap := Snapshot{Running: r.isRunning(), Lanes: r.lanes.len()}
	for _, q := range r.queueList() {
		q.mu.Lock()
		snap.Queues = append(snap.Queues, QueueSnapshot{
			Name:        q.name,
			Concurrency: q.cfg.Concurrency,
			Waiting:     len(q.pending),
			Delayed:     len(q.delayed),
			Active:      q.active,
			Completed:   q.completed.Load(),
			Failed:      q.failed.Load(),
			Retried:     q.retried.Load(),
			RateMax:     q.cfg.RateMax,
			RateWindow:  q.cfg.RateWindow,
			Attempts:    q.cfg.Attempts,
			Backoff:     q.cfg.Backoff,
			BaseDelay:   q.cfg.BaseDelay,
		})
		q.mu.Unlock()
	}
	return snap
}

func (r *Runtime) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runtime) queue(name string) *queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[strings.TrimSpace(name)]
}

func (r *Runtime) queueList() []*queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// poll queues every claimable job of the store this runtime does not hold
// yet. The claim itself happens when a worker takes the job.
func (r *Runtime) poll(ctx context.Context, initial bool) error {
	now := r.now()
	var errs []error
	for _, q := range r.queueList() {
		n, err := r.pollQueue(ctx, q, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", q.name, err))
			continue
		}
		switch {
		case n == 0:
		case initial:
			r.log.Info("jobs recovered", logx.String("queue", q.name), logx.Int("count", n))
		default:
			r.log.Debug("jobs picked up", logx.String("queue", q.name), logx.Int("count", n))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) pollQueue(ctx context.Context, q *queue, now time.Time) (int, error) {
	q.mu.Lock()
	room := q.cfg.QueueSize - len(q.pending) - len(q.delayed)
	held := len(q.ids)
	q.mu.Unlock()
	if room <= 0 {
		return 0, nil
	}
	recs, err := r.store.ListJobs(ctx, storage.JobFilter{Queue: q.name, ClaimableAt: now, Limit: room + held})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if n >= room {
			break
		}
		if !q.track(rec.ID) {
			continue
		}
		r.push(q, &item{rec: rec})
		n++
	}
	return n, nil
}

// track marks id as held by this runtime. It reports false when it already is.
func (q *queue) track(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ids[id]; ok {
		return false
	}
	q.ids[id] = struct{}{}
	return true
}

func (q *queue) untrack(id string) {
	q.mu.Lock()
	delete(q.ids, id)
	q.mu.Unlock()
}

// reset drops pending jobs and delayed timers of every queue.
func (r *Runtime) reset() {
	for _, q := range r.queueList() {
		q.mu.Lock()
		for _, d := range q.delayed {
			d.timer.Stop()
		}
		q.delayed = map[string]*delayedItem{}
		q.pending = nil
		q.ids = map[string]struct{}{}
		q.mu.Unlock()
	}
}

func (r *Runtime) push(q *queue, it *item) {
	q.mu.Lock()
	q.pending = append(q.pending, it)
	q.mu.Unlock()
	signal(q)
}

func (r *Runtime) schedule(q *queue, it *item, delay time.Duration) {
	d := &delayedItem{it: it}
	q.mu.Lock()
	d.timer = time.AfterFunc(delay, func() { r.promote(q, d) })
	id, _ := it.key()
	q.delayed[id] = d
	q.mu.Unlock()
}

// promote moves a delayed job to the pending list once its timer fires. The
// stored record stays delayed; its due run_at is what makes it claimable.
func (r *Runtime) promote(q *queue, d *delayedItem) {
	id, _ := d.it.key()
	q.mu.Lock()
	if q.delayed[id] != d {
		q.mu.Unlock()
		return
	}
	delete(q.delayed, id)
	q.pending = append(q.pending, d.it)
	q.mu.Unlock()
	signal(q)
}

func signal(q *queue) {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (r *Runtime) wakeAll() {
	for _, q := range r.queueList() {
		signal(q)
	}
}

// write applies fn to the job and stores it while this runtime still holds
// the claim. storage.ErrConflict means the claim is gone.
func (r *Runtime) write(it *item, fn func(rec *storage.JobRecord)) (storage.JobRecord, error) {
	it.wmu.Lock()
	defer it.wmu.Unlock()
	rec := it.update(fn)
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	err := r.store.UpdateJob(ctx, rec, r.owner)
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		r.log.Error("job state write failed", logx.String("job_id", rec.ID), logx.String("state", string(rec.State)), logx.Err(err))
	}
	return rec, err
}

func (r *Runtime) publish(typ string, rec storage.JobRecord, err error) {
	ev := Event{
		ID:          rec.ID,
		Queue:       rec.Queue,
		Lane:        rec.Lane,
		Attempt:     rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		Progress:    rec.Progress,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if typ == eventbus.JobRetrying {
		ev.Delay = rec.RunAt.Sub(rec.UpdatedAt)
	}
	if !rec.FinishedAt.IsZero() && !rec.CreatedAt.IsZero() {
		ev.Duration = rec.FinishedAt.Sub(rec.CreatedAt)
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: ev})
}
