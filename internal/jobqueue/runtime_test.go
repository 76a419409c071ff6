package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/storage"
)

func startRuntime(t *testing.T, r *Runtime) {
	t.Helper()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
}

func waitState(t *testing.T, r *Runtime, id string, want storage.JobState) storage.JobRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := r.Job(context.Background(), id)
		if err == nil && rec.State == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s state = %s (err %v), want %s", id, rec.State, err, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	r := New()
	var calls atomic.Int32
	err := r.Register(QueueConfig{Name: "q", Attempts: 3, BaseDelay: 5 * time.Millisecond}, func(ctx context.Context, j *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	startRuntime(t, r)

	id, err := r.Enqueue(context.Background(), "q", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rec := waitState(t, r, id, storage.JobCompleted)
	if rec.Attempts != 3 || rec.LastError != "" {
		t.Fatalf("record = %+v", rec)
	}
	if string(rec.Payload) != `{"k":"v"}` {
		t.Fatalf("payload = %s", rec.Payload)
	}
}

func TestAttemptsExhaustedParksFailed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(32, eventbus.JobFailed)
	defer unsubscribe()

	r := New(WithBus(bus))
	var calls atomic.Int32
	if err := r.Register(QueueConfig{Name: "q", Attempts: 2, BaseDelay: time.Millisecond}, func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("provider down")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	startRuntime(t, r)

	id, _ := r.Enqueue(context.Background(), "q", json.RawMessage(`{}`))
	rec := waitState(t, r, id, storage.JobFailed)
	if rec.Attempts != 2 || rec.LastError != "provider down" || calls.Load() != 2 {
		t.Fatalf("record = %+v calls = %d", rec, calls.Load())
	}
	failed, err := r.Failed(context.Background(), "q", 0)
	if err != nil || len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("Failed = %+v, %v", failed, err)
	}
	select {
	case ev := <-events:
		data := ev.Data.(Event)
		if data.ID != id || data.Error != "provider down" {
			t.Fatalf("event = %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no job.failed event")
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	r := New()
	var calls atomic.Int32
	missing := errors.New("broadcast missing")
	if err := r.Register(QueueConfig{Name: "q", Attempts: 5}, func(context.Context, *Job) error {
		calls.Add(1)
		return NoRetry(missing)
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	startRuntime(t, r)
	id, _ := r.Enqueue(context.Background(), "q", nil)
	rec := waitState(t, r, id, storage.JobFailed)
	if calls.Load() != 1 || rec.LastError != "broadcast missing" {
		t.Fatalf("calls = %d record = %+v", calls.Load(), rec)
	}
}

func TestPanicIsAFailedAttempt(t *testing.T) {
	t.Parallel()
	r := New()
	if err := r.Register(QueueConfig{Name: "q", Attempts: 1}, func(context.Context, *Job) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	startRuntime(t, r)
	id, _ := r.Enqueue(context.Background(), "q", nil)
	rec := waitState(t, r, id, storage.JobFailed)
	if rec.LastError != "panic: boom" {
		t.Fatalf("last error = %q", rec.LastError)
	}
}

func TestProgressVisibleBeforeCompletion(t *testing.T) {
	t.Parallel()
	r := New()
	release := make(chan struct{})
	if err := r.Register(QueueConfig{Name: "q"}, func(ctx context.Context, j *Job) error {
		if err := j.ReportProgress(ctx, 1, 3); err != nil {
			return err
		}
		<-release
		return j.ReportProgress(ctx, 3, 3)
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	startRuntime(t, r)
	id, _ := r.Enqueue(context.Background(), "q", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, _ := r.Job(context.Background(), id)
		if rec.State == storage.JobActive && rec.Progress != nil {
			if rec.Progress.Current != 1 || rec.Progress.Total != 3 || rec.Progress.Percentage != 33 {
				t.Fatalf("progress = %+v", rec.Progress)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress never visible: %+v", rec)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	rec := waitState(t, r, id, storage.JobCompleted)
	if rec.Progress == nil || rec.Progress.Percentage != 100 {
		t.Fatalf("final progress = %+v", rec.Progress)
	}
}

func TestConcurrencyOneRunsSerially(t *testing.T) {
	t.Parallel()
	r := New()
	var running, peak atomic.Int32
	var done sync.WaitGroup
	if err := r.Register(QueueConfig{Name: "mass"}, func(context.Context, *Job) error {
		defer done.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	startRuntime(t, r)
	done.Add(5)
	for i := 0; i < 5; i++ {
		if _, err := r.Enqueue(context.Background(), "mass", i); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	done.Wait()
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestLaneSerializesAcrossQueues(t *testing.T) {
	t.Parallel()
	r := New()
	var inLane, overlap atomic.Int32
	var done sync.WaitGroup
	h := func(context.Context, *Job) error {
		defer done.Done()
		if inLane.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(10 * time.Millisecond)
		inLane.Add(-1)
		return nil
	}
	for _, name := range []string{"a", "b"} {
		if err := r.Register(QueueConfig{Name: name, Concurrency: 2}, h); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	startRuntime(t, r)
	done.Add(4)
	for _, name := range []string{"a", "b", "a", "b"} {
		if _, err := r.Enqueue(context.Background(), name, nil, WithLane("conn-1")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	done.Wait()
	if overlap.Load() != 0 {
		t.Fatalf("jobs on one lane overlapped %d times", overlap.Load())
	}
}

func TestEnqueueErrors(t *testing.T) {
	t.Parallel()
	r := New()
	block := make(chan struct{})
	defer close(block)
	if err := r.Register(QueueConfig{Name: "q", QueueSize: 1}, func(ctx context.Context, _ *Job) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Enqueue(context.Background(), "q", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start err = %v", err)
	}
	startRuntime(t, r)
	if err := r.Register(QueueConfig{Name: "late"}, func(context.Context, *Job) error { return nil }); !errors.Is(err, ErrRunning) {
		t.Fatalf("late register err = %v", err)
	}
	if _, err := r.Enqueue(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("unknown queue err = %v", err)
	}

	first, _ := r.Enqueue(context.Background(), "q", nil)
	waitState(t, r, first, storage.JobActive)
	if _, err := r.Enqueue(context.Background(), "q", nil); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if _, err := r.Enqueue(context.Background(), "q", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third enqueue err = %v, want ErrQueueFull", err)
	}
}

func TestEnqueueWithJobIDIsIdempotent(t *testing.T) {
	t.Parallel()
	r := New()
	block := make(chan struct{})
	var calls atomic.Int32
	if err := r.Register(QueueConfig{Name: "q"}, func(ctx context.Context, _ *Job) error {
		calls.Add(1)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	startRuntime(t, r)
	for i := 0; i < 3; i++ {
		id, err := r.Enqueue(context.Background(), "q", nil, WithJobID("broadcast:b1"))
		if err != nil || id != "broadcast:b1" {
			t.Fatalf("Enqueue = %q, %v", id, err)
		}
	}
	close(block)
	waitState(t, r, "broadcast:b1", storage.JobCompleted)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRecoverOnStart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	now := time.Now()
	seed := []storage.JobRecord{
		{ID: "waiting", Queue: "q", State: storage.JobWaiting, MaxAttempts: 3, CreatedAt: now},
		{ID: "crashed", Queue: "q", State: storage.JobActive, Attempts: 1, MaxAttempts: 3, CreatedAt: now.Add(time.Millisecond)},
		{ID: "last-try", Queue: "q", State: storage.JobActive, Attempts: 3, MaxAttempts: 3, CreatedAt: now.Add(2 * time.Millisecond)},
		{ID: "done", Queue: "q", State: storage.JobCompleted, MaxAttempts: 3, CreatedAt: now},
	}
	for _, rec := range seed {
		rec.Payload = json.RawMessage(`{}`)
		if err := store.SaveJob(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	r := New(WithStore(store))
	var mu sync.Mutex
	ran := map[string]int{}
	if err := r.Register(QueueConfig{Name: "q"}, func(_ context.Context, j *Job) error {
		mu.Lock()
		ran[j.ID] = j.Attempt
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	startRuntime(t, r)

	waitState(t, r, "waiting", storage.JobCompleted)
	waitState(t, r, "crashed", storage.JobCompleted)
	rec := waitState(t, r, "last-try", storage.JobFailed)
	if rec.LastError == "" {
		t.Fatalf("last-try record = %+v", rec)
	}
	mu.Lock()
	defer mu.Unlock()
	if ran["crashed"] != 2 {
		t.Fatalf("crashed attempt = %d, want 2", ran["crashed"])
	}
	if _, ok := ran["done"]; ok {
		t.Fatalf("completed job re-ran")
	}
}

func TestStopReturnsInterruptedJobToWaiting(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	r := New(WithStore(store))
	started := make(chan struct{})
	if err := r.Register(QueueConfig{Name: "q"}, func(ctx context.Context, _ *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id, _ := r.Enqueue(context.Background(), "q", nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rec, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec.State != storage.JobWaiting || rec.Attempts != 0 {
		t.Fatalf("record after stop = %+v", rec)
	}
}

func TestRateLimiterHoldsBackJobs(t *testing.T) {
	t.Parallel()
	r := New()
	var calls atomic.Int32
	if err := r.Register(QueueConfig{Name: "q", RateMax: 1, RateWindow: time.Hour}, func(context.Context, *Job) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	startRuntime(t, r)
	first, _ := r.Enqueue(context.Background(), "q", nil)
	second, _ := r.Enqueue(context.Background(), "q", nil)
	waitState(t, r, first, storage.JobCompleted)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 within the window", calls.Load())
	}
	if rec, _ := r.Job(context.Background(), second); rec.State != storage.JobWaiting {
		t.Fatalf("second job state = %s", rec.State)
	}
}

func TestApplyUpdatesPolicy(t *testing.T) {
	t.Parallel()
	r := New()
	if err := r.Register(QueueConfig{Name: "q", RateMax: 10}, func(context.Context, *Job) error { return nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Apply(map[string]QueueConfig{"q": {Concurrency: 4, Attempts: 7, RateMax: 0}})
	snap := r.Snapshot()
	if len(snap.Queues) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	q := snap.Queues[0]
	if q.Concurrency != 1 || q.Attempts != 7 || q.RateMax != 0 {
		t.Fatalf("queue snapshot = %+v", q)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	cfg := QueueConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second}.withDefaults()
	cases := []struct {
		name    string
		cfg     QueueConfig
		attempt int
		err     error
		want    time.Duration
	}{
		{"first retry", cfg, 1, errors.New("x"), time.Second},
		{"doubles", cfg, 3, errors.New("x"), 4 * time.Second},
		{"capped", cfg, 6, errors.New("x"), 5 * time.Second},
		{"fixed", QueueConfig{Backoff: BackoffFixed, BaseDelay: 2 * time.Second}.withDefaults(), 4, errors.New("x"), 2 * time.Second},
		{"hint", cfg, 1, RetryAfter(errors.New("429"), 3*time.Second), 3 * time.Second},
		{"hint capped", cfg, 1, RetryAfter(errors.New("429"), time.Hour), 5 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := backoffDelay(tc.cfg, tc.attempt, tc.err, nil); got != tc.want {
				t.Fatalf("delay = %s, want %s", got, tc.want)
			}
		})
	}

	jittered := QueueConfig{BaseDelay: time.Second, Jitter: 0.2}.withDefaults()
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := backoffDelay(jittered, 1, errors.New("x"), rng)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %s outside ±20%%", d)
		}
	}
}

func TestProgressRounding(t *testing.T) {
	t.Parallel()
	cases := []struct {
		current, total, want int
	}{
		{0, 0, 100},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
	}
	for _, tc := range cases {
		if got := Progress(tc.current, tc.total).Percentage; got != tc.want {
			t.Fatalf("Progress(%d, %d) = %d, want %d", tc.current, tc.total, got, tc.want)
		}
	}
}
