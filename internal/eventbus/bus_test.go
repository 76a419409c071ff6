package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixes(t *testing.T) {
	t.Parallel()
	b := New()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: ConnectionChanged})

	if e := <-jobs; e.Type != JobStarted || e.Time.IsZero() {
		t.Fatalf("jobs got %+v", e)
	}
	select {
	case e := <-jobs:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
	if (<-all).Type != JobStarted || (<-all).Type != ConnectionChanged {
		t.Fatalf("catch-all subscriber missed events")
	}

	unsubJobs()
	unsubJobs()
	if _, ok := <-jobs; ok {
		t.Fatalf("channel open after unsubscribe")
	}
	b.Publish(Event{Type: JobFailed})
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: JobProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
}

func TestNop(t *testing.T) {
	t.Parallel()
	ch, unsub := Nop{}.Subscribe(1)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("nop channel is open")
	}
}
