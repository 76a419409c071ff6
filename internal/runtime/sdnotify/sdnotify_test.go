package sdnotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "dispatchd/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newNotifier(rec *recorder, interval time.Duration, err error) *Notifier {
	n := New(logx.Nop())
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return interval, err }
	return n
}

func TestReadyAndStopping(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := newNotifier(rec, 0, nil)
	n.Ready()
	n.Stopping()
	if len(rec.states) != 2 || rec.states[0] != "READY=1" || rec.states[1] != "STOPPING=1" {
		t.Fatalf("states = %v", rec.states)
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Parallel()
	for _, err := range []error{nil, errors.New("bad WATCHDOG_USEC")} {
		rec := &recorder{}
		n := newNotifier(rec, 0, err)
		done := make(chan struct{})
		go func() {
			_ = n.Watchdog(context.Background())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Watchdog blocked with watchdog disabled (err=%v)", err)
		}
	}
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := newNotifier(rec, 40*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Watchdog(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count("WATCHDOG=1") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pings = %d", rec.count("WATCHDOG=1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
