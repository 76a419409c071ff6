package jobqueue

import (
	"strings"
	"sync"
)

// laneSet serializes jobs that share a lane key (a connection id) across every
// queue of the runtime. A job without a lane never waits.
type laneSet struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func (l *laneSet) tryAcquire(lane string) bool {
	lane = strings.TrimSpace(lane)
	if lane == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy == nil {
		l.busy = make(map[string]struct{})
	}
	if _, ok := l.busy[lane]; ok {
		return false
	}
	l.busy[lane] = struct{}{}
	return true
}

func (l *laneSet) release(lane string) {
	lane = strings.TrimSpace(lane)
	if lane == "" {
		return
	}
	l.mu.Lock()
	delete(l.busy, lane)
	l.mu.Unlock()
}

func (l *laneSet) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.busy)
}
