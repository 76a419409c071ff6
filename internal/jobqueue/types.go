package jobqueue

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"dispatchd/internal/storage"
)

const (
	DefaultQueueSize = 1024
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 10 * time.Minute
	defaultWindow    = time.Minute
)

type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

// QueueConfig describes one named queue. Zero values select defaults.
type QueueConfig struct {
	Name        string
	Concurrency int
	// QueueSize bounds waiting plus delayed jobs.
	QueueSize int

	// RateMax jobs may start per RateWindow. 0 disables the limiter.
	RateMax    int
	RateWindow time.Duration

	Attempts  int
	Backoff   Backoff
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64 // 0.2 = ±20%

	// Timeout bounds one attempt. 0 means no limit.
	Timeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RateMax < 0 {
		c.RateMax = 0
	}
	if c.RateMax > 0 && c.RateWindow <= 0 {
		c.RateWindow = defaultWindow
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Backoff != BackoffFixed {
		c.Backoff = BackoffExponential
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Handler runs one attempt of a job. A nil error completes the job; any other
// error schedules a retry unless it is wrapped with NoRetry or the attempts
// are used up.
type Handler func(ctx context.Context, job *Job) error

// Job is the handler's view of one queued item.
type Job struct {
	ID          string
	Queue       string
	Lane        string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time

	report func(ctx context.Context, p storage.JobProgress) error
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// ReportProgress records current/total on the job so it can be inspected
// before the job finishes.
func (j *Job) ReportProgress(ctx context.Context, current, total int) error {
	if j.report == nil {
		return nil
	}
	return j.report(ctx, Progress(current, total))
}

// Progress builds a progress record. An empty total counts as complete.
func Progress(current, total int) storage.JobProgress {
	pct := 100
	if total > 0 {
		pct = int(math.Round(100 * float64(current) / float64(total)))
	}
	return storage.JobProgress{Current: current, Total: total, Percentage: pct}
}

// Event is the payload of the job.* bus events.
type Event struct {
	ID          string               `json:"id"`
	Queue       string               `json:"queue"`
	Lane        string               `json:"lane,omitempty"`
	Attempt     int                  `json:"attempt"`
	MaxAttempts int                  `json:"max_attempts"`
	Delay       time.Duration        `json:"delay,omitempty"`
	Duration    time.Duration        `json:"duration,omitempty"`
	Progress    *storage.JobProgress `json:"progress,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// QueueSnapshot is a diagnostics view of one queue.
type QueueSnapshot struct {
	Name        string        `json:"name"`
	Concurrency int           `json:"concurrency"`
	Waiting     int           `json:"waiting"`
	Delayed     int           `json:"delayed"`
	Active      int           `json:"active"`
	Completed   uint64        `json:"completed"`
	Failed      uint64        `json:"failed"`
	Retried     uint64        `json:"retried"`
	RateMax     int           `json:"rate_max,omitempty"`
	RateWindow  time.Duration `json:"rate_window,omitempty"`
	Attempts    int           `json:"attempts"`
	Backoff     Backoff       `json:"backoff"`
	BaseDelay   time.Duration `json:"base_delay"`
}

type Snapshot struct {
	Running bool            `json:"running"`
	Queues  []QueueSnapshot `json:"queues"`
	Lanes   int             `json:"busy_lanes"`
}
