package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

// Producer writes jobs into the store without running them. A Runtime that
// shares the store picks them up on its next poll, so an API process can
// enqueue work for a worker process it never talks to directly.
type Producer struct {
	store storage.Jobs
	log   logx.Logger
	now   func() time.Time
}

func NewProducer(store storage.Jobs, log logx.Logger) *Producer {
	return &Producer{store: store, log: log.With(logx.String("comp", "jobqueue.producer")), now: time.Now}
}

// Enqueue stores a waiting (or, with WithDelay, delayed) job on queueName.
// The attempt limit is left to the runtime's queue policy. WithJobID makes the
// call idempotent while the job is live.
func (p *Producer) Enqueue(ctx context.Context, queueName string, payload any, opts ...EnqueueOption) (string, error) {
	name := strings.TrimSpace(queueName)
	if name == "" {
		return "", errors.New("jobqueue: queue name is required")
	}
	o := enqueueOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	rec, created, err := p.write(ctx, name, payload, 0, o)
	if err != nil {
		return "", err
	}
	if created {
		p.log.Debug("job submitted", logx.String("job_id", rec.ID), logx.String("queue", name))
	}
	return rec.ID, nil
}

// write persists a new job. It returns created=false, and the stored record,
// when a live job with the same id already exists.
func (p *Producer) write(ctx context.Context, queueName string, payload any, attempts int, o enqueueOptions) (storage.JobRecord, bool, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return storage.JobRecord{}, false, err
	}

	prev, err := p.store.GetJob(ctx, o.id)
	switch {
	case err == nil && prev.State.Recoverable():
		p.log.Debug("enqueue ignored; job already live", logx.String("job_id", o.id), logx.String("state", string(prev.State)))
		return prev, false, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return storage.JobRecord{}, false, fmt.Errorf("jobqueue: look up job %s: %w", o.id, err)
	}

	now := p.now()
	rec := storage.JobRecord{
		ID:          o.id,
		Queue:       queueName,
		Lane:        o.lane,
		Payload:     raw,
		State:       storage.JobWaiting,
		MaxAttempts: attempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.delay > 0 {
		rec.State = storage.JobDelayed
		rec.RunAt = now.Add(o.delay)
	}
	if err := p.store.SaveJob(ctx, rec); err != nil {
		return storage.JobRecord{}, false, fmt.Errorf("jobqueue: persist job: %w", err)
	}
	return rec, true, nil
}

// encodePayload accepts a json.RawMessage, raw bytes or any JSON-marshalable
// value.
func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: encode payload: %w", err)
	}
	return b, nil
}
