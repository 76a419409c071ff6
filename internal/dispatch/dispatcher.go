// Package dispatch runs the per-recipient delivery loop behind broadcast,
// mass-send and campaign jobs.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/channel"
	"dispatchd/internal/domain"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

var (
	ErrSessionLost    = errors.New("dispatch: session lost")
	ErrInvalidAddress = errors.New("dispatch: invalid recipient address")
)

// Sender is the part of the channel registry the loop talks to.
type Sender interface {
	IsConnected(connectionID string) bool
	Send(ctx context.Context, connectionID, to string, content domain.Content) (string, error)
}

// Store is the persistence the dispatcher writes to.
type Store interface {
	storage.Broadcasts
	storage.MessageLog
	storage.Campaigns
}

type Option func(*Dispatcher)

func WithLogger(l logx.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option { return func(d *Dispatcher) { d.rand = fn } }

// WithSleep replaces the pacing sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

type Dispatcher struct {
	store  Store
	sender Sender
	log    logx.Logger
	rand   func() float64
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

func New(store Store, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		sender: sender,
		log:    logx.Nop(),
		rand:   rand.Float64,
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	return d
}

// Run is one delivery pass over an ordered recipient list.
type Run struct {
	BroadcastID  string
	CampaignID   string
	ConnectionID string
	Channel      domain.Channel
	Recipients   []domain.Recipient
	// Messages rotate across recipients: recipient i gets Messages[i%len].
	Messages []domain.MessageTemplate
	PaceMs   int
	Jitter   float64
}

func (r Run) message(i int) domain.MessageTemplate {
	if len(r.Messages) == 0 {
		return domain.MessageTemplate{}
	}
	return r.Messages[i%len(r.Messages)]
}

// Checkpoint persists stats after each recipient.
type Checkpoint func(ctx context.Context, stats domain.DispatchStats) error

type Outcome struct {
	Stats       domain.DispatchStats
	SessionLost bool
}

// Deliver sends to the recipients stats has not counted yet, in order.
// Recipient failures are counted and skipped; a lost session counts the
// current recipient as failed and ends the pass. An error is returned only
// when ctx ends or a checkpoint cannot be written; the stats in the returned
// outcome are the last checkpointed ones.
func (d *Dispatcher) Deliver(ctx context.Context, run Run, stats domain.DispatchStats, checkpoint Checkpoint) (Outcome, error) {
	total := len(run.Recipients)
	stats.Total = total
	if stats.Processed() > total {
		stats.Sent = min(stats.Sent, total)
		stats.Failed = total - stats.Sent
	}
	stats = settle(stats, stats.ProgressPct)
	start := stats.Processed()

	log := d.log.With(
		logx.String("connection_id", run.ConnectionID),
		logx.String("channel", string(run.Channel)),
	)
	if run.BroadcastID != "" {
		log = log.With(logx.String("broadcast_id", run.BroadcastID))
	}
	if run.CampaignID != "" {
		log = log.With(logx.String("campaign_id", run.CampaignID))
	}
	if start > 0 && start < total {
		log.Info("dispatch resumed", logx.Int("from", start), logx.Int("total", total))
	}

	for i := start; i < total; i++ {
		rcpt := run.Recipients[i]

		var (
			to    string
			msgID string
			err   error
		)
		if !d.sender.IsConnected(run.ConnectionID) {
			err = ErrSessionLost
		} else if to = NormalizeAddress(run.Channel, rcpt.Address); to == "" {
			err = ErrInvalidAddress
		} else {
			var content domain.Content
			content, err = BuildContent(run.Channel, run.message(i), rcpt)
			if err == nil {
				msgID, err = d.sender.Send(ctx, run.ConnectionID, to, content)
			}
		}
		if err != nil && ctx.Err() != nil {
			// Cut short by shutdown: this recipient is retried on resume.
			return Outcome{Stats: stats}, ctx.Err()
		}

		lost := errors.Is(err, ErrSessionLost) || channel.SessionLost(err)
		next := stats
		if err == nil {
			next.Sent++
			log.Debug("message sent", logx.String("to", to), logx.String("message_id", msgID))
		} else {
			next.Failed++
			log.Warn("message send failed", logx.String("to", rcpt.Address), logx.Int("index", i), logx.Err(err))
		}
		next = settle(next, stats.ProgressPct)
		d.record(ctx, run, rcpt, to, msgID, err)
		if cerr := checkpoint(ctx, next); cerr != nil {
			return Outcome{Stats: stats}, cerr
		}
		stats = next

		if lost {
			log.Warn("session lost; dispatch stopped",
				logx.Int("sent", stats.Sent), logx.Int("failed", stats.Failed), logx.Int("total", total))
			return Outcome{Stats: stats, SessionLost: true}, nil
		}
		if i < total-1 {
			if err := d.sleep(ctx, d.paceDelay(run.PaceMs, run.Jitter)); err != nil {
				return Outcome{Stats: stats}, err
			}
		}
	}
	return Outcome{Stats: stats}, nil
}

// settle recomputes the derived counters. Queued is the number of recipients
// the run was handed. Progress never moves backwards within a run.
func settle(s domain.DispatchStats, floor int) domain.DispatchStats {
	s.Queued = s.Total
	s.ProgressPct = max(s.Progress(), floor)
	return s
}

// paceDelay is paceMs*(1+random*jitter).
func (d *Dispatcher) paceDelay(paceMs int, jitter float64) time.Duration {
	if paceMs <= 0 {
		return 0
	}
	jitter = min(max(jitter, 0), 1)
	ms := float64(paceMs) * (1 + d.rand()*jitter)
	return time.Duration(ms * float64(time.Millisecond))
}

func (d *Dispatcher) record(ctx context.Context, run Run, rcpt domain.Recipient, to, msgID string, sendErr error) {
	e := domain.MessageLogEntry{
		ID:                uuid.NewString(),
		BroadcastID:       run.BroadcastID,
		CampaignID:        run.CampaignID,
		ContactID:         rcpt.ContactID,
		Recipient:         to,
		Channel:           run.Channel,
		Status:            domain.DeliverySent,
		ProviderMessageID: msgID,
		SentAt:            d.now(),
	}
	if e.Recipient == "" {
		e.Recipient = rcpt.Address
	}
	if sendErr != nil {
		e.Status = domain.DeliveryFailed
		e.Error = sendErr.Error()
	}
	// The message already left; a lost audit row must not cause a re-send.
	if err := d.store.AppendMessageLog(ctx, e); err != nil {
		d.log.Error("message log write failed", logx.String("recipient", e.Recipient), logx.Err(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
