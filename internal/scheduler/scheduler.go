// Package scheduler promotes time-deferred work. Two pollers read the due
// index: due campaigns are handed to the campaign queue, due appointment
// reminders fire once.
//
// Every entry is claimed (removed from the index) before it is processed, so
// a second poller or a second process never handles it twice.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 100
	storeTimeout     = 10 * time.Second
)

type Config struct {
	CampaignInterval time.Duration
	ReminderInterval time.Duration
	BatchSize        int
	Location         *time.Location
}

func (c Config) withDefaults() Config {
	if c.CampaignInterval <= 0 {
		c.CampaignInterval = DefaultInterval
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Enqueuer is the part of the job runtime the campaign poller feeds.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts ...jobqueue.EnqueueOption) (string, error)
}

type Store interface {
	storage.Campaigns
	storage.Appointments
	storage.DueIndex
	storage.MessageLog
}

// ReminderSender performs the reminder side effect.
type ReminderSender interface {
	SendReminder(ctx context.Context, a domain.Appointment) error
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option             { return func(s *Service) { s.log = l } }
func WithReminderSender(rs ReminderSender) Option { return func(s *Service) { s.reminders = rs } }
func WithClock(now func() time.Time) Option       { return func(s *Service) { s.now = now } }

type Service struct {
	store     Store
	queue     Enqueuer
	reminders ReminderSender
	log       logx.Logger
	now       func() time.Time

	// statusMu serializes campaign status read-modify-writes.
	statusMu sync.Mutex

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

func New(cfg Config, store Store, queue Enqueuer, opts ...Option) *Service {
	s := &Service{
		store: store,
		queue: queue,
		log:   logx.Nop(),
		now:   time.Now,
		cfg:   cfg.withDefaults(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	if s.reminders == nil {
		s.reminders = LogReminders{Log: s.log}
	}
	return s
}

// Start runs both pollers until Stop or until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started",
		logx.Duration("campaign_interval", s.cfg.CampaignInterval),
		logx.Duration("reminder_interval", s.cfg.ReminderInterval),
		logx.String("tz", s.cfg.Location.String()))
	return nil
}

func (s *Service) startCronLocked() {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	runCtx := s.runCtx
	c.Schedule(cron.Every(s.cfg.CampaignInterval), cron.FuncJob(func() {
		if _, err := s.PollCampaigns(runCtx); err != nil {
			s.log.Error("campaign poll failed", logx.Err(err))
		}
	}))
	c.Schedule(cron.Every(s.cfg.ReminderInterval), cron.FuncJob(func() {
		if _, err := s.PollReminders(runCtx); err != nil {
			s.log.Error("reminder poll failed", logx.Err(err))
		}
	}))
	c.Start()
	s.c = c
}

// Stop halts the pollers and waits for a poll in progress.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c, s.cancel, s.runCtx = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// Apply swaps intervals and timezone. Running pollers are restarted when
// either changed.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if prev.CampaignInterval == cfg.CampaignInterval &&
		prev.ReminderInterval == cfg.ReminderInterval &&
		prev.Location.String() == cfg.Location.String() {
		return
	}
	s.c.Stop()
	s.startCronLocked()
	s.log.Info("scheduler restarted with new intervals",
		logx.Duration("campaign_interval", cfg.CampaignInterval),
		logx.Duration("reminder_interval", cfg.ReminderInterval))
}

// cronLogger routes cron's own messages into the structured log.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, storeTimeout)
}
