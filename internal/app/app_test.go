package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dispatchd/internal/commandbus"
	"dispatchd/internal/config"
	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

func ptr[T any](v T) *T { return &v }

func TestQueueDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapQueues(&config.Config{})
	if err != nil {
		t.Fatalf("mapQueues: %v", err)
	}
	cases := []struct {
		queue       string
		concurrency int
		rateMax     int
		baseDelay   time.Duration
	}{
		{domain.QueueBroadcast, 1, 30, 5 * time.Second},
		{"mass:whatsapp", 1, 30, 5 * time.Second},
		{"mass:facebook", 1, 20, 5 * time.Second},
		{"mass:instagram", 1, 20, 5 * time.Second},
		{"mass:telegram", 1, 30, 5 * time.Second},
		{domain.QueueCampaign, 1, 0, 10 * time.Second},
		{domain.QueueFlow, 10, 0, 2 * time.Second},
	}
	if len(got) != len(cases) {
		t.Fatalf("queues = %d, want %d", len(got), len(cases))
	}
	for _, tc := range cases {
		q, ok := got[tc.queue]
		if !ok {
			t.Fatalf("queue %s missing", tc.queue)
		}
		if q.Name != tc.queue || q.Concurrency != tc.concurrency || q.RateMax != tc.rateMax || q.Attempts != 3 || q.BaseDelay != tc.baseDelay {
			t.Fatalf("%s = %+v", tc.queue, q)
		}
		if q.RateMax > 0 && q.RateWindow != time.Minute {
			t.Fatalf("%s window = %v", tc.queue, q.RateWindow)
		}
	}
}

func TestQueueOverrides(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Queues: map[string]config.QueueConfig{
		"mass:facebook": {RateMax: 5, RateWindow: "10s", Backoff: "fixed", Timeout: "2m"},
	}}
	got, err := mapQueues(cfg)
	if err != nil {
		t.Fatalf("mapQueues: %v", err)
	}
	q := got["mass:facebook"]
	if q.RateMax != 5 || q.RateWindow != 10*time.Second || q.Backoff != jobqueue.BackoffFixed || q.Timeout != 2*time.Minute || q.Attempts != 3 {
		t.Fatalf("override = %+v", q)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"unknown queue", config.Config{Queues: map[string]config.QueueConfig{"sms": {}}}, "queues.sms"},
		{"bad backoff", config.Config{Queues: map[string]config.QueueConfig{"flow": {Backoff: "linear"}}}, "backoff"},
		{"bad duration", config.Config{Dispatch: config.DispatchConfig{MetaDelay: "soon"}}, "dispatch.meta_delay"},
		{"jitter range", config.Config{Dispatch: config.DispatchConfig{MetaJitter: ptr(1.5)}}, "dispatch.meta_jitter"},
		{"sqlite path", config.Config{Storage: config.StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"postgres dsn", config.Config{Storage: config.StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"storage driver", config.Config{Storage: config.StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"timezone", config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"log level", config.Config{Logging: config.LoggingConfig{Level: "loud"}}, "logging.level"},
		{"job poll", config.Config{Jobs: config.JobsConfig{PollInterval: "often"}}, "jobs.poll_interval"},
		{"job lease", config.Config{Jobs: config.JobsConfig{Lease: "1s"}}, "jobs.lease"},
		{"whatsapp default", config.Config{Channels: config.ChannelsConfig{WhatsAppDefault: "sms"}}, "whatsapp_default"},
		{"gateway url", config.Config{Channels: config.ChannelsConfig{WhatsAppDefault: "gateway"}}, "base_url"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validate(&tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
	if err := validate(&config.Config{}); err != nil {
		t.Fatalf("zero config rejected: %v", err)
	}
}

func TestPacingMapping(t *testing.T) {
	t.Parallel()
	p, err := mapPacing(&config.Config{})
	if err != nil || p != commandbus.DefaultPacing() {
		t.Fatalf("defaults = %+v, %v", p, err)
	}
	p, err = mapPacing(&config.Config{Dispatch: config.DispatchConfig{WhatsAppDelay: "2s", MetaJitter: ptr(0.0), TelegramJitter: ptr(0.5)}})
	if err != nil {
		t.Fatalf("mapPacing: %v", err)
	}
	if p.WhatsAppDelay != 2*time.Second || p.MetaJitter != 0 || p.MetaDelay != 3*time.Second || p.TelegramJitter != 0.5 {
		t.Fatalf("pacing = %+v", p)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAppLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dispatch.db")
	path := writeConfig(t, `
logging:
  level: error
storage:
  driver: sqlite
  path: `+dbPath+`
jobs:
  poll_interval: 50ms
scheduler:
  enabled: true
  campaign_interval: 1s
  reminder_interval: 1s
`)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopUnknown)
		}
	}()

	// No session is live for conn-1, so the send ends on session loss.
	body := `{"broadcastId":"b1","connectionId":"conn-1","recipients":["5511999999999"],"message":"hi"}`
	if err := a.Commands().Publish(ctx, commandbus.TopicMass, []byte(body)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, "broadcast to fail", func() bool {
		b, err := a.store.GetBroadcast(ctx, "b1")
		return err == nil && b.Status == domain.BroadcastFailed
	})

	// An API process shares the store and only writes jobs into it.
	api, err := storage.Open(storage.Config{Driver: "sqlite", Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatalf("open api store: %v", err)
	}
	defer api.Close()
	if err := api.CreateBroadcast(ctx, domain.Broadcast{
		ID:           "b2",
		ConnectionID: "conn-2",
		Channel:      domain.ChannelWhatsApp,
		Status:       domain.BroadcastQueued,
		Stats:        domain.DispatchStats{Queued: 1, Total: 1},
	}); err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	producer := jobqueue.NewProducer(api, logx.Nop())
	if _, err := producer.Enqueue(ctx, domain.QueueBroadcast, domain.BroadcastJob{
		BroadcastID:  "b2",
		ConnectionID: "conn-2",
		Contacts:     []domain.Recipient{{Address: "5511777777777"}},
		Message:      domain.MessageTemplate{Text: "hi"},
	}); err != nil {
		t.Fatalf("enqueue broadcast: %v", err)
	}
	flowID, err := producer.Enqueue(ctx, domain.QueueFlow, domain.FlowJob{FlowID: "f1", ContactID: "k1"})
	if err != nil {
		t.Fatalf("enqueue flow: %v", err)
	}
	waitFor(t, "api broadcast to fail", func() bool {
		b, err := api.GetBroadcast(ctx, "b2")
		return err == nil && b.Status == domain.BroadcastFailed && b.Stats.Failed == 1
	})
	// No flow executor is configured, so the job is parked.
	waitFor(t, "flow job to be parked", func() bool {
		j, err := api.GetJob(ctx, flowID)
		return err == nil && j.State == storage.JobFailed
	})

	_, err = a.Scheduler().ScheduleCampaign(ctx, domain.ScheduledCampaign{
		ID:           "c1",
		ConnectionID: "conn-1",
		Contacts:     []domain.Recipient{{Address: "5511888888888"}},
		Messages:     []domain.MessageTemplate{{Text: "hello {name}"}},
		ScheduledAt:  time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	waitFor(t, "campaign to finish", func() bool {
		c, err := a.store.GetCampaign(ctx, "c1")
		return err == nil && c.Status == domain.CampaignFailed
	})

	snap, ok := a.runtimeSnapshot().(RuntimeSnapshot)
	if !ok || len(snap.Backends) != 5 || !snap.Queues.Running {
		t.Fatalf("runtime snapshot = %+v", snap)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped = true
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
