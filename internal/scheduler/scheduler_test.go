package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/storage"
)

type enqueued struct {
	queue   string
	payload json.RawMessage
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, queue string, payload any, _ ...jobqueue.EnqueueOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	raw, _ := json.Marshal(payload)
	f.jobs = append(f.jobs, enqueued{queue: queue, payload: raw})
	return "id", nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type countingReminders struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingReminders) SendReminder(_ context.Context, a domain.Appointment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, a.ID)
	return nil
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *storage.Memory, *fakeQueue, *countingReminders) {
	t.Helper()
	store := storage.NewMemory()
	q := &fakeQueue{}
	rem := &countingReminders{}
	now := t0
	s := New(Config{}, store, q, WithReminderSender(rem), WithClock(func() time.Time { return now }))
	return s, store, q, rem
}

func campaign(id string, at time.Time) domain.ScheduledCampaign {
	return domain.ScheduledCampaign{
		ID:           id,
		ConnectionID: "conn-1",
		Contacts:     []domain.Recipient{{Address: "5511999999999"}},
		Messages:     []domain.MessageTemplate{{Text: "hello"}},
		ScheduledAt:  at,
	}
}

func dueCount(t *testing.T, store *storage.Memory, kind domain.DueKind) int {
	t.Helper()
	items, err := store.DueBefore(context.Background(), kind, t0.Add(24*time.Hour), 0)
	if err != nil {
		t.Fatalf("DueBefore: %v", err)
	}
	return len(items)
}

func TestDueCampaignIsPromotedOnce(t *testing.T) {
	t.Parallel()
	s, store, q, _ := newService(t)
	ctx := context.Background()
	if _, err := s.ScheduleCampaign(ctx, campaign("c1", t0.Add(-time.Minute))); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if _, err := s.ScheduleCampaign(ctx, campaign("later", t0.Add(time.Hour))); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}

	n, err := s.PollCampaigns(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PollCampaigns = %d, %v", n, err)
	}
	if n, _ := s.PollCampaigns(ctx); n != 0 {
		t.Fatalf("second poll claimed %d", n)
	}
	if q.count() != 1 || q.jobs[0].queue != domain.QueueCampaign || string(q.jobs[0].payload) != `{"campaignId":"c1"}` {
		t.Fatalf("enqueued = %+v", q.jobs)
	}
	if got := dueCount(t, store, domain.DueCampaign); got != 1 {
		t.Fatalf("due entries = %d, want only the future one", got)
	}
	c, _ := store.GetCampaign(ctx, "c1")
	if c.Status != domain.CampaignRunning || !c.UpdatedAt.Equal(t0) {
		t.Fatalf("promoted campaign = %s at %v, want running", c.Status, c.UpdatedAt)
	}
	if err := s.PauseCampaign(ctx, "c1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pause promoted err = %v", err)
	}
	if err := s.CancelCampaign(ctx, "c1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel promoted err = %v", err)
	}
	if later, _ := store.GetCampaign(ctx, "later"); later.Status != domain.CampaignScheduled {
		t.Fatalf("future campaign = %s, want scheduled", later.Status)
	}
}

func TestPausedCampaignIsSkippedAndNotReAdded(t *testing.T) {
	t.Parallel()
	s, store, q, _ := newService(t)
	ctx := context.Background()
	if _, err := s.ScheduleCampaign(ctx, campaign("c1", t0.Add(-time.Second))); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if err := s.PauseCampaign(ctx, "c1"); err != nil {
		t.Fatalf("PauseCampaign: %v", err)
	}

	if n, err := s.PollCampaigns(ctx); err != nil || n != 1 {
		t.Fatalf("PollCampaigns = %d, %v", n, err)
	}
	if q.count() != 0 {
		t.Fatalf("paused campaign was enqueued")
	}
	c, _ := store.GetCampaign(ctx, "c1")
	if c.Status != domain.CampaignPaused || c.Stats.Processed() != 0 {
		t.Fatalf("campaign = %s %+v", c.Status, c.Stats)
	}
	if got := dueCount(t, store, domain.DueCampaign); got != 0 {
		t.Fatalf("due entries = %d, want 0", got)
	}
}

func TestMissingCampaignIsSkipped(t *testing.T) {
	t.Parallel()
	s, store, q, _ := newService(t)
	ctx := context.Background()
	_ = store.AddDue(ctx, domain.DueItem{Kind: domain.DueCampaign, RefID: "ghost", DueAt: t0.Add(-time.Second)})
	if n, err := s.PollCampaigns(ctx); err != nil || n != 1 {
		t.Fatalf("PollCampaigns = %d, %v", n, err)
	}
	if q.count() != 0 || dueCount(t, store, domain.DueCampaign) != 0 {
		t.Fatalf("missing campaign was processed or re-added")
	}
}

func TestEnqueueFailurePutsEntryBack(t *testing.T) {
	t.Parallel()
	s, store, q, _ := newService(t)
	ctx := context.Background()
	q.err = jobqueue.ErrQueueFull
	if _, err := s.ScheduleCampaign(ctx, campaign("c1", t0.Add(-time.Second))); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if _, err := s.PollCampaigns(ctx); err != nil {
		t.Fatalf("PollCampaigns: %v", err)
	}
	if got := dueCount(t, store, domain.DueCampaign); got != 1 {
		t.Fatalf("due entries = %d, want the entry back", got)
	}
	c, _ := store.GetCampaign(ctx, "c1")
	if c.Status != domain.CampaignScheduled {
		t.Fatalf("status after failed enqueue = %s, want scheduled", c.Status)
	}
	if err := s.PauseCampaign(ctx, "c1"); err != nil {
		t.Fatalf("PauseCampaign after failed enqueue: %v", err)
	}
}

func TestCampaignTransitions(t *testing.T) {
	t.Parallel()
	s, store, _, _ := newService(t)
	ctx := context.Background()
	if _, err := s.ScheduleCampaign(ctx, campaign("c1", t0.Add(-time.Hour))); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if err := s.ResumeCampaign(ctx, "c1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume scheduled err = %v", err)
	}
	if err := s.PauseCampaign(ctx, "c1"); err != nil {
		t.Fatalf("PauseCampaign: %v", err)
	}
	_ = store.RemoveDue(ctx, domain.DueCampaign, "c1")
	if err := s.ResumeCampaign(ctx, "c1"); err != nil {
		t.Fatalf("ResumeCampaign: %v", err)
	}
	items, _ := store.DueBefore(ctx, domain.DueCampaign, t0, 0)
	if len(items) != 1 || !items[0].DueAt.Equal(t0) {
		t.Fatalf("resumed due entries = %+v, want one at now", items)
	}
	if err := s.CancelCampaign(ctx, "c1"); err != nil {
		t.Fatalf("CancelCampaign: %v", err)
	}
	if dueCount(t, store, domain.DueCampaign) != 0 {
		t.Fatalf("cancelled campaign still indexed")
	}

	running := campaign("c2", t0)
	_ = store.SaveCampaign(ctx, domain.ScheduledCampaign{ID: "c2", Status: domain.CampaignRunning, ConnectionID: running.ConnectionID})
	if err := s.PauseCampaign(ctx, "c2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pause running err = %v", err)
	}
	if _, err := s.ScheduleCampaign(ctx, running); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reschedule running err = %v", err)
	}
	if _, err := s.ScheduleCampaign(ctx, domain.ScheduledCampaign{ID: "c3", ConnectionID: "x"}); err == nil {
		t.Fatalf("campaign without contacts accepted")
	}
}

func TestReminderFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	s, store, _, rem := newService(t)
	ctx := context.Background()
	a := domain.Appointment{ID: "a1", Recipient: "5511999999999", RemindAt: t0.Add(-time.Minute), StartsAt: t0.Add(time.Hour)}
	if err := s.ScheduleAppointment(ctx, a); err != nil {
		t.Fatalf("ScheduleAppointment: %v", err)
	}

	first, err := s.PromoteReminder(ctx, "a1")
	if err != nil || !first {
		t.Fatalf("first promotion = %v, %v", first, err)
	}
	second, err := s.PromoteReminder(ctx, "a1")
	if err != nil || second {
		t.Fatalf("second promotion = %v, %v", second, err)
	}
	if len(rem.calls) != 1 {
		t.Fatalf("reminder side effects = %d, want 1", len(rem.calls))
	}
	got, _ := store.GetAppointment(ctx, "a1")
	if !got.ReminderSent || !got.ReminderSentAt.Equal(t0) {
		t.Fatalf("appointment = %+v", got)
	}
	rows, _ := store.ListMessageLog(ctx, storage.MessageLogFilter{AppointmentID: "a1"})
	if len(rows) != 1 || rows[0].Status != domain.DeliverySimulated {
		t.Fatalf("message log = %+v", rows)
	}
}

func TestPollRemindersClaimsDueEntries(t *testing.T) {
	t.Parallel()
	s, store, _, rem := newService(t)
	ctx := context.Background()
	_ = s.ScheduleAppointment(ctx, domain.Appointment{ID: "due", RemindAt: t0.Add(-time.Second)})
	_ = s.ScheduleAppointment(ctx, domain.Appointment{ID: "future", RemindAt: t0.Add(time.Hour)})
	_ = s.ScheduleAppointment(ctx, domain.Appointment{ID: "sent", RemindAt: t0.Add(-time.Second), ReminderSent: true})

	if n, err := s.PollReminders(ctx); err != nil || n != 1 {
		t.Fatalf("PollReminders = %d, %v", n, err)
	}
	if n, _ := s.PollReminders(ctx); n != 0 {
		t.Fatalf("second poll claimed %d", n)
	}
	if len(rem.calls) != 1 || rem.calls[0] != "due" {
		t.Fatalf("reminders = %v", rem.calls)
	}
	if dueCount(t, store, domain.DueReminder) != 1 {
		t.Fatalf("future reminder was not kept")
	}
}

func TestStartRunsPollers(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	q := &fakeQueue{}
	s := New(Config{CampaignInterval: time.Second, ReminderInterval: time.Hour}, store, q)
	ctx := context.Background()
	if _, err := s.ScheduleCampaign(ctx, campaign("c1", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for q.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("campaign poller never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
