package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/channel"
	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/storage"
)

type sentMsg struct {
	to      string
	content domain.Content
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []sentMsg
	fail      map[string]error
	// dropAfter disconnects the session after that many successful sends.
	dropAfter int
}

func (f *fakeSender) IsConnected(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) Send(_ context.Context, _ string, to string, c domain.Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[to]; ok {
		return "", err
	}
	f.sent = append(f.sent, sentMsg{to: to, content: c})
	if f.dropAfter > 0 && len(f.sent) >= f.dropAfter {
		f.connected = false
	}
	return fmt.Sprintf("wamid.%d", len(f.sent)), nil
}

type harness struct {
	store  *storage.Memory
	sender *fakeSender
	sleeps []time.Duration
	d      *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemory(), sender: &fakeSender{connected: true}}
	h.d = New(h.store, h.sender,
		WithRand(func() float64 { return 0.5 }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		}),
	)
	return h
}

func (h *harness) broadcast(t *testing.T, id string, recipients ...string) *jobqueue.Job {
	t.Helper()
	if err := h.store.CreateBroadcast(context.Background(), domain.Broadcast{
		ID: id, ConnectionID: "conn-1", Channel: domain.ChannelWhatsApp, Status: domain.BroadcastQueued,
	}); err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	contacts := make([]domain.Recipient, 0, len(recipients))
	for _, r := range recipients {
		contacts = append(contacts, domain.Recipient{Address: r, Name: "Ana"})
	}
	raw, err := json.Marshal(domain.BroadcastJob{
		BroadcastID:  id,
		ConnectionID: "conn-1",
		Contacts:     contacts,
		Message:      domain.MessageTemplate{Text: "Hi {name}"},
		DelayMs:      1000,
		Jitter:       0.2,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &jobqueue.Job{ID: "job-" + id, Queue: domain.QueueBroadcast, Payload: raw}
}

func (h *harness) run(t *testing.T, job *jobqueue.Job, id string) domain.Broadcast {
	t.Helper()
	if err := h.d.HandleBroadcast(context.Background(), job); err != nil {
		t.Fatalf("HandleBroadcast: %v", err)
	}
	b, err := h.store.GetBroadcast(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	return b
}

func (h *harness) logRows(t *testing.T, broadcastID string) []domain.MessageLogEntry {
	t.Helper()
	rows, err := h.store.ListMessageLog(context.Background(), storage.MessageLogFilter{BroadcastID: broadcastID})
	if err != nil {
		t.Fatalf("ListMessageLog: %v", err)
	}
	return rows
}

func TestBroadcastAllRecipientsSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	b := h.run(t, h.broadcast(t, "b1", "5511900000001", "5511900000002", "5511900000003"), "b1")

	want := domain.DispatchStats{Queued: 3, Sent: 3, Failed: 0, Total: 3, ProgressPct: 100}
	if b.Status != domain.BroadcastDone || b.Stats != want {
		t.Fatalf("broadcast = %s %+v, want DONE %+v", b.Status, b.Stats, want)
	}
	rows := h.logRows(t, "b1")
	if len(rows) != 3 {
		t.Fatalf("message log rows = %d, want 3", len(rows))
	}
	for _, r := range rows {
		if r.Status != domain.DeliverySent || r.ProviderMessageID == "" {
			t.Fatalf("row = %+v", r)
		}
	}
	if got := h.sender.sent[0].content.Text; got != "Hi Ana" {
		t.Fatalf("rendered text = %q", got)
	}
	if len(h.sleeps) != 2 {
		t.Fatalf("sleeps = %v, want one between each pair", h.sleeps)
	}
}

func TestBroadcastInvalidRecipientsAreSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	b := h.run(t, h.broadcast(t, "b2", "", "5511999999999", "abc"), "b2")
	if b.Status != domain.BroadcastDone || b.Stats.Sent != 1 || b.Stats.Failed != 2 {
		t.Fatalf("broadcast = %s %+v", b.Status, b.Stats)
	}
	if len(h.sender.sent) != 1 || h.sender.sent[0].to != "5511999999999" {
		t.Fatalf("sent = %+v", h.sender.sent)
	}
	rows := h.logRows(t, "b2")
	if len(rows) != 3 {
		t.Fatalf("message log rows = %d, want 3", len(rows))
	}
}

func TestBroadcastFinalStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		recipients []string
		dropAfter  int
		connected  bool
		wantStatus domain.BroadcastStatus
		wantSent   int
		wantFailed int
		wantPct    int
	}{
		{name: "no recipients", connected: true, wantStatus: domain.BroadcastDone, wantPct: 100},
		{name: "all invalid", recipients: []string{"", "abc", "+"}, connected: true, wantStatus: domain.BroadcastFailed, wantFailed: 3, wantPct: 100},
		{name: "lost after partial", recipients: []string{"1", "2", "3", "4"}, dropAfter: 2, connected: true, wantStatus: domain.BroadcastDone, wantSent: 2, wantFailed: 1, wantPct: 75},
		{name: "lost from the start", recipients: []string{"1", "2"}, connected: false, wantStatus: domain.BroadcastFailed, wantFailed: 1, wantPct: 50},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.sender.connected = tc.connected
			h.sender.dropAfter = tc.dropAfter
			b := h.run(t, h.broadcast(t, "b", tc.recipients...), "b")
			if b.Status != tc.wantStatus || b.Stats.Sent != tc.wantSent || b.Stats.Failed != tc.wantFailed {
				t.Fatalf("broadcast = %s %+v", b.Status, b.Stats)
			}
			if b.Stats.ProgressPct != tc.wantPct {
				t.Fatalf("progress = %d, want %d", b.Stats.ProgressPct, tc.wantPct)
			}
			if b.Stats.Sent+b.Stats.Failed > b.Stats.Total {
				t.Fatalf("sent+failed exceeds total: %+v", b.Stats)
			}
		})
	}
}

func TestSendReportingSessionLossStopsTheRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sender.fail = map[string]error{"2": fmt.Errorf("send: %w", channel.ErrNotConnected)}
	b := h.run(t, h.broadcast(t, "b3", "1", "2", "3"), "b3")
	if b.Status != domain.BroadcastDone || b.Stats.Sent != 1 || b.Stats.Failed != 1 {
		t.Fatalf("broadcast = %s %+v", b.Status, b.Stats)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("recipient after session loss was attempted: %+v", h.sender.sent)
	}
}

func TestProviderRejectionIsARecipientFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sender.fail = map[string]error{"2": errors.New("recipient not on whatsapp")}
	b := h.run(t, h.broadcast(t, "b4", "1", "2", "3"), "b4")
	if b.Stats.Sent != 2 || b.Stats.Failed != 1 {
		t.Fatalf("stats = %+v", b.Stats)
	}
	var failed []domain.MessageLogEntry
	for _, r := range h.logRows(t, "b4") {
		if r.Status == domain.DeliveryFailed {
			failed = append(failed, r)
		}
	}
	if len(failed) != 1 || failed[0].Recipient != "2" || failed[0].Error == "" {
		t.Fatalf("failed rows = %+v", failed)
	}
}

func TestMissingBroadcastIsPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	raw, _ := json.Marshal(domain.BroadcastJob{BroadcastID: "ghost", ConnectionID: "conn-1"})
	err := h.d.HandleBroadcast(context.Background(), &jobqueue.Job{ID: "j", Payload: raw})
	if !jobqueue.IsNoRetry(err) || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want permanent not-found", err)
	}
}

func TestRunningBroadcastResumes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job := h.broadcast(t, "b5", "1", "2", "3", "4")
	b, _ := h.store.GetBroadcast(context.Background(), "b5")
	b.Status = domain.BroadcastRunning
	b.Stats = domain.DispatchStats{Queued: 4, Sent: 1, Failed: 1, Total: 4, ProgressPct: 50}
	if err := h.store.UpdateBroadcast(context.Background(), b); err != nil {
		t.Fatalf("UpdateBroadcast: %v", err)
	}

	b = h.run(t, job, "b5")
	if b.Stats.Sent != 3 || b.Stats.Failed != 1 || b.Status != domain.BroadcastDone {
		t.Fatalf("broadcast = %s %+v", b.Status, b.Stats)
	}
	if len(h.sender.sent) != 2 || h.sender.sent[0].to != "3" {
		t.Fatalf("sent = %+v, want only recipients 3 and 4", h.sender.sent)
	}
}

func TestFinishedBroadcastIsNotResent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job := h.broadcast(t, "b6", "1")
	h.run(t, job, "b6")
	h.run(t, job, "b6")
	if len(h.sender.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(h.sender.sent))
	}
}

func TestShutdownLeavesRecipientForResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.d.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	err := h.d.HandleBroadcast(ctx, h.broadcast(t, "b7", "1", "2"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	b, _ := h.store.GetBroadcast(context.Background(), "b7")
	if b.Status != domain.BroadcastRunning || b.Stats.Sent != 1 || b.Stats.Failed != 0 {
		t.Fatalf("broadcast = %s %+v", b.Status, b.Stats)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sender.fail = map[string]error{"2": errors.New("rejected")}
	recipients := []domain.Recipient{{Address: "1"}, {Address: "2"}, {Address: ""}, {Address: "4"}, {Address: "5"}}
	var seen []domain.DispatchStats
	out, err := h.d.Deliver(context.Background(), Run{
		ConnectionID: "conn-1",
		Channel:      domain.ChannelWhatsApp,
		Recipients:   recipients,
		Messages:     []domain.MessageTemplate{{Text: "x"}},
	}, domain.DispatchStats{}, func(_ context.Context, s domain.DispatchStats) error {
		seen = append(seen, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(seen) != len(recipients) {
		t.Fatalf("checkpoints = %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].ProgressPct < seen[i-1].ProgressPct {
			t.Fatalf("progress went backwards: %+v", seen)
		}
		if seen[i].Processed() != i+1 {
			t.Fatalf("checkpoint %d processed = %d", i, seen[i].Processed())
		}
	}
	if out.Stats.Sent != 3 || out.Stats.Failed != 2 {
		t.Fatalf("stats = %+v", out.Stats)
	}
}

func TestPaceDelayStaysInJitterWindow(t *testing.T) {
	t.Parallel()
	for _, r := range []float64{0, 0.25, 0.5, 0.999999} {
		d := New(storage.NewMemory(), &fakeSender{}, WithRand(func() float64 { return r }))
		got := d.paceDelay(1000, 0.2)
		if got < time.Second || got >= 1200*time.Millisecond {
			t.Fatalf("rand %v: delay %s outside [1000ms, 1200ms)", r, got)
		}
	}
	d := New(storage.NewMemory(), &fakeSender{})
	if got := d.paceDelay(0, 0.5); got != 0 {
		t.Fatalf("zero pace = %s", got)
	}
}

func TestCampaignRotatesMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	c := domain.ScheduledCampaign{
		ID:           "c1",
		ConnectionID: "conn-1",
		Contacts:     []domain.Recipient{{Address: "1"}, {Address: "2"}, {Address: "3"}},
		Messages:     []domain.MessageTemplate{{Text: "A"}, {Text: "B"}},
		Status:       domain.CampaignScheduled,
	}
	if err := h.store.SaveCampaign(ctx, c); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}
	raw, _ := json.Marshal(domain.CampaignJob{CampaignID: "c1"})
	if err := h.d.HandleCampaign(ctx, &jobqueue.Job{ID: "campaign:c1", Payload: raw}); err != nil {
		t.Fatalf("HandleCampaign: %v", err)
	}
	var texts []string
	for _, s := range h.sender.sent {
		texts = append(texts, s.content.Text)
	}
	if strings.Join(texts, "") != "ABA" {
		t.Fatalf("texts = %v", texts)
	}
	got, _ := h.store.GetCampaign(ctx, "c1")
	if got.Status != domain.CampaignCompleted || got.Stats.Sent != 3 {
		t.Fatalf("campaign = %s %+v", got.Status, got.Stats)
	}
	rows, _ := h.store.ListMessageLog(ctx, storage.MessageLogFilter{CampaignID: "c1"})
	if len(rows) != 3 {
		t.Fatalf("message log rows = %d", len(rows))
	}
}

func TestCampaignStatusRules(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status domain.CampaignStatus
		fail   bool
		want   domain.CampaignStatus
		sends  int
	}{
		{"paused is skipped", domain.CampaignPaused, false, domain.CampaignPaused, 0},
		{"cancelled is skipped", domain.CampaignCancelled, false, domain.CampaignCancelled, 0},
		{"every contact failed", domain.CampaignScheduled, true, domain.CampaignFailed, 0},
		{"scheduled completes", domain.CampaignScheduled, false, domain.CampaignCompleted, 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			if tc.fail {
				h.sender.fail = map[string]error{"1": errors.New("no"), "2": errors.New("no")}
			}
			ctx := context.Background()
			_ = h.store.SaveCampaign(ctx, domain.ScheduledCampaign{
				ID: "c", ConnectionID: "conn-1", Status: tc.status,
				Contacts: []domain.Recipient{{Address: "1"}, {Address: "2"}},
				Messages: []domain.MessageTemplate{{Text: "hello"}},
			})
			raw, _ := json.Marshal(domain.CampaignJob{CampaignID: "c"})
			if err := h.d.HandleCampaign(ctx, &jobqueue.Job{ID: "j", Payload: raw}); err != nil {
				t.Fatalf("HandleCampaign: %v", err)
			}
			got, _ := h.store.GetCampaign(ctx, "c")
			if got.Status != tc.want || len(h.sender.sent) != tc.sends {
				t.Fatalf("status = %s sends = %d", got.Status, len(h.sender.sent))
			}
		})
	}
}

func TestFlowHandler(t *testing.T) {
	t.Parallel()
	raw, _ := json.Marshal(domain.FlowJob{FlowID: "f1", ContactID: "c1", Variables: map[string]any{"step": 2.0}})
	job := &jobqueue.Job{ID: "j", Payload: raw}

	err := FlowHandler(nil, testLogger())(context.Background(), job)
	if !jobqueue.IsNoRetry(err) || !errors.Is(err, ErrNoFlowExecutor) {
		t.Fatalf("err = %v", err)
	}

	var got domain.FlowJob
	exec := FlowExecutorFunc(func(_ context.Context, fj domain.FlowJob) error {
		got = fj
		return nil
	})
	if err := FlowHandler(exec, testLogger())(context.Background(), job); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got.FlowID != "f1" || got.Variables["step"] != 2.0 {
		t.Fatalf("flow job = %+v", got)
	}

	bad := &jobqueue.Job{ID: "j2", Payload: json.RawMessage(`{"flowId":"f1"}`)}
	if err := FlowHandler(exec, testLogger())(context.Background(), bad); !jobqueue.IsNoRetry(err) {
		t.Fatalf("missing contact err = %v", err)
	}
}
