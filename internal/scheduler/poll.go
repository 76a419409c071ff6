package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

// PollCampaigns claims every due campaign and hands it to the campaign
// queue. It returns the number of entries claimed.
func (s *Service) PollCampaigns(ctx context.Context) (int, error) {
	return s.poll(ctx, domain.DueCampaign, s.promoteCampaign)
}

// PollReminders claims every due appointment reminder and fires it.
func (s *Service) PollReminders(ctx context.Context) (int, error) {
	return s.poll(ctx, domain.DueReminder, func(ctx context.Context, item domain.DueItem) {
		if _, err := s.PromoteReminder(ctx, item.RefID); err != nil {
			s.log.Error("reminder promotion failed", logx.String("appointment_id", item.RefID), logx.Err(err))
		}
	})
}

func (s *Service) poll(ctx context.Context, kind domain.DueKind, process func(context.Context, domain.DueItem)) (int, error) {
	s.mu.Lock()
	batch := s.cfg.BatchSize
	s.mu.Unlock()

	due, err := s.store.DueBefore(ctx, kind, s.now(), batch)
	if err != nil {
		return 0, fmt.Errorf("scheduler: read due %s entries: %w", kind, err)
	}
	claimed := 0
	for _, item := range due {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		ok, err := s.store.ClaimDue(ctx, item)
		if err != nil {
			return claimed, fmt.Errorf("scheduler: claim %s %s: %w", kind, item.RefID, err)
		}
		if !ok {
			// Another poller won, or the entry moved.
			continue
		}
		claimed++
		process(ctx, item)
	}
	if claimed > 0 {
		s.log.Debug("due entries claimed", logx.String("kind", string(kind)), logx.Int("count", claimed))
	}
	return claimed, nil
}

// promoteCampaign marks a claimed campaign running before it is enqueued, so
// it can no longer be paused or cancelled once a worker may pick it up.
func (s *Service) promoteCampaign(ctx context.Context, item domain.DueItem) {
	log := s.log.With(logx.String("campaign_id", item.RefID))
	c, from, err := s.markRunning(ctx, item.RefID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Warn("due campaign no longer exists; skipped")
		return
	case errors.Is(err, ErrInvalidState):
		log.Info("due campaign not runnable; skipped", logx.String("status", string(c.Status)))
		return
	case err != nil:
		log.Error("claim due campaign failed", logx.Err(err))
		s.requeue(ctx, item)
		return
	}

	_, err = s.queue.Enqueue(ctx, domain.QueueCampaign, domain.CampaignJob{CampaignID: c.ID},
		jobqueue.WithJobID("campaign:"+c.ID),
		jobqueue.WithLane(c.ConnectionID),
	)
	if err != nil {
		log.Error("enqueue campaign failed", logx.Err(err))
		s.requeueCampaign(ctx, item, from)
		return
	}
	log.Info("campaign promoted", logx.String("connection_id", c.ConnectionID), logx.Int("contacts", len(c.Contacts)))
}

// markRunning moves a scheduled campaign to running and returns the status it
// had. A campaign already running keeps its status so a retried promotion
// still reaches the queue.
func (s *Service) markRunning(ctx context.Context, id string) (domain.ScheduledCampaign, domain.CampaignStatus, error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return c, "", err
	}
	from := c.Status
	switch from {
	case domain.CampaignRunning:
		return c, from, nil
	case domain.CampaignScheduled:
	default:
		return c, from, ErrInvalidState
	}
	c.Status = domain.CampaignRunning
	c.UpdatedAt = s.now()
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return c, from, fmt.Errorf("scheduler: save campaign: %w", err)
	}
	return c, from, nil
}

// requeueCampaign undoes a promotion whose enqueue failed: the campaign gets
// back the status it had and its due entry returns.
func (s *Service) requeueCampaign(ctx context.Context, item domain.DueItem, from domain.CampaignStatus) {
	if from != domain.CampaignRunning {
		wctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
		s.statusMu.Lock()
		c, err := s.store.GetCampaign(wctx, item.RefID)
		if err == nil && c.Status == domain.CampaignRunning {
			c.Status = from
			c.UpdatedAt = s.now()
			err = s.store.SaveCampaign(wctx, c)
		}
		s.statusMu.Unlock()
		cancel()
		if err != nil {
			s.log.Error("campaign status not restored", logx.String("campaign_id", item.RefID), logx.Err(err))
		}
	}
	s.requeue(ctx, item)
}

// requeue puts a claimed entry back after an infrastructure failure so the
// next poll tries again.
func (s *Service) requeue(ctx context.Context, item domain.DueItem) {
	wctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.store.AddDue(wctx, item); err != nil {
		s.log.Error("due entry lost", logx.String("kind", string(item.Kind)), logx.String("ref_id", item.RefID), logx.Err(err))
	}
}

// PromoteReminder fires the reminder of one appointment at most once. The
// reminderSent flag is set before the reminder runs; false means it had
// already fired.
func (s *Service) PromoteReminder(ctx context.Context, appointmentID string) (bool, error) {
	a, err := s.store.GetAppointment(ctx, appointmentID)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("due appointment no longer exists; skipped", logx.String("appointment_id", appointmentID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scheduler: load appointment %s: %w", appointmentID, err)
	}
	if a.ReminderSent {
		return false, nil
	}
	now := s.now()
	won, err := s.store.MarkReminderSent(ctx, a.ID, now)
	if err != nil {
		s.requeue(ctx, domain.DueItem{Kind: domain.DueReminder, RefID: a.ID, DueAt: a.RemindAt})
		return false, fmt.Errorf("scheduler: mark reminder %s: %w", a.ID, err)
	}
	if !won {
		return false, nil
	}
	a.ReminderSent = true
	a.ReminderSentAt = now

	entry := domain.MessageLogEntry{
		ID:            uuid.NewString(),
		AppointmentID: a.ID,
		ContactID:     a.ContactID,
		Recipient:     a.Recipient,
		Status:        domain.DeliverySimulated,
		SentAt:        now,
	}
	if err := s.reminders.SendReminder(ctx, a); err != nil {
		entry.Status = domain.DeliveryFailed
		entry.Error = err.Error()
		s.log.Warn("reminder failed", logx.String("appointment_id", a.ID), logx.Err(err))
	}
	wctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.store.AppendMessageLog(wctx, entry); err != nil {
		s.log.Error("message log write failed", logx.String("appointment_id", a.ID), logx.Err(err))
	}
	return true, nil
}

// LogReminders is the default ReminderSender: it only writes a log line.
type LogReminders struct{ Log logx.Logger }

func (l LogReminders) SendReminder(_ context.Context, a domain.Appointment) error {
	l.Log.Info("appointment reminder",
		logx.String("appointment_id", a.ID),
		logx.String("recipient", a.Recipient),
		logx.String("contact", a.ContactName),
		logx.String("title", a.Title),
		logx.Time("starts_at", a.StartsAt))
	return nil
}
