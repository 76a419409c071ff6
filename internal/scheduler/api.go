package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/domain"
	logx "dispatchd/pkg/logx"
)

// ErrInvalidState rejects a campaign operation the current status does not
// allow.
var ErrInvalidState = errors.New("scheduler: invalid campaign state")

// ScheduleCampaign stores c as scheduled and indexes it at c.ScheduledAt.
// A zero ScheduledAt means now.
func (s *Service) ScheduleCampaign(ctx context.Context, c domain.ScheduledCampaign) (domain.ScheduledCampaign, error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return c, errors.New("scheduler: campaign id is required")
	}
	if c.ConnectionID == "" {
		return c, errors.New("scheduler: campaign connectionId is required")
	}
	if len(c.Contacts) == 0 || len(c.Messages) == 0 {
		return c, errors.New("scheduler: campaign needs contacts and messages")
	}
	if prev, err := s.store.GetCampaign(ctx, c.ID); err == nil && prev.Status != domain.CampaignScheduled && prev.Status != domain.CampaignPaused {
		return prev, fmt.Errorf("%w: %s is %s", ErrInvalidState, c.ID, prev.Status)
	}
	if c.Channel == "" {
		c.Channel = domain.ChannelWhatsApp
	}
	if c.ScheduledAt.IsZero() {
		c.ScheduledAt = s.now()
	}
	c.Status = domain.CampaignScheduled
	c.Stats = domain.DispatchStats{}
	c.UpdatedAt = s.now()
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return c, fmt.Errorf("scheduler: save campaign: %w", err)
	}
	if err := s.store.AddDue(ctx, domain.DueItem{Kind: domain.DueCampaign, RefID: c.ID, DueAt: c.ScheduledAt}); err != nil {
		return c, fmt.Errorf("scheduler: index campaign: %w", err)
	}
	s.log.Info("campaign scheduled", logx.String("campaign_id", c.ID), logx.Time("at", c.ScheduledAt))
	return c, nil
}

// PauseCampaign stops a scheduled campaign from being promoted. A running
// campaign cannot be paused.
func (s *Service) PauseCampaign(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.CampaignPaused, func(c domain.ScheduledCampaign) error {
		if c.Status != domain.CampaignScheduled {
			return fmt.Errorf("%w: cannot pause %s campaign", ErrInvalidState, c.Status)
		}
		return nil
	})
}

// ResumeCampaign re-schedules a paused campaign at its original time, or now
// when that has passed.
func (s *Service) ResumeCampaign(ctx context.Context, id string) error {
	var at time.Time
	err := s.transition(ctx, id, domain.CampaignScheduled, func(c domain.ScheduledCampaign) error {
		if c.Status != domain.CampaignPaused {
			return fmt.Errorf("%w: cannot resume %s campaign", ErrInvalidState, c.Status)
		}
		at = c.ScheduledAt
		if now := s.now(); at.Before(now) {
			at = now
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.store.AddDue(ctx, domain.DueItem{Kind: domain.DueCampaign, RefID: id, DueAt: at}); err != nil {
		return fmt.Errorf("scheduler: index campaign: %w", err)
	}
	return nil
}

// CancelCampaign cancels a campaign that has not started.
func (s *Service) CancelCampaign(ctx context.Context, id string) error {
	err := s.transition(ctx, id, domain.CampaignCancelled, func(c domain.ScheduledCampaign) error {
		if c.Status != domain.CampaignScheduled && c.Status != domain.CampaignPaused {
			return fmt.Errorf("%w: cannot cancel %s campaign", ErrInvalidState, c.Status)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.store.RemoveDue(ctx, domain.DueCampaign, id)
}

func (s *Service) transition(ctx context.Context, id string, to domain.CampaignStatus, check func(domain.ScheduledCampaign) error) error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: campaign %s: %w", id, err)
	}
	if err := check(c); err != nil {
		return err
	}
	from := c.Status
	c.Status = to
	c.UpdatedAt = s.now()
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return fmt.Errorf("scheduler: save campaign: %w", err)
	}
	s.log.Info("campaign status changed", logx.String("campaign_id", id),
		logx.String("from", string(from)), logx.String("to", string(to)))
	return nil
}

// ScheduleAppointment stores a and indexes its reminder unless it already
// fired.
func (s *Service) ScheduleAppointment(ctx context.Context, a domain.Appointment) error {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return errors.New("scheduler: appointment id is required")
	}
	if err := s.store.SaveAppointment(ctx, a); err != nil {
		return fmt.Errorf("scheduler: save appointment: %w", err)
	}
	if a.ReminderSent || a.RemindAt.IsZero() {
		return s.store.RemoveDue(ctx, domain.DueReminder, a.ID)
	}
	if err := s.store.AddDue(ctx, domain.DueItem{Kind: domain.DueReminder, RefID: a.ID, DueAt: a.RemindAt}); err != nil {
		return fmt.Errorf("scheduler: index reminder: %w", err)
	}
	return nil
}
