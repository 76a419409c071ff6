package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

// HandleBroadcast runs the broadcast and mass:<channel> queues. A broadcast
// found RUNNING was interrupted earlier and resumes after the recipients its
// stats already count.
func (d *Dispatcher) HandleBroadcast(ctx context.Context, job *jobqueue.Job) error {
	dj, err := domain.DecodeDispatchJob(job.Payload)
	if err != nil {
		return jobqueue.NoRetry(fmt.Errorf("dispatch: decode job %s: %w", job.ID, err))
	}
	if dj.BroadcastID == "" {
		return jobqueue.NoRetry(errors.New("dispatch: broadcastId is required"))
	}
	b, err := d.store.GetBroadcast(ctx, dj.BroadcastID)
	if errors.Is(err, storage.ErrNotFound) {
		return jobqueue.NoRetry(fmt.Errorf("dispatch: broadcast %s: %w", dj.BroadcastID, err))
	}
	if err != nil {
		return fmt.Errorf("dispatch: load broadcast %s: %w", dj.BroadcastID, err)
	}
	log := d.log.With(logx.String("broadcast_id", b.ID), logx.String("job_id", job.ID))
	if b.Status == domain.BroadcastDone || b.Status == domain.BroadcastFailed {
		log.Info("broadcast already finished; skipping", logx.String("status", string(b.Status)))
		return nil
	}

	ch := firstChannel(dj.Channel, b.Channel)
	connID := firstNonEmpty(dj.ConnectionID, b.ConnectionID)
	if connID == "" {
		return jobqueue.NoRetry(fmt.Errorf("dispatch: broadcast %s has no connection", b.ID))
	}

	var stats domain.DispatchStats
	if b.Status == domain.BroadcastRunning {
		stats = b.Stats
	} else {
		b.StartedAt = d.now()
	}
	stats.Total = len(dj.Recipients)
	stats = settle(stats, stats.ProgressPct)
	b.Status = domain.BroadcastRunning
	b.Channel = ch
	b.ConnectionID = connID
	b.Stats = stats
	b.UpdatedAt = d.now()
	if err := d.store.UpdateBroadcast(ctx, b); err != nil {
		return fmt.Errorf("dispatch: mark broadcast running: %w", err)
	}
	if err := job.ReportProgress(ctx, stats.Processed(), stats.Total); err != nil {
		return err
	}

	start := d.now()
	log.Info("broadcast started", logx.String("connection_id", connID), logx.String("channel", string(ch)),
		logx.Int("total", stats.Total), logx.Int("done", stats.Processed()))

	out, err := d.Deliver(ctx, Run{
		BroadcastID:  b.ID,
		ConnectionID: connID,
		Channel:      ch,
		Recipients:   dj.Recipients,
		Messages:     []domain.MessageTemplate{dj.Message},
		PaceMs:       dj.PaceMs,
		Jitter:       dj.Jitter,
	}, stats, func(ctx context.Context, s domain.DispatchStats) error {
		b.Stats = s
		b.UpdatedAt = d.now()
		if err := d.store.UpdateBroadcast(ctx, b); err != nil {
			return fmt.Errorf("dispatch: save broadcast progress: %w", err)
		}
		return job.ReportProgress(ctx, s.Processed(), s.Total)
	})
	if err != nil {
		return err
	}

	b.Stats = out.Stats
	b.Status = domain.BroadcastFailed
	if out.Stats.Total == 0 || out.Stats.Sent > 0 {
		b.Status = domain.BroadcastDone
	}
	b.FinishedAt = d.now()
	b.UpdatedAt = b.FinishedAt
	if err := d.store.UpdateBroadcast(ctx, b); err != nil {
		return fmt.Errorf("dispatch: finish broadcast: %w", err)
	}
	logFinished(log, "broadcast", string(b.Status), out, d.now().Sub(start))
	return nil
}

// HandleCampaign runs the campaign queue. Paused and cancelled campaigns are
// skipped; the campaign fails only when no contact received a message.
func (d *Dispatcher) HandleCampaign(ctx context.Context, job *jobqueue.Job) error {
	var cj domain.CampaignJob
	if err := job.Decode(&cj); err != nil {
		return jobqueue.NoRetry(fmt.Errorf("dispatch: decode job %s: %w", job.ID, err))
	}
	if cj.CampaignID == "" {
		return jobqueue.NoRetry(errors.New("dispatch: campaignId is required"))
	}
	c, err := d.store.GetCampaign(ctx, cj.CampaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return jobqueue.NoRetry(fmt.Errorf("dispatch: campaign %s: %w", cj.CampaignID, err))
	}
	if err != nil {
		return fmt.Errorf("dispatch: load campaign %s: %w", cj.CampaignID, err)
	}
	log := d.log.With(logx.String("campaign_id", c.ID), logx.String("job_id", job.ID))

	var stats domain.DispatchStats
	switch c.Status {
	case domain.CampaignScheduled:
	case domain.CampaignRunning:
		stats = c.Stats
	default:
		log.Info("campaign not runnable; skipping", logx.String("status", string(c.Status)))
		return nil
	}
	c.Channel = firstChannel(c.Channel)
	if c.ConnectionID == "" {
		c.Status = domain.CampaignFailed
		c.FinishedAt = d.now()
		c.UpdatedAt = c.FinishedAt
		if err := d.store.SaveCampaign(ctx, c); err != nil {
			return fmt.Errorf("dispatch: save campaign: %w", err)
		}
		return jobqueue.NoRetry(fmt.Errorf("dispatch: campaign %s has no connection", c.ID))
	}

	stats.Total = len(c.Contacts)
	stats = settle(stats, stats.ProgressPct)
	c.Status = domain.CampaignRunning
	c.Stats = stats
	c.UpdatedAt = d.now()
	if err := d.store.SaveCampaign(ctx, c); err != nil {
		return fmt.Errorf("dispatch: mark campaign running: %w", err)
	}

	start := d.now()
	log.Info("campaign started", logx.String("connection_id", c.ConnectionID),
		logx.Int("contacts", stats.Total), logx.Int("messages", len(c.Messages)))

	out, err := d.Deliver(ctx, Run{
		CampaignID:   c.ID,
		ConnectionID: c.ConnectionID,
		Channel:      c.Channel,
		Recipients:   c.Contacts,
		Messages:     c.Messages,
		PaceMs:       int(c.DelaySeconds * 1000),
		Jitter:       c.Jitter,
	}, stats, func(ctx context.Context, s domain.DispatchStats) error {
		c.Stats = s
		c.UpdatedAt = d.now()
		if err := d.store.SaveCampaign(ctx, c); err != nil {
			return fmt.Errorf("dispatch: save campaign progress: %w", err)
		}
		return job.ReportProgress(ctx, s.Processed(), s.Total)
	})
	if err != nil {
		return err
	}

	c.Stats = out.Stats
	c.Status = domain.CampaignCompleted
	if out.Stats.Total > 0 && out.Stats.Sent == 0 {
		c.Status = domain.CampaignFailed
	}
	c.FinishedAt = d.now()
	c.UpdatedAt = c.FinishedAt
	if err := d.store.SaveCampaign(ctx, c); err != nil {
		return fmt.Errorf("dispatch: finish campaign: %w", err)
	}
	logFinished(log, "campaign", string(c.Status), out, d.now().Sub(start))
	return nil
}

func logFinished(log logx.Logger, what, status string, out Outcome, dur time.Duration) {
	fields := []logx.Field{
		logx.String("status", status),
		logx.Int("total", out.Stats.Total),
		logx.Int("sent", out.Stats.Sent),
		logx.Int("failed", out.Stats.Failed),
		logx.Bool("session_lost", out.SessionLost),
		logx.Duration("dur", dur),
	}
	if out.Stats.Failed > 0 {
		log.Warn(what+" finished with failures", fields...)
		return
	}
	log.Info(what+" finished", fields...)
}

func firstChannel(chs ...domain.Channel) domain.Channel {
	for _, c := range chs {
		if c != "" {
			return c
		}
	}
	return domain.ChannelWhatsApp
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
