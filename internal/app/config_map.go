package app

import (
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/commandbus"
	"dispatchd/internal/config"
	"dispatchd/internal/connstate"
	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/ops"
	"dispatchd/internal/scheduler"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

// queueDefaults are the built-in policies; config entries override them field
// by field.
func queueDefaults() map[string]jobqueue.QueueConfig {
	mass := func(ch domain.Channel, perMinute int) jobqueue.QueueConfig {
		return jobqueue.QueueConfig{Name: ch.MassQueue(), Concurrency: 1, RateMax: perMinute, RateWindow: time.Minute, Attempts: 3, BaseDelay: 5 * time.Second}
	}
	out := map[string]jobqueue.QueueConfig{
		domain.QueueBroadcast: {Name: domain.QueueBroadcast, Concurrency: 1, RateMax: 30, RateWindow: time.Minute, Attempts: 3, BaseDelay: 5 * time.Second},
		domain.QueueCampaign:  {Name: domain.QueueCampaign, Concurrency: 1, Attempts: 3, BaseDelay: 10 * time.Second},
		domain.QueueFlow:      {Name: domain.QueueFlow, Concurrency: 10, Attempts: 3, BaseDelay: 2 * time.Second},
	}
	for _, ch := range domain.Channels {
		switch ch {
		case domain.ChannelFacebook, domain.ChannelInstagram:
			out[ch.MassQueue()] = mass(ch, 20)
		default:
			out[ch.MassQueue()] = mass(ch, 30)
		}
	}
	return out
}

func mapQueues(cfg *config.Config) (map[string]jobqueue.QueueConfig, error) {
	out := queueDefaults()
	for name, qc := range cfg.Queues {
		base, ok := out[name]
		if !ok {
			return nil, fmt.Errorf("queues.%s: unknown queue", name)
		}
		key := "queues." + name
		if qc.Concurrency < 0 || qc.QueueSize < 0 || qc.RateMax < 0 || qc.Attempts < 0 {
			return nil, fmt.Errorf("%s: counts must be >= 0", key)
		}
		if qc.Jitter < 0 || qc.Jitter > 1 {
			return nil, fmt.Errorf("%s.jitter: must be within [0,1]", key)
		}
		if qc.Concurrency > 0 {
			base.Concurrency = qc.Concurrency
		}
		if qc.QueueSize > 0 {
			base.QueueSize = qc.QueueSize
		}
		if qc.RateMax > 0 {
			base.RateMax = qc.RateMax
		}
		if qc.Attempts > 0 {
			base.Attempts = qc.Attempts
		}
		if qc.Jitter > 0 {
			base.Jitter = qc.Jitter
		}
		switch strings.ToLower(strings.TrimSpace(qc.Backoff)) {
		case "":
		case string(jobqueue.BackoffExponential):
			base.Backoff = jobqueue.BackoffExponential
		case string(jobqueue.BackoffFixed):
			base.Backoff = jobqueue.BackoffFixed
		default:
			return nil, fmt.Errorf("%s.backoff: unknown policy %q", key, qc.Backoff)
		}
		var err error
		if base.RateWindow, err = config.ParseDurationOrDefault(key+".rate_window", qc.RateWindow, base.RateWindow); err != nil {
			return nil, err
		}
		if base.BaseDelay, err = config.ParseDurationOrDefault(key+".base_delay", qc.BaseDelay, base.BaseDelay); err != nil {
			return nil, err
		}
		if base.MaxDelay, err = config.ParseDurationOrDefault(key+".max_delay", qc.MaxDelay, base.MaxDelay); err != nil {
			return nil, err
		}
		if base.Timeout, err = config.ParseDurationOrDefault(key+".timeout", qc.Timeout, base.Timeout); err != nil {
			return nil, err
		}
		out[name] = base
	}
	return out, nil
}

func mapPacing(cfg *config.Config) (commandbus.Pacing, error) {
	def := commandbus.DefaultPacing()
	d := cfg.Dispatch
	var (
		p   commandbus.Pacing
		err error
	)
	if p.WhatsAppDelay, err = config.ParseDurationOrDefault("dispatch.whatsapp_delay", d.WhatsAppDelay, def.WhatsAppDelay); err != nil {
		return p, err
	}
	if p.WhatsAppJitter, err = config.FractionOrDefault("dispatch.whatsapp_jitter", d.WhatsAppJitter, def.WhatsAppJitter); err != nil {
		return p, err
	}
	if p.MetaDelay, err = config.ParseDurationOrDefault("dispatch.meta_delay", d.MetaDelay, def.MetaDelay); err != nil {
		return p, err
	}
	if p.MetaJitter, err = config.FractionOrDefault("dispatch.meta_jitter", d.MetaJitter, def.MetaJitter); err != nil {
		return p, err
	}
	if p.TelegramDelay, err = config.ParseDurationOrDefault("dispatch.telegram_delay", d.TelegramDelay, def.TelegramDelay); err != nil {
		return p, err
	}
	if p.TelegramJitter, err = config.FractionOrDefault("dispatch.telegram_jitter", d.TelegramJitter, def.TelegramJitter); err != nil {
		return p, err
	}
	return p, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.BatchSize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.batch_size must be >= 0")
	}
	campaign, err := config.ParseDurationOrDefault("scheduler.campaign_interval", sc.CampaignInterval, scheduler.DefaultInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	reminder, err := config.ParseDurationOrDefault("scheduler.reminder_interval", sc.ReminderInterval, scheduler.DefaultInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{CampaignInterval: campaign, ReminderInterval: reminder, BatchSize: sc.BatchSize, Location: loc}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or %s) is required when storage.driver=postgres", config.EnvStorageDSN)
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapJobs returns the runtime options for store polling and claim leases.
func mapJobs(cfg *config.Config) ([]jobqueue.Option, error) {
	poll, err := config.ParseDurationOrDefault("jobs.poll_interval", cfg.Jobs.PollInterval, jobqueue.DefaultPollInterval)
	if err != nil {
		return nil, err
	}
	lease, err := config.ParseDurationOrDefault("jobs.lease", cfg.Jobs.Lease, jobqueue.DefaultLease)
	if err != nil {
		return nil, err
	}
	if lease < 3*time.Second {
		return nil, fmt.Errorf("jobs.lease must be at least 3s")
	}
	return []jobqueue.Option{jobqueue.WithPollInterval(poll), jobqueue.WithLease(lease)}, nil
}

// mapBus also returns the wait before the consumer reconnects after the
// transport drops.
func mapBus(cfg *config.Config) (commandbus.Config, time.Duration, error) {
	bc := cfg.Bus
	reconnect, err := config.ParseDurationOrDefault("bus.reconnect_delay", bc.ReconnectDelay, 2*time.Second)
	if err != nil {
		return commandbus.Config{}, 0, err
	}
	if bc.Prefetch < 0 {
		return commandbus.Config{}, 0, fmt.Errorf("bus.prefetch must be >= 0")
	}
	return commandbus.Config{
		Driver:      strings.ToLower(strings.TrimSpace(bc.Driver)),
		URL:         strings.TrimSpace(bc.URL),
		Exchange:    bc.Exchange,
		QueuePrefix: bc.QueuePrefix,
		Prefetch:    bc.Prefetch,
	}, reconnect, nil
}

func mapConnections(cfg *config.Config) (connstate.Options, error) {
	ttl, err := config.ParseDurationOrDefault("connections.qr_ttl", cfg.Connections.QRTTL, connstate.DefaultQRTTL)
	if err != nil {
		return connstate.Options{}, err
	}
	return connstate.Options{QRTTL: ttl, CacheEntries: cfg.Connections.CacheEntries}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// validate rejects a config that any mapper would refuse. Reloads run it
// before the new file is committed.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", lvl)
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, _, err := mapBus(cfg); err != nil {
		return err
	}
	if _, err := mapJobs(cfg); err != nil {
		return err
	}
	if _, err := mapQueues(cfg); err != nil {
		return err
	}
	if _, err := mapPacing(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapConnections(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	_, err := mapChannels(cfg)
	return err
}
