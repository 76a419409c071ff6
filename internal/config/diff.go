package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dispatchd/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and returns
// log fields describing the new values. Secrets (DSN, URLs with credentials,
// tokens, API keys) are reported only as "set/unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Bus, newCfg.Bus) {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.String("bus.driver", newCfg.Bus.Driver),
			logx.Bool("bus.url_set", strings.TrimSpace(newCfg.Bus.URL) != ""),
		)
	}
	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.poll_interval", newCfg.Jobs.PollInterval),
			logx.String("jobs.lease", newCfg.Jobs.Lease),
		)
	}
	if !reflect.DeepEqual(oldCfg.Queues, newCfg.Queues) {
		changed = append(changed, "queues")
		attrs = append(attrs, logx.Strs("queues.changed", changedQueues(oldCfg.Queues, newCfg.Queues)))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.whatsapp_delay", newCfg.Dispatch.WhatsAppDelay),
			logx.String("dispatch.meta_delay", newCfg.Dispatch.MetaDelay),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.campaign_interval", newCfg.Scheduler.CampaignInterval),
			logx.String("scheduler.reminder_interval", newCfg.Scheduler.ReminderInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Connections, newCfg.Connections) {
		changed = append(changed, "connections")
		attrs = append(attrs, logx.String("connections.qr_ttl", newCfg.Connections.QRTTL))
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.String("channels.whatsapp_default", newCfg.Channels.WhatsAppDefault),
			logx.Bool("channels.gateway_key_set", strings.TrimSpace(newCfg.Channels.WhatsAppGateway.APIKey) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}
	return changed, attrs
}

func changedQueues(a, b map[string]QueueConfig) []string {
	seen := map[string]struct{}{}
	for k, v := range a {
		if w, ok := b[k]; !ok || v != w {
			seen[k] = struct{}{}
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RestartRequired reports sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "bus", "jobs", "channels", "connections":
			out = append(out, s)
		}
	}
	return out
}
