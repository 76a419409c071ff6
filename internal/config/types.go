package config

// Config is the on-disk configuration of the dispatch worker.
//
// Durations are Go duration strings ("500ms", "5s", "2m"). Unknown keys are
// rejected so typos surface on load and on hot reload.
type Config struct {
	Logging     LoggingConfig          `json:"logging"`
	Storage     StorageConfig          `json:"storage"`
	Bus         BusConfig              `json:"bus"`
	Jobs        JobsConfig             `json:"jobs"`
	Queues      map[string]QueueConfig `json:"queues,omitempty"`
	Dispatch    DispatchConfig         `json:"dispatch"`
	Scheduler   SchedulerConfig        `json:"scheduler"`
	Connections ConnectionsConfig      `json:"connections"`
	Channels    ChannelsConfig         `json:"channels"`
	Ops         OpsConfig              `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/dispatch.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres; prefer DISPATCH_STORAGE_DSN
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// BusConfig selects the command bus transport ("memory" or "amqp").
type BusConfig struct {
	Driver         string `json:"driver"`
	URL            string `json:"url,omitempty"` // prefer DISPATCH_AMQP_URL
	Exchange       string `json:"exchange,omitempty"`
	QueuePrefix    string `json:"queue_prefix,omitempty"`
	Prefetch       int    `json:"prefetch,omitempty"`
	ReconnectDelay string `json:"reconnect_delay,omitempty"`
}

// JobsConfig tunes how the job runtime shares the store with producers and
// other workers.
type JobsConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default 1s
	Lease        string `json:"lease,omitempty"`         // default 30s
}

// QueueConfig overrides the defaults of one named job queue.
// Zero values keep the built-in default for that queue.
type QueueConfig struct {
	Concurrency int     `json:"concurrency,omitempty"`
	QueueSize   int     `json:"queue_size,omitempty"`
	RateMax     int     `json:"rate_max,omitempty"`
	RateWindow  string  `json:"rate_window,omitempty"`
	Attempts    int     `json:"attempts,omitempty"`
	Backoff     string  `json:"backoff,omitempty"` // exponential | fixed
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

// DispatchConfig holds pacing defaults applied by the command consumer.
type DispatchConfig struct {
	WhatsAppDelay  string   `json:"whatsapp_delay,omitempty"` // default 1s
	WhatsAppJitter *float64 `json:"whatsapp_jitter,omitempty"`
	MetaDelay      string   `json:"meta_delay,omitempty"` // facebook/instagram, default 3s
	MetaJitter     *float64 `json:"meta_jitter,omitempty"`
	TelegramDelay  string   `json:"telegram_delay,omitempty"`
	TelegramJitter *float64 `json:"telegram_jitter,omitempty"`
}

type SchedulerConfig struct {
	Enabled          bool   `json:"enabled"`
	CampaignInterval string `json:"campaign_interval,omitempty"` // default 5s
	ReminderInterval string `json:"reminder_interval,omitempty"` // default 5s
	BatchSize        int    `json:"batch_size,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
}

type ConnectionsConfig struct {
	QRTTL        string `json:"qr_ttl,omitempty"` // default 120s
	CacheEntries int    `json:"cache_entries,omitempty"`
}

type ChannelsConfig struct {
	// WhatsAppDefault picks the backend used when a connect command names no
	// provider ("cloud" or "gateway").
	WhatsAppDefault string                `json:"whatsapp_default,omitempty"`
	WhatsAppCloud   WhatsAppCloudConfig   `json:"whatsapp_cloud"`
	WhatsAppGateway WhatsAppGatewayConfig `json:"whatsapp_gateway"`
	Meta            MetaConfig            `json:"meta"`
	Telegram        TelegramConfig        `json:"telegram"`
}

type WhatsAppCloudConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type WhatsAppGatewayConfig struct {
	BaseURL      string `json:"base_url,omitempty"`
	APIKey       string `json:"api_key,omitempty"` // prefer DISPATCH_GATEWAY_API_KEY
	PollInterval string `json:"poll_interval,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

type MetaConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// OpsConfig controls the internal diagnostics HTTP server.
//
// Prefer a loopback Addr. A non-loopback Addr requires Token or AllowInsecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:9090
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
