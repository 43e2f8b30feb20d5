package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "45m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Status    StatusConfig    `json:"status"`
	Sources   []SourceConfig  `json:"sources"`
}

// TelegramConfig holds the notification transport credentials. Both are
// usually supplied through TELEGRAM_API_KEY and TELEGRAM_CHAT_ID instead.
// Leaving either empty disables notifications.
type TelegramConfig struct {
	Token          string `json:"token,omitempty"`
	ChatID         string `json:"chat_id,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
	// Commands enables /status, /runs, /jobs and /run from the chat and Owners.
	Commands bool    `json:"commands,omitempty"`
	Owners   []int64 `json:"owners,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotifierConfig tunes pacing and retries of outgoing notifications.
//
// Defaults (when omitted):
//   - rate_limit_delay: "1s"
//   - max_retries: 3
//   - retry_backoff: "1s"
//   - default_retry_after: "5s"
type NotifierConfig struct {
	RateLimitDelay    string `json:"rate_limit_delay,omitempty"`
	MaxRetries        *int   `json:"max_retries,omitempty"`
	RetryBackoff      string `json:"retry_backoff,omitempty"`
	DefaultRetryAfter string `json:"default_retry_after,omitempty"`
}

// StorageConfig selects the durable URL set.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/tori.db }
//	storage: { driver: postgres, dsn: "postgres://watch@db/listings" }
//	storage: { driver: redis, dsn: "redis://localhost:6379/0", key: "tori:links" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Key         string `json:"key,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

type DispatchConfig struct {
	OpenInViewer   bool `json:"open_in_viewer"`
	SkipStorage    bool `json:"skip_storage"`
	ViewerParallel int  `json:"viewer_parallel,omitempty"`
}

// StatusConfig enables the HTTP status server (health, runs, jobs, metrics).
// A non-loopback addr requires token unless allow_insecure is set.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// SourceConfig declares one URL producer.
//
// Kind "command" runs Command with Args once per search term; kind "file"
// reads URLs from Path. Schedule is a cron expression or an interval.
type SourceConfig struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Schedule string   `json:"schedule,omitempty"`
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	Terms    []string `json:"terms,omitempty"`
	Path     string   `json:"path,omitempty"`
	Include  string   `json:"include,omitempty"`
	// TermSpacing is the pause between search terms. "0s" disables it; empty means 3s.
	TermSpacing string `json:"term_spacing,omitempty"`
	MaxPerTerm  int    `json:"max_per_term,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// IsEnabled reports whether the source takes part in runs; omitted means true.
func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Default is used when no config file exists.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Driver: "sqlite", Path: "./data/tori.db"},
		Scheduler: SchedulerConfig{Enabled: true},
		Dispatch:  DispatchConfig{ViewerParallel: 4},
	}
}

// Source returns the named source config.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}
