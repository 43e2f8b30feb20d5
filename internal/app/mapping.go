package app

import (
	"fmt"
	"strings"
	"time"

	"listingwatch/internal/config"
	"listingwatch/internal/dispatch"
	"listingwatch/internal/notifier"
	"listingwatch/internal/observability/status"
	"listingwatch/internal/scheduler"
	"listingwatch/internal/source"
	"listingwatch/internal/storage"
	"listingwatch/internal/transport/telegram"
	logx "listingwatch/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
	case "file", "redis":
	case "postgres", "postgresql", "pgx":
		driver = "postgres"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		DSN:         strings.TrimSpace(sc.DSN),
		Key:         strings.TrimSpace(sc.Key),
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	def := notifier.DefaultConfig()
	nc := cfg.Notifier

	delay, err := config.ParseDurationOrDefault("notifier.rate_limit_delay", nc.RateLimitDelay, def.RateLimitDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("notifier.retry_backoff", nc.RetryBackoff, def.RetryBackoff)
	if err != nil {
		return notifier.Config{}, err
	}
	retryAfter, err := config.ParseDurationOrDefault("notifier.default_retry_after", nc.DefaultRetryAfter, def.DefaultRetryAfter)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, def.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	retries := def.MaxRetries
	if nc.MaxRetries != nil {
		if *nc.MaxRetries < 0 {
			return notifier.Config{}, fmt.Errorf("notifier.max_retries must be >= 0")
		}
		retries = *nc.MaxRetries
	}
	return notifier.Config{
		RateLimitDelay:    delay,
		MaxRetries:        retries,
		RetryBackoff:      backoff,
		DefaultRetryAfter: retryAfter,
		SendTimeout:       sendTimeout,
	}, nil
}

// mapTelegramConfig bounds each Bot API request by the queue's send timeout,
// so a timed-out send has really ended before it is retried.
func mapTelegramConfig(cfg *config.Config, sendTimeout time.Duration) telegram.Config {
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		ChatID:         cfg.Telegram.ChatID,
		DisablePreview: cfg.Telegram.DisablePreview,
		APIURL:         strings.TrimSpace(cfg.Telegram.APIURL),
		HTTPTimeout:    sendTimeout,
	}
}

func mapCommandsConfig(cfg *config.Config) telegram.CommandsConfig {
	return telegram.CommandsConfig{
		Token:  cfg.Telegram.Token,
		ChatID: cfg.Telegram.ChatID,
		Owners: append([]int64(nil), cfg.Telegram.Owners...),
		APIURL: strings.TrimSpace(cfg.Telegram.APIURL),
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapDispatchOptions(cfg *config.Config) dispatch.Options {
	return dispatch.Options{OpenInViewer: cfg.Dispatch.OpenInViewer, SkipStorage: cfg.Dispatch.SkipStorage}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Enabled:       cfg.Status.Enabled,
		Addr:          strings.TrimSpace(cfg.Status.Addr),
		Token:         strings.TrimSpace(cfg.Status.Token),
		AllowInsecure: cfg.Status.AllowInsecure,
		Pprof:         cfg.Status.Pprof,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  time.Minute,
		IdleTimeout:   time.Minute,
	}
}

func mapSourceConfig(sc config.SourceConfig) (source.Config, error) {
	p := "sources." + sc.Name
	spacing, err := config.ParseDurationOrDefault(p+".term_spacing", sc.TermSpacing, source.DefaultTermSpacing)
	if err != nil {
		return source.Config{}, err
	}
	// "0s" means no pause; source treats 0 as "use the default".
	if strings.TrimSpace(sc.TermSpacing) != "" && spacing == 0 {
		spacing = -1
	}
	timeout, err := config.ParseDurationField(p+".timeout", sc.Timeout)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		Name:        strings.TrimSpace(sc.Name),
		Kind:        sc.Kind,
		Command:     sc.Command,
		Args:        append([]string(nil), sc.Args...),
		Terms:       append([]string(nil), sc.Terms...),
		Path:        sc.Path,
		Include:     sc.Include,
		TermSpacing: spacing,
		MaxPerTerm:  sc.MaxPerTerm,
		Timeout:     timeout,
	}, nil
}
