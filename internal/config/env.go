package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvTelegramToken  = "TELEGRAM_API_KEY"
	EnvTelegramChatID = "TELEGRAM_CHAT_ID"
	EnvLogLevel       = "LOG_LEVEL"
	EnvDBPath         = "LISTINGWATCH_DB"
	EnvDSN            = "LISTINGWATCH_DSN"
	EnvStatusToken    = "LISTINGWATCH_STATUS_TOKEN"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overwrites cfg fields with non-empty environment values.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Telegram.ChatID, EnvTelegramChatID)
	set(&cfg.Logging.Level, EnvLogLevel)
	set(&cfg.Storage.Path, EnvDBPath)
	set(&cfg.Storage.DSN, EnvDSN)
	set(&cfg.Status.Token, EnvStatusToken)
}
