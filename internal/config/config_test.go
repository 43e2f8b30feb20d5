package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  send_timeout: 10s
logging:
  level: debug
  console: true
notifier:
  rate_limit_delay: 1s
  max_retries: 3
storage:
  driver: sqlite
  path: ./data/tori.db
scheduler:
  enabled: true
  timezone: Europe/Helsinki
dispatch:
  open_in_viewer: false
sources:
  - name: tori
    kind: command
    schedule: "*/30 * * * *"
    command: ./bin/tori-search
    args: ["--json=false"]
    terms: [rigol, genelec]
    term_spacing: 3s
    max_per_term: 20
  - name: export
    kind: file
    schedule: 45m
    path: ./urls.txt
    enabled: false
`

func noEnv(string) (string, bool) { return "", false }

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	m := NewManager(writeFile(t, "listingwatch.yaml", sampleYAML))
	m.SetEnv(noEnv)

	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Notifier.MaxRetries)
	assert.Equal(t, 3, *cfg.Notifier.MaxRetries)
	assert.Equal(t, "Europe/Helsinki", cfg.Scheduler.Timezone)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, []string{"rigol", "genelec"}, cfg.Sources[0].Terms)
	assert.True(t, cfg.Sources[0].IsEnabled())
	assert.False(t, cfg.Sources[1].IsEnabled())

	src, ok := cfg.Source("export")
	require.True(t, ok)
	assert.Equal(t, "./urls.txt", src.Path)
}

func TestParseJSONKeepsDefaults(t *testing.T) {
	m := NewManager(writeFile(t, "cfg.json", `{"logging":{"level":"warn","console":true}}`))
	m.SetEnv(noEnv)
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "./data/tori.db", cfg.Storage.Path)
	assert.Equal(t, 4, cfg.Dispatch.ViewerParallel)
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	m := NewManager(writeFile(t, "cfg.yaml", "logging:\n  colour: true\n"))
	_, err := m.Parse()
	require.Error(t, err)

	m = NewManager(writeFile(t, "cfg.json", `{"logging":{}} {"logging":{}}`))
	_, err = m.Parse()
	require.Error(t, err)
}

func TestParseEmptyYAMLKeepsDefaults(t *testing.T) {
	m := NewManager(writeFile(t, "cfg.yml", "# nothing yet\n"))
	m.SetEnv(noEnv)
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, Default().Storage, cfg.Storage)
}

func TestParseStatusAndStorageDSN(t *testing.T) {
	m := NewManager(writeFile(t, "cfg.yaml", `
storage:
  driver: postgres
  dsn: postgres://watch@db/listings
status:
  enabled: true
  addr: 127.0.0.1:9465
  pprof: true
telegram:
  commands: true
  owners: [42, 43]
`))
	m.SetEnv(noEnv)
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "postgres://watch@db/listings", cfg.Storage.DSN)
	assert.True(t, cfg.Status.Enabled)
	assert.True(t, cfg.Status.Pprof)
	assert.True(t, cfg.Telegram.Commands)
	assert.Equal(t, []int64{42, 43}, cfg.Telegram.Owners)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvTelegramToken:  "123:abc",
		EnvTelegramChatID: "-100123",
		EnvLogLevel:       "trace",
		EnvDBPath:         "/var/lib/listingwatch/tori.db",
		EnvDSN:            "redis://cache:6379/2",
		EnvStatusToken:    "hunter2",
	}
	m := NewManager("")
	m.SetEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "-100123", cfg.Telegram.ChatID)
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/listingwatch/tori.db", cfg.Storage.Path)
	assert.Equal(t, "redis://cache:6379/2", cfg.Storage.DSN)
	assert.Equal(t, "hunter2", cfg.Status.Token)
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "LISTINGWATCH_TEST_DOTENV=from-file\nLISTINGWATCH_TEST_DOTENV_KEEP=from-file\n")
	t.Setenv("LISTINGWATCH_TEST_DOTENV_KEEP", "process")
	require.NoError(t, LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")))
	t.Cleanup(func() { _ = os.Unsetenv("LISTINGWATCH_TEST_DOTENV") })
	assert.Equal(t, "from-file", os.Getenv("LISTINGWATCH_TEST_DOTENV"))
	assert.Equal(t, "process", os.Getenv("LISTINGWATCH_TEST_DOTENV_KEEP"))
}

func TestValidate(t *testing.T) {
	neg := -1
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"bad duration", func(c *Config) { c.Notifier.RateLimitDelay = "soon" }, "notifier.rate_limit_delay"},
		{"negative retries", func(c *Config) { c.Notifier.MaxRetries = &neg }, "notifier.max_retries"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"redis without dsn", func(c *Config) { c.Storage.Driver = "redis" }, "storage.dsn"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"unnamed source", func(c *Config) { c.Sources = []SourceConfig{{Command: "x"}} }, "sources[0].name"},
		{"duplicate source", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}
		}, "duplicate"},
		{"file without path", func(c *Config) { c.Sources = []SourceConfig{{Name: "a", Kind: "file"}} }, "sources[0].path"},
		{"unknown kind", func(c *Config) { c.Sources = []SourceConfig{{Name: "a", Kind: "browser"}} }, "sources[0].kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	require.NoError(t, Default().Validate())
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = ParseDurationOrDefault("x", "0s", 3*time.Second)
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationOrDefault("x", "-1s", 3*time.Second)
	require.Error(t, err)
}

func TestLoadRunsValidator(t *testing.T) {
	m := NewManager(writeFile(t, "cfg.yaml", sampleYAML))
	m.SetEnv(noEnv)
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	_, err := m.Load(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, m.Get())

	_, err = NewManager(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.True(t, IsNotExist(err))
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "cfg.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	m.SetEnv(noEnv)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var got *Config
	require.Eventually(t, func() bool {
		// rewrite until the watcher has attached and reloaded
		_ = os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600)
		select {
		case got = <-updates:
			return true
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestWatchSkipsInvalidConfig(t *testing.T) {
	path := writeFile(t, "cfg.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	m.SetEnv(noEnv)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: redis\n"), 0o600))
	m.reload(context.Background())
	assert.Equal(t, "info", m.Get().Logging.Level)
	assert.Equal(t, "sqlite", m.Get().Storage.Driver)
}

func TestSummarizeChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Telegram.Token = "secret"
	b.Logging.Level = "debug"
	b.Status.Enabled = true
	b.Sources = []SourceConfig{{Name: "tori", Command: "x"}}

	changed, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"telegram", "logging", "status", "sources"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeChange(a, Default())
	assert.Empty(t, changed)
}
