package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks values the decoder cannot. It does not parse schedules;
// the scheduler does that when sources are registered.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("telegram.send_timeout", c.Telegram.SendTimeout)
	dur("notifier.rate_limit_delay", c.Notifier.RateLimitDelay)
	dur("notifier.retry_backoff", c.Notifier.RetryBackoff)
	dur("notifier.default_retry_after", c.Notifier.DefaultRetryAfter)
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	if c.Notifier.MaxRetries != nil && *c.Notifier.MaxRetries < 0 {
		errs = append(errs, errors.New("notifier.max_retries: must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	case "postgres", "postgresql", "pgx", "redis":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Dispatch.ViewerParallel < 0 {
		errs = append(errs, errors.New("dispatch.viewer_parallel: must be >= 0"))
	}

	seen := map[string]bool{}
	for i, s := range c.Sources {
		p := fmt.Sprintf("sources[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", p))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", p, name))
		}
		seen[name] = true

		switch strings.ToLower(strings.TrimSpace(s.Kind)) {
		case "command", "":
			if strings.TrimSpace(s.Command) == "" {
				errs = append(errs, fmt.Errorf("%s.command: required for command sources", p))
			}
		case "file":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("%s.path: required for file sources", p))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.kind: unknown kind %q", p, s.Kind))
		}
		if s.MaxPerTerm < 0 {
			errs = append(errs, fmt.Errorf("%s.max_per_term: must be >= 0", p))
		}
		dur(p+".term_spacing", s.TermSpacing)
		dur(p+".timeout", s.Timeout)
	}
	return errors.Join(errs...)
}
