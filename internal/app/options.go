package app

import (
	"listingwatch/internal/notifier"
	"listingwatch/internal/viewer"
)

type options struct {
	sender    notifier.Sender
	viewer    viewer.Opener
	env       func(string) (string, bool)
	dotenv    []string
	queueOpts []notifier.Option
}

type Option func(*options)

// WithSender replaces the Telegram transport.
func WithSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

// WithViewer replaces the desktop browser.
func WithViewer(v viewer.Opener) Option { return func(o *options) { o.viewer = v } }

// WithEnv replaces the environment lookup used for config overrides.
func WithEnv(lookup func(string) (string, bool)) Option { return func(o *options) { o.env = lookup } }

// WithDotEnv sets the .env files loaded before the config. No paths
// disables loading.
func WithDotEnv(paths ...string) Option {
	return func(o *options) { o.dotenv = append([]string{}, paths...) }
}

func WithQueueOptions(opts ...notifier.Option) Option {
	return func(o *options) { o.queueOpts = append(o.queueOpts, opts...) }
}
