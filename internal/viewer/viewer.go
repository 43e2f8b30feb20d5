// Package viewer opens discovered URLs in the local desktop browser.
package viewer

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/pkg/browser"

	logx "listingwatch/pkg/logx"
)

var ErrEmptyURL = errors.New("viewer: empty url")

// Opener presents a URL to a human. Failures never affect storage or
// notifications.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Browser opens URLs with the platform's default browser.
type Browser struct {
	log  logx.Logger
	open func(url string) error
}

func NewBrowser(log logx.Logger) *Browser {
	if log.IsZero() {
		log = logx.Nop()
	}
	// Keep the launcher's own output out of our logs.
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
	return &Browser{log: log, open: browser.OpenURL}
}

func (b *Browser) Open(ctx context.Context, url string) error {
	if strings.TrimSpace(url) == "" {
		return ErrEmptyURL
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.open(url); err != nil {
		return err
	}
	b.log.Debug("opened in browser", logx.String("url", url))
	return nil
}

// Nop discards every URL.
type Nop struct{}

func (Nop) Open(context.Context, string) error { return nil }
