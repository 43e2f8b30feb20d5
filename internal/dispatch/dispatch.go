// Package dispatch turns a batch of discovered URLs into notifications.
//
// For each URL, in batch order, the durable set decides whether it is new.
// New URLs are handed to the notification queue and, on request, opened in
// the viewer. Storage can be bypassed entirely for preview runs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listingwatch/internal/eventbus"
	"listingwatch/internal/storage"
	"listingwatch/internal/viewer"
	logx "listingwatch/pkg/logx"
)

// Enqueuer accepts a message for asynchronous delivery. *notifier.Queue implements it.
type Enqueuer interface {
	Enqueue(message string)
}

// Options selects how one batch is handled. SkipStorage opens every URL in
// the viewer and sends nothing, whatever OpenInViewer says.
type Options struct {
	OpenInViewer bool
	SkipStorage  bool
	// Source names the producer of the batch, for logs and stats.
	Source string
}

// BatchStats is published as the payload of eventbus.DispatchBatch.
type BatchStats struct {
	Source       string        `json:"source"`
	Total        int           `json:"total"`
	Inserted     int           `json:"inserted"`
	Duplicates   int           `json:"duplicates"`
	Failed       int           `json:"failed"`
	Opened       int           `json:"opened"`
	ViewerFailed int           `json:"viewer_failed"`
	Took         time.Duration `json:"took"`
	// NewURLs lists the inserted URLs in batch order.
	NewURLs []string `json:"new_urls,omitempty"`
}

// Orchestrator records batches in the URL store and queues new URLs.
type Orchestrator struct {
	open   storage.Opener
	queue  Enqueuer
	viewer viewer.Opener
	log    logx.Logger
	bus    eventbus.Bus

	viewerParallel int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithViewerParallel bounds concurrent viewer launches. n <= 0 keeps the default.
func WithViewerParallel(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.viewerParallel = n
		}
	}
}

// WithBus publishes a dispatch.batch event after every batch.
func WithBus(bus eventbus.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// New builds an Orchestrator. A nil viewer never opens anything.
func New(open storage.Opener, queue Enqueuer, v viewer.Opener, log logx.Logger, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if v == nil {
		v = viewer.Nop{}
	}
	o := &Orchestrator{open: open, queue: queue, viewer: v, log: log, viewerParallel: 4}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessBatch records urls and notifies about the new ones.
//
// It returns after every insert has been decided and every viewer attempt
// has finished; notification delivery continues in the background. A store
// that cannot be opened fails the whole batch with storage.ErrStorageUnavailable.
// Per-URL insert errors and viewer errors are logged and skipped.
func (o *Orchestrator) ProcessBatch(ctx context.Context, urls []string, opt Options) (BatchStats, error) {
	st := BatchStats{Source: opt.Source, Total: len(urls)}
	if len(urls) == 0 {
		return st, nil
	}
	start := time.Now()
	log := o.log
	if opt.Source != "" {
		log = log.With(logx.String("source", opt.Source))
	}

	views := newViewerGroup(ctx, o, log, &st)

	if opt.SkipStorage {
		log.Info("storage skipped; opening urls without recording them", logx.Int("urls", len(urls)))
		for _, u := range urls {
			views.open(u)
		}
		views.wait()
		o.finish(log, &st, start)
		return st, nil
	}

	store, err := o.open(ctx)
	if err != nil {
		log.Error("failed to open url store", logx.Err(err))
		if !errors.Is(err, storage.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
		}
		return st, err
	}

	var runErr error
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		inserted, err := store.InsertIfAbsent(ctx, u)
		switch {
		case err != nil:
			st.Failed++
			log.Warn("failed to record url", logx.String("url", u), logx.Err(err))
		case !inserted:
			st.Duplicates++
			log.Debug("url already seen", logx.String("url", u))
		default:
			st.Inserted++
			st.NewURLs = append(st.NewURLs, u)
			log.Info("new url recorded", logx.String("url", u))
			o.queue.Enqueue(u)
			if opt.OpenInViewer {
				views.open(u)
			}
		}
	}

	closeErr := store.Close()
	if closeErr != nil {
		log.Error("failed to close url store", logx.Err(closeErr))
		closeErr = fmt.Errorf("close store: %w", closeErr)
	}
	views.wait()
	o.finish(log, &st, start)
	return st, errors.Join(runErr, closeErr)
}

func (o *Orchestrator) finish(log logx.Logger, st *BatchStats, start time.Time) {
	st.Took = time.Since(start)
	log.Info("batch processed",
		logx.Int("total", st.Total),
		logx.Int("new", st.Inserted),
		logx.Int("duplicates", st.Duplicates),
		logx.Int("failed", st.Failed),
		logx.Duration("took", st.Took),
	)
	eventbus.Emit(o.bus, eventbus.DispatchBatch, *st)
}
