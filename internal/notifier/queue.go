package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"listingwatch/internal/eventbus"
	rtsup "listingwatch/internal/runtime/supervisor"
	logx "listingwatch/pkg/logx"
)

// Queue is a FIFO, single-flight, rate-limited delivery queue.
//
// One Queue is created at startup and lives for the whole process.
// It is safe for concurrent use.
type Queue struct {
	cfg        Config
	sender     Sender
	configured bool

	log   logx.Logger
	bus   eventbus.Bus
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	sup *rtsup.Supervisor

	mu         sync.Mutex
	pending    []PendingMessage
	processing bool
	closed     bool
	// idle is closed when the current drain loop stops; nil while idle.
	idle chan struct{}
}

type Option func(*Queue)

// WithSleep replaces the timer used for pacing and retry waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) {
		if fn != nil {
			q.sleep = fn
		}
	}
}

// New builds a queue. A nil sender leaves the queue unconfigured: Enqueue
// then only logs and drops the message.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		cfg:        cfg.withDefaults(),
		sender:     sender,
		configured: sender != nil,
		log:        log,
		bus:        bus,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	q.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(log.With(logx.String("comp", "notifier.sup"))),
		// a broken send must never take the process down
		rtsup.WithCancelOnError(false),
	)
	return q
}

// Apply swaps pacing and retry settings. Messages already in a retry chain
// keep the settings they started with.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

func (q *Queue) config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Configured reports whether a transport was available at construction.
func (q *Queue) Configured() bool { return q.configured }

// Pending returns the number of messages not yet dequeued.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Processing reports whether a drain loop is active.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Enqueue appends message and makes sure a drain loop is running.
// It never waits for delivery.
func (q *Queue) Enqueue(message string) {
	if !q.configured {
		q.log.Debug("notification transport not configured; skipping notification", logx.String("message", message))
		eventbus.Emit(q.bus, eventbus.NotifySkipped, Event{Payload: message})
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Warn("notification dropped; queue closed", logx.String("message", message))
		eventbus.Emit(q.bus, eventbus.NotifyDropped, Event{Payload: message, Error: ErrClosed.Error()})
		return
	}
	q.pending = append(q.pending, PendingMessage{Payload: message, EnqueuedAt: q.now()})
	depth := len(q.pending)
	start := !q.processing
	if start {
		q.processing = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	eventbus.Emit(q.bus, eventbus.NotifyQueued, Event{Payload: message})
	q.log.Trace("notification queued", logx.Int("depth", depth), logx.Bool("start_loop", start))
	if start {
		q.sup.Go0("notifier.drain", q.drain)
	}
}

// Drain blocks until the queue is idle (nothing pending, no loop running) or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.processing {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
			// A new loop may have started right after; check again.
		}
	}
}

// Close stops intake, waits for pending messages until ctx is done, then
// stops the drain loop. Messages still pending at the deadline are lost.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	err := q.Drain(ctx)
	q.sup.Cancel()
	if werr := q.sup.Wait(context.Background()); err == nil {
		err = werr
	}
	if left := q.Pending(); left > 0 {
		q.log.Warn("notifier closed with undelivered messages", logx.Int("pending", left))
	}
	return err
}

// drain is the single delivery loop. Only the goroutine that flipped
// processing to true runs it.
func (q *Queue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.stopLocked()
			q.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending[0] = PendingMessage{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		att := &DeliveryAttempt{Message: msg}
		if err := q.sendWithRetry(ctx, att); err != nil {
			q.log.Error("failed to send notification after retries",
				logx.String("message", msg.Payload),
				logx.Int("retries", att.RetryCount),
				logx.Err(err),
			)
			eventbus.Emit(q.bus, eventbus.NotifyDropped, Event{Payload: msg.Payload, Attempt: att.RetryCount + 1, Error: err.Error()})
		} else {
			queued := q.now().Sub(msg.EnqueuedAt)
			q.log.Info("notification sent", logx.String("message", msg.Payload), logx.Int("retries", att.RetryCount), logx.Duration("queued", queued))
			eventbus.Emit(q.bus, eventbus.NotifySent, Event{Payload: msg.Payload, Attempt: att.RetryCount + 1, Queued: queued})
		}

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.stopLocked()
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if err := q.sleep(ctx, q.config().RateLimitDelay); err != nil {
			// Shutdown: leave the rest pending and release the flag.
			q.mu.Lock()
			q.stopLocked()
			q.mu.Unlock()
			return
		}
	}
}

func (q *Queue) stopLocked() {
	q.processing = false
	if q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
}

// sendWithRetry delivers att.Message, retrying rate-limit and transient
// failures up to MaxRetries times.
func (q *Queue) sendWithRetry(ctx context.Context, att *DeliveryAttempt) error {
	cfg := q.config()
	for {
		err := q.sendOnce(ctx, cfg.SendTimeout, att.Message.Payload)
		if err == nil {
			return nil
		}
		att.LastError = err
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var (
			wait time.Duration
			rl   *RateLimitedError
		)
		if errors.As(err, &rl) {
			if att.RetryCount >= cfg.MaxRetries {
				return ErrRetriesExhausted
			}
			wait = rl.RetryAfter
			if wait <= 0 {
				wait = cfg.DefaultRetryAfter
			}
		} else {
			if att.RetryCount >= cfg.MaxRetries {
				return err
			}
			wait = cfg.RetryBackoff
		}

		att.RetryCount++
		q.log.Debug("notification send failed; retrying",
			logx.Int("retry", att.RetryCount),
			logx.Int("max", cfg.MaxRetries),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
		eventbus.Emit(q.bus, eventbus.NotifyRetry, Event{Payload: att.Message.Payload, Attempt: att.RetryCount, Wait: wait, Error: err.Error()})
		if err := q.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (q *Queue) sendOnce(ctx context.Context, timeout time.Duration, text string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return q.sender.Send(ctx, text)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
