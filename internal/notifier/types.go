package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRetriesExhausted is returned when the transport kept signalling rate limits past MaxRetries.
	ErrRetriesExhausted = errors.New("notifier: retries exhausted")
	ErrClosed           = errors.New("notifier: queue closed")
)

// Sender is the outbound message transport.
//
// A Sender returns *RateLimitedError when the remote side asks to slow down;
// any other error is treated as transient.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// RateLimitedError reports a "too many requests" answer. RetryAfter may be 0
// when the transport did not say how long to wait.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// Config controls pacing and retries. Zero values are taken literally: the
// zero Config sends without pacing and without retries. Start from
// DefaultConfig for the usual settings. Only DefaultRetryAfter falls back to
// its default when zero.
type Config struct {
	// RateLimitDelay is the pause between two successive deliveries.
	RateLimitDelay time.Duration
	// MaxRetries bounds retries per message; a message is attempted at most MaxRetries+1 times.
	MaxRetries int
	// RetryBackoff is the pause after a non rate-limit failure.
	RetryBackoff time.Duration
	// DefaultRetryAfter is used when a rate-limit signal carries no duration.
	DefaultRetryAfter time.Duration
	// SendTimeout bounds a single transport call. 0 disables it.
	SendTimeout time.Duration
}

// DefaultConfig paces deliveries one second apart and retries three times.
func DefaultConfig() Config {
	return Config{
		RateLimitDelay:    time.Second,
		MaxRetries:        3,
		RetryBackoff:      time.Second,
		DefaultRetryAfter: 5 * time.Second,
		SendTimeout:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateLimitDelay < 0 {
		c.RateLimitDelay = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = d.DefaultRetryAfter
	}
	if c.SendTimeout < 0 {
		c.SendTimeout = 0
	}
	return c
}

// PendingMessage is a message waiting in the queue.
type PendingMessage struct {
	Payload    string
	EnqueuedAt time.Time
}

// DeliveryAttempt is the state of one message's send/retry chain.
type DeliveryAttempt struct {
	Message    PendingMessage
	RetryCount int
	LastError  error
}

// Event is the payload of notify.* bus events.
type Event struct {
	Payload string        `json:"payload"`
	Attempt int           `json:"attempt,omitempty"`
	Wait    time.Duration `json:"wait,omitempty"`
	Queued  time.Duration `json:"queued,omitempty"`
	Error   string        `json:"error,omitempty"`
}
