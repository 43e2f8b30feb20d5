// Package notifier delivers new-listing notifications one at a time.
//
// Queue keeps messages in FIFO order and runs at most one drain loop at a
// time. Each message is sent through a Sender (e.g. the Telegram transport)
// with bounded retries; successive sends are spaced by a fixed delay so the
// messaging API's own rate limits are rarely hit.
//
// Delivery is best-effort: a message that still fails after MaxRetries is
// logged and dropped. Nothing is persisted.
package notifier
