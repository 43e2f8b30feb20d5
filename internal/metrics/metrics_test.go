package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingwatch/internal/dispatch"
	"listingwatch/internal/eventbus"
	"listingwatch/internal/monitor"
	"listingwatch/internal/notifier"
)

type fakeQueue struct {
	pending    int
	processing bool
}

func (q fakeQueue) Pending() int      { return q.pending }
func (q fakeQueue) Processing() bool { return q.processing }

func event(typ string, data any) eventbus.Event {
	return eventbus.Event{Type: typ, Time: time.Now(), Data: data}
}

func TestObserveNotificationEvents(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	c.Observe(event(eventbus.NotifyQueued, notifier.Event{Payload: "a"}))
	c.Observe(event(eventbus.NotifyQueued, notifier.Event{Payload: "b"}))
	c.Observe(event(eventbus.NotifyRetry, notifier.Event{Payload: "a", Attempt: 1, Wait: 5 * time.Second}))
	c.Observe(event(eventbus.NotifySent, notifier.Event{Payload: "a", Queued: 2 * time.Second}))
	c.Observe(event(eventbus.NotifyDropped, notifier.Event{Payload: "b"}))
	c.Observe(event(eventbus.NotifySkipped, notifier.Event{Payload: "c"}))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.notifications.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.queueWait, "listingwatch_notification_queue_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(c.retryWait, "listingwatch_notification_retry_wait_seconds"))
}

func TestObserveBatchAndRun(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	c.Observe(event(eventbus.DispatchBatch, dispatch.BatchStats{Source: "tori", Total: 5, Inserted: 2, Duplicates: 2, Failed: 1, Took: time.Second}))
	c.Observe(event(eventbus.ViewerFailed, dispatch.ViewerFailure{URL: "x", Error: "boom"}))
	c.Observe(event(eventbus.SourceRun, monitor.RunStats{Source: "tori", TermsProcessed: 3, Duration: time.Minute}))
	c.Observe(event(eventbus.SourceRun, monitor.RunStats{Source: "tori", TermsProcessed: 1, Errors: 1}))
	// Unknown payloads are ignored.
	c.Observe(event(eventbus.DispatchBatch, "garbage"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches.WithLabelValues("tori")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.urls.WithLabelValues("tori", "inserted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.urls.WithLabelValues("tori", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.urls.WithLabelValues("tori", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.viewerErr))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("tori", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("tori", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.runTerms.WithLabelValues("tori")))
}

func TestConsumeFromBus(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Consume(context.Background(), ch)
	}()
	eventbus.Emit(bus, eventbus.NotifySent, notifier.Event{Payload: "a"})
	unsub()
	<-done

	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("sent")))
}

func TestHandlerExposesQueueGauges(t *testing.T) {
	c, err := New(fakeQueue{pending: 3, processing: true})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "listingwatch_notification_queue_depth 3"), string(body))
	assert.True(t, strings.Contains(string(body), "listingwatch_notification_queue_processing 1"), string(body))
}
