package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingwatch/internal/dispatch"
	"listingwatch/internal/eventbus"
	"listingwatch/internal/notifier"
	logx "listingwatch/pkg/logx"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestMonitor() (*Monitor, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := New(logx.Nop())
	m.now = clk.Now
	return m, clk
}

func TestRunLifecycle(t *testing.T) {
	m, clk := newTestMonitor()

	m.StartRun("tori")
	m.RecordTerm("tori", "rigol", 12)
	m.RecordTerm("tori", "genelec", 3)
	m.RecordError("tori", errors.New("producer exited 1"))
	m.RecordBatch(dispatch.BatchStats{Source: "tori", Total: 15, Inserted: 2, Failed: 1, NewURLs: []string{"https://a", "https://b"}})
	m.RecordNotification("https://a", true)
	m.RecordNotification("https://b", false)
	m.RecordNotification("https://unknown", true)
	clk.t = clk.t.Add(90 * time.Second)

	st := m.CompleteRun("tori")
	assert.Equal(t, 2, st.TermsProcessed)
	assert.Equal(t, 15, st.URLsFound)
	assert.Equal(t, 2, st.NewURLs)
	assert.Equal(t, 1, st.Errors)
	assert.Equal(t, 1, st.InsertFailures)
	assert.Equal(t, 1, st.NotificationsSent)
	assert.Equal(t, 1, st.NotificationsFailed)
	assert.Equal(t, 90*time.Second, st.Duration)
	assert.False(t, st.Active())
	assert.InDelta(t, 50.0, st.SuccessRate(), 0.001)
}

func TestStartRunResetsStats(t *testing.T) {
	m, _ := newTestMonitor()
	m.StartRun("tori")
	m.RecordTerm("tori", "rigol", 5)
	m.CompleteRun("tori")

	m.StartRun("tori")
	st, ok := m.Run("tori")
	require.True(t, ok)
	assert.Zero(t, st.TermsProcessed)
	assert.True(t, st.Active())
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 100.0, RunStats{}.SuccessRate())
	assert.Equal(t, 100.0, RunStats{TermsProcessed: 4}.SuccessRate())
	assert.Equal(t, 75.0, RunStats{TermsProcessed: 4, Errors: 1}.SuccessRate())
	assert.Equal(t, 0.0, RunStats{Errors: 2}.SuccessRate())
}

func TestHealth(t *testing.T) {
	m, clk := newTestMonitor()
	assert.Equal(t, Health{Status: StatusHealthy}, m.Health())

	m.StartRun("tori")
	m.StartRun("duunitori")
	m.RecordError("duunitori", errors.New("timeout"))
	m.CompleteRun("duunitori")

	h := m.Health()
	assert.Equal(t, StatusWarning, h.Status)
	assert.Equal(t, 1, h.ActiveRuns)
	assert.Equal(t, 1, h.RecentErrors)

	clk.t = clk.t.Add(2 * time.Hour)
	assert.Equal(t, StatusHealthy, m.Health().Status)
}

func TestWatchCountsNotifications(t *testing.T) {
	m, _ := newTestMonitor()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx, bus)
	}()
	defer func() {
		cancel()
		<-done
	}()

	m.StartRun("tori")
	m.RecordBatch(dispatch.BatchStats{Source: "tori", Inserted: 2, NewURLs: []string{"https://a", "https://b"}})

	// Subscription happens inside Watch; publish until it is observed.
	require.Eventually(t, func() bool {
		eventbus.Emit(bus, eventbus.NotifySent, notifier.Event{Payload: "https://a"})
		st, _ := m.Run("tori")
		return st.NotificationsSent == 1
	}, 2*time.Second, 10*time.Millisecond)

	eventbus.Emit(bus, eventbus.NotifyDropped, notifier.Event{Payload: "https://b"})
	eventbus.Emit(bus, eventbus.DispatchBatch, dispatch.BatchStats{Source: "x"})
	require.Eventually(t, func() bool {
		st, _ := m.Run("tori")
		return st.NotificationsFailed == 1
	}, 2*time.Second, 10*time.Millisecond)

	st, _ := m.Run("tori")
	assert.Equal(t, 1, st.NotificationsSent)
}
