// Package monitor keeps per-source run statistics and logs a summary when a
// run completes.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"listingwatch/internal/dispatch"
	"listingwatch/internal/eventbus"
	"listingwatch/internal/notifier"
	logx "listingwatch/pkg/logx"
)

// RunStats describes one run of one source.
type RunStats struct {
	Source              string        `json:"source"`
	Start               time.Time     `json:"start"`
	End                 time.Time     `json:"end,omitempty"`
	Duration            time.Duration `json:"duration,omitempty"`
	TermsProcessed      int           `json:"terms_processed"`
	URLsFound           int           `json:"urls_found"`
	NewURLs             int           `json:"new_urls"`
	Errors              int           `json:"errors"`
	InsertFailures      int           `json:"insert_failures"`
	NotificationsSent   int           `json:"notifications_sent"`
	NotificationsFailed int           `json:"notifications_failed"`
}

func (r RunStats) Active() bool { return r.End.IsZero() }

// SuccessRate is the percentage of terms that completed without error.
func (r RunStats) SuccessRate() float64 {
	if r.Errors == 0 {
		return 100
	}
	if r.TermsProcessed == 0 {
		return 0
	}
	rate := float64(r.TermsProcessed-r.Errors) / float64(r.TermsProcessed) * 100
	if rate < 0 {
		return 0
	}
	return rate
}

type Status string

const (
	StatusHealthy Status = "healthy"
	StatusWarning Status = "warning"
)

// Health summarizes recent runs.
type Health struct {
	Status       Status `json:"status"`
	ActiveRuns   int    `json:"active_runs"`
	RecentErrors int    `json:"recent_errors"`
}

// recentWindow is how far back Health looks for runs that ended with errors.
const recentWindow = time.Hour

type Monitor struct {
	log logx.Logger
	now func() time.Time

	mu   sync.Mutex
	runs map[string]*RunStats
	// owner maps a URL waiting for delivery to the source that found it.
	owner map[string]string
}

func New(log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{log: log, now: time.Now, runs: map[string]*RunStats{}, owner: map[string]string{}}
}

// StartRun resets the stats of source.
func (m *Monitor) StartRun(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[source] = &RunStats{Source: source, Start: m.now()}
	m.log.Info("run started", logx.String("source", source))
}

// RecordTerm records a finished search term.
func (m *Monitor) RecordTerm(source, term string, found int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runLocked(source)
	r.TermsProcessed++
	r.URLsFound += found
	m.log.Debug("term processed", logx.String("source", source), logx.String("term", term), logx.Int("found", found))
}

func (m *Monitor) RecordError(source string, err error) {
	m.mu.Lock()
	r := m.runLocked(source)
	r.Errors++
	m.mu.Unlock()
	m.log.Error("source error recorded", logx.String("source", source), logx.Err(err))
}

// RecordBatch accounts the outcome of a dispatched batch.
func (m *Monitor) RecordBatch(st dispatch.BatchStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runLocked(st.Source)
	r.NewURLs += st.Inserted
	r.InsertFailures += st.Failed
	for _, u := range st.NewURLs {
		m.owner[u] = st.Source
	}
}

// RecordNotification attributes a delivery outcome for url to its source.
func (m *Monitor) RecordNotification(url string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, found := m.owner[url]
	if !found {
		return
	}
	delete(m.owner, url)
	r := m.runLocked(src)
	if ok {
		r.NotificationsSent++
	} else {
		r.NotificationsFailed++
	}
}

// CompleteRun closes the run and logs its summary.
func (m *Monitor) CompleteRun(source string) RunStats {
	m.mu.Lock()
	r := m.runLocked(source)
	r.End = m.now()
	r.Duration = r.End.Sub(r.Start)
	out := *r
	m.mu.Unlock()

	m.log.Info("run completed",
		logx.String("source", source),
		logx.Duration("duration", out.Duration),
		logx.Int("terms_processed", out.TermsProcessed),
		logx.Int("urls_found", out.URLsFound),
		logx.Int("new_urls", out.NewURLs),
		logx.Int("errors", out.Errors),
		logx.Int("notifications_sent", out.NotificationsSent),
		logx.Int("notifications_failed", out.NotificationsFailed),
		logx.String("success_rate", fmt.Sprintf("%.2f%%", out.SuccessRate())),
	)
	return out
}

// Run returns the latest stats of source.
func (m *Monitor) Run(source string) (RunStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[source]
	if !ok {
		return RunStats{}, false
	}
	return *r, true
}

// Runs returns the latest stats of every source, sorted by name.
func (m *Monitor) Runs() []RunStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunStats, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (m *Monitor) Health() Health {
	now := m.now()
	h := Health{Status: StatusHealthy}
	for _, r := range m.Runs() {
		if r.Active() {
			h.ActiveRuns++
			continue
		}
		if r.Errors > 0 && now.Sub(r.End) < recentWindow {
			h.RecentErrors++
		}
	}
	if h.RecentErrors > 0 {
		h.Status = StatusWarning
	}
	return h
}

// Watch feeds notification outcomes from bus until ctx is done.
func (m *Monitor) Watch(ctx context.Context, bus eventbus.Bus) {
	if bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	m.Consume(ctx, ch)
}

// Consume is Watch over an existing subscription, for callers that must
// subscribe before the first event is published.
func (m *Monitor) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ev, isNotify := e.Data.(notifier.Event)
			if !isNotify {
				continue
			}
			switch e.Type {
			case eventbus.NotifySent:
				m.RecordNotification(ev.Payload, true)
			case eventbus.NotifyDropped:
				m.RecordNotification(ev.Payload, false)
			}
		}
	}
}

func (m *Monitor) runLocked(source string) *RunStats {
	r, ok := m.runs[source]
	if !ok {
		r = &RunStats{Source: source, Start: m.now()}
		m.runs[source] = r
	}
	return r
}
