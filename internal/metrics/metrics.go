// Package metrics exports listingwatch activity as Prometheus collectors.
// Collectors are fed from the event bus, so components stay unaware of them.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"listingwatch/internal/dispatch"
	"listingwatch/internal/eventbus"
	"listingwatch/internal/monitor"
	"listingwatch/internal/notifier"
)

const namespace = "listingwatch"

// QueueStats is read when the registry is scraped. *notifier.Queue implements it.
type QueueStats interface {
	Pending() int
	Processing() bool
}

type Collector struct {
	reg *prometheus.Registry

	notifications *prometheus.CounterVec
	queueWait     prometheus.Histogram
	retryWait     prometheus.Histogram

	batches   *prometheus.CounterVec
	urls      *prometheus.CounterVec
	batchTook prometheus.Histogram
	viewerErr prometheus.Counter

	runs     *prometheus.CounterVec
	runTook  *prometheus.HistogramVec
	runTerms *prometheus.CounterVec
}

// New registers the collectors on a private registry. queue may be nil.
func New(queue QueueStats) (*Collector, error) {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification queue events partitioned by outcome.",
		}, []string{"outcome"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_queue_seconds",
			Help:      "Time from enqueue to successful delivery.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		retryWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_retry_wait_seconds",
			Help:      "Pause before a notification retry.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_batches_total",
			Help:      "Dispatched URL batches partitioned by source.",
		}, []string{"source"}),
		urls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_urls_total",
			Help:      "Dispatched URLs partitioned by source and result.",
		}, []string{"source", "result"}),
		batchTook: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_batch_seconds",
			Help:      "Wall time per dispatched batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		viewerErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_failures_total",
			Help:      "Viewer launches that failed.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_runs_total",
			Help:      "Completed source runs partitioned by source and result.",
		}, []string{"source", "result"}),
		runTook: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_run_seconds",
			Help:      "Wall time per source run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"source"}),
		runTerms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_terms_total",
			Help:      "Search terms processed partitioned by source.",
		}, []string{"source"}),
	}

	collectors := []prometheus.Collector{
		c.notifications, c.queueWait, c.retryWait,
		c.batches, c.urls, c.batchTook, c.viewerErr,
		c.runs, c.runTook, c.runTerms,
	}
	if queue != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notification_queue_depth",
				Help:      "Messages waiting for delivery.",
			}, func() float64 { return float64(queue.Pending()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notification_queue_processing",
				Help:      "1 while a delivery loop is running.",
			}, func() float64 {
				if queue.Processing() {
					return 1
				}
				return 0
			}),
		)
	}
	for _, col := range collectors {
		if err := c.reg.Register(col); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Consume updates collectors from events until ctx is done or ch closes.
func (c *Collector) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Observe applies a single event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.NotifyQueued:
		c.notifications.WithLabelValues("queued").Inc()
	case eventbus.NotifySkipped:
		c.notifications.WithLabelValues("skipped").Inc()
	case eventbus.NotifyDropped:
		c.notifications.WithLabelValues("dropped").Inc()
	case eventbus.NotifyRetry:
		c.notifications.WithLabelValues("retry").Inc()
		if ev, ok := e.Data.(notifier.Event); ok && ev.Wait > 0 {
			c.retryWait.Observe(ev.Wait.Seconds())
		}
	case eventbus.NotifySent:
		c.notifications.WithLabelValues("sent").Inc()
		if ev, ok := e.Data.(notifier.Event); ok {
			c.queueWait.Observe(ev.Queued.Seconds())
		}
	case eventbus.DispatchBatch:
		st, ok := e.Data.(dispatch.BatchStats)
		if !ok {
			return
		}
		src := label(st.Source)
		c.batches.WithLabelValues(src).Inc()
		c.urls.WithLabelValues(src, "inserted").Add(float64(st.Inserted))
		c.urls.WithLabelValues(src, "duplicate").Add(float64(st.Duplicates))
		c.urls.WithLabelValues(src, "failed").Add(float64(st.Failed))
		c.batchTook.Observe(st.Took.Seconds())
	case eventbus.ViewerFailed:
		c.viewerErr.Inc()
	case eventbus.SourceRun:
		st, ok := e.Data.(monitor.RunStats)
		if !ok {
			return
		}
		src := label(st.Source)
		result := "ok"
		if st.Errors > 0 || st.InsertFailures > 0 {
			result = "error"
		}
		c.runs.WithLabelValues(src, result).Inc()
		c.runTook.WithLabelValues(src).Observe(st.Duration.Seconds())
		c.runTerms.WithLabelValues(src).Add(float64(st.TermsProcessed))
	}
}

func label(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
