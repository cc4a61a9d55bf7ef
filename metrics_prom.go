package ekernel

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromCollector adapts a *Metrics into a prometheus.Collector without
// touching the hot-path atomic counters on every scrape decision — it
// simply reads them under Collect.
type PromCollector struct {
	m *Metrics

	eventsSubmitted *prometheus.Desc
	eventsCompleted *prometheus.Desc
	eventsErrored   *prometheus.Desc
	workflowsActive *prometheus.Desc
	deckProcessed   *prometheus.Desc
	deckErrors      *prometheus.Desc
	avgLatency      *prometheus.Desc
	watchdogKills   *prometheus.Desc
}

// deckNames mirrors spec.md §4.3's deck catalogue order.
var deckNames = [5]string{"operations", "storage", "hardware", "network", "execution"}

// NewPromCollector wraps m for registration with a prometheus.Registry.
func NewPromCollector(m *Metrics) *PromCollector {
	return &PromCollector{
		m:               m,
		eventsSubmitted: prometheus.NewDesc("ekernel_events_submitted_total", "Total events submitted via notify(Submit).", nil, nil),
		eventsCompleted: prometheus.NewDesc("ekernel_events_completed_total", "Total events completed successfully.", nil, nil),
		eventsErrored:   prometheus.NewDesc("ekernel_events_errored_total", "Total events completed with an error.", nil, nil),
		workflowsActive: prometheus.NewDesc("ekernel_workflows_active", "Workflows currently registered and not terminal.", nil, nil),
		deckProcessed:   prometheus.NewDesc("ekernel_deck_processed_total", "Routing entries successfully processed per deck.", []string{"deck"}, nil),
		deckErrors:      prometheus.NewDesc("ekernel_deck_errors_total", "Routing entries failed per deck.", []string{"deck"}, nil),
		avgLatency:      prometheus.NewDesc("ekernel_avg_latency_ns", "Running average event latency in nanoseconds.", nil, nil),
		watchdogKills:   prometheus.NewDesc("ekernel_watchdog_kills_total", "Processes killed by the scheduler watchdog.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PromCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsSubmitted
	ch <- c.eventsCompleted
	ch <- c.eventsErrored
	ch <- c.workflowsActive
	ch <- c.deckProcessed
	ch <- c.deckErrors
	ch <- c.avgLatency
	ch <- c.watchdogKills
}

// Collect implements prometheus.Collector.
func (c *PromCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.eventsSubmitted, prometheus.CounterValue, float64(c.m.EventsSubmitted.Load()))
	ch <- prometheus.MustNewConstMetric(c.eventsCompleted, prometheus.CounterValue, float64(c.m.EventsCompleted.Load()))
	ch <- prometheus.MustNewConstMetric(c.eventsErrored, prometheus.CounterValue, float64(c.m.EventsErrored.Load()))
	active := c.m.WorkflowsRegistered.Load() - c.m.WorkflowsCompleted.Load() - c.m.WorkflowsErrored.Load()
	ch <- prometheus.MustNewConstMetric(c.workflowsActive, prometheus.GaugeValue, float64(active))
	for i, name := range deckNames {
		ch <- prometheus.MustNewConstMetric(c.deckProcessed, prometheus.CounterValue, float64(c.m.DeckProcessed[i].Load()), name)
		ch <- prometheus.MustNewConstMetric(c.deckErrors, prometheus.CounterValue, float64(c.m.DeckErrors[i].Load()), name)
	}
	ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, float64(c.m.AverageLatencyNs()))
	ch <- prometheus.MustNewConstMetric(c.watchdogKills, prometheus.CounterValue, float64(c.m.WatchdogKills.Load()))
}
