package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LegProvider exposes call leg counts from the leg registry.
type LegProvider interface {
	ActiveCount() int
	CreatedTotal() uint64
}

// EventCount is the number of processed events of one kind and status.
type EventCount struct {
	Event  string
	Status string
	Count  int64
}

// EventCounter returns processed call event totals, usually from the journal.
type EventCounter interface {
	CountByEvent(ctx context.Context) ([]EventCount, error)
}

// ThrottleCounter reports how many webhook requests were rate limited.
type ThrottleCounter interface {
	Rejected() uint64
}

// Option configures a Collector.
type Option func(*Collector)

// WithThrottle reports throttled webhook requests from t.
func WithThrottle(t ThrottleCounter) Option {
	return func(c *Collector) { c.throttle = t }
}

// Collector is a prometheus.Collector that gathers mediabot metrics at scrape time.
type Collector struct {
	legs      LegProvider
	events    EventCounter
	throttle  ThrottleCounter
	startTime time.Time
	logger    *slog.Logger

	activeLegsDesc  *prometheus.Desc
	legsCreatedDesc *prometheus.Desc
	eventsTotalDesc *prometheus.Desc
	throttledDesc   *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(legs LegProvider, events EventCounter, startTime time.Time, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		legs:      legs,
		events:    events,
		startTime: startTime,
		logger:    logger.With("subsystem", "metrics"),

		activeLegsDesc: prometheus.NewDesc(
			"mediabot_active_call_legs",
			"Number of call legs currently tracked",
			nil, nil,
		),
		legsCreatedDesc: prometheus.NewDesc(
			"mediabot_call_legs_created_total",
			"Total number of call legs created (incoming and join)",
			nil, nil,
		),
		eventsTotalDesc: prometheus.NewDesc(
			"mediabot_call_events_total",
			"Total number of processed call events (from the journal)",
			[]string{"event", "status"}, nil,
		),
		throttledDesc: prometheus.NewDesc(
			"mediabot_webhook_requests_throttled_total",
			"Total number of webhook requests rejected by the rate limiter",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"mediabot_uptime_seconds",
			"Seconds since the mediabot process started",
			nil, nil,
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeLegsDesc
	ch <- c.legsCreatedDesc
	ch <- c.eventsTotalDesc
	ch <- c.throttledDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.legs != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeLegsDesc, prometheus.GaugeValue,
			float64(c.legs.ActiveCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.legsCreatedDesc, prometheus.CounterValue,
			float64(c.legs.CreatedTotal()),
		)
	}

	if c.events != nil {
		counts, err := c.events.CountByEvent(ctx)
		if err != nil {
			c.logger.Error("failed to count call events", "error", err)
		} else {
			for _, e := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.eventsTotalDesc, prometheus.CounterValue,
					float64(e.Count), e.Event, e.Status,
				)
			}
		}
	}

	if c.throttle != nil {
		ch <- prometheus.MustNewConstMetric(
			c.throttledDesc, prometheus.CounterValue,
			float64(c.throttle.Rejected()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
