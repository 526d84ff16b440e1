package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/agigate/internal/callfile"
)

// SessionStatsProvider exposes the AGI acceptor counters.
type SessionStatsProvider interface {
	ActiveSessions() int
	AcceptedTotal() uint64
	FailedTotal() uint64
}

// CallFileStatsProvider exposes the outbound scheduler counters.
type CallFileStatsProvider interface {
	PlacedTotal() uint64
	CancelledTotal() uint64
	List() ([]callfile.Scheduled, error)
}

// StoredSessionCounter returns the number of persisted call sessions.
type StoredSessionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers agigate metrics at scrape time.
type Collector struct {
	sessions  SessionStatsProvider
	callfiles CallFileStatsProvider
	stored    StoredSessionCounter
	startTime time.Time
	logger    *slog.Logger

	activeSessionsDesc *prometheus.Desc
	acceptedDesc       *prometheus.Desc
	failedDesc         *prometheus.Desc
	placedDesc         *prometheus.Desc
	cancelledDesc      *prometheus.Desc
	scheduledDesc      *prometheus.Desc
	storedDesc         *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionStatsProvider,
	callfiles CallFileStatsProvider,
	stored StoredSessionCounter,
	startTime time.Time,
	logger *slog.Logger,
) *Collector {
	return &Collector{
		sessions:  sessions,
		callfiles: callfiles,
		stored:    stored,
		startTime: startTime,
		logger:    logger.With("component", "metrics"),

		activeSessionsDesc: prometheus.NewDesc(
			"agigate_active_sessions",
			"Number of AGI sessions currently in progress",
			nil, nil,
		),
		acceptedDesc: prometheus.NewDesc(
			"agigate_sessions_accepted_total",
			"Total AGI connections accepted",
			nil, nil,
		),
		failedDesc: prometheus.NewDesc(
			"agigate_sessions_failed_total",
			"Total AGI sessions that ended with an error",
			nil, nil,
		),
		placedDesc: prometheus.NewDesc(
			"agigate_calls_placed_total",
			"Total call files published to the spool",
			nil, nil,
		),
		cancelledDesc: prometheus.NewDesc(
			"agigate_calls_cancelled_total",
			"Total deferred calls cancelled",
			nil, nil,
		),
		scheduledDesc: prometheus.NewDesc(
			"agigate_calls_scheduled",
			"Calls waiting in the deferred spool",
			nil, nil,
		),
		storedDesc: prometheus.NewDesc(
			"agigate_stored_sessions",
			"Call sessions held by the session store",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"agigate_uptime_seconds",
			"Seconds since the agigate process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.acceptedDesc
	ch <- c.failedDesc
	ch <- c.placedDesc
	ch <- c.cancelledDesc
	ch <- c.scheduledDesc
	ch <- c.storedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveSessions()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.acceptedDesc, prometheus.CounterValue,
			float64(c.sessions.AcceptedTotal()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.failedDesc, prometheus.CounterValue,
			float64(c.sessions.FailedTotal()),
		)
	}

	if c.callfiles != nil {
		ch <- prometheus.MustNewConstMetric(
			c.placedDesc, prometheus.CounterValue,
			float64(c.callfiles.PlacedTotal()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.cancelledDesc, prometheus.CounterValue,
			float64(c.callfiles.CancelledTotal()),
		)
		scheduled, err := c.callfiles.List()
		if err != nil {
			c.logger.Error("metrics: failed to list scheduled calls", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.scheduledDesc, prometheus.GaugeValue,
				float64(len(scheduled)),
			)
		}
	}

	if c.stored != nil {
		count, err := c.stored.Count(ctx)
		if err != nil {
			c.logger.Error("metrics: failed to count stored sessions", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.storedDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
