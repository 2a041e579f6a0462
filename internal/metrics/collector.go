package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// LiveStats exposes in-process state read at scrape time.
type LiveStats interface {
	ActiveSessions() int
	ActiveRecordings() int
	SSESubscriberCount() int
	TranscriptionQueueDepth() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats LiveStats

	activeSessions   *prometheus.Desc
	activeRecordings *prometheus.Desc
	sseSubscribers   *prometheus.Desc
	queueDepth       *prometheus.Desc
	dbTotalConns     *prometheus.Desc
	dbAcquiredConns  *prometheus.Desc
	dbIdleConns      *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil when running on in-memory stores.
func NewCollector(pool *pgxpool.Pool, stats LiveStats) *Collector {
	gauge := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	return &Collector{
		pool:             pool,
		stats:            stats,
		activeSessions:   gauge("", "sessions_active", "Signed-in sessions."),
		activeRecordings: gauge("", "recordings_active", "Capture sessions currently recording or paused."),
		sseSubscribers:   gauge("", "sse_subscribers_active", "Current number of SSE subscribers."),
		queueDepth:       gauge("transcription", "queue_depth", "Transcription jobs waiting for a worker."),
		dbTotalConns:     gauge("db_pool", "total_conns", "Total database pool connections."),
		dbAcquiredConns:  gauge("db_pool", "acquired_conns", "Database pool connections currently in use."),
		dbIdleConns:      gauge("db_pool", "idle_conns", "Database pool idle connections."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessions
	ch <- c.activeRecordings
	ch <- c.sseSubscribers
	ch <- c.queueDepth
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var sessions, recordings, subscribers, depth float64
	if c.stats != nil {
		sessions = float64(c.stats.ActiveSessions())
		recordings = float64(c.stats.ActiveRecordings())
		subscribers = float64(c.stats.SSESubscriberCount())
		depth = float64(c.stats.TranscriptionQueueDepth())
	}
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, sessions)
	ch <- prometheus.MustNewConstMetric(c.activeRecordings, prometheus.GaugeValue, recordings)
	ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, subscribers)
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, depth)

	var total, acquired, idle float64
	if c.pool != nil {
		stat := c.pool.Stat()
		total = float64(stat.TotalConns())
		acquired = float64(stat.AcquiredConns())
		idle = float64(stat.IdleConns())
	}
	ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, total)
	ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, acquired)
	ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, idle)
}
