package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// storePoolCollector reports the Postgres cache store's pgxpool statistics.
type storePoolCollector struct {
	pool *pgxpool.Pool

	acquired      *prometheus.Desc
	idle          *prometheus.Desc
	total         *prometheus.Desc
	max           *prometheus.Desc
	acquires      *prometheus.Desc
	emptyAcquires *prometheus.Desc
	acquireWait   *prometheus.Desc
}

func poolDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("flagsync_store_pool_"+name, help, nil, nil)
}

// RegisterPoolMetrics registers a collector that reads live pgxpool
// statistics on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(&storePoolCollector{
		pool:          pool,
		acquired:      poolDesc("acquired", "Number of currently acquired cache store connections."),
		idle:          poolDesc("idle", "Number of idle connections in the cache store pool."),
		total:         poolDesc("total", "Total number of connections in the cache store pool."),
		max:           poolDesc("max", "Maximum number of connections allowed in the cache store pool."),
		acquires:      poolDesc("acquires_total", "Cumulative number of successful connection acquires."),
		emptyAcquires: poolDesc("empty_acquires_total", "Cumulative number of acquires that had to wait for a connection."),
		acquireWait:   poolDesc("acquire_seconds_total", "Cumulative time spent acquiring connections."),
	})
}

func (c *storePoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.acquireWait
}

func (c *storePoolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()

	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(stat.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(stat.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(stat.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, stat.AcquireDuration().Seconds())
}
