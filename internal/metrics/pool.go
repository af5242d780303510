package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

type poolGauge struct {
	desc  *prometheus.Desc
	value func(*pgxpool.Stat) float64
}

type poolCollector struct {
	pool   PoolStatter
	gauges []poolGauge
}

// RegisterPoolMetrics registers gauges that read connection pool statistics
// on every scrape. store becomes a constant label so several pools can share
// one registry.
func RegisterPoolMetrics(reg prometheus.Registerer, store string, pool PoolStatter) {
	labels := prometheus.Labels{"store": store}
	gauge := func(name, help string, value func(*pgxpool.Stat) float64) poolGauge {
		return poolGauge{desc: prometheus.NewDesc(name, help, nil, labels), value: value}
	}

	reg.MustRegister(&poolCollector{
		pool: pool,
		gauges: []poolGauge{
			gauge("variantz_db_pool_acquired", "Number of currently acquired database connections.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			gauge("variantz_db_pool_idle", "Number of idle database connections in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			gauge("variantz_db_pool_total", "Total number of database connections in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			gauge("variantz_db_pool_max", "Maximum number of database connections allowed in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.value(stat))
	}
}
