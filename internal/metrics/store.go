package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.etcd.io/bbolt"
)

// RegisterPgxPoolMetrics exposes pgx connection pool statistics as Prometheus gauges.
func RegisterPgxPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pgxpool_acquired_conns",
			Help: "Number of currently acquired connections in the pool",
		}, func() float64 {
			return float64(pool.Stat().AcquiredConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pgxpool_max_conns",
			Help: "Maximum number of connections in the pool",
		}, func() float64 {
			return float64(pool.Stat().MaxConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pgxpool_idle_conns",
			Help: "Number of idle connections in the pool",
		}, func() float64 {
			return float64(pool.Stat().IdleConns())
		}),
	)
}

// RegisterBBoltMetrics exposes bbolt transaction statistics.
func RegisterBBoltMetrics(reg prometheus.Registerer, db *bbolt.DB) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bbolt_open_read_txs",
			Help: "Number of currently open read transactions",
		}, func() float64 {
			return float64(db.Stats().OpenTxN)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "bbolt_read_txs_total",
			Help: "Total number of started read transactions",
		}, func() float64 {
			return float64(db.Stats().TxN)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "bbolt_write_txs_total",
			Help: "Total number of committed write transactions",
		}, func() float64 {
			stats := db.Stats()
			return float64(stats.TxStats.GetWrite())
		}),
	)
}
