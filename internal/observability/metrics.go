package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	migrationTxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nos_migration_tx_total",
			Help: "Finished migration transactions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	stageSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nos_migration_stage_seconds",
			Help:    "Duration of stage commit/cleanup/rollback calls.",
			Buckets: []float64{0.1, 1, 10, 60, 600, 3600, 6 * 3600, 24 * 3600},
		},
		[]string{"stage", "phase"},
	)
	replaceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nos_migration_replace_total",
			Help: "Drive replacements issued against pools.",
		},
	)
	resilveringGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nos_migration_resilvering",
			Help: "1 while the last poll of a migrating pool reported a resilver.",
		},
		[]string{"pool"},
	)
	jobsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nos_jobs_skipped_total",
			Help: "Scheduled jobs skipped because a maintenance window was active.",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(migrationTxTotal)
	prometheus.MustRegister(stageSeconds)
	prometheus.MustRegister(replaceTotal)
	prometheus.MustRegister(resilveringGauge)
	prometheus.MustRegister(jobsSkipped)
}

func IncMigrationTx(kind string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	migrationTxTotal.WithLabelValues(kind, outcome).Inc()
}

func ObserveStage(stage, phase string, d time.Duration) {
	stageSeconds.WithLabelValues(stage, phase).Observe(d.Seconds())
}

func IncReplace() { replaceTotal.Inc() }

func SetResilvering(pool string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	resilveringGauge.WithLabelValues(pool).Set(v)
}

func IncJobSkipped(job string) { jobsSkipped.WithLabelValues(job).Inc() }
