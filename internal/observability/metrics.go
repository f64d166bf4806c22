package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all upperflow Prometheus metrics.
type Metrics struct {
	RecordsTotal   *prometheus.CounterVec
	RecordDuration *prometheus.HistogramVec
	SinkOutcomes   *prometheus.CounterVec
	ErrorRecords   *prometheus.CounterVec
	DLQTotal       *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
}

// NewMetrics creates and registers all upperflow metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upperflow_records_total",
			Help: "Records consumed, by processing status (transformed, error_record).",
		}, []string{"status"}),

		RecordDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upperflow_record_duration_seconds",
			Help:    "Processing time per record phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),

		SinkOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upperflow_sink_outcomes_total",
			Help: "Sink writes by sink and outcome.",
		}, []string{"sink", "outcome"}),

		ErrorRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upperflow_error_records_total",
			Help: "Error records emitted, by the stage that failed.",
		}, []string{"stage"}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upperflow_dlq_total",
			Help: "Records sent to the dead-letter topic, by failed sink.",
		}, []string{"sink"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "upperflow_breaker_state",
			Help: "Circuit breaker state per sink (0 closed, 1 half-open, 2 open).",
		}, []string{"sink"}),
	}
}
