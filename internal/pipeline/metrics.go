package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments updated by the pipeline.
type Metrics struct {
	EventsProcessed prometheus.Counter
	EventsFailed    prometheus.Counter
	Anomalies       prometheus.Counter
	Alerts          prometheus.Counter
	StageDuration   *prometheus.HistogramVec
	ThreatLevels    *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sectriage_events_processed_total",
			Help: "Total number of events triaged successfully",
		}),
		EventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sectriage_events_failed_total",
			Help: "Total number of events that failed triage",
		}),
		Anomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "sectriage_anomalies_total",
			Help: "Total number of events scored as anomalous",
		}),
		Alerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "sectriage_alerts_total",
			Help: "Total number of alerts raised by the trust calibrator",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sectriage_stage_duration_seconds",
			Help:    "Duration of each triage stage",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"stage"}),
		ThreatLevels: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sectriage_threat_level_total",
			Help: "Triaged events by computed threat level",
		}, []string{"level"}),
	}
}
