package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EventsProcessed counts events that completed the analysis pipeline,
// labelled by event type and block decision.
var EventsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentra_events_processed_total",
		Help: "Total number of security events processed by the orchestrator",
	},
	[]string{"type", "blocked"},
)

// PipelineLatency records end-to-end latency of event processing
var PipelineLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "sentra_event_pipeline_latency_seconds",
		Help:    "Latency in seconds to analyze a single security event",
		Buckets: prometheus.DefBuckets,
	},
)

// Detection counters
var (
	AnomaliesDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentra_behavioral_anomalies_total",
			Help: "Total number of events flagged as behaviorally anomalous",
		},
	)

	FraudDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentra_fraud_detections_total",
			Help: "Total number of transactions flagged as fraudulent",
		},
	)

	AlertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentra_alerts_created_total",
			Help: "Total number of security alerts created, by severity",
		},
		[]string{"severity"},
	)
)

// Event store metrics
var (
	EventBufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentra_event_buffer_depth",
			Help: "Number of events currently buffered awaiting flush",
		},
	)

	FlushBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentra_event_flush_batches_total",
			Help: "Total number of event buffer flush attempts, by outcome",
		},
		[]string{"status"},
	)
)

// Risk assessment cache metrics
var RiskAssessments = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentra_risk_assessments_total",
		Help: "Total number of risk assessment requests, by cache outcome",
	},
	[]string{"source"},
)

func init() {
	prometheus.MustRegister(EventsProcessed, PipelineLatency)
	prometheus.MustRegister(AnomaliesDetected, FraudDetected, AlertsCreated)
	prometheus.MustRegister(EventBufferDepth, FlushBatches)
	prometheus.MustRegister(RiskAssessments)
}
