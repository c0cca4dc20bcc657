package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prefix = "stressmonitor_"

var samplesIngested = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "samples_ingested_total",
		Help: "Progress samples accepted per system",
	},
	[]string{"system"},
)

var explosions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "explosions_total",
		Help: "Explosion events by system and outcome",
	},
	[]string{"system", "outcome"},
)

var broadcasts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "broadcasts_total",
		Help: "Events broadcast to observers by event type",
	},
	[]string{"type"},
)

var deliveryFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "observer_delivery_failures_total",
		Help: "Observer sends that failed and removed the connection",
	},
)

var observers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "observers_connected",
		Help: "Currently registered observer connections",
	},
)

var analysisOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "analysis_outcomes_total",
		Help: "Analysis job results (success, fallback, failure, stale)",
	},
	[]string{"outcome"},
)

var shellSessions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: prefix + "shell_sessions_active",
		Help: "Open remote shell relays per system",
	},
	[]string{"system"},
)

var persistSeconds = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    prefix + "results_persist_seconds",
		Help:    "Time taken to write the run result document",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	},
)

func RecordSample(system string) {
	samplesIngested.WithLabelValues(system).Inc()
}

func RecordExplosion(system, outcome string) {
	explosions.WithLabelValues(system, outcome).Inc()
}

func RecordBroadcast(eventType string) {
	broadcasts.WithLabelValues(eventType).Inc()
}

func RecordDeliveryFailure() {
	deliveryFailures.Inc()
}

func SetObservers(n int) {
	observers.Set(float64(n))
}

func RecordAnalysis(outcome string) {
	analysisOutcomes.WithLabelValues(outcome).Inc()
}

func ShellOpened(system string) {
	shellSessions.WithLabelValues(system).Inc()
}

func ShellClosed(system string) {
	shellSessions.WithLabelValues(system).Dec()
}

func RecordPersist(d time.Duration) {
	persistSeconds.Observe(d.Seconds())
}

// NewServer returns an http.Server exposing the default registry on /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
