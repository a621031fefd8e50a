package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "forecast_ingest"

// Metrics holds the Prometheus counters, histograms, and gauges for the ingestion service.
type Metrics struct {
	// Daemon metrics.
	Polls           prometheus.Counter
	ProbeOutcomes   *prometheus.CounterVec // labels: outcome={available,unavailable,error}
	TransferResults *prometheus.CounterVec // labels: outcome={success,failure}
	RunsIngested    prometheus.Counter
	RunsSkipped     prometheus.Counter
	ExpectedNextRun prometheus.Gauge
	DaemonRunning   prometheus.Gauge

	// Transfer metrics.
	TransferDuration   prometheus.Histogram
	RowsLoaded         *prometheus.CounterVec // labels: path={fast,staging}
	BulkFallbacks      prometheus.Counter
	DerivationFailures *prometheus.CounterVec // labels: field
	Notifications      *prometheus.CounterVec // labels: outcome={success,error}

	// Remote data service metrics.
	DAPRequests        *prometheus.CounterVec   // labels: kind={dds,dods,index}, outcome={success,error,dods_error}
	DAPRequestDuration *prometheus.HistogramVec // labels: kind

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total daemon poll cycles.",
		}),
		ProbeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_outcomes_total",
			Help:      "Availability probes of the expected run by outcome.",
		}, []string{"outcome"}),
		TransferResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_attempts_total",
			Help:      "Run transfer attempts by outcome.",
		}, []string{"outcome"}),
		RunsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_ingested_total",
			Help:      "Model runs fully ingested.",
		}),
		RunsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_skipped_total",
			Help:      "Model runs abandoned after the attempt budget was exhausted.",
		}),
		ExpectedNextRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expected_next_run_timestamp_seconds",
			Help:      "Issue time of the run the daemon is waiting for.",
		}),
		DaemonRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daemon_running",
			Help:      "1 when the polling daemon is active, 0 when shut down.",
		}),
		TransferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Duration of a complete run transfer.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		RowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Data rows committed by bulk path.",
		}, []string{"path"}),
		BulkFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_fallbacks_total",
			Help:      "Commits that fell back from the fast path to staging.",
		}),
		DerivationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derivation_failures_total",
			Help:      "Calculated field derivations that were skipped.",
		}, []string{"field"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Run notifications published by outcome.",
		}, []string{"outcome"}),
		DAPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dap_requests_total",
			Help:      "Requests to the remote data service by kind and outcome.",
		}, []string{"kind", "outcome"}),
		DAPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dap_request_duration_seconds",
			Help:      "Remote data service request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when place selections can be geocoded, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Polls,
		m.ProbeOutcomes,
		m.TransferResults,
		m.RunsIngested,
		m.RunsSkipped,
		m.ExpectedNextRun,
		m.DaemonRunning,
		m.TransferDuration,
		m.RowsLoaded,
		m.BulkFallbacks,
		m.DerivationFailures,
		m.Notifications,
		m.DAPRequests,
		m.DAPRequestDuration,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
