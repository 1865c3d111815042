package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "remotectl_"

// Dispatch results.
const (
	DispatchSuccess      = "success"
	DispatchError        = "error"
	DispatchDeduplicated = "deduplicated"
)

// Await outcomes.
const (
	OutcomeResolved  = "resolved"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeCancelled = "cancelled"
)

var (
	registerOnce sync.Once

	dispatchTotal     *prometheus.CounterVec
	awaitOutcomes     *prometheus.CounterVec
	awaitLatency      *prometheus.HistogramVec
	pollAttempts      *prometheus.HistogramVec
	staleMatches      *prometheus.CounterVec
	queryErrors       *prometheus.CounterVec
	liveFrames        *prometheus.CounterVec
	liveSessionsGauge prometheus.Gauge
	prunedRows        *prometheus.CounterVec
	webhookDeliveries *prometheus.CounterVec
)

// Init registers the command metrics and, when db is non-nil, the gauges
// computed from the commands table.
func Init(db *sql.DB, logger *slog.Logger) {
	registerOnce.Do(func() {
		dispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_dispatched_total",
				Help: "Commands written to the store by kind and result",
			},
			[]string{"kind", "result"},
		)
		awaitOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_outcomes_total",
				Help: "Await outcomes by kind",
			},
			[]string{"kind", "outcome"},
		)
		awaitLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_await_seconds",
				Help:    "Time from dispatch to await outcome",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120},
			},
			[]string{"kind", "outcome"},
		)
		pollAttempts = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_attempts",
				Help:    "Correlation attempts spent per await",
				Buckets: []float64{1, 2, 3, 5, 10, 15, 30, 60},
			},
			[]string{"kind"},
		)
		staleMatches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stale_matches_avoided_total",
				Help: "Candidate replies rejected as older than their command",
			},
			[]string{"kind"},
		)
		queryErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "correlation_query_errors_total",
				Help: "Transient store errors during correlation by reply source",
			},
			[]string{"source"},
		)
		liveFrames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "live_frames_total",
				Help: "Live mode frames by kind and result",
			},
			[]string{"kind", "result"},
		)
		liveSessionsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "live_sessions",
				Help: "Live sessions currently running",
			},
		)
		prunedRows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "pruned_rows_total",
				Help: "Rows removed by background retention by table",
			},
			[]string{"table"},
		)
		webhookDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "webhook_deliveries_total",
				Help: "Outbound webhook deliveries by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			dispatchTotal,
			awaitOutcomes,
			awaitLatency,
			pollAttempts,
			staleMatches,
			queryErrors,
			liveFrames,
			liveSessionsGauge,
			prunedRows,
			webhookDeliveries,
		)
		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncDispatch(kind, result string) {
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues(kind, result).Inc()
	}
}

// ObserveAwait records the outcome of one await window.
func ObserveAwait(kind, outcome string, attempts int, elapsed time.Duration) {
	if awaitOutcomes != nil {
		awaitOutcomes.WithLabelValues(kind, outcome).Inc()
	}
	if awaitLatency != nil {
		awaitLatency.WithLabelValues(kind, outcome).Observe(elapsed.Seconds())
	}
	if pollAttempts != nil && attempts > 0 {
		pollAttempts.WithLabelValues(kind).Observe(float64(attempts))
	}
}

func IncStaleMatch(kind string) {
	if staleMatches != nil {
		staleMatches.WithLabelValues(kind).Inc()
	}
}

func IncQueryError(source string) {
	if queryErrors != nil {
		queryErrors.WithLabelValues(source).Inc()
	}
}

func IncLiveFrame(kind, result string) {
	if liveFrames != nil {
		liveFrames.WithLabelValues(kind, result).Inc()
	}
}

func AddPruned(table string, n int64) {
	if prunedRows != nil && n > 0 {
		prunedRows.WithLabelValues(table).Add(float64(n))
	}
}

func IncWebhookDelivery(result string) {
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(result).Inc()
	}
}

// LiveSessionStarted returns a func to call when the session ends.
func LiveSessionStarted() func() {
	if liveSessionsGauge == nil {
		return func() {}
	}
	liveSessionsGauge.Inc()
	var once sync.Once
	return func() { once.Do(liveSessionsGauge.Dec) }
}

func registerDBMetrics(db *sql.DB, logger *slog.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_in_flight",
			Help: "Commands not yet completed or failed",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM commands WHERE status IN ('pending', 'executing')")
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "device_events_stored",
			Help: "Rows in the device events stream",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM device_events")
		},
	))
}

func queryCount(db *sql.DB, logger *slog.Logger, query string) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var count int64
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", "error", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
