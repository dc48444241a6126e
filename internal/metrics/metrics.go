package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreOperation identifies the validator store method being instrumented.
type StoreOperation string

const (
	// StoreOperationLookup records validator store lookup calls.
	StoreOperationLookup StoreOperation = "lookup"
	// StoreOperationStore records validator store persist attempts.
	StoreOperationStore StoreOperation = "store"
)

// StoreLookupOutcome captures the result of a validator store lookup.
type StoreLookupOutcome string

const (
	// StoreLookupHit indicates the lookup reused cached validators.
	StoreLookupHit StoreLookupOutcome = "hit"
	// StoreLookupMiss indicates no cached validators were present.
	StoreLookupMiss StoreLookupOutcome = "miss"
	// StoreLookupError indicates the lookup failed due to an error.
	StoreLookupError StoreLookupOutcome = "error"
)

// StoreWriteOutcome captures the result of a validator store write.
type StoreWriteOutcome string

const (
	// StoreWriteStored indicates the validator entry was persisted.
	StoreWriteStored StoreWriteOutcome = "stored"
	// StoreWriteError indicates the write failed.
	StoreWriteError StoreWriteOutcome = "error"
)

// Recorder publishes Prometheus metrics for pipeline activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	gateRequests *prometheus.CounterVec
	gateLatency  *prometheus.HistogramVec

	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	gateRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "condgate",
		Subsystem: "gate",
		Name:      "requests_total",
		Help:      "Total gated requests processed by the pipeline.",
	}, []string{"route", "verdict", "status_code"})

	gateLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "condgate",
		Subsystem: "gate",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed gated requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "verdict"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "condgate",
		Subsystem: "validators",
		Name:      "operations_total",
		Help:      "Validator store operations executed by the pipeline.",
	}, []string{"route", "operation", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "condgate",
		Subsystem: "validators",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for validator store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"route", "operation", "result"})

	reg.MustRegister(gateRequests, gateLatency, storeOperations, storeLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		gateRequests:    gateRequests,
		gateLatency:     gateLatency,
		storeOperations: storeOperations,
		storeLatency:    storeLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the verdict and latency for a completed gated request.
func (r *Recorder) ObserveRequest(route, verdict string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	verdictLabel := normalizeLabel(verdict)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.gateRequests.WithLabelValues(routeLabel, verdictLabel, statusLabel).Inc()
	r.gateLatency.WithLabelValues(routeLabel, verdictLabel).Observe(duration.Seconds())
}

// ObserveStoreLookup records the result of a validator store lookup.
func (r *Recorder) ObserveStoreLookup(route string, result StoreLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(StoreLookupMiss)
	}
	r.observeStore(routeLabel, StoreOperationLookup, resultLabel, duration)
}

// ObserveStoreWrite records the result of a validator store write.
func (r *Recorder) ObserveStoreWrite(route string, result StoreWriteOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(StoreWriteError)
	}
	r.observeStore(routeLabel, StoreOperationStore, resultLabel, duration)
}

func (r *Recorder) observeStore(route string, operation StoreOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(StoreOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.storeOperations.WithLabelValues(route, opLabel, resLabel).Inc()
	r.storeLatency.WithLabelValues(route, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
