package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the updater's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	transitions       *prometheus.CounterVec
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeOperations  *prometheus.GaugeVec
	transportAttempts *prometheus.CounterVec
	installSlotWait   prometheus.Histogram
	installSlotBusy   prometheus.Gauge
	bundles           *prometheus.CounterVec
	activeBundles     prometheus.Gauge
	pingsDropped      prometheus.Counter
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		transitions: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_updater_app_transitions_total",
			Help: "App state transitions applied by the scheduler, labelled by target state",
		}, []string{"state"}),
		operations: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_updater_operations_total",
			Help: "Check, download and install operations by outcome",
		}, []string{"operation", "outcome"}),
		operationDuration: promFactory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "breeze_updater_operation_duration_seconds",
			Help:    "Duration of check, download and install operations",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		}, []string{"operation"}),
		activeOperations: promFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breeze_updater_active_operations",
			Help: "Operations currently in flight",
		}, []string{"operation"}),
		transportAttempts: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_updater_transport_attempts_total",
			Help: "Request attempts per transport by result",
		}, []string{"transport", "result"}),
		installSlotWait: promFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "breeze_updater_install_slot_wait_seconds",
			Help:    "Time apps spent waiting for the system-wide installer slot",
			Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 900},
		}),
		installSlotBusy: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "breeze_updater_install_slot_busy",
			Help: "1 while an installer is running",
		}),
		bundles: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_updater_bundles_total",
			Help: "Finished bundles by terminal state and install source",
		}, []string{"state", "source"}),
		activeBundles: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "breeze_updater_active_bundles",
			Help: "Bundles currently being driven by the scheduler",
		}),
		pingsDropped: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "breeze_updater_pings_dropped_total",
			Help: "Reporting records dropped because the ping buffer was full or delivery failed",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) OperationStarted(op string) {
	if m == nil {
		return
	}
	m.activeOperations.WithLabelValues(op).Inc()
}

func (m *Metrics) OperationFinished(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeOperations.WithLabelValues(op).Dec()
	m.operations.WithLabelValues(op, outcome).Inc()
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) TransportAttempt(transport string, ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "success"
	}
	m.transportAttempts.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) InstallSlotAcquired(waited time.Duration) {
	if m == nil {
		return
	}
	m.installSlotWait.Observe(waited.Seconds())
	m.installSlotBusy.Set(1)
}

func (m *Metrics) InstallSlotReleased() {
	if m == nil {
		return
	}
	m.installSlotBusy.Set(0)
}

func (m *Metrics) BundleStarted() {
	if m == nil {
		return
	}
	m.activeBundles.Inc()
}

func (m *Metrics) BundleFinished(state, source string) {
	if m == nil {
		return
	}
	m.activeBundles.Dec()
	m.bundles.WithLabelValues(state, source).Inc()
}

func (m *Metrics) PingDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pingsDropped.Add(float64(n))
}
