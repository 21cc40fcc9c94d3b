// Package metrics holds the Prometheus instruments of the emission pipeline.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OperationEmit   = "emit"
	OperationStatus = "status"

	ResultOK          = "ok"
	ResultBadRequest  = "bad_request"
	ResultTimeout     = "timeout"
	ResultConnection  = "connection"
	ResultUnexpected  = "unexpected_status"
	ResultCircuitOpen = "circuit_open"
	ResultUnavailable = "unavailable"
)

// Config carries the constant labels.
type Config struct {
	ServiceName string
	Environment string
}

// EmissionMetrics is safe to use through a nil pointer, which records nothing.
type EmissionMetrics struct {
	emissions    *prometheus.CounterVec
	gatewayCalls *prometheus.CounterVec
	gatewayTime  *prometheus.HistogramVec
	reservations *prometheus.CounterVec
	repolls      *prometheus.CounterVec
	transitions  *prometheus.CounterVec
}

var (
	emissionMetricsOnce sync.Once
	emissionMetrics     *EmissionMetrics
)

// Emission returns the process-wide instruments registered on the default registerer.
func Emission(cfg Config) *EmissionMetrics {
	emissionMetricsOnce.Do(func() {
		emissionMetrics = New(prometheus.DefaultRegisterer, cfg)
	})
	return emissionMetrics
}

// ResetForTest drops the singleton.
func ResetForTest() {
	emissionMetricsOnce = sync.Once{}
	emissionMetrics = nil
}

// New builds and registers the instruments on registerer.
func New(registerer prometheus.Registerer, cfg Config) *EmissionMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "ms_facturacion_sri"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &EmissionMetrics{
		emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "facturacion_emissions_total",
			Help:        "Emission attempts by document type and classified outcome.",
			ConstLabels: constLabels,
		}, []string{"doc_type", "outcome"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "facturacion_gateway_requests_total",
			Help:        "Gateway calls by operation and result.",
			ConstLabels: constLabels,
		}, []string{"operation", "result"}),
		gatewayTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "facturacion_gateway_request_duration_seconds",
			Help:        "Gateway call latency.",
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90, 120},
			ConstLabels: constLabels,
		}, []string{"operation"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "facturacion_sequence_reservations_total",
			Help:        "Sequence reservations by document type, environment and result.",
			ConstLabels: constLabels,
		}, []string{"doc_type", "env", "result"}),
		repolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "facturacion_repolls_total",
			Help:        "Status re-polls by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "facturacion_document_transitions_total",
			Help:        "Document status transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
	}

	registerer.MustRegister(m.emissions, m.gatewayCalls, m.gatewayTime, m.reservations, m.repolls, m.transitions)
	return m
}

// IncEmission counts one emission attempt.
func (m *EmissionMetrics) IncEmission(docType, outcome string) {
	if m == nil {
		return
	}
	m.emissions.WithLabelValues(docType, outcome).Inc()
}

// ObserveGatewayCall records one gateway round trip.
func (m *EmissionMetrics) ObserveGatewayCall(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(operation, result).Inc()
	m.gatewayTime.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *EmissionMetrics) IncReservation(docType, env, result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(docType, env, result).Inc()
}

func (m *EmissionMetrics) IncRepoll(outcome string) {
	if m == nil {
		return
	}
	m.repolls.WithLabelValues(outcome).Inc()
}

// IncTransition counts a status change. No-op transitions are ignored.
func (m *EmissionMetrics) IncTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}
