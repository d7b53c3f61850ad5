// Package metrics holds the prometheus collectors of the engine and API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cctp"

type Registry struct {
	registry *prometheus.Registry

	transfers      *prometheus.CounterVec
	statusChanges  *prometheus.CounterVec
	claims         *prometheus.CounterVec
	reattests      *prometheus.CounterVec
	pollOutcomes   *prometheus.CounterVec
	activeTasks    *prometheus.GaugeVec
	persistErrors  prometheus.Counter
	eventsDropped  prometheus.Counter
	requestLatency *prometheus.HistogramVec
}

func New() *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_created_total",
			Help:      "Transfers inserted into the store",
		}, []string{"origin", "target", "version"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_status_total",
			Help:      "Transfers reaching a terminal status",
		}, []string{"status"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result",
		}, []string{"result"}),
		reattests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reattest_requests_total",
			Help:      "Reattestation requests by result",
		}, []string{"result"}),
		pollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestation_polls_total",
			Help:      "Attestation poll ticks by outcome",
		}, []string{"outcome"}),
		activeTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Running watcher and poller tasks",
		}, []string{"kind"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_persist_errors_total",
			Help:      "Failed snapshot writes",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_events_dropped_total",
			Help:      "Transfer update events that could not be published",
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.transfers,
		m.statusChanges,
		m.claims,
		m.reattests,
		m.pollOutcomes,
		m.activeTasks,
		m.persistErrors,
		m.eventsDropped,
		m.requestLatency,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Registry) TransferCreated(origin, target, version string) {
	m.transfers.WithLabelValues(origin, target, version).Inc()
}

func (m *Registry) StatusReached(status string) {
	m.statusChanges.WithLabelValues(status).Inc()
}

func (m *Registry) Claim(result string) {
	m.claims.WithLabelValues(result).Inc()
}

func (m *Registry) Reattest(result string) {
	m.reattests.WithLabelValues(result).Inc()
}

func (m *Registry) PollOutcome(outcome string) {
	m.pollOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Registry) TaskStarted(kind string) { m.activeTasks.WithLabelValues(kind).Inc() }
func (m *Registry) TaskStopped(kind string) { m.activeTasks.WithLabelValues(kind).Dec() }

func (m *Registry) PersistError(error) { m.persistErrors.Inc() }

func (m *Registry) EventDropped() { m.eventsDropped.Inc() }

func (m *Registry) ObserveRequest(route string, code int, d time.Duration) {
	m.requestLatency.WithLabelValues(route, strconv.Itoa(code)).Observe(d.Seconds())
}
