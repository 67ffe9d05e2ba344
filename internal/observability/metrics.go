package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters used by the control plane.
type Metrics struct {
	registrations  *prometheus.CounterVec
	heartbeats     prometheus.Counter
	assignments    *prometheus.CounterVec
	completions    *prometheus.CounterVec
	tokenExchanges *prometheus.CounterVec
	sweptRunners   prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	registrations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monkci_runner_registrations_total",
		Help: "Total runner registration attempts by outcome.",
	}, []string{"outcome"})
	heartbeats := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monkci_runner_heartbeats_total",
		Help: "Total runner heartbeats received.",
	})
	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monkci_job_assignments_total",
		Help: "Total job assignment attempts by outcome.",
	}, []string{"outcome"})
	completions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monkci_job_completions_total",
		Help: "Total job completion reports by status.",
	}, []string{"status"})
	tokenExchanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monkci_installation_token_exchanges_total",
		Help: "Total installation token exchanges by outcome.",
	}, []string{"outcome"})
	sweptRunners := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monkci_stale_runners_swept_total",
		Help: "Total runners demoted to ERROR by the stale sweep.",
	})

	registrations = registerCounterVec(registerer, registrations)
	assignments = registerCounterVec(registerer, assignments)
	completions = registerCounterVec(registerer, completions)
	tokenExchanges = registerCounterVec(registerer, tokenExchanges)
	heartbeats = registerCounter(registerer, heartbeats)
	sweptRunners = registerCounter(registerer, sweptRunners)

	return &Metrics{
		registrations:  registrations,
		heartbeats:     heartbeats,
		assignments:    assignments,
		completions:    completions,
		tokenExchanges: tokenExchanges,
		sweptRunners:   sweptRunners,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncRegistration(outcome string) {
	if m == nil || m.registrations == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncHeartbeat() {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) IncAssignment(outcome string) {
	if m == nil || m.assignments == nil {
		return
	}
	m.assignments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncCompletion(status string) {
	if m == nil || m.completions == nil {
		return
	}
	m.completions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncTokenExchange(outcome string) {
	if m == nil || m.tokenExchanges == nil {
		return
	}
	m.tokenExchanges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddSweptRunners(count int) {
	if m == nil || m.sweptRunners == nil || count <= 0 {
		return
	}
	m.sweptRunners.Add(float64(count))
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func registerCounter(registerer prometheus.Registerer, counter prometheus.Counter) prometheus.Counter {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return counter
}
