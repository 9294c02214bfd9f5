package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the run metrics, registered on a private registry so tests
// and embedded use never collide with the default one.
type Metrics struct {
	Registry *prometheus.Registry

	Runs           *prometheus.CounterVec
	RowsWritten    *prometheus.CounterVec
	WriteSeconds   *prometheus.HistogramVec
	Draws          prometheus.Counter
	PickupExits    *prometheus.CounterVec
	InboxArtifacts *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simflow",
			Name:      "runs_total",
			Help:      "Orchestrator runs by strategy and outcome.",
		}, []string{"strategy", "status"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simflow",
			Name:      "rows_written_total",
			Help:      "Draw rows delivered to a destination.",
		}, []string{"strategy"}),
		WriteSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simflow",
			Name:      "write_phase_seconds",
			Help:      "Wall time of the write phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"strategy", "protocol"}),
		Draws: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simflow",
			Name:      "draws_generated_total",
			Help:      "Draws produced by the simulation engine.",
		}),
		PickupExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simflow",
			Name:      "pickup_process_exits_total",
			Help:      "Exit codes of the pickup simulation process.",
		}, []string{"code"}),
		InboxArtifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simflow",
			Name:      "inbox_artifacts_total",
			Help:      "Input artifacts handled by the watch loop.",
		}, []string{"status"}),
	}
	m.Registry.MustRegister(
		m.Runs, m.RowsWritten, m.WriteSeconds, m.Draws, m.PickupExits, m.InboxArtifacts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun records the outcome of one run. Safe on a nil receiver.
func (m *Metrics) ObserveRun(strategy, protocol string, success bool, rows int64, write time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.Runs.WithLabelValues(strategy, status).Inc()
	if success {
		m.RowsWritten.WithLabelValues(strategy).Add(float64(rows))
		m.WriteSeconds.WithLabelValues(strategy, protocol).Observe(write.Seconds())
	}
}

// AddDraws counts generated draws. Safe on a nil receiver.
func (m *Metrics) AddDraws(n int) {
	if m == nil {
		return
	}
	m.Draws.Add(float64(n))
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObservePickupExit counts one pickup process exit code. Safe on a nil
// receiver.
func (m *Metrics) ObservePickupExit(code int) {
	if m == nil {
		return
	}
	m.PickupExits.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveInbox counts one handled inbox artifact. Safe on a nil receiver.
func (m *Metrics) ObserveInbox(status string) {
	if m == nil {
		return
	}
	m.InboxArtifacts.WithLabelValues(status).Inc()
}
