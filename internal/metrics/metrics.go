package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	GenerationsTotal *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	AnalysisDegraded prometheus.Counter
	PollTicksTotal   *prometheus.CounterVec
	HistoryConflicts prometheus.Counter
	OutboundDuration *prometheus.HistogramVec
}

var (
	global *Metrics
	mu     sync.Mutex
)

// New returns the process-wide metrics, registering them with the default registry once.
func New() *Metrics {
	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		return global
	}

	m := &Metrics{
		GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_generations_total",
			Help: "Generation and refinement attempts by outcome",
		}, []string{"kind", "mode", "status"}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage", "status"}),

		AnalysisDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_analysis_degraded_total",
			Help: "Reference assets whose analysis fell back to the placeholder description",
		}),

		PollTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_poll_ticks_total",
			Help: "Operation status checks issued while waiting for video jobs",
		}, []string{"model"}),

		HistoryConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_history_version_conflicts_total",
			Help: "History writes retried because another writer changed the list",
		}),

		OutboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_outbound_request_duration_seconds",
			Help:    "Outbound HTTP request duration by host and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"host", "status"}),
	}

	registerOrGet(m.GenerationsTotal)
	registerOrGet(m.StageDuration)
	registerOrGet(m.AnalysisDegraded)
	registerOrGet(m.PollTicksTotal)
	registerOrGet(m.HistoryConflicts)
	registerOrGet(m.OutboundDuration)

	global = m
	return m
}

func (m *Metrics) Generation(kind, mode, status string) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(kind, mode, status).Inc()
}

func (m *Metrics) Stage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (m *Metrics) Degraded() {
	if m == nil {
		return
	}
	m.AnalysisDegraded.Inc()
}

func (m *Metrics) PollTick(model string) {
	if m == nil {
		return
	}
	m.PollTicksTotal.WithLabelValues(model).Inc()
}

func (m *Metrics) HistoryConflict() {
	if m == nil {
		return
	}
	m.HistoryConflicts.Inc()
}

func (m *Metrics) Outbound(host string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.OutboundDuration.WithLabelValues(host, label).Observe(d.Seconds())
}

func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
