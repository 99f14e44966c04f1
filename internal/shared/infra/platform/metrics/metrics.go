package metrics

import (
	"net/http"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetrics agrupa las métricas del motor de sync en un registry propio.
// Todos los métodos aceptan receptor nil (métricas desactivadas).
type SyncMetrics struct {
	Registry *prometheus.Registry

	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	pushed           prometheus.Counter
	pulled           prometheus.Counter
	recordErrors     prometheus.Counter
	conflicts        *prometheus.CounterVec
	outboxItems      *prometheus.GaugeVec
	realtimeMessages *prometheus.CounterVec
}

func NewSyncMetrics() *SyncMetrics {
	m := &SyncMetrics{
		Registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinesync_cycles_total",
			Help: "Sync cycles by result",
		}, []string{"kind", "result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "offlinesync_cycle_duration_seconds",
			Help:    "Duration of sync cycles",
			Buckets: prometheus.DefBuckets,
		}),
		pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offlinesync_pushed_records_total",
			Help: "Records acknowledged by the server",
		}),
		pulled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offlinesync_pulled_records_total",
			Help: "Remote changes received by pull",
		}),
		recordErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offlinesync_record_errors_total",
			Help: "Per-record push failures",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinesync_conflicts_total",
			Help: "Conflicts by resolution",
		}, []string{"resolution"}),
		outboxItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "offlinesync_outbox_items",
			Help: "Outbox entries by status",
		}, []string{"status"}),
		realtimeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinesync_realtime_messages_total",
			Help: "Realtime messages received by outcome",
		}, []string{"outcome"}),
	}

	m.Registry.MustRegister(
		m.cycles, m.cycleDuration, m.pushed, m.pulled, m.recordErrors,
		m.conflicts, m.outboxItems, m.realtimeMessages,
	)
	return m
}

// ObserveCycle registra un ciclo (kind: "cycle" o "full_sync").
func (m *SyncMetrics) ObserveCycle(kind string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.cycles.WithLabelValues(kind, result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *SyncMetrics) AddPushed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pushed.Add(float64(n))
}

func (m *SyncMetrics) AddPulled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pulled.Add(float64(n))
}

func (m *SyncMetrics) AddRecordErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordErrors.Add(float64(n))
}

func (m *SyncMetrics) IncConflict(resolution string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(resolution).Inc()
}

func (m *SyncMetrics) IncRealtime(outcome string) {
	if m == nil {
		return
	}
	m.realtimeMessages.WithLabelValues(outcome).Inc()
}

// SetOutbox refleja las estadísticas del outbox en los gauges.
func (m *SyncMetrics) SetOutbox(stats sharedDomain.OutboxStats) {
	if m == nil {
		return
	}
	m.outboxItems.WithLabelValues(string(sharedDomain.OutboxPending)).Set(float64(stats.Pending))
	m.outboxItems.WithLabelValues(string(sharedDomain.OutboxProcessing)).Set(float64(stats.Processing))
	m.outboxItems.WithLabelValues(string(sharedDomain.OutboxCompleted)).Set(float64(stats.Completed))
	m.outboxItems.WithLabelValues(string(sharedDomain.OutboxFailed)).Set(float64(stats.Failed))
}

// Handler expone el registry para /metrics.
func (m *SyncMetrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
