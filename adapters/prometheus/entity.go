package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardrun-go/core/entity"
	"github.com/codewandler/shardrun-go/core/metrics"
)

// managerMetrics implements entity.ManagerMetrics using Prometheus.
type managerMetrics struct {
	activeEntities *prometheus.GaugeVec
	sendDuration   *prometheus.HistogramVec
	sendsTotal     *prometheus.CounterVec
	repliesTotal   *prometheus.CounterVec
	defectsTotal   *prometheus.CounterVec
	replaysTotal   *prometheus.CounterVec
}

// NewManagerMetrics creates a new Prometheus implementation of
// entity.ManagerMetrics.
func NewManagerMetrics(reg prometheus.Registerer) entity.ManagerMetrics {
	m := &managerMetrics{
		activeEntities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardrun_entity_active",
			Help: "Number of live entities per entity type",
		}, []string{"entity_type"}),

		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardrun_entity_send_duration_seconds",
			Help:    "SendLocal routing latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"entity_type"}),

		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardrun_entity_sends_total",
			Help: "Total number of routed requests",
		}, []string{"entity_type", "success"}),

		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardrun_entity_replies_forwarded_total",
			Help: "Total number of replies forwarded to callers",
		}, []string{"kind", "success"}),

		defectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardrun_entity_defects_total",
			Help: "Total number of handler crashes",
		}, []string{"entity_type"}),

		replaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardrun_entity_requests_replayed_total",
			Help: "Total number of requests replayed after a crash",
		}, []string{"entity_type"}),
	}

	reg.MustRegister(
		m.activeEntities,
		m.sendDuration,
		m.sendsTotal,
		m.repliesTotal,
		m.defectsTotal,
		m.replaysTotal,
	)

	return m
}

func (m *managerMetrics) ActiveEntities(entityType string, count int) {
	m.activeEntities.WithLabelValues(entityType).Set(float64(count))
}

func (m *managerMetrics) SendDuration(entityType string) metrics.Timer {
	return newTimer(m.sendDuration.WithLabelValues(entityType))
}

func (m *managerMetrics) SendCompleted(entityType string, success bool) {
	m.sendsTotal.WithLabelValues(entityType, boolToStr(success)).Inc()
}

func (m *managerMetrics) ReplyForwarded(kind string, success bool) {
	m.repliesTotal.WithLabelValues(kind, boolToStr(success)).Inc()
}

func (m *managerMetrics) EntityDefect(entityType string) {
	m.defectsTotal.WithLabelValues(entityType).Inc()
}

func (m *managerMetrics) RequestReplayed(entityType string) {
	m.replaysTotal.WithLabelValues(entityType).Inc()
}

var _ entity.ManagerMetrics = (*managerMetrics)(nil)
