package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smsbridge/smsbridge/internal/registry"
)

type serverMetrics struct {
	connections       *prometheus.CounterVec
	routerErrors      *prometheus.CounterVec
	routerLatency     *prometheus.HistogramVec
	desktopDeliveries prometheus.Counter
	phoneReplacements prometheus.Counter
	authRejections    *prometheus.CounterVec
	queueSwept        prometheus.Counter
}

// newServerMetrics registers the bridge collectors. stats feeds the live
// connection gauges and may be nil.
func newServerMetrics(reg prometheus.Registerer, stats func() registry.Stats) *serverMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &serverMetrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsbridge_connections_total",
			Help: "Relay connections accepted since start, by role.",
		}, []string{"role"}),
		routerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsbridge_router_errors_total",
			Help: "Relay frames answered with an error, by code.",
		}, []string{"code"}),
		routerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smsbridge_router_latency_seconds",
			Help:    "Latency for handling relay frames.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		desktopDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsbridge_desktop_deliveries_total",
			Help: "Messages successfully handed to desktop connections.",
		}),
		phoneReplacements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsbridge_phone_replacements_total",
			Help: "Phone connections closed because a newer phone registered.",
		}),
		authRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsbridge_auth_rejections_total",
			Help: "Requests rejected for a missing or invalid API key, by surface.",
		}, []string{"surface"}),
		queueSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsbridge_queue_swept_total",
			Help: "Finished queue rows removed by housekeeping.",
		}),
	}

	reg.MustRegister(
		m.connections,
		m.routerErrors,
		m.routerLatency,
		m.desktopDeliveries,
		m.phoneReplacements,
		m.authRejections,
		m.queueSwept,
	)

	if stats != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "smsbridge_phones_online",
				Help: "Open phone connections.",
			}, func() float64 { return float64(stats().Phones) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "smsbridge_desktops_online",
				Help: "Open desktop connections.",
			}, func() float64 { return float64(stats().Desktops) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "smsbridge_tenants_active",
				Help: "Tenants with at least one open connection.",
			}, func() float64 { return float64(stats().Tenants) }),
		)
	}
	return m
}

func (m *serverMetrics) recordConnection(role registry.Role) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(string(role)).Inc()
}

func (m *serverMetrics) recordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.routerErrors.WithLabelValues(code).Inc()
}

func (m *serverMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.routerLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *serverMetrics) recordDeliveries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.desktopDeliveries.Add(float64(n))
}

func (m *serverMetrics) recordReplacement() {
	if m == nil {
		return
	}
	m.phoneReplacements.Inc()
}

func (m *serverMetrics) recordAuthRejection(surface string) {
	if m == nil {
		return
	}
	m.authRejections.WithLabelValues(surface).Inc()
}

func (m *serverMetrics) recordSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.queueSwept.Add(float64(n))
}
