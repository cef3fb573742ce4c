package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the monitor loop.
type Metrics struct {
	Checks        *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Suppressed    *prometheus.CounterVec
	Aggregates    prometheus.Counter
	InBackoff     prometheus.Gauge
	InCooldown    prometheus.Gauge
}

// NewMetrics constructs the scheduler metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_task_checks_total",
				Help: "Task check cycles by outcome.",
			},
			[]string{"outcome"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_notifications_sent_total",
				Help: "Listing notifications sent by kind.",
			},
			[]string{"kind"},
		),
		Suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_notifications_suppressed_total",
				Help: "Listing notifications dropped by reason.",
			},
			[]string{"reason"},
		),
		Aggregates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_aggregate_notices_total",
			Help: "Summary messages sent ahead of a notification burst.",
		}),
		InBackoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_tasks_in_backoff",
			Help: "Tasks currently carrying rate-limit backoff state.",
		}),
		InCooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_tasks_in_cooldown",
			Help: "Tasks currently in block cooldown.",
		}),
	}
	reg.MustRegister(m.Checks, m.Notifications, m.Suppressed, m.Aggregates, m.InBackoff, m.InCooldown)
	return m
}

func (m *Metrics) check(outcome string) {
	if m == nil {
		return
	}
	m.Checks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) notification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) suppressed(reason string, n int) {
	if m == nil {
		return
	}
	m.Suppressed.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) aggregate() {
	if m == nil {
		return
	}
	m.Aggregates.Inc()
}

func (m *Metrics) tracked(backoff, cooldown int) {
	if m == nil {
		return
	}
	m.InBackoff.Set(float64(backoff))
	m.InCooldown.Set(float64(cooldown))
}
