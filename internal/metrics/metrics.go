// Package metrics holds the Prometheus collectors of the escalation engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of engine collectors.
type Metrics struct {
	alertGroups     *prometheus.CounterVec // state
	alerts          prometheus.Counter
	responseTime    prometheus.Histogram
	escalationSteps *prometheus.CounterVec // step, result
	notifications   *prometheus.CounterVec // channel, result
	auditFailures   prometheus.Counter
	breakerState    *prometheus.GaugeVec // backend
	relayedEvents   prometheus.Counter
	httpRequests    *prometheus.HistogramVec // method, route, code
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		alertGroups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oncall_alert_groups_total",
				Help: "Alert group state transitions, by resulting state",
			},
			[]string{"state"},
		),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncall_alerts_received_total",
			Help: "Alerts accepted by integrations",
		}),
		responseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oncall_alert_groups_response_time_seconds",
			Help:    "Time from alert group start to first acknowledge, resolve, silence or wipe",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
		}),
		escalationSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oncall_escalation_steps_total",
				Help: "Executed escalation steps, by step and result",
			},
			[]string{"step", "result"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oncall_user_notifications_total",
				Help: "Personal notifications, by channel and result",
			},
			[]string{"channel", "result"},
		),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncall_escalation_audit_failures_total",
			Help: "Alert groups that failed the escalation audit",
		}),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oncall_delivery_circuit_breaker_state",
				Help: "Delivery circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"backend"},
		),
		relayedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncall_events_relayed_total",
			Help: "Domain events published by the outbox relay",
		}),
		httpRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oncall_http_request_duration_seconds",
				Help:    "API request latency, by method, route pattern and status code",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		),
	}
	reg.MustRegister(
		m.alertGroups,
		m.alerts,
		m.responseTime,
		m.escalationSteps,
		m.notifications,
		m.auditFailures,
		m.breakerState,
		m.relayedEvents,
		m.httpRequests,
	)
	return m
}

// AlertGroupState counts a group entering state.
func (m *Metrics) AlertGroupState(state string) {
	if m == nil {
		return
	}
	m.alertGroups.WithLabelValues(state).Inc()
}

// AlertReceived counts an accepted alert.
func (m *Metrics) AlertReceived() {
	if m == nil {
		return
	}
	m.alerts.Inc()
}

// ResponseTime observes a group's response time.
func (m *Metrics) ResponseTime(d time.Duration) {
	if m == nil {
		return
	}
	m.responseTime.Observe(d.Seconds())
}

// EscalationStep counts an executed step.
func (m *Metrics) EscalationStep(step, result string) {
	if m == nil {
		return
	}
	m.escalationSteps.WithLabelValues(step, result).Inc()
}

// Notification counts a personal notification outcome.
func (m *Metrics) Notification(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

// AuditFailures adds n failed audits.
func (m *Metrics) AuditFailures(n int) {
	if m == nil {
		return
	}
	m.auditFailures.Add(float64(n))
}

// BreakerState records a delivery circuit breaker state change.
func (m *Metrics) BreakerState(backend string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(backend).Set(state)
}

// EventsRelayed adds n published events.
func (m *Metrics) EventsRelayed(n int) {
	if m == nil {
		return
	}
	m.relayedEvents.Add(float64(n))
}

// HTTPRequest observes a served API request. route is the matched mux
// pattern, so path values never become label values.
func (m *Metrics) HTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}
