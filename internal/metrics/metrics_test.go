package metrics_test

import (
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.AlertGroupState("acknowledged")
	m.AlertGroupState("acknowledged")
	m.EscalationStep("wait", "ok")
	m.ResponseTime(90 * time.Second)
	m.AuditFailures(2)

	count, err := testutil.GatherAndCount(reg, "oncall_alert_groups_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				values[f.GetName()] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 2.0, values["oncall_alert_groups_total"])
	assert.Equal(t, 1.0, values["oncall_escalation_steps_total"])
	assert.Equal(t, 1.0, values["oncall_alert_groups_response_time_seconds"])
	assert.Equal(t, 2.0, values["oncall_escalation_audit_failures_total"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.AlertGroupState("firing")
		m.Notification("sms", "failed")
		m.EventsRelayed(3)
		m.HTTPRequest("GET", "GET /api/v1/health", 200, time.Millisecond)
	})
}
