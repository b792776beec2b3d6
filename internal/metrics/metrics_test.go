package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				out[family.GetName()] += metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				out[family.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}
	return out
}

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.HubSubscribers.Inc()
	m.HubEventsPublished.WithLabelValues("novel_created").Add(2)
	m.AgentState.WithLabelValues("connected").Set(1)

	values := gather(t, reg)
	assert.Equal(t, float64(1), values["novelsync_hub_subscribers"])
	assert.Equal(t, float64(2), values["novelsync_hub_events_published_total"])
	assert.Equal(t, float64(1), values["novelsync_agent_state"])
}

func TestNilRegistererIsUsable(t *testing.T) {
	require.NotPanics(t, func() {
		New(nil).WatcherErrors.Inc()
		New(nil).WatcherErrors.Inc()
	})
}
