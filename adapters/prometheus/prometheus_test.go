package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewManagerMetrics(reg)

	require.NotNil(t, m)

	m.ActiveEntities("Counter", 3)

	timer := m.SendDuration("Counter")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.SendCompleted("Counter", true)
	m.SendCompleted("Counter", false)

	m.ReplyForwarded("exit", true)
	m.ReplyForwarded("chunk", false)

	m.EntityDefect("Counter")
	m.RequestReplayed("Counter")

	// Verify metrics were registered
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["shardrun_entity_active"])
	assert.True(t, names["shardrun_entity_send_duration_seconds"])
	assert.True(t, names["shardrun_entity_sends_total"])
	assert.True(t, names["shardrun_entity_replies_forwarded_total"])
	assert.True(t, names["shardrun_entity_defects_total"])
	assert.True(t, names["shardrun_entity_requests_replayed_total"])
}
