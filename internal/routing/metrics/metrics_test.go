package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/routing/dispatch"
	"github.com/dep2p/go-overlay/internal/routing/table"
	"github.com/dep2p/go-overlay/pkg/types"
)

var _ dispatch.Recorder = (*Metrics)(nil)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New("test", reg)
	require.NoError(t, err)

	m.MessageSent("group")
	m.MessageSent("group")
	m.MessageSent("direct")
	m.MessageForwarded()
	m.MessageDelivered()
	m.MessageDropped("duplicate")
	m.MessageDropped("")
	m.CacheHit()
	m.ResponseResolved(types.ResultTimeout)
	m.RPCHandled("ping", types.ResultSuccess)
	m.JoinProgress(50)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sent.WithLabelValues("group")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sent.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.forwarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcHandled.WithLabelValues("ping", "success")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.progress))

	t.Log("✅ 计数器正确")
}

func TestMetrics_TableEvent(t *testing.T) {
	m, err := New("", nil)
	require.NoError(t, err)

	m.TableEvent("routing", table.Event{Type: table.EventNodeAdded}, 3)
	m.TableEvent("routing", table.Event{Type: table.EventNodeRemoved}, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tableEv.WithLabelValues("routing", "added")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tableSize.WithLabelValues("routing")))
}

func TestMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New("dup", reg)
	require.NoError(t, err)

	// 重复注册同名指标不应报错
	_, err = New("dup", reg)
	assert.NoError(t, err)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageSent("group")
		m.CacheHit()
		m.ResponseResolved(types.ResultSuccess)
		m.TableEvent("client", table.Event{}, 0)
		m.JoinProgress(100)
	})
}
