// Package metrics 路由层 Prometheus 指标
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-overlay/internal/routing/table"
	"github.com/dep2p/go-overlay/pkg/types"
)

// DefaultNamespace 默认指标命名空间
const DefaultNamespace = "overlay"

// Metrics 路由指标集合
//
// 实现 dispatch.Recorder；零值不可用，nil 指针上的方法为空操作。
type Metrics struct {
	sent       *prometheus.CounterVec
	forwarded  prometheus.Counter
	delivered  prometheus.Counter
	dropped    *prometheus.CounterVec
	cacheHits  prometheus.Counter
	responses  *prometheus.CounterVec
	tableEv    *prometheus.CounterVec
	tableSize  *prometheus.GaugeVec
	rpcHandled *prometheus.CounterVec
	progress   prometheus.Gauge
}

// New 创建指标并注册到 reg（reg 为 nil 时不注册）
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages originated by this node, by kind.",
		}, []string{"kind"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Messages relayed toward a closer node.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to the local application.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason.",
		}, []string{"reason"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Requests answered from the response cache.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Pending responses resolved, by result.",
		}, []string{"result"}),
		tableEv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_events_total",
			Help:      "Routing and client table events.",
		}, []string{"table", "event"}),
		tableSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_size",
			Help:      "Current number of table entries.",
		}, []string{"table"}),
		rpcHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_handled_total",
			Help:      "Inbound RPC requests, by type and result.",
		}, []string{"type", "result"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "join_progress_percent",
			Help:      "Join progress reported by the last network status.",
		}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if errors.As(err, &are) {
					continue
				}
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sent, m.forwarded, m.delivered, m.dropped, m.cacheHits,
		m.responses, m.tableEv, m.tableSize, m.rpcHandled, m.progress,
	}
}

// ============================================================================
//                              分发指标
// ============================================================================

// MessageSent 记录发起的消息
func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kind).Inc()
}

// MessageForwarded 记录转发
func (m *Metrics) MessageForwarded() {
	if m == nil {
		return
	}
	m.forwarded.Inc()
}

// MessageDelivered 记录本地投递
func (m *Metrics) MessageDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

// MessageDropped 记录丢弃
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// CacheHit 记录缓存命中
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// ResponseResolved 记录待定响应的结果
func (m *Metrics) ResponseResolved(result types.ResultCode) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(result.String()).Inc()
}

// ============================================================================
//                              表与 RPC 指标
// ============================================================================

// TableEvent 记录表事件并更新表大小
func (m *Metrics) TableEvent(name string, ev table.Event, size int) {
	if m == nil {
		return
	}
	m.tableEv.WithLabelValues(name, ev.Type.String()).Inc()
	m.tableSize.WithLabelValues(name).Set(float64(size))
}

// RPCHandled 记录入站 RPC
func (m *Metrics) RPCHandled(kind string, result types.ResultCode) {
	if m == nil {
		return
	}
	m.rpcHandled.WithLabelValues(kind, result.String()).Inc()
}

// JoinProgress 记录加入进度
func (m *Metrics) JoinProgress(percent int) {
	if m == nil {
		return
	}
	m.progress.Set(float64(percent))
}
