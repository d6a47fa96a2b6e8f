// Package dispatch 实现消息分发：Send、转发、响应缓存和响应回调
//
// 发起方把组消息扇出到路由表中距目标最近的 k 个节点；中间节点在
// 属于目标组时本地投递，否则转发给严格更接近目标的单个下一跳。
// 每个带回调的请求登记一个待定响应，响应到达或超时二者只触发一次。
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"lukechampine.com/blake3"

	"github.com/dep2p/go-overlay/internal/routing/wire"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("routing/dispatch")

// ============================================================================
//                              协作者接口
// ============================================================================

// Link 按连接发送原始字节
type Link interface {
	Send(connID types.NodeID, data []byte) error
}

// Routes 路由表视图
type Routes interface {
	Get(id types.NodeID) (types.PeerInfo, bool)
	GetByConnection(connID types.NodeID) (types.PeerInfo, bool)
	GetClosestNodes(target types.NodeID, count int) []types.PeerInfo
	IsInGroup(target types.NodeID, k int, exclude ...types.NodeID) bool
	NextHop(target types.NodeID, exclude ...types.NodeID) (types.PeerInfo, bool)
	DropNode(connID types.NodeID, routingOnly bool) (types.PeerInfo, bool)
}

// Clients 客户端表视图
type Clients interface {
	Get(id types.NodeID) []types.PeerInfo
	GetByConnection(connID types.NodeID) (types.PeerInfo, bool)
	DropNode(connID types.NodeID, routingOnly bool) (types.PeerInfo, bool)
}

// DeliverFunc 本地投递，返回值作为响应负载
type DeliverFunc func(payload []byte, source types.NodeID) []byte

// ResponseFunc 响应回调
type ResponseFunc func(result types.ResultCode, payload []byte)

// Recorder 分发指标
type Recorder interface {
	MessageSent(kind string)
	MessageForwarded()
	MessageDelivered()
	MessageDropped(reason string)
	CacheHit()
	ResponseResolved(result types.ResultCode)
}

type nopRecorder struct{}

func (nopRecorder) MessageSent(string)                { /* 空实现 */ }
func (nopRecorder) MessageForwarded()                 { /* 空实现 */ }
func (nopRecorder) MessageDelivered()                 { /* 空实现 */ }
func (nopRecorder) MessageDropped(string)             { /* 空实现 */ }
func (nopRecorder) CacheHit()                         { /* 空实现 */ }
func (nopRecorder) ResponseResolved(types.ResultCode) { /* 空实现 */ }

// ============================================================================
//                              配置
// ============================================================================

// Config 分发器配置
type Config struct {
	// ClosestNodesSize 组大小 k
	ClosestNodesSize int

	// MaxHops 最大转发跳数
	MaxHops int

	// DefaultTimeout Send 未指定超时时使用
	DefaultTimeout time.Duration

	// RPCTimeout RPC 调用超时
	RPCTimeout time.Duration

	// CacheSize 响应缓存容量
	CacheSize int

	// CacheTTL 响应缓存存活时间
	CacheTTL time.Duration

	// SeenCacheSize 去重缓存容量
	SeenCacheSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ClosestNodesSize: 8,
		MaxHops:          32,
		DefaultTimeout:   10 * time.Second,
		RPCTimeout:       5 * time.Second,
		CacheSize:        256,
		CacheTTL:         time.Minute,
		SeenCacheSize:    4096,
	}
}

// ============================================================================
//                              Dispatcher
// ============================================================================

// cacheKey 响应缓存键：(目标, 负载摘要)
type cacheKey struct {
	target types.NodeID
	digest [32]byte
}

// Params 分发器依赖
type Params struct {
	Config   Config
	Self     func() types.NodeID
	Routes   Routes
	Clients  Clients
	Link     Link
	Deliver  DeliverFunc
	Clock    clock.Clock
	Recorder Recorder
}

// Dispatcher 消息分发器
type Dispatcher struct {
	cfg      Config
	self     func() types.NodeID
	routes   Routes
	clients  Clients
	link     Link
	deliver  DeliverFunc
	clock    clock.Clock
	recorder Recorder

	correlation atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pendingResponse
	calls   map[uint32]chan *wire.Message
	closed  bool

	cache *expirable.LRU[cacheKey, []byte]
	seen  *lru.Cache[uuid.UUID, struct{}]
}

// New 创建分发器
func New(p Params) (*Dispatcher, error) {
	cfg := p.Config
	def := DefaultConfig()
	if cfg.ClosestNodesSize <= 0 {
		cfg.ClosestNodesSize = def.ClosestNodesSize
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = def.RPCTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = def.SeenCacheSize
	}

	seen, err := lru.New[uuid.UUID, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		self:     p.Self,
		routes:   p.Routes,
		clients:  p.Clients,
		link:     p.Link,
		deliver:  p.Deliver,
		clock:    p.Clock,
		recorder: p.Recorder,
		pending:  make(map[uint32]*pendingResponse),
		calls:    make(map[uint32]chan *wire.Message),
		cache:    expirable.NewLRU[cacheKey, []byte](cfg.CacheSize, nil, cfg.CacheTTL),
		seen:     seen,
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if d.deliver == nil {
		d.deliver = func([]byte, types.NodeID) []byte { return nil }
	}
	return d, nil
}

// nextCorrelation 分配非零关联标识
func (d *Dispatcher) nextCorrelation() uint32 {
	for {
		if id := d.correlation.Add(1); id != 0 {
			return id
		}
	}
}

// ============================================================================
//                              Send
// ============================================================================

// Send 发送应用消息
//
// 非阻塞：登记待定响应后立即返回，结果只通过 cb 报告（cb 可为 nil）。
// direct 为 true 时只投递给表中与 dest 对应的连接；否则扇出到
// 路由表中距 dest 最近的 k 个节点。cache 为 true 时允许使用并
// 填充响应缓存。目标不存在时 cb 在 Send 返回前被调用。
func (d *Dispatcher) Send(dest, groupClaim types.NodeID, payload []byte, cb ResponseFunc, timeout time.Duration, direct, cache bool) {
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	self := d.self()

	msg := wire.NewRequest(wire.TypeData, self, dest, payload)
	msg.GroupClaim = groupClaim
	msg.Direct = direct
	msg.Cacheable = cache
	msg.HopsToLive = uint32(d.cfg.MaxHops)

	if cache {
		digest := blake3.Sum256(payload)
		msg.CacheDigest = digest[:]
		if cached, ok := d.cache.Get(cacheKey{target: dest, digest: digest}); ok {
			d.recorder.CacheHit()
			if cb != nil {
				go cb(types.ResultSuccess, cached)
			}
			return
		}
	}

	if d.isClosed() {
		if cb != nil {
			cb(types.ResultGeneralError, nil)
		}
		return
	}

	if cb != nil {
		msg.CorrelationID = d.register(cb, timeout)
	}
	d.seen.Add(msg.ID, struct{}{})
	d.recorder.MessageSent(kindOf(direct))

	if dest == self {
		go func() {
			reply := d.deliver(payload, self)
			d.recorder.MessageDelivered()
			d.resolve(msg.CorrelationID, types.ResultSuccess, reply)
		}()
		return
	}

	targets := d.originTargets(dest, direct)
	if len(targets) == 0 {
		logger.Debug("发送目标不存在", "dest", dest.ShortString(), "direct", direct)
		d.resolve(msg.CorrelationID, types.ResultNodeNotFound, nil)
		return
	}

	data := wire.Marshal(msg)
	sent := 0
	for _, conn := range targets {
		if d.transmitRaw(conn, data) == nil {
			sent++
		}
	}
	if sent == 0 {
		d.resolve(msg.CorrelationID, types.ResultConnectionFailed, nil)
	}
}

// originTargets 发起方的目标连接
func (d *Dispatcher) originTargets(dest types.NodeID, direct bool) []types.NodeID {
	var conns []types.NodeID
	for _, c := range d.clients.Get(dest) {
		conns = append(conns, c.ConnectionID)
	}
	if len(conns) > 0 {
		return conns
	}

	if direct {
		if p, ok := d.routes.Get(dest); ok {
			conns = append(conns, p.ConnectionID)
		}
		return conns
	}

	for _, p := range d.routes.GetClosestNodes(dest, d.cfg.ClosestNodesSize) {
		conns = append(conns, p.ConnectionID)
	}
	return conns
}

// transmitRaw 发送已编码消息；失败时从两张表中删除该连接
func (d *Dispatcher) transmitRaw(connID types.NodeID, data []byte) error {
	if err := d.link.Send(connID, data); err != nil {
		logger.Debug("发送失败，删除节点", "conn", connID.ShortString(), "error", err)
		d.routes.DropNode(connID, false)
		d.clients.DropNode(connID, false)
		d.recorder.MessageDropped("send_failed")
		return types.NewRoutingError("send", types.ErrConnectionFailed, err.Error())
	}
	return nil
}

func (d *Dispatcher) transmit(connID types.NodeID, msg *wire.Message) error {
	return d.transmitRaw(connID, wire.Marshal(msg))
}

// ============================================================================
//                              生命周期
// ============================================================================

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close 停止分发：所有待定响应以 GeneralError 结束，进行中的 RPC 返回
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	ids := make([]uint32, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	calls := d.calls
	d.calls = make(map[uint32]chan *wire.Message)
	d.mu.Unlock()

	for _, id := range ids {
		d.resolve(id, types.ResultGeneralError, nil)
	}
	for _, ch := range calls {
		close(ch)
	}
	d.cache.Purge()
}

// PendingCount 返回待定响应数
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// CacheLen 返回缓存条目数
func (d *Dispatcher) CacheLen() int {
	return d.cache.Len()
}

func kindOf(direct bool) string {
	if direct {
		return "direct"
	}
	return "group"
}
