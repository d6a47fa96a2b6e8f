// Package routing 路由核心门面
//
// Routing 把路由表、客户端表、随机采样器、分发器、RPC 与加入协调器
// 组装在一个传输实例之上，对外提供加入、发送和表维护操作。
package routing

import (
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/routing/dispatch"
	"github.com/dep2p/go-overlay/internal/routing/join"
	"github.com/dep2p/go-overlay/internal/routing/metrics"
	"github.com/dep2p/go-overlay/internal/routing/network"
	"github.com/dep2p/go-overlay/internal/routing/rpc"
	"github.com/dep2p/go-overlay/internal/routing/sampler"
	"github.com/dep2p/go-overlay/internal/routing/table"
	"github.com/dep2p/go-overlay/internal/routing/validator"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("routing")

// ============================================================================
//                              应用回调
// ============================================================================

// Functors 应用层回调，均可为 nil
type Functors struct {
	// MessageReceived 收到发给本节点（或本节点所在组）的消息，返回值作为响应
	MessageReceived func(payload []byte, source types.NodeID) []byte

	// NetworkStatus 加入进度与结果
	NetworkStatus func(status types.NetworkStatus)

	// RequestPublicKey 查询节点公钥，用于校验；为 nil 时身份按自证方式校验
	RequestPublicKey func(ctx context.Context, id types.NodeID) (ed25519.PublicKey, error)

	// CloseNodeReplaced 本节点的近邻集合变化
	CloseNodeReplaced func(closest []types.PeerInfo)
}

// Option 构造选项
type Option func(*Routing)

// WithClock 注入时钟（测试使用 clock.NewMock）
func WithClock(c clock.Clock) Option {
	return func(r *Routing) {
		r.clock = c
	}
}

// WithMetrics 注入指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Routing) {
		r.metrics = m
	}
}

// WithNATType 设置本节点 NAT 类型（Ping 响应携带）
func WithNATType(n types.NATType) Option {
	return func(r *Routing) {
		r.natType = n
	}
}

// ============================================================================
//                              Routing
// ============================================================================

// Routing 路由核心
type Routing struct {
	cfg       config.RoutingConfig
	fn        Functors
	transport network.Transport
	clock     clock.Clock
	metrics   *metrics.Metrics
	natType   types.NATType

	fobMu sync.RWMutex
	fob   types.Fob

	routes     *table.RoutingTable
	clients    *table.ClientTable
	sample     *sampler.Sampler
	dispatcher *dispatch.Dispatcher
	rpcClient  *rpc.Client
	rpcHandler *rpc.Handler
	joiner     *join.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// workMu 串行化 closed 检查与 wg.Add，Close 之后不再登记新任务
	workMu sync.Mutex

	healOnce sync.Once
	closed   atomic.Bool
}

// New 创建路由核心并接管传输的事件回调
func New(fob types.Fob, tr network.Transport, cfg config.RoutingConfig, fn Functors, opts ...Option) (*Routing, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Routing{
		cfg:       cfg,
		fn:        fn,
		transport: tr,
		fob:       fob,
		natType:   types.NATTypeUnknown,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	var requester validator.KeyRequester
	if fn.RequestPublicKey != nil {
		requester = validator.KeyRequester(fn.RequestPublicKey)
	}
	v := validator.New(requester, cfg.ValidationTimeout.Duration())

	self := fob.Identity
	r.routes = table.NewRoutingTable(self, table.Config{
		MaxSize:           cfg.MaxRoutingTableSize,
		ClosestNodesSize:  cfg.ClosestNodesSize,
		ValidationTimeout: cfg.ValidationTimeout.Duration(),
	}, v, tr)
	r.clients = table.NewClientTable(self, table.Config{
		MaxSize:           cfg.MaxClientTableSize,
		ClosestNodesSize:  cfg.ClosestNodesSize,
		ValidationTimeout: cfg.ValidationTimeout.Duration(),
	}, v, tr)
	r.sample = sampler.New(cfg.RandomSampleSize)

	var recorder dispatch.Recorder
	if r.metrics != nil {
		recorder = r.metrics
	}
	d, err := dispatch.New(dispatch.Params{
		Config: dispatch.Config{
			ClosestNodesSize: cfg.ClosestNodesSize,
			MaxHops:          cfg.MaxHops,
			DefaultTimeout:   cfg.DefaultSendTimeout.Duration(),
			RPCTimeout:       cfg.RPCTimeout.Duration(),
			CacheSize:        cfg.CacheSize,
			CacheTTL:         cfg.CacheTTL.Duration(),
			SeenCacheSize:    cfg.SeenCacheSize,
		},
		Self:     r.Self,
		Routes:   r.routes,
		Clients:  r.clients,
		Link:     tr,
		Deliver:  r.deliver,
		Clock:    r.clock,
		Recorder: recorder,
	})
	if err != nil {
		return nil, err
	}
	r.dispatcher = d
	r.rpcClient = rpc.NewClient(d, r.Self)

	var rpcRecorder rpc.Recorder
	if r.metrics != nil {
		rpcRecorder = r.metrics
	}
	r.rpcHandler, err = rpc.NewHandler(r, d, rpcRecorder, rpc.HandlerConfig{
		RateLimit: cfg.RPCRateLimit,
		RateBurst: cfg.RPCRateBurst,
	})
	if err != nil {
		return nil, err
	}

	r.joiner = join.New(join.Config{
		ClosestNodesSize: cfg.ClosestNodesSize,
		JoinTimeout:      cfg.JoinTimeout.Duration(),
		RPCTimeout:       cfg.RPCTimeout.Duration(),
	}, r, r.rpcClient, r.onStatus)

	r.routes.Subscribe(r.onRoutingEvent)
	r.clients.Subscribe(r.onClientEvent)
	tr.SetHandler(r)

	logger.Info("路由核心已创建",
		"self", self.ShortString(),
		"endpoint", tr.Endpoint(),
		"anonymous", fob.IsAnonymous(),
		"client", cfg.ClientMode)
	return r, nil
}

// ============================================================================
//                              身份
// ============================================================================

// Self 返回本节点当前身份（匿名会话中为零值）
func (r *Routing) Self() types.NodeID {
	r.fobMu.RLock()
	defer r.fobMu.RUnlock()
	return r.fob.Identity
}

// Fob 返回本节点 Fob
func (r *Routing) Fob() types.Fob {
	r.fobMu.RLock()
	defer r.fobMu.RUnlock()
	return r.fob
}

// Endpoint 返回本节点监听地址
func (r *Routing) Endpoint() types.Endpoint {
	return r.transport.Endpoint()
}

// ============================================================================
//                              加入
// ============================================================================

// ZeroStateJoin 与指定节点组建新网络
func (r *Routing) ZeroStateJoin(ctx context.Context, peerEndpoint types.Endpoint, peer types.PeerInfo) types.ResultCode {
	if r.closed.Load() {
		return types.ResultGeneralError
	}
	code := r.joiner.ZeroStateJoin(ctx, peerEndpoint, peer)
	if code.IsSuccess() {
		r.startHeal()
	}
	return code
}

// Join 通过引导地址加入网络，阻塞直到完成、失败或 ctx 结束
func (r *Routing) Join(ctx context.Context, endpoints []types.Endpoint) error {
	if r.closed.Load() {
		return types.ErrClosed
	}
	if err := r.joiner.Join(ctx, endpoints); err != nil {
		return err
	}
	r.startHeal()
	return nil
}

// JoinState 返回加入状态
func (r *Routing) JoinState() join.State {
	return r.joiner.State()
}

// Joined 返回当前加入尝试结束时关闭的通道
func (r *Routing) Joined() <-chan struct{} {
	return r.joiner.Done()
}

func (r *Routing) onStatus(st types.NetworkStatus) {
	r.metrics.JoinProgress(st.Progress)
	if r.fn.NetworkStatus != nil {
		r.fn.NetworkStatus(st)
	}
}

// ============================================================================
//                              发送
// ============================================================================

// Send 发送消息，结果通过 cb 异步报告
//
// 参数语义见 dispatch.Dispatcher.Send。
func (r *Routing) Send(dest, groupClaim types.NodeID, payload []byte, cb dispatch.ResponseFunc, timeout time.Duration, direct, cache bool) {
	r.dispatcher.Send(dest, groupClaim, payload, cb, timeout, direct, cache)
}

func (r *Routing) deliver(payload []byte, source types.NodeID) []byte {
	if r.fn.MessageReceived == nil {
		return nil
	}
	return r.fn.MessageReceived(payload, source)
}

// ============================================================================
//                              查询与维护
// ============================================================================

// ClosestNodes 返回路由表中距 target 最近的 count 个节点
func (r *Routing) ClosestNodes(target types.NodeID, count int) []types.PeerInfo {
	return r.routes.GetClosestNodes(target, count)
}

// RandomExistingNode 从随机采样器中取一个已知节点
func (r *Routing) RandomExistingNode() (types.NodeID, error) {
	return r.sample.GetRandom()
}

// DropNode 删除连接对应的节点并关闭连接；未知连接为空操作
func (r *Routing) DropNode(connID types.NodeID) bool {
	_, inRoutes := r.routes.DropNode(connID, false)
	_, inClients := r.clients.DropNode(connID, false)
	return inRoutes || inClients
}

// Ping 探测表中的节点
func (r *Routing) Ping(ctx context.Context, id types.NodeID) (types.NATType, error) {
	connID, ok := r.connectionOf(id)
	if !ok {
		return types.NATTypeUnknown, types.NewRoutingError("ping", types.ErrNodeNotFound, id.ShortString())
	}
	return r.rpcClient.Ping(ctx, connID)
}

func (r *Routing) connectionOf(id types.NodeID) (types.NodeID, bool) {
	if p, ok := r.routes.Get(id); ok {
		return p.ConnectionID, true
	}
	if cs := r.clients.Get(id); len(cs) > 0 {
		return cs[0].ConnectionID, true
	}
	return types.EmptyNodeID, false
}

// RoutingPeers 返回路由表中的所有节点
func (r *Routing) RoutingPeers() []types.PeerInfo {
	return r.routes.Nodes()
}

// ClientPeers 返回客户端表中的所有节点
func (r *Routing) ClientPeers() []types.PeerInfo {
	return r.clients.Nodes()
}

// RoutingTable 返回路由表
func (r *Routing) RoutingTable() *table.RoutingTable {
	return r.routes
}

// ClientTable 返回客户端表
func (r *Routing) ClientTable() *table.ClientTable {
	return r.clients
}

// spawn 在后台运行 fn 并纳入 Close 的等待；已关闭时返回 false
func (r *Routing) spawn(fn func()) bool {
	r.workMu.Lock()
	defer r.workMu.Unlock()
	if r.closed.Load() {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// Dispatcher 返回分发器
func (r *Routing) Dispatcher() *dispatch.Dispatcher {
	return r.dispatcher
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 停止后台任务、结束待定响应并关闭传输
func (r *Routing) Close() error {
	r.workMu.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.workMu.Unlock()
		return nil
	}
	r.workMu.Unlock()
	r.cancel()
	r.wg.Wait()
	r.dispatcher.Close()

	var errs error
	if err := r.transport.Shutdown(); err != nil {
		errs = multierr.Append(errs, err)
	}
	logger.Info("路由核心已关闭", "self", r.Self().ShortString())
	return errs
}
