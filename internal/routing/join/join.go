// Package join 实现加入协调器
//
// 状态机：Idle -> Bootstrapping -> Validating -> Joined，失败进入 Failed。
// ZeroStateJoin 用于组建新网络的前两个节点；Join 用于其余节点，通过
// 引导地址发现近邻并逐个完成握手，校验通过的节点数达到期望值后加入完成。
package join

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("routing/join")

// ============================================================================
//                              状态
// ============================================================================

// State 加入状态
type State int

const (
	// StateIdle 未开始
	StateIdle State = iota
	// StateBootstrapping 正在连接引导节点
	StateBootstrapping
	// StateValidating 正在与发现的节点握手
	StateValidating
	// StateJoined 已加入
	StateJoined
	// StateFailed 加入失败
	StateFailed
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBootstrapping:
		return "bootstrapping"
	case StateValidating:
		return "validating"
	case StateJoined:
		return "joined"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal 是否为终止状态
func (s State) IsTerminal() bool {
	return s == StateJoined || s == StateFailed
}

// ============================================================================
//                              协作者接口
// ============================================================================

// Host 本节点视图
type Host interface {
	// Contact 返回当前 Fob 与本节点联系信息
	Contact() (types.Fob, types.PeerInfo)

	// ClientMode 是否以客户端身份加入
	ClientMode() bool

	// Dial 连接到指定地址
	Dial(ctx context.Context, ep types.Endpoint) (types.NodeID, error)

	// Admit 将对端加入本地路由表
	Admit(ctx context.Context, info types.PeerInfo, client bool) error

	// Known 对端是否已在路由表中
	Known(id types.NodeID) bool

	// Peers 路由表中的全部节点
	Peers() []types.PeerInfo

	// EndAnonymousSession 由公钥派生身份并切换，返回新的 Fob 与联系信息
	EndAnonymousSession() (types.Fob, types.PeerInfo)
}

// RPC 加入过程使用的远程调用
type RPC interface {
	Connect(ctx context.Context, connID types.NodeID, fob types.Fob, contact types.PeerInfo, client bool) (types.PeerInfo, error)
	FindNodes(ctx context.Context, connID, target types.NodeID, count int) ([]types.PeerInfo, error)
}

// StatusFunc 网络状态回调
type StatusFunc func(types.NetworkStatus)

// Config 协调器配置
type Config struct {
	// ClosestNodesSize 期望确认数上限 k
	ClosestNodesSize int

	// JoinTimeout 加入超时
	JoinTimeout time.Duration

	// Parallelism 并发握手数
	Parallelism int

	// RPCTimeout 匿名会话结束后重新宣告的期限
	RPCTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ClosestNodesSize: 8,
		JoinTimeout:      20 * time.Second,
		Parallelism:      8,
		RPCTimeout:       5 * time.Second,
	}
}

// ============================================================================
//                              Coordinator
// ============================================================================

// Coordinator 加入协调器
type Coordinator struct {
	cfg    Config
	host   Host
	rpc    RPC
	status StatusFunc

	// emitMu 保证状态回调按顺序执行
	emitMu sync.Mutex

	mu        sync.Mutex
	state     State
	result    types.ResultCode
	validated int
	expected  int
	done      chan struct{}
}

// New 创建协调器，status 可为 nil
func New(cfg Config, host Host, rpc RPC, status StatusFunc) *Coordinator {
	def := DefaultConfig()
	if cfg.ClosestNodesSize <= 0 {
		cfg.ClosestNodesSize = def.ClosestNodesSize
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = def.RPCTimeout
	}
	if status == nil {
		status = func(types.NetworkStatus) {}
	}
	return &Coordinator{
		cfg:    cfg,
		host:   host,
		rpc:    rpc,
		status: status,
		done:   make(chan struct{}),
	}
}

// State 返回当前状态
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result 返回最近一次加入的结果码
func (c *Coordinator) Result() types.ResultCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Done 返回当前加入尝试结束时关闭的通道
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Progress 返回 (已校验数, 期望数)
func (c *Coordinator) Progress() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validated, c.expected
}

// start 开始新的加入尝试；进行中或已加入时拒绝
func (c *Coordinator) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateBootstrapping, StateValidating:
		return fmt.Errorf("%w: join already in progress", types.ErrJoinFailed)
	case StateJoined:
		return fmt.Errorf("%w: already joined", types.ErrJoinFailed)
	}
	if c.state == StateFailed {
		c.done = make(chan struct{})
	}
	c.state = StateBootstrapping
	c.result = types.ResultSuccess
	c.validated = 0
	c.expected = 0
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// finish 进入终止状态并通知；重复调用无效
func (c *Coordinator) finish(state State, code types.ResultCode) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.result = code
	st := types.NetworkStatus{
		Code:      code,
		Progress:  types.ComputeProgress(c.validated, c.expected),
		Validated: c.validated,
		Expected:  c.expected,
	}
	if state == StateFailed {
		st.Progress = 0
	}
	close(c.done)
	c.mu.Unlock()

	logger.Info("加入结束", "state", state, "result", code, "validated", st.Validated, "expected", st.Expected)
	c.status(st)
	return true
}

// ============================================================================
//                              ZeroStateJoin
// ============================================================================

// ZeroStateJoin 与指定节点互相连接，组建新网络
//
// 不进行扇出和期望计数；连接与双向入表都成功时进入 Joined。
// peer.NodeID 非零时要求对端身份一致。
func (c *Coordinator) ZeroStateJoin(ctx context.Context, peerEndpoint types.Endpoint, peer types.PeerInfo) types.ResultCode {
	if err := c.start(); err != nil {
		logger.Warn("无法开始零状态加入", "error", err)
		return types.ResultJoinFailed
	}
	c.mu.Lock()
	c.expected = 1
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	fob, contact := c.host.Contact()
	if _, code := c.handshake(ctx, peerEndpoint, fob, contact, peer.NodeID); code != types.ResultSuccess {
		c.finish(StateFailed, code)
		return code
	}
	c.mu.Lock()
	c.validated++
	c.mu.Unlock()
	c.finish(StateJoined, types.ResultSuccess)
	return types.ResultSuccess
}

// handshake 拨号、Connect、本地入表；计数由调用方负责
func (c *Coordinator) handshake(ctx context.Context, ep types.Endpoint, fob types.Fob, contact types.PeerInfo, want types.NodeID) (types.PeerInfo, types.ResultCode) {
	connID, err := c.host.Dial(ctx, ep)
	if err != nil {
		logger.Debug("连接节点失败", "endpoint", ep, "error", err)
		return types.PeerInfo{}, types.ResultConnectionFailed
	}

	peer, err := c.rpc.Connect(ctx, connID, fob, contact, c.host.ClientMode())
	if err != nil {
		logger.Debug("Connect 失败", "endpoint", ep, "error", err)
		return types.PeerInfo{}, resultOf(err)
	}
	if !want.IsZero() && peer.NodeID != want {
		logger.Debug("对端身份不符", "endpoint", ep, "want", want.ShortString(), "got", peer.NodeID.ShortString())
		return types.PeerInfo{}, types.ResultValidationFailed
	}

	c.setState(StateValidating)
	if err := c.host.Admit(ctx, peer, false); err != nil && !errors.Is(err, types.ErrAlreadyExists) {
		logger.Debug("对端入表失败", "peer", peer, "error", err)
		return types.PeerInfo{}, resultOf(err)
	}
	return peer, types.ResultSuccess
}

// confirm 记录一个已握手节点；同一 NodeID 只计数一次
func (c *Coordinator) confirm(cands *candidates, peer types.PeerInfo) bool {
	if !cands.add(peer, true) {
		return false
	}
	c.mu.Lock()
	c.validated++
	c.mu.Unlock()
	return true
}

// ============================================================================
//                              Join
// ============================================================================

// Join 通过引导地址加入网络，阻塞直到进入终止状态或超时
//
// 失败的引导地址不会自动重试；调用方可以用新的地址列表再次调用。
func (c *Coordinator) Join(ctx context.Context, endpoints []types.Endpoint) error {
	if err := c.start(); err != nil {
		return err
	}
	if len(endpoints) == 0 {
		c.finish(StateFailed, types.ResultJoinFailed)
		return types.NewRoutingError("join", types.ErrJoinFailed, "no bootstrap endpoints")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	fob, contact := c.host.Contact()
	anonymous := fob.IsAnonymous()
	target := fob.Identity
	if anonymous {
		target = types.DeriveNodeID(fob.PublicKey)
	}

	// 第一阶段：引导节点握手并查询近邻
	cands := newCandidates(target)
	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)
	for _, ep := range endpoints {
		ep := ep
		g.Go(func() error {
			c.bootstrap(ctx, ep, fob, contact, target, cands)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.expected = min(cands.size(), c.cfg.ClosestNodesSize)
	noPeers := c.expected == 0
	c.mu.Unlock()

	if noPeers {
		c.finish(StateFailed, types.ResultJoinFailed)
		return types.NewRoutingError("join", types.ErrJoinFailed, "no usable peers")
	}
	c.report()

	// 第二阶段：与发现的节点握手
	c.setState(StateValidating)
	var vg errgroup.Group
	vg.SetLimit(c.cfg.Parallelism)
	for _, p := range cands.pending() {
		p := p
		vg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			// 已在表中的节点视为确认
			if c.host.Known(p.NodeID) {
				if c.confirm(cands, p) {
					c.report()
				}
				return nil
			}
			if peer, code := c.handshake(ctx, p.Endpoint, fob, contact, p.NodeID); code == types.ResultSuccess && c.confirm(cands, peer) {
				c.report()
			}
			return nil
		})
	}
	_ = vg.Wait()

	validated, expected := c.Progress()
	if validated < expected {
		c.finish(StateFailed, types.ResultJoinFailed)
		if ctx.Err() != nil {
			return types.NewRoutingError("join", types.ErrJoinFailed, "timeout")
		}
		return types.NewRoutingError("join", types.ErrJoinFailed,
			fmt.Sprintf("validated %d of %d expected peers", validated, expected))
	}

	if anonymous {
		c.endAnonymousSession(ctx)
		c.finish(StateJoined, types.ResultAnonymousSessionEnded)
		return nil
	}
	c.finish(StateJoined, types.ResultSuccess)
	return nil
}

// bootstrap 与单个引导地址握手，收集候选节点
func (c *Coordinator) bootstrap(ctx context.Context, ep types.Endpoint, fob types.Fob, contact types.PeerInfo, target types.NodeID, cands *candidates) {
	connID, err := c.host.Dial(ctx, ep)
	if err != nil {
		logger.Debug("连接引导节点失败", "endpoint", ep, "error", err)
		return
	}
	peer, err := c.rpc.Connect(ctx, connID, fob, contact, c.host.ClientMode())
	if err != nil {
		logger.Debug("引导节点拒绝连接", "endpoint", ep, "error", err)
		return
	}

	// 重复或重叠的引导地址指向同一节点时只计一次
	if err := c.host.Admit(ctx, peer, false); err == nil || errors.Is(err, types.ErrAlreadyExists) {
		c.confirm(cands, peer)
	} else {
		logger.Debug("引导节点入表失败", "peer", peer, "error", err)
	}

	nodes, err := c.rpc.FindNodes(ctx, connID, target, c.cfg.ClosestNodesSize)
	if err != nil {
		logger.Debug("FindNodes 失败", "endpoint", ep, "error", err)
		return
	}
	for _, n := range nodes {
		if n.NodeID.IsZero() || n.NodeID == target || n.Endpoint.IsEmpty() {
			continue
		}
		cands.add(n, false)
	}
}

// report 发送进度；达到期望值后由 Join 统一收尾
func (c *Coordinator) report() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	st := types.NetworkStatus{
		Code:      types.ResultSuccess,
		Progress:  types.ComputeProgress(c.validated, c.expected),
		Validated: c.validated,
		Expected:  c.expected,
	}
	c.mu.Unlock()
	if st.Expected > 0 {
		c.status(st)
	}
}

// endAnonymousSession 切换到派生身份并向已连接节点重新宣告
//
// 加入期限可能已在第二阶段耗尽，宣告使用独立的 RPCTimeout 期限。
func (c *Coordinator) endAnonymousSession(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.RPCTimeout)
	defer cancel()

	fob, contact := c.host.EndAnonymousSession()
	logger.Info("匿名会话结束", "identity", fob.Identity.ShortString())

	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)
	for _, p := range c.host.Peers() {
		p := p
		g.Go(func() error {
			if _, err := c.rpc.Connect(ctx, p.ConnectionID, fob, contact, c.host.ClientMode()); err != nil {
				logger.Debug("重新宣告失败", "peer", p, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// resultOf 将错误映射为结果码，超时优先
func resultOf(err error) types.ResultCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ResultTimeout
	}
	code := types.ResultFromError(err)
	if code == types.ResultSuccess {
		return types.ResultGeneralError
	}
	return code
}
