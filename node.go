package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/routing"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("overlay")

const (
	// initializeTimeout Fx 启动超时
	initializeTimeout = 30 * time.Second

	// stopTimeout Close 时的停止超时
	stopTimeout = 10 * time.Second
)

// ════════════════════════════════════════════════════════════════════════════
//                              Node
// ════════════════════════════════════════════════════════════════════════════

// Node 覆盖网络节点
//
// 生命周期：New -> Start -> (ZeroStateJoin / Join / Send ...) -> Stop/Close。
// 路由核心关闭后不可重启，Stop 之后节点即视为已关闭。
type Node struct {
	mu      sync.Mutex
	app     *fx.App
	routing *routing.Routing

	started bool
	closed  bool
}

// New 创建节点
//
// 构造阶段即创建传输与路由核心，Start 之前节点已可被对端拨号，
// 但配置的引导地址只在 Start 后才会被使用。
func New(opts ...Option) (*Node, error) {
	cfg := newNodeConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	node := &Node{}
	app, err := buildFxApp(cfg, node)
	if err != nil {
		return nil, err
	}
	node.app = app

	logger.Debug("节点已创建", "id", node.routing.Self().ShortString(), "endpoint", node.routing.Endpoint())
	return node, nil
}

// Start 启动节点
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return ErrAlreadyStarted
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	if err := n.app.Start(initCtx); err != nil {
		logger.Error("节点启动失败", "error", err)
		return fmt.Errorf("initialize failed: %w", err)
	}
	n.started = true
	logger.Info("节点已启动", "id", n.routing.Self().ShortString())
	return nil
}

// Stop 停止节点
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if !n.started {
		return ErrNotStarted
	}
	return n.stopLocked(ctx)
}

// Close 关闭节点，可重复调用
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	if !n.started {
		// 未启动时 OnStop 不会执行，直接关闭路由核心
		n.closed = true
		return n.routing.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return n.stopLocked(ctx)
}

func (n *Node) stopLocked(ctx context.Context) error {
	n.started = false
	n.closed = true
	if err := n.app.Stop(ctx); err != nil {
		logger.Error("停止节点失败", "error", err)
		return fmt.Errorf("stop fx app: %w", err)
	}
	logger.Info("节点已停止")
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              身份
// ════════════════════════════════════════════════════════════════════════════

// ID 返回当前节点身份（匿名会话结束前为零值）
func (n *Node) ID() NodeID {
	return n.routing.Self()
}

// Endpoint 返回本地监听地址
func (n *Node) Endpoint() Endpoint {
	return n.routing.Endpoint()
}

// Contact 返回本节点联系信息，可交给对端做零状态加入
func (n *Node) Contact() PeerInfo {
	_, info := n.routing.Contact()
	return info
}

// Fob 返回当前身份与密钥
func (n *Node) Fob() Fob {
	return n.routing.Fob()
}

// ════════════════════════════════════════════════════════════════════════════
//                              加入
// ════════════════════════════════════════════════════════════════════════════

// ZeroStateJoin 与已知对端互相引导，组建新网络
func (n *Node) ZeroStateJoin(ctx context.Context, peerEndpoint Endpoint, peer PeerInfo) ResultCode {
	if n.isClosed() {
		return types.ResultGeneralError
	}
	return n.routing.ZeroStateJoin(ctx, peerEndpoint, peer)
}

// Join 通过引导地址加入网络，阻塞到加入完成或失败
func (n *Node) Join(ctx context.Context, endpoints ...Endpoint) error {
	if n.isClosed() {
		return ErrNodeClosed
	}
	return n.routing.Join(ctx, endpoints)
}

// Joined 加入结束（成功或失败）时关闭的通道
func (n *Node) Joined() <-chan struct{} {
	return n.routing.Joined()
}

// JoinState 返回当前加入状态
func (n *Node) JoinState() JoinState {
	return n.routing.JoinState()
}

// ════════════════════════════════════════════════════════════════════════════
//                              消息
// ════════════════════════════════════════════════════════════════════════════

// Send 发送消息，结果通过 cb 异步报告
//
//   - dest 为目标节点或组地址
//   - groupClaim 非零时以组成员身份发出
//   - timeout 为 0 时使用配置的默认超时
//   - direct 为 true 时只投递到 dest 本身，否则投递到 dest 的最近组
//   - cache 为 true 时允许沿途节点用缓存应答
func (n *Node) Send(dest, groupClaim NodeID, payload []byte, cb ResponseFunc, timeout time.Duration, direct, cache bool) {
	if n.isClosed() {
		if cb != nil {
			cb(types.ResultGeneralError, nil)
		}
		return
	}
	n.routing.Send(dest, groupClaim, payload, cb, timeout, direct, cache)
}

// Request 直接向 dest 发送并等待第一个响应
func (n *Node) Request(ctx context.Context, dest NodeID, payload []byte) ([]byte, error) {
	type reply struct {
		code    ResultCode
		payload []byte
	}
	ch := make(chan reply, 1)
	timeout := time.Duration(0)
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, ctx.Err()
		}
	}

	n.Send(dest, types.EmptyNodeID, payload, func(code ResultCode, p []byte) {
		select {
		case ch <- reply{code, p}:
		default:
		}
	}, timeout, true, false)

	select {
	case r := <-ch:
		if !r.code.IsSuccess() {
			return nil, types.NewRoutingError("request", r.code.Err(), dest.ShortString())
		}
		return r.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              路由表查询与维护
// ════════════════════════════════════════════════════════════════════════════

// ClosestNodes 返回距 target 最近的 count 个已知节点
func (n *Node) ClosestNodes(target NodeID, count int) []PeerInfo {
	return n.routing.ClosestNodes(target, count)
}

// RandomExistingNode 随机返回一个曾经见过的节点
func (n *Node) RandomExistingNode() (NodeID, error) {
	return n.routing.RandomExistingNode()
}

// DropNode 按连接标识移除节点并断开连接
func (n *Node) DropNode(connID NodeID) bool {
	return n.routing.DropNode(connID)
}

// Ping 探测节点，返回对端 NAT 类型
func (n *Node) Ping(ctx context.Context, id NodeID) (NATType, error) {
	return n.routing.Ping(ctx, id)
}

// Heal 立即执行一次路由表补充
func (n *Node) Heal(ctx context.Context) error {
	return n.routing.Heal(ctx)
}

// RoutingTableSize 返回路由表大小
func (n *Node) RoutingTableSize() int {
	return n.routing.RoutingTable().Size()
}

// ClientTableSize 返回客户端表大小
func (n *Node) ClientTableSize() int {
	return n.routing.ClientTable().Size()
}

// RoutingPeers 返回路由表中的所有节点
func (n *Node) RoutingPeers() []PeerInfo {
	return n.routing.RoutingPeers()
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}
