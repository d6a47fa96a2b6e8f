// Package memnet 提供进程内的内存传输实现
//
// 用于测试和模拟：同一个 Network 中的 Transport 通过地址互相连接，
// 每个 Transport 拥有一个串行处理的入站队列。
package memnet

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/dep2p/go-overlay/internal/routing/network"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("routing/memnet")

// DefaultInboxSize 默认入站队列长度
const DefaultInboxSize = 1024

// ============================================================================
//                              Network
// ============================================================================

// Network 内存网络
//
// 维护地址到传输实例的注册表和全部连接拓扑。拓扑变更统一在
// Network 锁下进行，避免两端互相加锁。
type Network struct {
	mu         sync.Mutex
	transports map[types.Endpoint]*Transport
	byConn     map[types.NodeID]*Transport
	nextPort   int
	inboxSize  int
}

// Option 网络选项
type Option func(*Network)

// WithInboxSize 设置每个传输的入站队列长度
func WithInboxSize(n int) Option {
	return func(nw *Network) {
		if n > 0 {
			nw.inboxSize = n
		}
	}
}

// NewNetwork 创建内存网络
func NewNetwork(opts ...Option) *Network {
	nw := &Network{
		transports: make(map[types.Endpoint]*Transport),
		byConn:     make(map[types.NodeID]*Transport),
		nextPort:   40000,
		inboxSize:  DefaultInboxSize,
	}
	for _, opt := range opts {
		opt(nw)
	}
	return nw
}

// NewTransport 创建并注册传输实例
//
// ep 为空时自动分配 127.0.0.1 上的端口。
func (nw *Network) NewTransport(ep types.Endpoint) (*Transport, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()

	if ep.IsEmpty() {
		for {
			nw.nextPort++
			ep = types.Endpoint(fmt.Sprintf("127.0.0.1:%d", nw.nextPort))
			if _, used := nw.transports[ep]; !used {
				break
			}
		}
	} else if err := ep.Validate(); err != nil {
		return nil, err
	}
	if _, used := nw.transports[ep]; used {
		return nil, fmt.Errorf("memnet: endpoint %s already in use", ep)
	}

	t := &Transport{
		nw:       nw,
		connID:   types.RandomNodeID(),
		endpoint: ep,
		conns:    make(map[types.NodeID]*Transport),
		inbox:    make(chan delivery, nw.inboxSize),
		done:     make(chan struct{}),
	}
	nw.transports[ep] = t
	nw.byConn[t.connID] = t

	t.wg.Add(1)
	go t.run()

	return t, nil
}

// Size 返回已注册的传输数量
func (nw *Network) Size() int {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return len(nw.transports)
}

// Disconnect 模拟链路中断：双方都收到 HandleConnectionLost
func (nw *Network) Disconnect(a, b types.NodeID) {
	nw.mu.Lock()
	ta, tb := nw.byConn[a], nw.byConn[b]
	linked := ta != nil && tb != nil && ta.conns[b] != nil
	if linked {
		delete(ta.conns, b)
		delete(tb.conns, a)
	}
	nw.mu.Unlock()

	if linked {
		ta.enqueue(delivery{from: b, lost: true})
		tb.enqueue(delivery{from: a, lost: true})
	}
}

// ============================================================================
//                              Transport
// ============================================================================

type delivery struct {
	from types.NodeID
	data []byte
	lost bool
}

// Transport 内存传输实例
type Transport struct {
	nw       *Network
	connID   types.NodeID
	endpoint types.Endpoint

	// conns 对端连接标识 -> 对端实例（受 nw.mu 保护）
	conns  map[types.NodeID]*Transport
	closed bool

	handlerMu sync.RWMutex
	handler   network.Handler

	inbox chan delivery
	done  chan struct{}
	wg    sync.WaitGroup
}

var _ network.Transport = (*Transport)(nil)

// ConnectionID 返回本地连接标识
func (t *Transport) ConnectionID() types.NodeID {
	return t.connID
}

// Endpoint 返回本地地址
func (t *Transport) Endpoint() types.Endpoint {
	return t.endpoint
}

// SetHandler 设置事件回调
func (t *Transport) SetHandler(h network.Handler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// Connect 连接到指定地址
func (t *Transport) Connect(ctx context.Context, ep types.Endpoint) (types.NodeID, error) {
	if err := ctx.Err(); err != nil {
		return types.EmptyNodeID, err
	}

	t.nw.mu.Lock()
	defer t.nw.mu.Unlock()

	if t.closed {
		return types.EmptyNodeID, network.ErrTransportClosed
	}
	remote, ok := t.nw.transports[ep]
	if !ok || remote.closed {
		return types.EmptyNodeID, fmt.Errorf("%w: %s", network.ErrUnreachable, ep)
	}
	if remote == t {
		return types.EmptyNodeID, fmt.Errorf("%w: cannot connect to self", network.ErrUnreachable)
	}

	if _, exists := t.conns[remote.connID]; !exists {
		t.conns[remote.connID] = remote
		remote.conns[t.connID] = t
		logger.Debug("连接已建立", "local", t.endpoint, "remote", ep)
	}
	return remote.connID, nil
}

// Send 发送消息
func (t *Transport) Send(connID types.NodeID, data []byte) error {
	t.nw.mu.Lock()
	if t.closed {
		t.nw.mu.Unlock()
		return network.ErrTransportClosed
	}
	remote, ok := t.conns[connID]
	t.nw.mu.Unlock()

	if !ok {
		return network.ErrNotConnected
	}
	buf := append([]byte(nil), data...)
	return remote.enqueue(delivery{from: t.connID, data: buf})
}

// Close 关闭连接
func (t *Transport) Close(connID types.NodeID) error {
	t.nw.mu.Lock()
	remote, ok := t.conns[connID]
	if ok {
		delete(t.conns, connID)
		delete(remote.conns, t.connID)
	}
	t.nw.mu.Unlock()

	if !ok {
		return network.ErrNotConnected
	}
	// 对端可能已关闭，忽略入队错误
	_ = remote.enqueue(delivery{from: t.connID, lost: true})
	return nil
}

// IsConnected 检查是否存在到指定对端的连接
func (t *Transport) IsConnected(connID types.NodeID) bool {
	t.nw.mu.Lock()
	defer t.nw.mu.Unlock()
	_, ok := t.conns[connID]
	return ok
}

// Connections 返回当前连接数
func (t *Transport) Connections() int {
	t.nw.mu.Lock()
	defer t.nw.mu.Unlock()
	return len(t.conns)
}

// Shutdown 关闭所有连接并停止处理
func (t *Transport) Shutdown() error {
	t.nw.mu.Lock()
	if t.closed {
		t.nw.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]types.NodeID, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	t.nw.mu.Unlock()

	var errs error
	for _, id := range peers {
		if err := t.Close(id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", id.ShortString(), err))
		}
	}

	t.nw.mu.Lock()
	delete(t.nw.transports, t.endpoint)
	delete(t.nw.byConn, t.connID)
	t.nw.mu.Unlock()

	close(t.done)
	t.wg.Wait()
	return errs
}

// enqueue 投递到入站队列（非阻塞）
func (t *Transport) enqueue(d delivery) error {
	select {
	case <-t.done:
		return network.ErrTransportClosed
	default:
	}
	select {
	case t.inbox <- d:
		return nil
	default:
		logger.Warn("入站队列已满，丢弃消息", "endpoint", t.endpoint)
		return network.ErrBackpressure
	}
}

// run 串行处理入站队列
func (t *Transport) run() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case d := <-t.inbox:
			t.handlerMu.RLock()
			h := t.handler
			t.handlerMu.RUnlock()
			if h == nil {
				continue
			}
			if d.lost {
				h.HandleConnectionLost(d.from)
			} else {
				h.HandleMessage(d.from, d.data)
			}
		}
	}
}
