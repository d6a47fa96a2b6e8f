package routing

import (
	"context"

	"github.com/dep2p/go-overlay/internal/routing/join"
	"github.com/dep2p/go-overlay/internal/routing/network"
	"github.com/dep2p/go-overlay/internal/routing/rpc"
	"github.com/dep2p/go-overlay/internal/routing/table"
	"github.com/dep2p/go-overlay/internal/routing/wire"
	"github.com/dep2p/go-overlay/pkg/types"
)

var (
	_ rpc.Host        = (*Routing)(nil)
	_ join.Host       = (*Routing)(nil)
	_ network.Handler = (*Routing)(nil)
)

// ============================================================================
//                              本节点视图（RPC 与加入使用）
// ============================================================================

// Contact 返回当前 Fob 与本节点联系信息
func (r *Routing) Contact() (types.Fob, types.PeerInfo) {
	fob := r.Fob()
	return fob, types.PeerInfo{
		NodeID:       fob.Identity,
		ConnectionID: r.transport.ConnectionID(),
		PublicKey:    fob.PublicKey,
		Endpoint:     r.transport.Endpoint(),
	}
}

// NATType 本节点 NAT 类型
func (r *Routing) NATType() types.NATType {
	return r.natType
}

// ClientMode 是否为客户端节点
func (r *Routing) ClientMode() bool {
	return r.cfg.ClientMode
}

// Dial 连接到指定地址
func (r *Routing) Dial(ctx context.Context, ep types.Endpoint) (types.NodeID, error) {
	connID, err := r.transport.Connect(ctx, ep)
	if err != nil {
		return types.EmptyNodeID, types.NewRoutingError("dial", types.ErrConnectionFailed, err.Error())
	}
	return connID, nil
}

// Admit 将对端加入路由表或客户端表
//
// 客户端与匿名节点进入客户端表。同一连接上已有匿名客户端条目时，
// 说明对端的匿名会话已结束，旧条目被替换（保留连接）。
func (r *Routing) Admit(ctx context.Context, info types.PeerInfo, client bool) error {
	if !info.IsAnonymous() {
		if old, ok := r.clients.GetByConnection(info.ConnectionID); ok && old.IsAnonymous() {
			logger.Debug("匿名会话结束，替换客户端条目", "conn", info.ConnectionID.ShortString(), "peer", info.NodeID.ShortString())
			r.clients.DropNode(info.ConnectionID, true)
		}
	}
	if client || info.IsAnonymous() {
		return r.clients.Admit(ctx, info)
	}
	return r.routes.Admit(ctx, info)
}

// ClosestPeers 应答 FindNodes：排除请求方连接和没有地址的节点
//
// 先按距离取出整张表再过滤，被过滤的条目不占用 count 名额。
func (r *Routing) ClosestPeers(target types.NodeID, count int, exclude types.NodeID) []types.PeerInfo {
	if count <= 0 {
		return nil
	}
	nodes := r.routes.GetClosestNodes(target, r.routes.Size())
	out := make([]types.PeerInfo, 0, count)
	for _, p := range nodes {
		if p.ConnectionID == exclude || p.Endpoint.IsEmpty() {
			continue
		}
		if len(out) == count {
			break
		}
		out = append(out, p)
	}
	return out
}

// Known 节点是否在路由表中
func (r *Routing) Known(id types.NodeID) bool {
	return r.routes.Contains(id)
}

// Peers 路由表中的全部节点
func (r *Routing) Peers() []types.PeerInfo {
	return r.routes.Nodes()
}

// EndAnonymousSession 派生身份并重新排列两张表
func (r *Routing) EndAnonymousSession() (types.Fob, types.PeerInfo) {
	r.fobMu.Lock()
	r.fob = r.fob.WithDerivedIdentity()
	self := r.fob.Identity
	r.fobMu.Unlock()

	r.routes.Rekey(self)
	r.clients.Rekey(self)
	return r.Contact()
}

// ============================================================================
//                              传输事件
// ============================================================================

// HandleMessage 处理入站字节
//
// RPC 请求在独立 goroutine 中处理（可能回拨或等待校验），
// 其余消息在传输回调中直接处理。
func (r *Routing) HandleMessage(connID types.NodeID, data []byte) {
	if r.closed.Load() {
		return
	}
	msg, err := wire.Unmarshal(data)
	if err != nil {
		logger.Debug("丢弃无法解码的消息", "conn", connID.ShortString(), "error", err)
		return
	}

	switch {
	case msg.Type.IsRPC() && msg.Request:
		r.spawn(func() {
			r.rpcHandler.Handle(r.ctx, connID, msg)
		})
	case msg.Type.IsRPC():
		r.dispatcher.HandleRPCResponse(msg)
	case msg.Type == wire.TypeData:
		r.dispatcher.HandleData(connID, msg)
	default:
		logger.Debug("未知消息类型", "conn", connID.ShortString(), "type", msg.Type)
	}
}

// HandleConnectionLost 连接断开：只从表中移除
func (r *Routing) HandleConnectionLost(connID types.NodeID) {
	r.routes.DropNode(connID, true)
	r.clients.DropNode(connID, true)
	r.rpcHandler.Forget(connID)
}

// ============================================================================
//                              表事件
// ============================================================================

func (r *Routing) onRoutingEvent(ev table.Event) {
	r.metrics.TableEvent("routing", ev, r.routes.Size())
	switch ev.Type {
	case table.EventNodeAdded:
		r.sample.Add(ev.Peer.NodeID)
	case table.EventCloseNodesChanged:
		if r.fn.CloseNodeReplaced != nil {
			r.fn.CloseNodeReplaced(ev.Closest)
		}
	}
}

func (r *Routing) onClientEvent(ev table.Event) {
	r.metrics.TableEvent("client", ev, r.clients.Size())
}
