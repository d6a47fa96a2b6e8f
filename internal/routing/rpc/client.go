// Package rpc 实现路由 RPC：Ping、Connect、FindNodes
//
// Client 通过分发器的 RPC 通道发起请求；Handler 应答入站请求，
// 并对每个连接限流。
package rpc

import (
	"context"
	"fmt"

	"github.com/dep2p/go-overlay/internal/routing/wire"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("routing/rpc")

// Caller 在单条连接上发起 RPC
type Caller interface {
	Call(ctx context.Context, connID types.NodeID, msg *wire.Message) (*wire.Message, error)
}

// ============================================================================
//                              Client
// ============================================================================

// Client RPC 客户端
type Client struct {
	caller Caller
	self   func() types.NodeID
}

// NewClient 创建 RPC 客户端
func NewClient(caller Caller, self func() types.NodeID) *Client {
	return &Client{caller: caller, self: self}
}

// call 发起请求并检查响应结果码
func (c *Client) call(ctx context.Context, connID types.NodeID, typ wire.MessageType, payload []byte) (*wire.Message, error) {
	req := wire.NewRequest(typ, c.self(), types.EmptyNodeID, payload)
	resp, err := c.caller.Call(ctx, connID, req)
	if err != nil {
		return nil, err
	}
	if resp.Type != typ {
		return nil, types.NewRoutingError(typ.String(), wire.ErrMalformed,
			fmt.Sprintf("unexpected response type %s", resp.Type))
	}
	if resp.Result != types.ResultSuccess {
		return resp, types.NewRoutingError(typ.String(), resp.Result.Err(), "remote refused")
	}
	return resp, nil
}

// Ping 探测连接，返回对端的 NAT 类型
func (c *Client) Ping(ctx context.Context, connID types.NodeID) (types.NATType, error) {
	resp, err := c.call(ctx, connID, wire.TypePing, nil)
	if err != nil {
		return types.NATTypeUnknown, err
	}
	pr, err := wire.UnmarshalPingResponse(resp.Payload)
	if err != nil {
		return types.NATTypeUnknown, err
	}
	return pr.NATType, nil
}

// Connect 向对端宣告自身并获取对端的签名联系信息
//
// contact 中的 NodeID 与 PublicKey 取自 fob。返回的 PeerInfo 的
// ConnectionID 为本地到对端的连接标识。
func (c *Client) Connect(ctx context.Context, connID types.NodeID, fob types.Fob, contact types.PeerInfo, client bool) (types.PeerInfo, error) {
	contact.NodeID = fob.Identity
	contact.PublicKey = fob.PublicKey
	req := &wire.ConnectRequest{
		Contact:   contact,
		Client:    client,
		Signature: fob.SignContact(contact),
	}

	resp, err := c.call(ctx, connID, wire.TypeConnect, req.Marshal())
	if err != nil {
		return types.PeerInfo{}, err
	}
	cr, err := wire.UnmarshalConnectResponse(resp.Payload)
	if err != nil {
		return types.PeerInfo{}, err
	}
	if !cr.Accepted {
		reason := cr.Reason
		if reason == types.ResultSuccess {
			reason = types.ResultGeneralError
		}
		return types.PeerInfo{}, types.NewRoutingError("connect", reason.Err(), "connection refused")
	}
	if err := types.VerifyContact(cr.Contact, cr.Signature); err != nil {
		logger.Debug("对端联系信息签名无效", "conn", connID.ShortString(), "error", err)
		return types.PeerInfo{}, types.NewRoutingError("connect", types.ErrValidationFailed, err.Error())
	}

	peer := cr.Contact
	peer.ConnectionID = connID
	return peer, nil
}

// FindNodes 向对端请求距 target 最近的 count 个节点
func (c *Client) FindNodes(ctx context.Context, connID, target types.NodeID, count int) ([]types.PeerInfo, error) {
	if count <= 0 || count > wire.MaxFindNodesCount {
		count = wire.MaxFindNodesCount
	}
	req := &wire.FindNodesRequest{Target: target, Count: uint32(count)}
	resp, err := c.call(ctx, connID, wire.TypeFindNodes, req.Marshal())
	if err != nil {
		return nil, err
	}
	fr, err := wire.UnmarshalFindNodesResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	return fr.Nodes, nil
}
