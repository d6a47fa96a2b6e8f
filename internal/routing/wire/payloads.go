package wire

import (
	"crypto/ed25519"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              PeerInfo
// ============================================================================

const (
	fieldPeerNodeID       protowire.Number = 1
	fieldPeerConnectionID protowire.Number = 2
	fieldPeerPublicKey    protowire.Number = 3
	fieldPeerEndpoint     protowire.Number = 4
)

func appendPeer(b []byte, num protowire.Number, p types.PeerInfo) []byte {
	var inner []byte
	inner = appendNodeID(inner, fieldPeerNodeID, p.NodeID)
	inner = appendNodeID(inner, fieldPeerConnectionID, p.ConnectionID)
	inner = appendBytes(inner, fieldPeerPublicKey, p.PublicKey)
	inner = appendString(inner, fieldPeerEndpoint, string(p.Endpoint))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func decodePeer(data []byte) (types.PeerInfo, error) {
	var p types.PeerInfo
	err := walk(data, func(num protowire.Number, typ protowire.Type, f field) error {
		var err error
		switch num {
		case fieldPeerNodeID:
			p.NodeID, err = f.nodeID(typ)
		case fieldPeerConnectionID:
			p.ConnectionID, err = f.nodeID(typ)
		case fieldPeerPublicKey:
			var raw []byte
			if raw, err = f.bytesCopy(typ); err == nil {
				p.PublicKey = ed25519.PublicKey(raw)
			}
		case fieldPeerEndpoint:
			var s string
			s, err = f.str(typ)
			p.Endpoint = types.Endpoint(s)
		default:
			err = f.skip(num, typ)
		}
		return err
	})
	return p, err
}

// ============================================================================
//                              Ping
// ============================================================================

// PingResponse Ping 响应
type PingResponse struct {
	// NATType 响应方 NAT 类型
	NATType types.NATType
}

// Marshal 编码
func (r *PingResponse) Marshal() []byte {
	return appendVarint(nil, 1, uint64(r.NATType))
}

// UnmarshalPingResponse 解码 Ping 响应
func UnmarshalPingResponse(data []byte) (*PingResponse, error) {
	r := &PingResponse{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, f field) error {
		if num != 1 {
			return f.skip(num, typ)
		}
		v, err := f.varint(typ)
		r.NATType = types.NATType(v)
		return err
	})
	return r, err
}

// ============================================================================
//                              Connect
// ============================================================================

// ConnectRequest 连接请求
type ConnectRequest struct {
	// Contact 请求方联系信息
	Contact types.PeerInfo

	// Client 请求方以客户端身份加入
	Client bool

	// Signature 请求方对联系信息的签名
	Signature []byte
}

// Marshal 编码
func (r *ConnectRequest) Marshal() []byte {
	b := appendPeer(nil, 1, r.Contact)
	b = appendBool(b, 2, r.Client)
	return appendBytes(b, 3, r.Signature)
}

// UnmarshalConnectRequest 解码连接请求
func UnmarshalConnectRequest(data []byte) (*ConnectRequest, error) {
	r := &ConnectRequest{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, f field) error {
		var err error
		switch num {
		case 1:
			var raw []byte
			if raw, err = f.bytes(typ); err == nil {
				r.Contact, err = decodePeer(raw)
			}
		case 2:
			r.Client, err = f.bool(typ)
		case 3:
			r.Signature, err = f.bytesCopy(typ)
		default:
			err = f.skip(num, typ)
		}
		return err
	})
	return r, err
}

// ConnectResponse 连接响应
type ConnectResponse struct {
	// Accepted 是否接受
	Accepted bool

	// Reason 拒绝原因
	Reason types.ResultCode

	// Contact 响应方联系信息
	Contact types.PeerInfo

	// Signature 响应方对联系信息的签名
	Signature []byte
}

// Marshal 编码
func (r *ConnectResponse) Marshal() []byte {
	b := appendBool(nil, 1, r.Accepted)
	if r.Reason != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.Reason)))
	}
	b = appendPeer(b, 3, r.Contact)
	return appendBytes(b, 4, r.Signature)
}

// UnmarshalConnectResponse 解码连接响应
func UnmarshalConnectResponse(data []byte) (*ConnectResponse, error) {
	r := &ConnectResponse{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, f field) error {
		var err error
		switch num {
		case 1:
			r.Accepted, err = f.bool(typ)
		case 2:
			var v uint64
			v, err = f.varint(typ)
			r.Reason = types.ResultCode(protowire.DecodeZigZag(v))
		case 3:
			var raw []byte
			if raw, err = f.bytes(typ); err == nil {
				r.Contact, err = decodePeer(raw)
			}
		case 4:
			r.Signature, err = f.bytesCopy(typ)
		default:
			err = f.skip(num, typ)
		}
		return err
	})
	return r, err
}

// ============================================================================
//                              FindNodes
// ============================================================================

// MaxFindNodesCount FindNodes 单次返回上限
const MaxFindNodesCount = 64

// FindNodesRequest 查找近邻请求
type FindNodesRequest struct {
	// Target 目标身份
	Target types.NodeID

	// Count 期望返回数量
	Count uint32
}

// Marshal 编码
func (r *FindNodesRequest) Marshal() []byte {
	b := appendNodeID(nil, 1, r.Target)
	return appendVarint(b, 2, uint64(r.Count))
}

// UnmarshalFindNodesRequest 解码查找请求
func UnmarshalFindNodesRequest(data []byte) (*FindNodesRequest, error) {
	r := &FindNodesRequest{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, f field) error {
		var err error
		switch num {
		case 1:
			r.Target, err = f.nodeID(typ)
		case 2:
			var v uint64
			v, err = f.varint(typ)
			r.Count = uint32(v)
		default:
			err = f.skip(num, typ)
		}
		return err
	})
	if err == nil && r.Count > MaxFindNodesCount {
		r.Count = MaxFindNodesCount
	}
	return r, err
}

// FindNodesResponse 查找近邻响应（按到目标距离升序）
type FindNodesResponse struct {
	// Nodes 节点列表
	Nodes []types.PeerInfo
}

// Marshal 编码
func (r *FindNodesResponse) Marshal() []byte {
	var b []byte
	for _, p := range r.Nodes {
		b = appendPeer(b, 1, p)
	}
	return b
}

// UnmarshalFindNodesResponse 解码查找响应
func UnmarshalFindNodesResponse(data []byte) (*FindNodesResponse, error) {
	r := &FindNodesResponse{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, f field) error {
		if num != 1 {
			return f.skip(num, typ)
		}
		raw, err := f.bytes(typ)
		if err != nil {
			return err
		}
		p, err := decodePeer(raw)
		if err != nil {
			return err
		}
		if len(r.Nodes) >= MaxFindNodesCount {
			return fmt.Errorf("%w: too many nodes", ErrMalformed)
		}
		r.Nodes = append(r.Nodes, p)
		return nil
	})
	return r, err
}
