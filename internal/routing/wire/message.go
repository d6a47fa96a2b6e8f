// Package wire 定义路由消息的线上格式
//
// 编码使用 protobuf 线格式（protowire），不依赖生成代码。
// 零值字段不编码。
package wire

import (
	"github.com/google/uuid"

	"github.com/dep2p/go-overlay/pkg/types"
)

// MessageType 消息类型
type MessageType uint8

const (
	// TypeUnknown 未知类型
	TypeUnknown MessageType = iota
	// TypePing 探活
	TypePing
	// TypeConnect 连接握手
	TypeConnect
	// TypeFindNodes 查找近邻
	TypeFindNodes
	// TypeData 应用数据
	TypeData
)

// String 返回类型名称
func (t MessageType) String() string {
	switch t {
	case TypePing:
		return "ping"
	case TypeConnect:
		return "connect"
	case TypeFindNodes:
		return "find_nodes"
	case TypeData:
		return "data"
	default:
		return "unknown"
	}
}

// IsRPC 是否为 RPC 类消息
func (t MessageType) IsRPC() bool {
	return t == TypePing || t == TypeConnect || t == TypeFindNodes
}

// Message 路由消息
type Message struct {
	// Type 消息类型
	Type MessageType

	// Request 是否为请求（否则为响应）
	Request bool

	// ID 消息唯一标识（去重）
	ID uuid.UUID

	// CorrelationID 请求/响应关联标识，0 表示不需要响应
	CorrelationID uint32

	// SourceID 发起方身份（匿名/客户端可为零）
	SourceID types.NodeID

	// DestinationID 目标身份
	DestinationID types.NodeID

	// GroupClaim 组声明（发送方声称代表的组）
	GroupClaim types.NodeID

	// Relay 响应需要经由 RelayID 节点转交给 RelayConnectionID
	Relay bool

	// RelayID 代为转发的节点身份
	RelayID types.NodeID

	// RelayConnectionID 发起方在转发节点上的连接标识
	RelayConnectionID types.NodeID

	// Direct 直连投递（不做组路由）
	Direct bool

	// Cacheable 响应可缓存
	Cacheable bool

	// HopsToLive 剩余跳数
	HopsToLive uint32

	// Result 响应结果码
	Result types.ResultCode

	// CacheTarget 缓存键中的原请求目标
	CacheTarget types.NodeID

	// CacheDigest 缓存键中的原请求负载摘要
	CacheDigest []byte

	// Payload 负载
	Payload []byte
}

// NewRequest 创建请求消息（分配新的消息 ID）
func NewRequest(typ MessageType, source, destination types.NodeID, payload []byte) *Message {
	return &Message{
		Type:          typ,
		Request:       true,
		ID:            uuid.New(),
		SourceID:      source,
		DestinationID: destination,
		Payload:       payload,
	}
}

// NewResponse 为请求创建响应
//
// 响应目标为请求源，并继承关联标识、中继信息和缓存键。
func (m *Message) NewResponse(self types.NodeID, result types.ResultCode, payload []byte) *Message {
	return &Message{
		Type:              m.Type,
		Request:           false,
		ID:                uuid.New(),
		CorrelationID:     m.CorrelationID,
		SourceID:          self,
		DestinationID:     m.SourceID,
		Relay:             m.Relay,
		RelayID:           m.RelayID,
		RelayConnectionID: m.RelayConnectionID,
		Direct:            m.Direct,
		Cacheable:         m.Cacheable,
		Result:            result,
		CacheTarget:       m.DestinationID,
		CacheDigest:       m.CacheDigest,
		Payload:           payload,
	}
}

// Clone 浅拷贝消息（字节切片共享）
func (m *Message) Clone() *Message {
	c := *m
	return &c
}
