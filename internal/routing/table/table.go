// Package table 实现路由表和客户端表
//
// 路由表按到本节点的 XOR 距离排序保存已校验的对等节点，容量有限，
// 满时只接受比当前最远节点更近的候选者。客户端表保存不参与转发的
// 客户端连接，允许匿名条目。
//
// 新节点先进入待定集合（对查询不可见），异步校验通过后才正式加入。
package table

import (
	"context"
	"time"

	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("routing/table")

// ============================================================================
//                              协作者接口
// ============================================================================

// Validator 节点身份校验器
type Validator interface {
	Validate(ctx context.Context, info types.PeerInfo) error
}

// Closer 关闭传输连接
type Closer interface {
	Close(connID types.NodeID) error
}

// ============================================================================
//                              事件
// ============================================================================

// EventType 表事件类型
type EventType int

const (
	// EventNodeAdded 节点已校验并加入
	EventNodeAdded EventType = iota
	// EventNodeRejected 节点被拒绝
	EventNodeRejected
	// EventNodeRemoved 节点被移除（主动删除或被替换）
	EventNodeRemoved
	// EventCloseNodesChanged 本节点的近邻集合发生变化
	EventCloseNodesChanged
)

// String 返回事件名称
func (e EventType) String() string {
	switch e {
	case EventNodeAdded:
		return "added"
	case EventNodeRejected:
		return "rejected"
	case EventNodeRemoved:
		return "removed"
	case EventCloseNodesChanged:
		return "close_nodes_changed"
	default:
		return "unknown"
	}
}

// Event 表事件
type Event struct {
	// Type 事件类型
	Type EventType

	// Peer 相关节点（CloseNodesChanged 时为空）
	Peer types.PeerInfo

	// Err 拒绝原因（仅 EventNodeRejected）
	Err error

	// Closest 变化后的近邻集合（仅 EventCloseNodesChanged）
	Closest []types.PeerInfo
}

// Listener 事件监听器
//
// 在表锁之外同步调用，不应阻塞。
type Listener func(Event)

// ============================================================================
//                              配置
// ============================================================================

// Config 表配置
type Config struct {
	// MaxSize 容量
	MaxSize int

	// ClosestNodesSize 组大小 k
	ClosestNodesSize int

	// ValidationTimeout 单个节点校验超时
	ValidationTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxSize:           64,
		ClosestNodesSize:  8,
		ValidationTimeout: 5 * time.Second,
	}
}
