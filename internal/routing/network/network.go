// Package network 定义路由核心使用的传输层抽象
//
// 安全传输、NAT 穿透和加密都在传输层实现，路由核心只依赖
// 本包的两个接口：Transport（主动操作）和 Handler（事件回调）。
package network

import (
	"context"
	"errors"

	"github.com/dep2p/go-overlay/pkg/types"
)

var (
	// ErrNotConnected 指定连接不存在
	ErrNotConnected = errors.New("network: not connected")

	// ErrUnreachable 目标地址不可达
	ErrUnreachable = errors.New("network: endpoint unreachable")

	// ErrTransportClosed 传输层已关闭
	ErrTransportClosed = errors.New("network: transport closed")

	// ErrBackpressure 对端接收队列已满
	ErrBackpressure = errors.New("network: inbox full")
)

// Transport 传输层
//
// 每条连接由对端的连接标识（ConnectionID）区分。同一对传输实例
// 之间最多存在一条连接，重复 Connect 返回已有连接。
type Transport interface {
	// ConnectionID 返回本地连接标识
	ConnectionID() types.NodeID

	// Endpoint 返回本地监听地址
	Endpoint() types.Endpoint

	// Connect 连接到指定地址，返回对端连接标识
	Connect(ctx context.Context, ep types.Endpoint) (types.NodeID, error)

	// Send 通过连接发送一条消息（非阻塞）
	Send(connID types.NodeID, data []byte) error

	// Close 关闭连接，对端会收到 HandleConnectionLost
	Close(connID types.NodeID) error

	// SetHandler 设置事件回调
	SetHandler(h Handler)

	// Shutdown 关闭所有连接并停止传输
	Shutdown() error
}

// Handler 传输层事件回调
//
// 同一传输实例上的回调串行执行。
type Handler interface {
	// HandleMessage 收到消息
	HandleMessage(connID types.NodeID, data []byte)

	// HandleConnectionLost 连接被对端关闭或断开
	HandleConnectionLost(connID types.NodeID)
}
