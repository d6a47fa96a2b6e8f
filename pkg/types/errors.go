// Package types 定义覆盖网络路由核心的基础类型
//
// 本文件定义所有公共错误类型。
package types

import (
	"errors"
	"fmt"
)

// ============================================================================
//                              标识与地址错误
// ============================================================================

var (
	// ErrInvalidEndpoint 无效的传输地址
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidSignature 联系信息签名无效
	ErrInvalidSignature = errors.New("invalid contact signature")
)

// ============================================================================
//                              路由错误
// ============================================================================
//
// 每个错误对应一个 ResultCode，见 result.go。

var (
	// ErrNodeNotFound 目标节点不在路由表/客户端表中
	ErrNodeNotFound = errors.New("routing: node not found")

	// ErrRoutingTableFull 路由表已满且候选节点不比最远节点更近
	ErrRoutingTableFull = errors.New("routing: routing table full")

	// ErrAlreadyExists 节点已存在（NodeID 或 ConnectionID 重复）
	ErrAlreadyExists = errors.New("routing: node already exists")

	// ErrSelfNode 拒绝将自身加入路由表
	ErrSelfNode = errors.New("routing: cannot add self")

	// ErrAnonymousNode 路由表不接受匿名节点
	ErrAnonymousNode = errors.New("routing: anonymous node not allowed")

	// ErrValidationFailed 节点身份校验失败
	ErrValidationFailed = errors.New("routing: validation failed")

	// ErrConnectionFailed 连接或发送失败
	ErrConnectionFailed = errors.New("routing: connection failed")

	// ErrTimeout 请求超时
	ErrTimeout = errors.New("routing: timeout")

	// ErrLoopDetected 检测到路由环路或跳数耗尽
	ErrLoopDetected = errors.New("routing: loop detected")

	// ErrJoinFailed 加入网络失败
	ErrJoinFailed = errors.New("routing: join failed")

	// ErrRateLimited 请求被限流
	ErrRateLimited = errors.New("routing: rate limited")

	// ErrEmptySample 随机采样器为空
	ErrEmptySample = errors.New("routing: random sample empty")

	// ErrClosed 路由已关闭
	ErrClosed = errors.New("routing: closed")

	// ErrAnonymousSessionEnded 匿名会话已结束（加入完成后身份切换）
	ErrAnonymousSessionEnded = errors.New("routing: anonymous session ended")
)

// ============================================================================
//                              RoutingError
// ============================================================================

// RoutingError 路由操作错误
type RoutingError struct {
	// Op 操作名称
	Op string

	// Err 底层错误
	Err error

	// Message 附加描述
	Message string
}

// Error 实现 error 接口
func (e *RoutingError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("routing %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("routing %s: %v", e.Op, e.Err)
}

// Unwrap 返回底层错误
func (e *RoutingError) Unwrap() error {
	return e.Err
}

// NewRoutingError 创建路由错误
func NewRoutingError(op string, err error, message string) *RoutingError {
	return &RoutingError{Op: op, Err: err, Message: message}
}
