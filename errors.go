package overlay

import (
	"errors"

	"github.com/dep2p/go-overlay/pkg/types"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 节点生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 节点未启动
	ErrNotStarted = errors.New("node not started")

	// ErrAlreadyStarted 节点已启动
	ErrAlreadyStarted = errors.New("node already started")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("node closed")

	// ────────────────────────────────────────────────────────────────────────
	// 路由错误（与 pkg/types 中的哨兵错误相同，便于 errors.Is 判断）
	// ────────────────────────────────────────────────────────────────────────

	// ErrNodeNotFound 节点未找到
	ErrNodeNotFound = types.ErrNodeNotFound

	// ErrTimeout 超时
	ErrTimeout = types.ErrTimeout

	// ErrJoinFailed 加入失败
	ErrJoinFailed = types.ErrJoinFailed

	// ErrConnectionFailed 连接失败
	ErrConnectionFailed = types.ErrConnectionFailed
)
