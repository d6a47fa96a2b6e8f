// Package overlay 提供 P2P 覆盖网络路由核心的对外入口
//
// 节点通过 Fx 组装路由表、客户端表、消息分发与加入流程，
// 对外只暴露 Node 及少量类型别名。
//
// 使用示例：
//
//	node, err := overlay.New(
//	    overlay.WithPreset("test"),
//	    overlay.WithFunctors(&overlay.Functors{
//	        MessageReceived: func(payload []byte, source overlay.NodeID) []byte {
//	            return payload
//	        },
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	defer node.Close()
//
//	if err := node.Start(ctx); err != nil {
//	    return err
//	}
package overlay

import (
	"github.com/dep2p/go-overlay/internal/routing"
	"github.com/dep2p/go-overlay/internal/routing/dispatch"
	"github.com/dep2p/go-overlay/internal/routing/join"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              版本信息
// ════════════════════════════════════════════════════════════════════════════

// Version 当前版本
const Version = "v0.1.0"

// BuildInfo 构建信息（通过 ldflags 注入）
var (
	// GitCommit Git 提交哈希
	GitCommit string

	// BuildDate 构建日期
	BuildDate string
)

// VersionInfo 返回完整版本信息字符串
func VersionInfo() string {
	info := "go-overlay " + Version
	if GitCommit != "" {
		info += " (" + GitCommit[:min(8, len(GitCommit))] + ")"
	}
	if BuildDate != "" {
		info += " built " + BuildDate
	}
	return info
}

// ════════════════════════════════════════════════════════════════════════════
//                              类型别名
// ════════════════════════════════════════════════════════════════════════════

type (
	// NodeID 节点身份
	NodeID = types.NodeID

	// PeerInfo 节点联系信息
	PeerInfo = types.PeerInfo

	// Endpoint 传输地址
	Endpoint = types.Endpoint

	// Fob 节点身份与密钥对
	Fob = types.Fob

	// ResultCode 操作结果码
	ResultCode = types.ResultCode

	// NetworkStatus 加入进度
	NetworkStatus = types.NetworkStatus

	// NATType NAT 类型
	NATType = types.NATType

	// Functors 应用层回调
	Functors = routing.Functors

	// ResponseFunc 发送结果回调
	ResponseFunc = dispatch.ResponseFunc

	// JoinState 加入状态
	JoinState = join.State
)
