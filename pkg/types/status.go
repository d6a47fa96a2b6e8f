package types

import "fmt"

// ============================================================================
//                              NetworkStatus - 网络状态
// ============================================================================

// NetworkStatus 网络状态通知
//
// Join 期间以进度百分比上报；Code 为负时表示失败，
// 为 ResultAnonymousSessionEnded 时表示匿名会话结束。
type NetworkStatus struct {
	// Code 结果码
	Code ResultCode

	// Progress 进度（0-100）
	Progress int

	// Validated 已校验加入路由表的节点数
	Validated int

	// Expected 期望的节点数
	Expected int
}

// String 返回状态描述
func (s NetworkStatus) String() string {
	return fmt.Sprintf("status{code=%s progress=%d%% %d/%d}", s.Code, s.Progress, s.Validated, s.Expected)
}

// ComputeProgress 计算进度百分比
//
// expected 为 0 时视为完成。
func ComputeProgress(validated, expected int) int {
	if expected <= 0 {
		return 100
	}
	p := validated * 100 / expected
	if p > 100 {
		p = 100
	}
	return p
}
