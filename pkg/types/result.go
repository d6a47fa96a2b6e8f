package types

import (
	"errors"
	"strconv"
)

// ============================================================================
//                              ResultCode - 结果码
// ============================================================================

// ResultCode 操作结果码
//
// 非负值表示成功类结果，负值表示失败。随响应消息在线上传输。
type ResultCode int32

const (
	// ResultSuccess 成功
	ResultSuccess ResultCode = 0
	// ResultAnonymousSessionEnded 匿名会话已结束
	ResultAnonymousSessionEnded ResultCode = 1
	// ResultNodeNotFound 节点未找到
	ResultNodeNotFound ResultCode = -1
	// ResultRoutingTableFull 路由表已满
	ResultRoutingTableFull ResultCode = -2
	// ResultValidationFailed 校验失败
	ResultValidationFailed ResultCode = -3
	// ResultConnectionFailed 连接失败
	ResultConnectionFailed ResultCode = -4
	// ResultTimeout 超时
	ResultTimeout ResultCode = -5
	// ResultLoopDetected 检测到环路
	ResultLoopDetected ResultCode = -6
	// ResultJoinFailed 加入失败
	ResultJoinFailed ResultCode = -7
	// ResultRateLimited 被限流
	ResultRateLimited ResultCode = -8
	// ResultGeneralError 其他错误
	ResultGeneralError ResultCode = -9
)

var resultNames = map[ResultCode]string{
	ResultSuccess:               "success",
	ResultAnonymousSessionEnded: "anonymous_session_ended",
	ResultNodeNotFound:          "node_not_found",
	ResultRoutingTableFull:      "routing_table_full",
	ResultValidationFailed:      "validation_failed",
	ResultConnectionFailed:      "connection_failed",
	ResultTimeout:               "timeout",
	ResultLoopDetected:          "loop_detected",
	ResultJoinFailed:            "join_failed",
	ResultRateLimited:           "rate_limited",
	ResultGeneralError:          "general_error",
}

var resultErrors = map[ResultCode]error{
	ResultAnonymousSessionEnded: ErrAnonymousSessionEnded,
	ResultNodeNotFound:          ErrNodeNotFound,
	ResultRoutingTableFull:      ErrRoutingTableFull,
	ResultValidationFailed:      ErrValidationFailed,
	ResultConnectionFailed:      ErrConnectionFailed,
	ResultTimeout:               ErrTimeout,
	ResultLoopDetected:          ErrLoopDetected,
	ResultJoinFailed:            ErrJoinFailed,
	ResultRateLimited:           ErrRateLimited,
}

// String 返回结果码名称
func (c ResultCode) String() string {
	if s, ok := resultNames[c]; ok {
		return s
	}
	return "result(" + strconv.Itoa(int(c)) + ")"
}

// IsSuccess 是否为成功类结果（非负）
func (c ResultCode) IsSuccess() bool {
	return c >= 0
}

// Err 返回对应的哨兵错误，ResultSuccess 返回 nil
func (c ResultCode) Err() error {
	if c == ResultSuccess {
		return nil
	}
	if err, ok := resultErrors[c]; ok {
		return err
	}
	return errors.New("routing: " + c.String())
}

// ResultFromError 将错误映射为结果码
func ResultFromError(err error) ResultCode {
	if err == nil {
		return ResultSuccess
	}
	for code, sentinel := range resultErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrSelfNode) || errors.Is(err, ErrAnonymousNode) {
		return ResultRoutingTableFull
	}
	if errors.Is(err, ErrInvalidSignature) {
		return ResultValidationFailed
	}
	return ResultGeneralError
}
