package config

import (
	"fmt"
	"net"
)

// DefaultIntrospectAddr 默认自省服务地址
const DefaultIntrospectAddr = "127.0.0.1:6060"

// DiagnosticsConfig 诊断配置
type DiagnosticsConfig struct {
	// EnableIntrospect 是否启用本地自省 HTTP 服务
	EnableIntrospect bool `json:"enable_introspect"`

	// IntrospectAddr 自省服务监听地址
	IntrospectAddr string `json:"introspect_addr,omitempty"`
}

// DefaultDiagnosticsConfig 返回默认诊断配置（自省服务关闭）
func DefaultDiagnosticsConfig() DiagnosticsConfig {
	return DiagnosticsConfig{
		IntrospectAddr: DefaultIntrospectAddr,
	}
}

// Validate 验证诊断配置
func (c DiagnosticsConfig) Validate() error {
	if !c.EnableIntrospect || c.IntrospectAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.IntrospectAddr); err != nil {
		return fmt.Errorf("introspect addr: %w", err)
	}
	return nil
}
