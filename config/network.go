package config

import (
	"fmt"

	"github.com/dep2p/go-overlay/pkg/types"
)

// NetworkConfig 网络配置
type NetworkConfig struct {
	// ListenEndpoint 本地监听地址（host:port），空表示自动分配
	ListenEndpoint string `json:"listen_endpoint,omitempty"`

	// BootstrapEndpoints 引导节点地址列表
	BootstrapEndpoints []string `json:"bootstrap_endpoints,omitempty"`

	// InboxSize 每个连接的入站消息队列长度
	InboxSize int `json:"inbox_size"`
}

// DefaultNetworkConfig 返回默认网络配置
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		InboxSize: 1024,
	}
}

// Validate 验证网络配置
func (c NetworkConfig) Validate() error {
	if c.ListenEndpoint != "" {
		if _, err := types.ParseEndpoint(c.ListenEndpoint); err != nil {
			return fmt.Errorf("listen endpoint: %w", err)
		}
	}
	for _, ep := range c.BootstrapEndpoints {
		if _, err := types.ParseEndpoint(ep); err != nil {
			return fmt.Errorf("bootstrap endpoint: %w", err)
		}
	}
	if c.InboxSize <= 0 {
		return fmt.Errorf("inbox size must be positive")
	}
	return nil
}

// Bootstrap 返回解析后的引导节点地址
func (c NetworkConfig) Bootstrap() []types.Endpoint {
	eps := make([]types.Endpoint, 0, len(c.BootstrapEndpoints))
	for _, ep := range c.BootstrapEndpoints {
		eps = append(eps, types.Endpoint(ep))
	}
	return eps
}
