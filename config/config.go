// Package config 提供统一的配置管理
//
// 主 Config 结构体嵌入所有子配置，每个子配置在独立文件中定义，
// 支持从 JSON 加载和保存。
//
// 使用示例：
//
//	// 创建默认配置
//	cfg := config.NewConfig()
//	cfg.Routing.ClosestNodesSize = 4
//
//	// 使用预设配置
//	config.ApplyPreset(cfg, "client")
//
//	// 从文件加载
//	cfg, err := config.LoadFile("overlay.json")
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config 完整配置结构
//
// 配置按照功能模块组织：
//   - Routing: 路由核心
//   - Network: 监听与引导地址
//   - Metrics: Prometheus 指标
//   - Diagnostics: 本地自省服务
type Config struct {
	// Routing 路由核心配置
	Routing RoutingConfig `json:"routing"`

	// Network 网络配置
	Network NetworkConfig `json:"network"`

	// Metrics 指标配置
	Metrics MetricsConfig `json:"metrics"`

	// Diagnostics 诊断配置
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Routing:     DefaultRoutingConfig(),
		Network:     DefaultNetworkConfig(),
		Metrics:     DefaultMetricsConfig(),
		Diagnostics: DefaultDiagnosticsConfig(),
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := c.Diagnostics.Validate(); err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// Apply 依次应用选项
func (c *Config) Apply(opts ...Option) *Config {
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithClosestNodesSize 设置组大小
func WithClosestNodesSize(k int) Option {
	return func(c *Config) {
		c.Routing.ClosestNodesSize = k
	}
}

// WithMaxRoutingTableSize 设置路由表容量
func WithMaxRoutingTableSize(n int) Option {
	return func(c *Config) {
		c.Routing.MaxRoutingTableSize = n
	}
}

// WithClientMode 设置客户端模式
func WithClientMode(enabled bool) Option {
	return func(c *Config) {
		c.Routing.ClientMode = enabled
	}
}

// WithAnonymous 设置匿名加入
func WithAnonymous(enabled bool) Option {
	return func(c *Config) {
		c.Routing.Anonymous = enabled
	}
}

// WithBootstrap 设置引导节点
func WithBootstrap(endpoints ...string) Option {
	return func(c *Config) {
		c.Network.BootstrapEndpoints = append([]string(nil), endpoints...)
	}
}

// WithMetrics 启用或禁用指标
func WithMetrics(enabled bool) Option {
	return func(c *Config) {
		c.Metrics.Enabled = enabled
	}
}

// WithIntrospect 启用本地自省服务
func WithIntrospect(addr string) Option {
	return func(c *Config) {
		c.Diagnostics.EnableIntrospect = true
		if addr != "" {
			c.Diagnostics.IntrospectAddr = addr
		}
	}
}

// ============================================================================
//                              加载与保存
// ============================================================================

// FromJSON 从 JSON 数据创建配置（未出现的字段保留默认值）
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadFile 从 JSON 文件加载并验证配置
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := FromJSON(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ToJSON 序列化为带缩进的 JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Clone 深拷贝配置
func (c *Config) Clone() *Config {
	clone := *c
	clone.Network.BootstrapEndpoints = append([]string(nil), c.Network.BootstrapEndpoints...)
	return &clone
}
