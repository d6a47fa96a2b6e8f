package config

import "errors"

// ValidateAndFix 验证配置并尝试自动修复常见问题
//
// 可修复的问题：
//   - 路由表容量小于组大小 -> 提升到组大小
//   - 超时为非正值 -> 使用默认值
//   - 指标命名空间为空 -> 使用默认值
func ValidateAndFix(c *Config) (*Config, error) {
	if c == nil {
		return NewConfig(), nil
	}

	def := DefaultRoutingConfig()
	r := &c.Routing

	if r.ClosestNodesSize <= 0 {
		r.ClosestNodesSize = def.ClosestNodesSize
	}
	if r.MaxRoutingTableSize < r.ClosestNodesSize {
		r.MaxRoutingTableSize = r.ClosestNodesSize
	}
	fixDuration(&r.RPCTimeout, def.RPCTimeout)
	fixDuration(&r.DefaultSendTimeout, def.DefaultSendTimeout)
	fixDuration(&r.JoinTimeout, def.JoinTimeout)
	fixDuration(&r.ValidationTimeout, def.ValidationTimeout)
	fixDuration(&r.CacheTTL, def.CacheTTL)

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsConfig().Namespace
	}
	if c.Network.InboxSize <= 0 {
		c.Network.InboxSize = DefaultNetworkConfig().InboxSize
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func fixDuration(d *Duration, def Duration) {
	if *d <= 0 {
		*d = def
	}
}

// ValidateAll 验证整个配置的有效性
func ValidateAll(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
