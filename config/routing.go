package config

import (
	"errors"
	"time"
)

// RoutingConfig 路由核心配置
//
// 控制路由表容量、加入流程、消息转发和 RPC 的各项参数。
type RoutingConfig struct {
	// ClosestNodesSize 组大小 k（近邻集合大小）
	ClosestNodesSize int `json:"closest_nodes_size"`

	// MaxRoutingTableSize 路由表容量
	MaxRoutingTableSize int `json:"max_routing_table_size"`

	// MaxClientTableSize 客户端表容量
	MaxClientTableSize int `json:"max_client_table_size"`

	// RandomSampleSize 随机采样器容量
	RandomSampleSize int `json:"random_sample_size"`

	// RPCTimeout 单次 RPC 超时
	RPCTimeout Duration `json:"rpc_timeout"`

	// DefaultSendTimeout Send 未指定超时时使用的默认值
	DefaultSendTimeout Duration `json:"default_send_timeout"`

	// JoinTimeout 加入流程总超时
	JoinTimeout Duration `json:"join_timeout"`

	// ValidationTimeout 节点校验超时
	ValidationTimeout Duration `json:"validation_timeout"`

	// CacheSize 响应缓存条目上限
	CacheSize int `json:"cache_size"`

	// CacheTTL 响应缓存条目存活时间
	CacheTTL Duration `json:"cache_ttl"`

	// SeenCacheSize 消息去重缓存容量
	SeenCacheSize int `json:"seen_cache_size"`

	// MaxHops 单条消息最大转发跳数
	MaxHops int `json:"max_hops"`

	// RPCRateLimit 每连接每秒 RPC 请求上限
	RPCRateLimit float64 `json:"rpc_rate_limit"`

	// RPCRateBurst 每连接 RPC 突发上限
	RPCRateBurst int `json:"rpc_rate_burst"`

	// HealInterval 路由表维护间隔，0 表示禁用后台维护
	HealInterval Duration `json:"heal_interval"`

	// ClientMode 以客户端身份加入（不参与转发）
	ClientMode bool `json:"client_mode"`

	// Anonymous 以匿名会话加入，加入完成后派生身份
	Anonymous bool `json:"anonymous"`
}

// DefaultRoutingConfig 返回默认路由配置
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		ClosestNodesSize:    8,
		MaxRoutingTableSize: 64,
		MaxClientTableSize:  64,
		RandomSampleSize:    100,
		RPCTimeout:          D(5 * time.Second),
		DefaultSendTimeout:  D(10 * time.Second),
		JoinTimeout:         D(20 * time.Second),
		ValidationTimeout:   D(5 * time.Second),
		CacheSize:           256,
		CacheTTL:            D(time.Minute),
		SeenCacheSize:       4096,
		MaxHops:             32,
		RPCRateLimit:        100,
		RPCRateBurst:        200,
		HealInterval:        D(30 * time.Second),
	}
}

// Validate 验证路由配置
func (c RoutingConfig) Validate() error {
	if c.ClosestNodesSize <= 0 {
		return errors.New("closest nodes size must be positive")
	}
	if c.MaxRoutingTableSize < c.ClosestNodesSize {
		return errors.New("max routing table size must be at least closest nodes size")
	}
	if c.MaxClientTableSize < 0 {
		return errors.New("max client table size must not be negative")
	}
	if c.RandomSampleSize <= 0 {
		return errors.New("random sample size must be positive")
	}
	if c.RPCTimeout <= 0 || c.DefaultSendTimeout <= 0 || c.JoinTimeout <= 0 || c.ValidationTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.CacheSize <= 0 || c.CacheTTL <= 0 {
		return errors.New("cache size and ttl must be positive")
	}
	if c.SeenCacheSize <= 0 {
		return errors.New("seen cache size must be positive")
	}
	if c.MaxHops <= 0 || c.MaxHops > 255 {
		return errors.New("max hops must be in (0, 255]")
	}
	if c.RPCRateLimit <= 0 || c.RPCRateBurst <= 0 {
		return errors.New("rpc rate limit and burst must be positive")
	}
	if c.HealInterval < 0 {
		return errors.New("heal interval must not be negative")
	}
	return nil
}
