package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/dep2p/go-overlay/config"
)

// ============================================================================
//                              环境变量覆盖
// ============================================================================

// EnvPrefix 环境变量前缀
const EnvPrefix = "OVERLAY_"

const (
	envPresetKey        = "PRESET"
	envClosestNodesSize = "CLOSEST_NODES_SIZE"
	envMaxRoutingTable  = "MAX_ROUTING_TABLE_SIZE"
	envRPCTimeout       = "RPC_TIMEOUT"
	envSendTimeout      = "SEND_TIMEOUT"
	envMetricsNamespace = "METRICS_NAMESPACE"
)

// envPreset 返回 OVERLAY_PRESET 指定的预设名称
func envPreset() string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + envPresetKey))
}

// applyEnvOverrides 应用环境变量覆盖配置
//
// 支持的环境变量（均使用 OVERLAY_ 前缀）：
//   - OVERLAY_CLOSEST_NODES_SIZE: 组大小
//   - OVERLAY_MAX_ROUTING_TABLE_SIZE: 路由表容量
//   - OVERLAY_RPC_TIMEOUT: RPC 超时（如 "2s"）
//   - OVERLAY_SEND_TIMEOUT: 默认发送超时
//   - OVERLAY_METRICS_NAMESPACE: 指标命名空间
//
// 无法解析的值被忽略。
func applyEnvOverrides(cfg *config.Config) {
	if v, ok := envInt(envClosestNodesSize); ok {
		cfg.Routing.ClosestNodesSize = v
	}
	if v, ok := envInt(envMaxRoutingTable); ok {
		cfg.Routing.MaxRoutingTableSize = v
	}
	if v := os.Getenv(EnvPrefix + envRPCTimeout); v != "" {
		var d config.Duration
		if err := d.Set(v); err == nil {
			cfg.Routing.RPCTimeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + envSendTimeout); v != "" {
		var d config.Duration
		if err := d.Set(v); err == nil {
			cfg.Routing.DefaultSendTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + envMetricsNamespace)); v != "" {
		cfg.Metrics.Namespace = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
