package config

import (
	"errors"
	"fmt"
	"time"
)

// ApplyPreset 应用预设配置
//
// 支持的预设：
//   - "server": 长期在线节点，容量更大
//   - "client": 客户端节点，不参与转发
//   - "test": 小规模内存网络测试，超时更短
func ApplyPreset(cfg *Config, presetName string) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	switch presetName {
	case "server":
		applyServerPreset(cfg)
	case "client":
		applyClientPreset(cfg)
	case "test":
		applyTestPreset(cfg)
	case "":
		// 空预设，不做任何操作
	default:
		return fmt.Errorf("unknown preset: %s", presetName)
	}
	return nil
}

// applyServerPreset 应用服务器预设
func applyServerPreset(cfg *Config) {
	cfg.Routing.MaxRoutingTableSize = 256
	cfg.Routing.MaxClientTableSize = 1024
	cfg.Routing.CacheSize = 4096
	cfg.Routing.SeenCacheSize = 65536
	cfg.Routing.RPCRateBurst = 1000
}

// applyClientPreset 应用客户端预设
func applyClientPreset(cfg *Config) {
	cfg.Routing.ClientMode = true
	cfg.Routing.MaxClientTableSize = 0
	cfg.Routing.HealInterval = 0
}

// applyTestPreset 应用测试预设
//
// 组大小和超时都缩小，适合几十个节点的内存网络。
func applyTestPreset(cfg *Config) {
	cfg.Routing.ClosestNodesSize = 4
	cfg.Routing.MaxRoutingTableSize = 16
	cfg.Routing.RPCTimeout = D(time.Second)
	cfg.Routing.DefaultSendTimeout = D(2 * time.Second)
	cfg.Routing.JoinTimeout = D(5 * time.Second)
	cfg.Routing.ValidationTimeout = D(time.Second)
	cfg.Routing.HealInterval = 0
	cfg.Metrics.Enabled = false
}
