package overlay

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/routing"
	"github.com/dep2p/go-overlay/internal/routing/network"
	"github.com/dep2p/go-overlay/internal/routing/network/memnet"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              节点配置
// ════════════════════════════════════════════════════════════════════════════

// nodeConfig 节点构造参数
type nodeConfig struct {
	config *config.Config

	// 传输：transport 优先，其次 network，都为空时使用进程内共享网络
	network   *memnet.Network
	transport network.Transport

	fob        *types.Fob
	functors   *routing.Functors
	registerer prometheus.Registerer
	clock      clock.Clock

	// 用户追加的 Fx 选项
	fxOptions []fx.Option

	// fxLogger 非空时输出 Fx 组装事件，否则静默
	fxLogger *zap.Logger
}

func newNodeConfig() *nodeConfig {
	return &nodeConfig{config: config.NewConfig()}
}

// Option 节点选项
type Option func(*nodeConfig) error

// ════════════════════════════════════════════════════════════════════════════
//                              配置选项
// ════════════════════════════════════════════════════════════════════════════

// WithConfig 使用完整配置替换默认配置
func WithConfig(cfg *config.Config) Option {
	return func(c *nodeConfig) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		c.config = cfg.Clone()
		return nil
	}
}

// WithConfigFile 从 JSON 文件加载配置
func WithConfigFile(path string) Option {
	return func(c *nodeConfig) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		c.config = cfg
		return nil
	}
}

// WithPreset 在当前配置上应用预设（server / client / test）
func WithPreset(name string) Option {
	return func(c *nodeConfig) error {
		return config.ApplyPreset(c.config, name)
	}
}

// WithConfigOptions 应用细粒度配置选项
//
// 示例：
//
//	overlay.WithConfigOptions(config.WithClosestNodesSize(4), config.WithClientMode(true))
func WithConfigOptions(opts ...config.Option) Option {
	return func(c *nodeConfig) error {
		c.config.Apply(opts...)
		return nil
	}
}

// WithListenEndpoint 设置本地监听地址
func WithListenEndpoint(ep string) Option {
	return func(c *nodeConfig) error {
		if _, err := types.ParseEndpoint(ep); err != nil {
			return err
		}
		c.config.Network.ListenEndpoint = ep
		return nil
	}
}

// WithBootstrap 设置引导地址，节点启动后自动加入
func WithBootstrap(endpoints ...string) Option {
	return func(c *nodeConfig) error {
		for _, ep := range endpoints {
			if _, err := types.ParseEndpoint(ep); err != nil {
				return fmt.Errorf("bootstrap %q: %w", ep, err)
			}
		}
		c.config.Network.BootstrapEndpoints = append(c.config.Network.BootstrapEndpoints, endpoints...)
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              组件选项
// ════════════════════════════════════════════════════════════════════════════

// WithNetwork 在指定内存网络上创建传输
func WithNetwork(nw *memnet.Network) Option {
	return func(c *nodeConfig) error {
		if nw == nil {
			return errors.New("network is nil")
		}
		c.network = nw
		return nil
	}
}

// WithTransport 使用外部传输实现
func WithTransport(tr network.Transport) Option {
	return func(c *nodeConfig) error {
		if tr == nil {
			return errors.New("transport is nil")
		}
		c.transport = tr
		return nil
	}
}

// WithFob 使用已有身份
func WithFob(fob types.Fob) Option {
	return func(c *nodeConfig) error {
		c.fob = &fob
		return nil
	}
}

// WithFunctors 设置应用层回调
func WithFunctors(fn *Functors) Option {
	return func(c *nodeConfig) error {
		c.functors = fn
		return nil
	}
}

// WithRegisterer 设置 Prometheus 注册器，同时启用指标
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *nodeConfig) error {
		c.registerer = reg
		c.config.Metrics.Enabled = reg != nil
		return nil
	}
}

// WithClock 设置时钟（测试中注入 mock）
func WithClock(clk clock.Clock) Option {
	return func(c *nodeConfig) error {
		c.clock = clk
		return nil
	}
}

// WithFxOptions 追加 Fx 选项
func WithFxOptions(opts ...fx.Option) Option {
	return func(c *nodeConfig) error {
		c.fxOptions = append(c.fxOptions, opts...)
		return nil
	}
}

// WithFxEventLogger 将 Fx 组装事件（provide / invoke / start / stop）输出到 l
func WithFxEventLogger(l *zap.Logger) Option {
	return func(c *nodeConfig) error {
		if l == nil {
			return errors.New("fx event logger is nil")
		}
		c.fxLogger = l
		return nil
	}
}
