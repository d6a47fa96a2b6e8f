package routing

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/routing/metrics"
	"github.com/dep2p/go-overlay/internal/routing/network"
	"github.com/dep2p/go-overlay/pkg/types"
)

// Module 路由核心 Fx 模块
var Module = fx.Module("routing",
	fx.Provide(
		NewFromParams,
	),
	fx.Invoke(registerLifecycle),
)

// Params 路由核心依赖参数
type Params struct {
	fx.In

	Config     *config.Config
	Transport  network.Transport
	Fob        *types.Fob            `optional:"true"` // 未提供时按配置生成
	Functors   *Functors             `optional:"true"`
	Registerer prometheus.Registerer `optional:"true"`
	Clock      clock.Clock           `optional:"true"`
}

// NewFromParams 从 Fx 参数创建路由核心
func NewFromParams(p Params) (*Routing, error) {
	cfg := p.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}

	var fob types.Fob
	if p.Fob != nil {
		fob = *p.Fob
	} else {
		var err error
		if cfg.Routing.Anonymous {
			fob, err = types.NewAnonymousFob()
		} else {
			fob, err = types.GenerateFob()
		}
		if err != nil {
			return nil, err
		}
	}

	var fn Functors
	if p.Functors != nil {
		fn = *p.Functors
	}

	var opts []Option
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	if cfg.Metrics.Enabled {
		m, err := metrics.New(cfg.Metrics.Namespace, p.Registerer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithMetrics(m))
	}

	return New(fob, p.Transport, cfg.Routing, fn, opts...)
}

// lifecycleParams 生命周期参数
type lifecycleParams struct {
	fx.In

	LC      fx.Lifecycle
	Routing *Routing
	Config  *config.Config
}

// registerLifecycle 注册生命周期钩子
//
// 配置了引导地址时在后台加入网络，不阻塞启动流程。
func registerLifecycle(p lifecycleParams) {
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			endpoints := p.Config.Network.Bootstrap()
			if len(endpoints) == 0 {
				logger.Info("未配置引导地址，等待零状态加入或手动加入")
				return nil
			}
			go func() {
				if err := p.Routing.Join(p.Routing.ctx, endpoints); err != nil {
					logger.Warn("自动加入失败", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			return p.Routing.Close()
		},
	})
}
