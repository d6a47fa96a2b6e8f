package overlay

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-overlay/internal/debug/introspect"
	"github.com/dep2p/go-overlay/internal/routing"
	"github.com/dep2p/go-overlay/internal/routing/network"
	"github.com/dep2p/go-overlay/internal/routing/network/memnet"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              Fx 应用组装
// ════════════════════════════════════════════════════════════════════════════

// defaultNetwork 进程内共享的内存网络
//
// 未指定 WithNetwork / WithTransport 的节点都挂在这张网络上，
// 因此同一进程内的节点可以直接通过地址互相加入。
var defaultNetwork = sync.OnceValue(func() *memnet.Network {
	return memnet.NewNetwork()
})

// DefaultNetwork 返回进程内共享的内存网络
func DefaultNetwork() *memnet.Network {
	return defaultNetwork()
}

// buildFxApp 构建 Fx 应用
func buildFxApp(cfg *nodeConfig, node *Node) (*fx.App, error) {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置验证（前置）
	// ════════════════════════════════════════════════════════════════════════
	if err := cfg.config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 2. 核心模块
	// ════════════════════════════════════════════════════════════════════════
	modules := []fx.Option{
		// 配置注入
		fx.Supply(cfg.config),

		// 传输层
		fx.Provide(provideTransport(cfg)),

		// 路由核心
		routing.Module,

		// 诊断（config.Diagnostics.EnableIntrospect 控制）
		introspect.Module(),
	}

	// ════════════════════════════════════════════════════════════════════════
	// 3. 可选依赖
	// ════════════════════════════════════════════════════════════════════════
	if cfg.fob != nil {
		modules = append(modules, fx.Supply(cfg.fob))
	}
	if cfg.functors != nil {
		modules = append(modules, fx.Supply(cfg.functors))
	}
	if cfg.registerer != nil {
		reg := cfg.registerer
		modules = append(modules, fx.Provide(func() prometheus.Registerer { return reg }))
	}
	if cfg.clock != nil {
		clk := cfg.clock
		modules = append(modules, fx.Provide(func() clock.Clock { return clk }))
	}

	// 用户选项放在最后，可用 fx.Decorate 覆盖默认组件
	modules = append(modules, cfg.fxOptions...)

	// ════════════════════════════════════════════════════════════════════════
	// 4. 注入到 Node
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		fx.Invoke(injectNodeComponents(node)),
		fxEventLogger(cfg.fxLogger),
	)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	return app, nil
}

// fxEventLogger 选择 Fx 事件日志：默认静默
func fxEventLogger(l *zap.Logger) fx.Option {
	if l == nil {
		return fx.NopLogger
	}
	return fx.WithLogger(func() fxevent.Logger {
		return &fxevent.ZapLogger{Logger: l}
	})
}

// provideTransport 按选项选择传输实现
func provideTransport(cfg *nodeConfig) func() (network.Transport, error) {
	return func() (network.Transport, error) {
		if cfg.transport != nil {
			return cfg.transport, nil
		}
		nw := cfg.network
		if nw == nil {
			nw = defaultNetwork()
		}
		tr, err := nw.NewTransport(types.Endpoint(cfg.config.Network.ListenEndpoint))
		if err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
		return tr, nil
	}
}

// nodeInjectParams 注入参数
type nodeInjectParams struct {
	fx.In

	Routing *routing.Routing
}

// injectNodeComponents 把 Fx 构造的组件注入 Node
func injectNodeComponents(node *Node) interface{} {
	return func(params nodeInjectParams) {
		node.routing = params.Routing
	}
}
