// Package main 提供内存网络上的覆盖路由模拟器
//
// 在单进程内创建一张内存网络，零状态启动两个节点，其余节点依次加入，
// 然后随机发送直达消息和组消息并打印统计结果。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	overlay "github.com/dep2p/go-overlay"
	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/lib/log"
)

var logger = log.Logger("overlay/sim")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
var (
	// ─────────────────────────────────────────────────────────────────────
	// 网络规模
	// ─────────────────────────────────────────────────────────────────────
	nodeCount  = flag.Int("nodes", 10, "节点数量（至少 2）")
	configFile = flag.String("config", "", "配置文件路径")
	preset     = flag.String("preset", "test", "预设配置 (server/client/test)")
	groupSize  = flag.Int("k", 0, "组大小覆盖（0 = 使用配置）")

	// ─────────────────────────────────────────────────────────────────────
	// 流量
	// ─────────────────────────────────────────────────────────────────────
	messages = flag.Int("messages", 20, "发送的消息数量")
	group    = flag.Bool("group", false, "发送组消息而不是直达消息")
	timeout  = flag.Duration("timeout", 5*time.Second, "单条消息超时")

	// ─────────────────────────────────────────────────────────────────────
	// 日志与指标
	// ─────────────────────────────────────────────────────────────────────
	logLevel       = flag.String("log-level", "warn", "日志级别 (debug/info/warn/error)")
	logFormat      = flag.String("log-format", "text", "日志格式 (text/json)")
	metricsAddr    = flag.String("metrics-addr", "", "Prometheus 指标监听地址（空 = 不启用）")
	introspectAddr = flag.String("introspect-addr", "", "第一个节点的自省服务地址（空 = 不启用）")
	hold           = flag.Bool("hold", false, "模拟结束后保持运行直到收到退出信号")

	showVersion = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Println(overlay.VersionInfo())
		return nil
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	log.Setup(os.Stderr, log.Format(*logFormat), level)

	cfg, err := buildConfig()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}
	if *nodeCount < 2 {
		return errors.New("至少需要 2 个节点")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("📦 %s\n", overlay.VersionInfo())

	var reg *prometheus.Registry
	if *metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		cfg.Metrics.Enabled = true
		srv := serveMetrics(*metricsAddr, reg)
		defer func() { _ = srv.Close() }()
	}

	sim := newSimulation(cfg, reg)
	if *introspectAddr != "" {
		sim.introspectAddr = *introspectAddr
		fmt.Printf("🔍 自省地址: http://%s/debug/introspect\n", *introspectAddr)
	}
	defer func() {
		if err := sim.Close(); err != nil {
			logger.Warn("关闭模拟失败", "error", err)
		}
	}()

	start := time.Now()
	if err := sim.Bootstrap(ctx, *nodeCount); err != nil {
		return fmt.Errorf("组网失败: %w", err)
	}
	fmt.Printf("✅ %d 个节点组网完成，用时 %s\n", *nodeCount, time.Since(start).Round(time.Millisecond))
	sim.PrintTables(os.Stdout)

	rep := sim.Traffic(ctx, *messages, *group, *timeout)
	rep.Print(os.Stdout)

	if *hold {
		fmt.Println("按 Ctrl+C 退出")
		<-ctx.Done()
	}
	return nil
}

// buildConfig 构建配置
//
// 优先级（从高到低）：命令行参数 > 环境变量 > 配置文件 > 预设 > 默认值
func buildConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败: %w", err)
		}
		cfg = loaded
	}

	presetName := *preset
	if v := envPreset(); v != "" && !isFlagSet("preset") {
		presetName = v
	}
	if *configFile == "" || isFlagSet("preset") {
		if err := config.ApplyPreset(cfg, presetName); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if *groupSize > 0 {
		cfg.Apply(config.WithClosestNodesSize(*groupSize))
	}
	return config.ValidateAndFix(cfg)
}

// isFlagSet 检查命令行参数是否被显式设置
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// serveMetrics 启动指标 HTTP 服务
func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("指标服务退出", "error", err)
		}
	}()
	fmt.Printf("📈 指标地址: http://%s/metrics\n", addr)
	return srv
}
