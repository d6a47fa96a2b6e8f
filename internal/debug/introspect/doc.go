// Package introspect 提供本地自省 HTTP 服务
//
// 该服务运行在本地端口，以 JSON 输出路由核心的状态，用于调试和监控。
// 默认绑定到 127.0.0.1，不暴露到网络。
//
// # 端点
//
//	GET /debug/introspect          - 完整诊断报告 (JSON)
//	GET /debug/introspect/node     - 节点身份与加入状态
//	GET /debug/introspect/routes   - 路由表
//	GET /debug/introspect/clients  - 客户端表
//	GET /debug/introspect/closest  - 距 target 最近的节点（?target=<base58>&count=n）
//	GET /debug/introspect/runtime  - Go 运行时信息
//	GET /debug/pprof/*             - Go pprof 端点
//	GET /health                    - 健康检查
//
// # 使用示例
//
//	server := introspect.New(introspect.Config{
//	    Addr:   "127.0.0.1:6060",
//	    Source: routingCore,
//	})
//	server.Start(ctx)
//	defer server.Stop()
//
// 通过 config.Diagnostics.EnableIntrospect 配置启用。
package introspect
