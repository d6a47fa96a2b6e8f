package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/routing/join"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("debug/introspect")

// DefaultAddr 默认监听地址
const DefaultAddr = config.DefaultIntrospectAddr

// defaultClosestCount closest 端点未指定 count 时的返回数量
const defaultClosestCount = 8

// ============================================================================
//                              配置
// ============================================================================

// Source 被自省的路由核心
type Source interface {
	Self() types.NodeID
	Endpoint() types.Endpoint
	JoinState() join.State
	RoutingPeers() []types.PeerInfo
	ClientPeers() []types.PeerInfo
	ClosestNodes(target types.NodeID, count int) []types.PeerInfo
}

// Config 服务配置
type Config struct {
	// Addr 监听地址，默认 "127.0.0.1:6060"
	Addr string

	// Source 可选的路由核心，为 nil 时健康检查报告 degraded
	Source Source

	// CustomHandlers 自定义处理器
	CustomHandlers map[string]http.HandlerFunc
}

// ============================================================================
//                              Server
// ============================================================================

// Server 本地自省 HTTP 服务
type Server struct {
	config Config

	server   *http.Server
	listener net.Listener

	running   bool
	startTime time.Time

	mu sync.Mutex
}

// New 创建自省服务
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{config: cfg}
}

// Start 启动服务，重复调用无效
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/introspect", s.handleIntrospect)
	mux.HandleFunc("/debug/introspect/node", s.handleNode)
	mux.HandleFunc("/debug/introspect/routes", s.handleRoutes)
	mux.HandleFunc("/debug/introspect/clients", s.handleClients)
	mux.HandleFunc("/debug/introspect/closest", s.handleClosest)
	mux.HandleFunc("/debug/introspect/runtime", s.handleRuntime)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/health", s.handleHealth)

	for path, handler := range s.config.CustomHandlers {
		mux.HandleFunc(path, handler)
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("自省服务异常退出", "error", err)
		}
	}()

	s.running = true
	s.startTime = time.Now()
	logger.Info("自省服务已启动", "addr", listener.Addr().String())
	return nil
}

// Stop 停止服务，重复调用无效
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logger.Error("关闭自省服务失败", "error", err)
		return err
	}
	s.running = false
	logger.Info("自省服务已停止")
	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ============================================================================
//                              响应结构
// ============================================================================

// IntrospectResponse 完整诊断响应
type IntrospectResponse struct {
	Timestamp time.Time    `json:"timestamp"`
	Uptime    string       `json:"uptime"`
	Node      *NodeInfo    `json:"node,omitempty"`
	Routes    []PeerEntry  `json:"routes,omitempty"`
	Clients   []PeerEntry  `json:"clients,omitempty"`
	Runtime   *RuntimeInfo `json:"runtime,omitempty"`
}

// NodeInfo 节点信息
type NodeInfo struct {
	ID          string `json:"id"`
	Endpoint    string `json:"endpoint"`
	Anonymous   bool   `json:"anonymous"`
	JoinState   string `json:"join_state"`
	RoutingSize int    `json:"routing_size"`
	ClientSize  int    `json:"client_size"`
}

// PeerEntry 表项
type PeerEntry struct {
	ID         string `json:"id"`
	Connection string `json:"connection"`
	Endpoint   string `json:"endpoint,omitempty"`
	// CommonPrefix 与参考节点的公共前缀位数
	CommonPrefix int `json:"common_prefix_bits"`
}

// RuntimeInfo 运行时信息
type RuntimeInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc"`
	MemSys       uint64 `json:"mem_sys"`
	NumGC        uint32 `json:"num_gc"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime,omitempty"`
}

// ============================================================================
//                              HTTP 处理器
// ============================================================================

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	resp := IntrospectResponse{
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Node:      s.collectNodeInfo(),
		Runtime:   collectRuntimeInfo(),
	}
	if src := s.config.Source; src != nil {
		resp.Routes = entries(src.Self(), src.RoutingPeers())
		resp.Clients = entries(src.Self(), src.ClientPeers())
	}
	writeJSON(w, resp)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	info := s.collectNodeInfo()
	if info == nil {
		http.Error(w, "Node info not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) || !s.requireSource(w) {
		return
	}
	src := s.config.Source
	writeJSON(w, entries(src.Self(), src.RoutingPeers()))
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) || !s.requireSource(w) {
		return
	}
	src := s.config.Source
	writeJSON(w, entries(src.Self(), src.ClientPeers()))
}

// handleClosest 查询距 target 最近的节点，target 缺省为本节点
func (s *Server) handleClosest(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) || !s.requireSource(w) {
		return
	}
	src := s.config.Source

	target := src.Self()
	if v := r.URL.Query().Get("target"); v != "" {
		id, err := types.ParseNodeID(v)
		if err != nil {
			http.Error(w, "invalid target", http.StatusBadRequest)
			return
		}
		target = id
	}
	count := defaultClosestCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
		count = n
	}
	writeJSON(w, entries(target, src.ClosestNodes(target, count)))
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, collectRuntimeInfo())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	}
	switch {
	case s.config.Source == nil:
		health.Status = "degraded"
	case s.config.Source.JoinState() == join.StateFailed:
		health.Status = "join_failed"
	case len(s.config.Source.RoutingPeers()) == 0:
		health.Status = "isolated"
	}
	writeJSON(w, health)
}

// ============================================================================
//                              数据收集
// ============================================================================

func (s *Server) collectNodeInfo() *NodeInfo {
	src := s.config.Source
	if src == nil {
		return nil
	}
	self := src.Self()
	return &NodeInfo{
		ID:          self.String(),
		Endpoint:    src.Endpoint().String(),
		Anonymous:   self.IsZero(),
		JoinState:   src.JoinState().String(),
		RoutingSize: len(src.RoutingPeers()),
		ClientSize:  len(src.ClientPeers()),
	}
}

func entries(ref types.NodeID, peers []types.PeerInfo) []PeerEntry {
	out := make([]PeerEntry, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerEntry{
			ID:           p.NodeID.String(),
			Connection:   p.ConnectionID.ShortString(),
			Endpoint:     p.Endpoint.String(),
			CommonPrefix: types.CommonPrefixLen(ref, p.NodeID),
		})
	}
	return out
}

func collectRuntimeInfo() *RuntimeInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return &RuntimeInfo{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		MemAlloc:     memStats.Alloc,
		MemSys:       memStats.Sys,
		NumGC:        memStats.NumGC,
	}
}

// ============================================================================
//                              辅助方法
// ============================================================================

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) requireSource(w http.ResponseWriter) bool {
	if s.config.Source == nil {
		http.Error(w, "Routing not available", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		logger.Error("JSON 编码失败", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
