package rpc

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-overlay/internal/routing/wire"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              协作者接口
// ============================================================================

// Host 本节点视图，由路由门面实现
type Host interface {
	// Contact 返回本节点签名用的 Fob 和联系信息
	Contact() (types.Fob, types.PeerInfo)

	// NATType 本节点 NAT 类型
	NATType() types.NATType

	// Dial 回拨请求方地址，返回连接标识
	Dial(ctx context.Context, ep types.Endpoint) (types.NodeID, error)

	// Admit 将请求方加入路由表（client 为 true 或匿名时加入客户端表）
	Admit(ctx context.Context, info types.PeerInfo, client bool) error

	// ClosestPeers 返回距 target 最近的节点，排除 exclude 连接
	ClosestPeers(target types.NodeID, count int, exclude types.NodeID) []types.PeerInfo
}

// Replier 在原连接上回复 RPC
type Replier interface {
	Reply(connID types.NodeID, req *wire.Message, result types.ResultCode, payload []byte) error
}

// Recorder RPC 指标
type Recorder interface {
	RPCHandled(kind string, result types.ResultCode)
}

// ============================================================================
//                              Handler
// ============================================================================

// HandlerConfig 处理器配置
type HandlerConfig struct {
	// RateLimit 每个连接每秒允许的请求数（<=0 不限流）
	RateLimit float64

	// RateBurst 突发容量
	RateBurst int

	// MaxLimiters 限流器缓存上限
	MaxLimiters int
}

// Handler 入站 RPC 处理器
type Handler struct {
	host     Host
	replier  Replier
	recorder Recorder
	cfg      HandlerConfig
	limiters *lru.Cache[types.NodeID, *rate.Limiter]
}

// NewHandler 创建处理器，recorder 可为 nil
func NewHandler(host Host, replier Replier, recorder Recorder, cfg HandlerConfig) (*Handler, error) {
	if cfg.MaxLimiters <= 0 {
		cfg.MaxLimiters = 1024
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	limiters, err := lru.New[types.NodeID, *rate.Limiter](cfg.MaxLimiters)
	if err != nil {
		return nil, err
	}
	return &Handler{
		host:     host,
		replier:  replier,
		recorder: recorder,
		cfg:      cfg,
		limiters: limiters,
	}, nil
}

// allow 检查连接是否超出速率限制
func (h *Handler) allow(connID types.NodeID) bool {
	if h.cfg.RateLimit <= 0 {
		return true
	}
	l, ok := h.limiters.Get(connID)
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
		if prev, found, _ := h.limiters.PeekOrAdd(connID, l); found {
			l = prev
		}
	}
	return l.Allow()
}

// Forget 连接断开后清理限流状态
func (h *Handler) Forget(connID types.NodeID) {
	h.limiters.Remove(connID)
}

// Handle 处理 RPC 请求（可能阻塞，调用方应在独立 goroutine 中调用）
func (h *Handler) Handle(ctx context.Context, fromConn types.NodeID, req *wire.Message) {
	if !req.Request || !req.Type.IsRPC() {
		return
	}
	if !h.allow(fromConn) {
		logger.Debug("RPC 请求被限流", "conn", fromConn.ShortString(), "type", req.Type)
		h.reply(fromConn, req, types.ResultRateLimited, nil)
		return
	}

	switch req.Type {
	case wire.TypePing:
		resp := &wire.PingResponse{NATType: h.host.NATType()}
		h.reply(fromConn, req, types.ResultSuccess, resp.Marshal())
	case wire.TypeConnect:
		h.handleConnect(ctx, fromConn, req)
	case wire.TypeFindNodes:
		h.handleFindNodes(fromConn, req)
	}
}

func (h *Handler) reply(connID types.NodeID, req *wire.Message, result types.ResultCode, payload []byte) {
	if h.recorder != nil {
		h.recorder.RPCHandled(req.Type.String(), result)
	}
	if err := h.replier.Reply(connID, req, result, payload); err != nil {
		logger.Debug("RPC 回复失败", "conn", connID.ShortString(), "type", req.Type, "error", err)
	}
}

// handleConnect 校验签名、回拨、加入表，然后回复本节点联系信息
func (h *Handler) handleConnect(ctx context.Context, fromConn types.NodeID, req *wire.Message) {
	cr, err := wire.UnmarshalConnectRequest(req.Payload)
	if err != nil {
		h.reply(fromConn, req, types.ResultGeneralError, nil)
		return
	}
	refuse := func(reason types.ResultCode) {
		resp := &wire.ConnectResponse{Accepted: false, Reason: reason}
		h.reply(fromConn, req, types.ResultSuccess, resp.Marshal())
	}

	contact := cr.Contact
	if err := types.VerifyContact(contact, cr.Signature); err != nil {
		logger.Debug("连接请求签名无效", "conn", fromConn.ShortString(), "error", err)
		refuse(types.ResultValidationFailed)
		return
	}

	// 有监听地址的请求方需要回拨成功才能加入
	connID := fromConn
	if !contact.Endpoint.IsEmpty() {
		dialed, err := h.host.Dial(ctx, contact.Endpoint)
		if err != nil {
			logger.Debug("回拨请求方失败", "endpoint", contact.Endpoint, "error", err)
			refuse(types.ResultConnectionFailed)
			return
		}
		connID = dialed
	}
	contact.ConnectionID = connID

	if err := h.host.Admit(ctx, contact, cr.Client); err != nil && !errors.Is(err, types.ErrAlreadyExists) {
		logger.Debug("拒绝连接请求", "peer", contact, "error", err)
		refuse(types.ResultFromError(err))
		return
	}

	fob, self := h.host.Contact()
	resp := &wire.ConnectResponse{
		Accepted:  true,
		Contact:   self,
		Signature: fob.SignContact(self),
	}
	h.reply(fromConn, req, types.ResultSuccess, resp.Marshal())
}

func (h *Handler) handleFindNodes(fromConn types.NodeID, req *wire.Message) {
	fr, err := wire.UnmarshalFindNodesRequest(req.Payload)
	if err != nil {
		h.reply(fromConn, req, types.ResultGeneralError, nil)
		return
	}
	count := int(fr.Count)
	if count == 0 {
		count = wire.MaxFindNodesCount
	}
	resp := &wire.FindNodesResponse{Nodes: h.host.ClosestPeers(fr.Target, count, fromConn)}
	h.reply(fromConn, req, types.ResultSuccess, resp.Marshal())
}
