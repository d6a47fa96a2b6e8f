package dispatch

import (
	"github.com/google/uuid"

	"github.com/dep2p/go-overlay/internal/routing/wire"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              入站数据消息
// ============================================================================

// HandleData 处理从 fromConn 收到的数据消息（请求或响应）
func (d *Dispatcher) HandleData(fromConn types.NodeID, msg *wire.Message) {
	if d.isClosed() {
		return
	}
	if msg.ID != uuid.Nil {
		if seen, _ := d.seen.ContainsOrAdd(msg.ID, struct{}{}); seen {
			d.recorder.MessageDropped("duplicate")
			return
		}
	}

	if msg.Request {
		d.handleRequest(fromConn, msg)
	} else {
		d.handleResponse(fromConn, msg)
	}
}

// handleRequest 请求：本地投递、缓存应答或继续转发
func (d *Dispatcher) handleRequest(fromConn types.NodeID, msg *wire.Message) {
	self := d.self()

	// 来自客户端或未入表的连接：记录中继信息，响应经本节点转交
	if !msg.Relay {
		if _, known := d.routes.GetByConnection(fromConn); !known {
			msg.Relay = true
			msg.RelayID = self
			msg.RelayConnectionID = fromConn
		}
	}

	if msg.HopsToLive == 0 {
		d.recorder.MessageDropped("hops_exhausted")
		d.respond(msg, types.ResultLoopDetected, nil)
		return
	}
	msg.HopsToLive--

	if msg.Cacheable && len(msg.CacheDigest) == 32 {
		var key cacheKey
		key.target = msg.DestinationID
		copy(key.digest[:], msg.CacheDigest)
		if cached, ok := d.cache.Get(key); ok {
			d.recorder.CacheHit()
			d.respond(msg, types.ResultSuccess, cached)
			return
		}
	}

	dest := msg.DestinationID
	if dest == self {
		d.deliverLocal(msg)
		return
	}

	// 客户端目标直接投递，不再转发
	if clients := d.clients.Get(dest); len(clients) > 0 {
		for _, c := range clients {
			if d.transmit(c.ConnectionID, msg) == nil {
				d.recorder.MessageForwarded()
			}
		}
		return
	}

	if msg.Direct {
		p, ok := d.routes.Get(dest)
		if !ok {
			d.respond(msg, types.ResultNodeNotFound, nil)
			return
		}
		if err := d.transmit(p.ConnectionID, msg); err != nil {
			d.respond(msg, types.ResultConnectionFailed, nil)
			return
		}
		d.recorder.MessageForwarded()
		return
	}

	if d.routes.IsInGroup(dest, d.cfg.ClosestNodesSize, msg.SourceID) {
		d.deliverLocal(msg)
		return
	}

	d.forward(fromConn, msg)
}

// forward 转发给严格更接近目标的单个下一跳（不回发给来源）
func (d *Dispatcher) forward(fromConn types.NodeID, msg *wire.Message) {
	exclude := []types.NodeID{fromConn, msg.SourceID}
	for {
		hop, ok := d.routes.NextHop(msg.DestinationID, exclude...)
		if !ok {
			logger.Debug("没有更近的下一跳", "dest", msg.DestinationID.ShortString())
			d.recorder.MessageDropped("loop_detected")
			d.respond(msg, types.ResultLoopDetected, nil)
			return
		}
		if d.transmit(hop.ConnectionID, msg) == nil {
			d.recorder.MessageForwarded()
			return
		}
		// 发送失败的节点已被删除，继续尝试次优下一跳
		exclude = append(exclude, hop.ConnectionID)
	}
}

// deliverLocal 调用应用层回调，需要时回复响应
func (d *Dispatcher) deliverLocal(msg *wire.Message) {
	go func() {
		reply := d.deliver(msg.Payload, msg.SourceID)
		d.recorder.MessageDelivered()
		d.respond(msg, types.ResultSuccess, reply)
	}()
}

// ============================================================================
//                              响应
// ============================================================================

// respond 为请求生成响应并发回发起方（CorrelationID 为 0 时不回复）
func (d *Dispatcher) respond(req *wire.Message, result types.ResultCode, payload []byte) {
	if req.CorrelationID == 0 {
		return
	}
	self := d.self()
	resp := req.NewResponse(self, result, payload)
	resp.HopsToLive = uint32(d.cfg.MaxHops)
	d.routeResponse(types.EmptyNodeID, resp)
}

// handleResponse 响应：填充缓存，转交中继或解决待定响应
func (d *Dispatcher) handleResponse(fromConn types.NodeID, msg *wire.Message) {
	if msg.Cacheable && msg.Result == types.ResultSuccess && len(msg.CacheDigest) == 32 {
		var key cacheKey
		key.target = msg.CacheTarget
		copy(key.digest[:], msg.CacheDigest)
		d.cache.Add(key, msg.Payload)
	}

	if msg.HopsToLive == 0 {
		d.recorder.MessageDropped("hops_exhausted")
		return
	}
	msg.HopsToLive--
	d.routeResponse(fromConn, msg)
}

// routeResponse 沿单一路径把响应送回发起方
func (d *Dispatcher) routeResponse(fromConn types.NodeID, msg *wire.Message) {
	self := d.self()

	target := msg.DestinationID
	if msg.Relay {
		if msg.RelayID == self {
			relayConn := msg.RelayConnectionID
			msg.Relay = false
			msg.RelayID = types.EmptyNodeID
			msg.RelayConnectionID = types.EmptyNodeID
			if err := d.transmit(relayConn, msg); err != nil {
				logger.Debug("中继响应失败", "conn", relayConn.ShortString(), "error", err)
			}
			return
		}
		target = msg.RelayID
	}

	if target == self {
		if !d.resolve(msg.CorrelationID, msg.Result, msg.Payload) {
			d.recorder.MessageDropped("late_response")
		}
		return
	}

	if clients := d.clients.Get(target); len(clients) > 0 {
		_ = d.transmit(clients[0].ConnectionID, msg)
		return
	}
	if p, ok := d.routes.Get(target); ok {
		if d.transmit(p.ConnectionID, msg) == nil {
			return
		}
	}
	exclude := []types.NodeID{fromConn}
	for {
		hop, ok := d.routes.NextHop(target, exclude...)
		if !ok {
			logger.Debug("响应无法路由，丢弃", "target", target.ShortString())
			d.recorder.MessageDropped("response_unroutable")
			return
		}
		if d.transmit(hop.ConnectionID, msg) == nil {
			return
		}
		exclude = append(exclude, hop.ConnectionID)
	}
}
