package dispatch

import (
	"context"
	"fmt"

	"github.com/dep2p/go-overlay/internal/routing/wire"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              RPC 通道
// ============================================================================
//
// RPC 与应用消息分开：直接走单条连接，不缓存、不转发，使用独立的
// RPCTimeout。

// Call 在连接上发起 RPC 并等待响应
func (d *Dispatcher) Call(ctx context.Context, connID types.NodeID, msg *wire.Message) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout)
	defer cancel()

	id := d.nextCorrelation()
	ch := make(chan *wire.Message, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, types.ErrClosed
	}
	d.calls[id] = ch
	d.mu.Unlock()

	defer d.forgetCall(id)

	msg.CorrelationID = id
	msg.Request = true
	if err := d.link.Send(connID, wire.Marshal(msg)); err != nil {
		d.recorder.MessageDropped("rpc_send_failed")
		return nil, types.NewRoutingError(msg.Type.String(), types.ErrConnectionFailed, err.Error())
	}
	d.recorder.MessageSent(msg.Type.String())

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, types.ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, types.NewRoutingError(msg.Type.String(), types.ErrTimeout, fmt.Sprintf("no response from %s", connID.ShortString()))
	}
}

// HandleRPCResponse 投递 RPC 响应，返回是否有等待者
func (d *Dispatcher) HandleRPCResponse(msg *wire.Message) bool {
	d.mu.Lock()
	ch, ok := d.calls[msg.CorrelationID]
	if ok {
		delete(d.calls, msg.CorrelationID)
	}
	d.mu.Unlock()

	if !ok {
		d.recorder.MessageDropped("late_rpc_response")
		return false
	}
	ch <- msg
	return true
}

// Reply 在同一连接上回复 RPC 请求
func (d *Dispatcher) Reply(connID types.NodeID, req *wire.Message, result types.ResultCode, payload []byte) error {
	resp := req.NewResponse(d.self(), result, payload)
	if err := d.link.Send(connID, wire.Marshal(resp)); err != nil {
		return types.NewRoutingError("reply", types.ErrConnectionFailed, err.Error())
	}
	return nil
}

func (d *Dispatcher) forgetCall(id uint32) {
	d.mu.Lock()
	delete(d.calls, id)
	d.mu.Unlock()
}
