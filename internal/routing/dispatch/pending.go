package dispatch

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/pkg/types"
)

// pendingResponse 待定响应
//
// 从 pending 表中删除即视为已解决；只有删除成功的一方调用回调。
type pendingResponse struct {
	cb    ResponseFunc
	timer *clock.Timer
}

// register 登记待定响应并启动超时计时器
func (d *Dispatcher) register(cb ResponseFunc, timeout time.Duration) uint32 {
	id := d.nextCorrelation()
	p := &pendingResponse{cb: cb}

	d.mu.Lock()
	d.pending[id] = p
	// 计时器在锁内创建，保证 resolve 总能看到它
	p.timer = d.clock.AfterFunc(timeout, func() {
		d.resolve(id, types.ResultTimeout, nil)
	})
	d.mu.Unlock()
	return id
}

// resolve 解决待定响应（幂等）
func (d *Dispatcher) resolve(id uint32, result types.ResultCode, payload []byte) bool {
	if id == 0 {
		return false
	}

	d.mu.Lock()
	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	d.recorder.ResponseResolved(result)
	p.cb(result, payload)
	return true
}
