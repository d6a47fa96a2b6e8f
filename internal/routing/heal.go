package routing

import (
	"context"
	"errors"
	"time"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              表维护
// ============================================================================

// Heal 补充路由表
//
// 向距本节点最近的节点查询 FindNodes(self)，结果加入随机采样器；
// 表未满时与新节点握手。
func (r *Routing) Heal(ctx context.Context) error {
	self := r.Self()
	if self.IsZero() {
		return nil
	}
	closest := r.routes.GetClosestNodes(self, 1)
	if len(closest) == 0 {
		return nil
	}

	nodes, err := r.rpcClient.FindNodes(ctx, closest[0].ConnectionID, self, r.cfg.ClosestNodesSize)
	if err != nil {
		if errors.Is(err, types.ErrTimeout) || errors.Is(err, types.ErrConnectionFailed) {
			r.routes.DropNode(closest[0].ConnectionID, false)
		}
		return err
	}

	added := 0
	for _, n := range nodes {
		if n.NodeID.IsZero() || n.NodeID == self {
			continue
		}
		r.sample.Add(n.NodeID)
		if r.routes.Contains(n.NodeID) || n.Endpoint.IsEmpty() {
			continue
		}
		if r.routes.Size() >= r.cfg.MaxRoutingTableSize {
			break
		}
		if err := r.connectPeer(ctx, n); err != nil {
			logger.Debug("维护时连接节点失败", "peer", n, "error", err)
			continue
		}
		added++
	}
	if added > 0 {
		logger.Debug("路由表维护完成", "added", added, "size", r.routes.Size())
	}
	return nil
}

// connectPeer 拨号、Connect 并加入本地路由表
func (r *Routing) connectPeer(ctx context.Context, p types.PeerInfo) error {
	connID, err := r.Dial(ctx, p.Endpoint)
	if err != nil {
		return err
	}
	fob, contact := r.Contact()
	peer, err := r.rpcClient.Connect(ctx, connID, fob, contact, r.cfg.ClientMode)
	if err != nil {
		return err
	}
	if peer.NodeID != p.NodeID {
		return types.NewRoutingError("heal", types.ErrValidationFailed, "peer identity mismatch")
	}
	if err := r.Admit(ctx, peer, false); err != nil && !errors.Is(err, types.ErrAlreadyExists) {
		return err
	}
	return nil
}

// pingRandom 探测一个随机采样节点，失败时从表中删除
func (r *Routing) pingRandom(ctx context.Context) {
	id, err := r.sample.GetRandom()
	if err != nil {
		return
	}
	connID, ok := r.connectionOf(id)
	if !ok {
		return
	}
	if _, err := r.rpcClient.Ping(ctx, connID); err != nil {
		logger.Debug("状态探测失败，删除节点", "peer", id.ShortString(), "error", err)
		r.DropNode(connID)
	}
}

// startHeal 启动后台维护（只启动一次）
func (r *Routing) startHeal() {
	interval := r.cfg.HealInterval.Duration()
	if interval <= 0 {
		return
	}
	r.healOnce.Do(func() {
		r.spawn(func() { r.healLoop(interval) })
	})
}

func (r *Routing) healLoop(interval time.Duration) {
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RPCTimeout.Duration()*2)
			if r.routes.Size() < r.cfg.ClosestNodesSize {
				if err := r.Heal(ctx); err != nil {
					logger.Debug("路由表维护失败", "error", err)
				}
			}
			r.pingRandom(ctx)
			cancel()
		}
	}
}
