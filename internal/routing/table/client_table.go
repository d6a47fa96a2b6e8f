package table

import (
	"context"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              ClientTable
// ============================================================================

// ClientTable 客户端表
//
// 保存以客户端身份连接的节点，永远不参与转发选择。同一 NodeID
// 可以有多条连接；匿名客户端不校验，以连接标识区分。满时直接拒绝。
type ClientTable struct {
	t *peerTable
}

// NewClientTable 创建客户端表（cfg.MaxSize 为客户端容量）
func NewClientTable(self types.NodeID, cfg Config, v Validator, c Closer) *ClientTable {
	return &ClientTable{
		t: newPeerTable(self, cfg, policy{
			name:           "client",
			allowAnonymous: true,
		}, v, c),
	}
}

// AddNode 提交候选客户端，立即返回是否进入待定集合
func (ct *ClientTable) AddNode(info types.PeerInfo) bool {
	ct.t.mu.RLock()
	err := ct.t.checkLocked(info)
	if err == nil {
		_, err = ct.t.victimLocked(info)
	}
	ct.t.mu.RUnlock()
	if err != nil {
		ct.t.emit(Event{Type: EventNodeRejected, Peer: info, Err: err})
		return false
	}
	go func() {
		_ = ct.t.admit(context.Background(), info)
	}()
	return true
}

// Admit 同步准入
func (ct *ClientTable) Admit(ctx context.Context, info types.PeerInfo) error {
	return ct.t.admit(ctx, info)
}

// DropNode 按连接标识删除客户端（幂等）
func (ct *ClientTable) DropNode(connID types.NodeID, routingOnly bool) (types.PeerInfo, bool) {
	return ct.t.drop(connID, routingOnly)
}

// Get 返回 NodeID 对应的全部连接
func (ct *ClientTable) Get(id types.NodeID) []types.PeerInfo {
	if id.IsZero() {
		return nil
	}
	return ct.t.getAll(id)
}

// GetByConnection 按连接标识查找
func (ct *ClientTable) GetByConnection(connID types.NodeID) (types.PeerInfo, bool) {
	return ct.t.getByConnection(connID)
}

// Contains 检查客户端是否存在
func (ct *ClientTable) Contains(id types.NodeID) bool {
	return len(ct.Get(id)) > 0
}

// Nodes 返回全部客户端
func (ct *ClientTable) Nodes() []types.PeerInfo {
	return ct.t.nodes()
}

// Size 返回客户端数
func (ct *ClientTable) Size() int {
	return ct.t.size()
}

// Subscribe 注册事件监听器
func (ct *ClientTable) Subscribe(l Listener) {
	ct.t.subscribe(l)
}

// Rekey 切换本节点身份
func (ct *ClientTable) Rekey(self types.NodeID) {
	ct.t.mu.Lock()
	ct.t.self = self
	ct.t.mu.Unlock()
}
