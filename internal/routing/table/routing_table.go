package table

import (
	"context"
	"sort"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              RoutingTable
// ============================================================================

// RoutingTable 路由表
//
// 不变量（每次变更后成立）：
//   - 条目数不超过 MaxSize
//   - 无重复 NodeID，无重复 ConnectionID
//   - 不包含自身和零身份
//   - 只有校验通过的节点对查询可见
type RoutingTable struct {
	t *peerTable
}

// NewRoutingTable 创建路由表
func NewRoutingTable(self types.NodeID, cfg Config, v Validator, c Closer) *RoutingTable {
	return &RoutingTable{
		t: newPeerTable(self, cfg, policy{
			name:            "routing",
			uniqueNodeID:    true,
			replaceFarthest: true,
			trackCloseNodes: true,
		}, v, c),
	}
}

// AddNode 提交候选节点，立即返回是否进入待定集合
//
// 校验在后台进行，结果通过 EventNodeAdded / EventNodeRejected 通知。
func (rt *RoutingTable) AddNode(info types.PeerInfo) bool {
	if err := rt.precheck(info); err != nil {
		rt.t.emit(Event{Type: EventNodeRejected, Peer: info, Err: err})
		return false
	}
	go func() {
		_ = rt.t.admit(context.Background(), info)
	}()
	return true
}

// precheck 不登记的快速预检
func (rt *RoutingTable) precheck(info types.PeerInfo) error {
	rt.t.mu.RLock()
	defer rt.t.mu.RUnlock()
	if err := rt.t.checkLocked(info); err != nil {
		return err
	}
	_, err := rt.t.victimLocked(info)
	return err
}

// Admit 同步准入：等待校验结果
func (rt *RoutingTable) Admit(ctx context.Context, info types.PeerInfo) error {
	return rt.t.admit(ctx, info)
}

// DropNode 按连接标识删除节点（幂等）
//
// routingOnly 为 false 时同时关闭传输连接。
func (rt *RoutingTable) DropNode(connID types.NodeID, routingOnly bool) (types.PeerInfo, bool) {
	return rt.t.drop(connID, routingOnly)
}

// GetClosestNodes 返回到 target 最近的 count 个已校验节点（距离升序）
func (rt *RoutingTable) GetClosestNodes(target types.NodeID, count int) []types.PeerInfo {
	rt.t.mu.RLock()
	defer rt.t.mu.RUnlock()
	return rt.t.closestLocked(target, count)
}

// CloseNodes 返回本节点的近邻集合（k 个）
func (rt *RoutingTable) CloseNodes() []types.PeerInfo {
	rt.t.mu.RLock()
	defer rt.t.mu.RUnlock()
	return rt.t.closestToSelfLocked()
}

// IsInGroup 判断本节点是否属于 target 的 k 近邻组
//
// 路由表中比本节点更接近 target 的节点少于 k 个时成立。exclude 中的
// 节点（通常是组消息的发起方）不参与计数。
func (rt *RoutingTable) IsInGroup(target types.NodeID, k int, exclude ...types.NodeID) bool {
	rt.t.mu.RLock()
	defer rt.t.mu.RUnlock()

	if target == rt.t.self {
		return true
	}
	closer := 0
	for _, e := range rt.t.entries {
		if containsID(exclude, e.info.NodeID) {
			continue
		}
		if types.CloserToTarget(e.info.NodeID, rt.t.self, target) {
			closer++
			if closer >= k {
				return false
			}
		}
	}
	return true
}

// NextHop 返回比本节点更接近 target 的最近节点
//
// exclude 中的连接（通常是消息来源）不会被选中。没有更近的节点时返回 false。
func (rt *RoutingTable) NextHop(target types.NodeID, exclude ...types.NodeID) (types.PeerInfo, bool) {
	rt.t.mu.RLock()
	defer rt.t.mu.RUnlock()

	var best *entry
	for _, e := range rt.t.entries {
		if containsID(exclude, e.info.ConnectionID) || containsID(exclude, e.info.NodeID) {
			continue
		}
		if !types.CloserToTarget(e.info.NodeID, rt.t.self, target) {
			continue
		}
		if best == nil || types.CloserToTarget(e.info.NodeID, best.info.NodeID, target) {
			best = e
		}
	}
	if best == nil {
		return types.PeerInfo{}, false
	}
	return best.info.Clone(), true
}

// Get 按 NodeID 查找
func (rt *RoutingTable) Get(id types.NodeID) (types.PeerInfo, bool) {
	all := rt.t.getAll(id)
	if len(all) == 0 {
		return types.PeerInfo{}, false
	}
	return all[0], true
}

// GetByConnection 按连接标识查找
func (rt *RoutingTable) GetByConnection(connID types.NodeID) (types.PeerInfo, bool) {
	return rt.t.getByConnection(connID)
}

// Contains 检查节点是否在表中
func (rt *RoutingTable) Contains(id types.NodeID) bool {
	_, ok := rt.Get(id)
	return ok
}

// Nodes 返回全部节点（距离升序）
func (rt *RoutingTable) Nodes() []types.PeerInfo {
	return rt.t.nodes()
}

// Size 返回已加入的节点数
func (rt *RoutingTable) Size() int {
	return rt.t.size()
}

// PendingSize 返回正在校验的候选节点数
func (rt *RoutingTable) PendingSize() int {
	return rt.t.pendingSize()
}

// Self 返回本节点身份
func (rt *RoutingTable) Self() types.NodeID {
	return rt.t.selfID()
}

// Subscribe 注册事件监听器
func (rt *RoutingTable) Subscribe(l Listener) {
	rt.t.subscribe(l)
}

// Rekey 切换本节点身份（匿名会话结束时调用）
//
// 条目按新身份重新排序；与新身份相同的条目被移除。
func (rt *RoutingTable) Rekey(self types.NodeID) {
	t := rt.t
	t.mu.Lock()
	var removed []types.PeerInfo
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.info.NodeID == self {
			removed = append(removed, e.info)
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	t.self = self
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.lessLocked(t.entries[i], t.entries[j])
	})
	t.mu.Unlock()

	for _, p := range removed {
		t.closeConn(p.ConnectionID)
		t.emit(Event{Type: EventNodeRemoved, Peer: p})
	}
}

func containsID(ids []types.NodeID, id types.NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
