package table

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dep2p/go-overlay/pkg/types"
)

// entry 表条目
type entry struct {
	info    types.PeerInfo
	addedAt time.Time
}

// pending 正在校验的候选节点
type pending struct {
	nodeID  types.NodeID
	cancel  context.CancelFunc
	dropped bool
}

// policy 表的准入策略
type policy struct {
	// name 用于日志和错误
	name string

	// allowAnonymous 允许零身份条目（不校验）
	allowAnonymous bool

	// uniqueNodeID 同一 NodeID 只允许一条记录
	uniqueNodeID bool

	// replaceFarthest 满时用更近的候选者替换最远条目
	replaceFarthest bool

	// trackCloseNodes 跟踪近邻集合变化
	trackCloseNodes bool
}

// peerTable 路由表与客户端表的公共实现
//
// entries 按到 self 的距离升序排列；pending 以连接标识为键。
// 所有 I/O（关闭连接、通知监听器、校验）都在锁外进行。
type peerTable struct {
	policy policy
	cfg    Config

	validator Validator
	closer    Closer

	mu      sync.RWMutex
	self    types.NodeID
	entries []*entry
	pending map[types.NodeID]*pending

	listenerMu sync.RWMutex
	listeners  []Listener
}

func newPeerTable(self types.NodeID, cfg Config, p policy, v Validator, c Closer) *peerTable {
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = DefaultConfig().ValidationTimeout
	}
	return &peerTable{
		policy:    p,
		cfg:       cfg,
		validator: v,
		closer:    c,
		self:      self,
		pending:   make(map[types.NodeID]*pending),
	}
}

// ============================================================================
//                              准入
// ============================================================================

// admit 完整准入流程：预检 -> 校验 -> 提交
func (t *peerTable) admit(ctx context.Context, info types.PeerInfo) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ValidationTimeout)
	defer cancel()

	if err := t.begin(info, cancel); err != nil {
		t.emit(Event{Type: EventNodeRejected, Peer: info, Err: err})
		return err
	}

	var err error
	if !info.IsAnonymous() && t.validator != nil {
		err = t.validator.Validate(ctx, info)
	}

	var evicted *entry
	var before, after []types.PeerInfo
	if err == nil {
		evicted, before, after, err = t.commit(info)
	} else {
		t.end(info.ConnectionID)
	}

	if err != nil {
		logger.Debug("节点准入失败", "table", t.policy.name, "peer", info.NodeID.ShortString(), "error", err)
		t.emit(Event{Type: EventNodeRejected, Peer: info, Err: err})
		return err
	}

	logger.Debug("节点已加入", "table", t.policy.name, "peer", info.NodeID.ShortString())
	if evicted != nil {
		t.closeConn(evicted.info.ConnectionID)
		t.emit(Event{Type: EventNodeRemoved, Peer: evicted.info})
	}
	t.emit(Event{Type: EventNodeAdded, Peer: info})
	t.emitCloseChange(before, after)
	return nil
}

// begin 预检并登记为待定
func (t *peerTable) begin(info types.PeerInfo, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkLocked(info); err != nil {
		return err
	}
	if _, ok := t.pending[info.ConnectionID]; ok {
		return fmt.Errorf("%w: connection %s pending", types.ErrAlreadyExists, info.ConnectionID.ShortString())
	}
	if t.policy.uniqueNodeID {
		for _, p := range t.pending {
			if p.nodeID == info.NodeID {
				return fmt.Errorf("%w: node %s pending", types.ErrAlreadyExists, info.NodeID.ShortString())
			}
		}
	}
	if _, err := t.victimLocked(info); err != nil {
		return err
	}

	t.pending[info.ConnectionID] = &pending{nodeID: info.NodeID, cancel: cancel}
	return nil
}

// end 移除待定登记
func (t *peerTable) end(connID types.NodeID) {
	t.mu.Lock()
	delete(t.pending, connID)
	t.mu.Unlock()
}

// commit 校验通过后正式加入，返回被替换的条目
func (t *peerTable) commit(info types.PeerInfo) (*entry, []types.PeerInfo, []types.PeerInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[info.ConnectionID]
	delete(t.pending, info.ConnectionID)
	if !ok || p.dropped {
		return nil, nil, nil, fmt.Errorf("%w: dropped during validation", types.ErrConnectionFailed)
	}

	// 校验期间表可能已变化，重新检查
	if err := t.checkLocked(info); err != nil {
		return nil, nil, nil, err
	}
	victim, err := t.victimLocked(info)
	if err != nil {
		return nil, nil, nil, err
	}

	before := t.closestToSelfLocked()
	var evicted *entry
	if victim >= 0 {
		evicted = t.entries[victim]
		t.entries = append(t.entries[:victim], t.entries[victim+1:]...)
	}
	t.insertLocked(&entry{info: info.Clone(), addedAt: time.Now()})
	return evicted, before, t.closestToSelfLocked(), nil
}

// checkLocked 身份与重复检查
func (t *peerTable) checkLocked(info types.PeerInfo) error {
	if info.ConnectionID.IsZero() {
		return fmt.Errorf("%w: missing connection id", types.ErrConnectionFailed)
	}
	if info.IsAnonymous() && !t.policy.allowAnonymous {
		return types.ErrAnonymousNode
	}
	if !info.IsAnonymous() && info.NodeID == t.self {
		return types.ErrSelfNode
	}
	for _, e := range t.entries {
		if e.info.ConnectionID == info.ConnectionID {
			return fmt.Errorf("%w: connection %s", types.ErrAlreadyExists, info.ConnectionID.ShortString())
		}
		if t.policy.uniqueNodeID && e.info.NodeID == info.NodeID {
			return fmt.Errorf("%w: node %s", types.ErrAlreadyExists, info.NodeID.ShortString())
		}
	}
	return nil
}

// victimLocked 容量检查，返回需要替换的条目下标（-1 表示无需替换）
func (t *peerTable) victimLocked(info types.PeerInfo) (int, error) {
	if len(t.entries) < t.cfg.MaxSize {
		return -1, nil
	}
	if !t.policy.replaceFarthest || len(t.entries) == 0 {
		return -1, types.ErrRoutingTableFull
	}
	last := len(t.entries) - 1
	if types.CloserToTarget(info.NodeID, t.entries[last].info.NodeID, t.self) {
		return last, nil
	}
	return -1, types.ErrRoutingTableFull
}

// insertLocked 按到 self 的距离插入（匿名条目排在最后）
func (t *peerTable) insertLocked(e *entry) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.lessLocked(e, t.entries[i])
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

func (t *peerTable) lessLocked(a, b *entry) bool {
	switch {
	case a.info.IsAnonymous():
		return false
	case b.info.IsAnonymous():
		return true
	default:
		return types.CloserToTarget(a.info.NodeID, b.info.NodeID, t.self)
	}
}

// ============================================================================
//                              删除
// ============================================================================

// drop 按连接标识删除节点；routingOnly=false 时同时关闭连接
func (t *peerTable) drop(connID types.NodeID, routingOnly bool) (types.PeerInfo, bool) {
	t.mu.Lock()
	if p, ok := t.pending[connID]; ok {
		p.dropped = true
		p.cancel()
	}
	idx := -1
	for i, e := range t.entries {
		if e.info.ConnectionID == connID {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return types.PeerInfo{}, false
	}
	before := t.closestToSelfLocked()
	removed := t.entries[idx].info
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	after := t.closestToSelfLocked()
	t.mu.Unlock()

	if !routingOnly {
		t.closeConn(connID)
	}
	logger.Debug("节点已移除", "table", t.policy.name, "peer", removed.NodeID.ShortString(), "routingOnly", routingOnly)
	t.emit(Event{Type: EventNodeRemoved, Peer: removed})
	t.emitCloseChange(before, after)
	return removed, true
}

func (t *peerTable) closeConn(connID types.NodeID) {
	if t.closer == nil {
		return
	}
	if err := t.closer.Close(connID); err != nil {
		logger.Debug("关闭连接失败", "table", t.policy.name, "conn", connID.ShortString(), "error", err)
	}
}

// ============================================================================
//                              查询
// ============================================================================

func (t *peerTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *peerTable) pendingSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

func (t *peerTable) selfID() types.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

func (t *peerTable) nodes() []types.PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.PeerInfo, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.info.Clone())
	}
	return out
}

func (t *peerTable) getAll(id types.NodeID) []types.PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.PeerInfo
	for _, e := range t.entries {
		if e.info.NodeID == id {
			out = append(out, e.info.Clone())
		}
	}
	return out
}

func (t *peerTable) getByConnection(connID types.NodeID) (types.PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.info.ConnectionID == connID {
			return e.info.Clone(), true
		}
	}
	return types.PeerInfo{}, false
}

// closestLocked 返回到 target 最近的 count 个非匿名条目
func (t *peerTable) closestLocked(target types.NodeID, count int) []types.PeerInfo {
	if count <= 0 {
		return nil
	}
	candidates := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.info.IsAnonymous() {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return types.CloserToTarget(candidates[i].info.NodeID, candidates[j].info.NodeID, target)
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]types.PeerInfo, 0, len(candidates))
	for _, e := range candidates {
		out = append(out, e.info.Clone())
	}
	return out
}

func (t *peerTable) closestToSelfLocked() []types.PeerInfo {
	return t.closestLocked(t.self, t.cfg.ClosestNodesSize)
}

// ============================================================================
//                              事件分发
// ============================================================================

func (t *peerTable) subscribe(l Listener) {
	t.listenerMu.Lock()
	t.listeners = append(t.listeners, l)
	t.listenerMu.Unlock()
}

func (t *peerTable) emit(ev Event) {
	t.listenerMu.RLock()
	listeners := t.listeners
	t.listenerMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (t *peerTable) emitCloseChange(before, after []types.PeerInfo) {
	if !t.policy.trackCloseNodes || samePeers(before, after) {
		return
	}
	t.emit(Event{Type: EventCloseNodesChanged, Closest: after})
}

func samePeers(a, b []types.PeerInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].NodeID != b[i].NodeID {
			return false
		}
	}
	return true
}
