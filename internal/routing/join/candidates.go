package join

import (
	"sync"

	"github.com/dep2p/go-overlay/pkg/types"
)

// candidates 加入过程中发现的节点集合（按 NodeID 去重）
type candidates struct {
	target types.NodeID

	mu       sync.Mutex
	peers    map[types.NodeID]types.PeerInfo
	admitted map[types.NodeID]bool
}

func newCandidates(target types.NodeID) *candidates {
	return &candidates{
		target:   target,
		peers:    make(map[types.NodeID]types.PeerInfo),
		admitted: make(map[types.NodeID]bool),
	}
}

// add 记录候选节点；admitted 表示已完成握手
//
// 返回值表示该节点是否首次被标记为已握手，同一 NodeID 只计一次。
func (cs *candidates) add(p types.PeerInfo, admitted bool) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.peers[p.NodeID]; !ok || admitted {
		cs.peers[p.NodeID] = p
	}
	if !admitted || cs.admitted[p.NodeID] {
		return false
	}
	cs.admitted[p.NodeID] = true
	return true
}

// size 不同节点的数量
func (cs *candidates) size() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.peers)
}

// pending 尚未握手的节点，按到目标距离升序
func (cs *candidates) pending() []types.PeerInfo {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]types.PeerInfo, 0, len(cs.peers))
	for id, p := range cs.peers {
		if !cs.admitted[id] {
			out = append(out, p)
		}
	}
	types.SortPeersByDistance(out, cs.target)
	return out
}
