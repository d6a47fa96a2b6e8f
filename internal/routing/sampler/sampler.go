// Package sampler 维护一个有界的随机节点样本
//
// 样本独立于路由表成员关系：节点从路由表移除后仍可能留在样本中，
// 直到被显式 Remove 或因容量淘汰。
package sampler

import (
	"math/rand/v2"
	"sync"

	"github.com/dep2p/go-overlay/pkg/types"
)

// DefaultCapacity 默认容量
const DefaultCapacity = 100

// Sampler 随机节点采样器（FIFO 淘汰）
type Sampler struct {
	mu       sync.Mutex
	capacity int
	ids      []types.NodeID
	index    map[types.NodeID]struct{}
}

// New 创建采样器
func New(capacity int) *Sampler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sampler{
		capacity: capacity,
		ids:      make([]types.NodeID, 0, capacity),
		index:    make(map[types.NodeID]struct{}, capacity),
	}
}

// Add 添加节点，已存在时忽略，满时淘汰最早加入的节点
func (s *Sampler) Add(id types.NodeID) {
	if id.IsZero() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; ok {
		return
	}
	if len(s.ids) >= s.capacity {
		oldest := s.ids[0]
		s.ids = s.ids[1:]
		delete(s.index, oldest)
	}
	s.ids = append(s.ids, id)
	s.index[id] = struct{}{}
}

// Remove 移除节点
func (s *Sampler) Remove(id types.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; !ok {
		return
	}
	delete(s.index, id)
	for i, existing := range s.ids {
		if existing == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
}

// GetRandom 随机返回一个节点，为空时返回 ErrEmptySample
func (s *Sampler) GetRandom() (types.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ids) == 0 {
		return types.EmptyNodeID, types.ErrEmptySample
	}
	return s.ids[rand.IntN(len(s.ids))], nil
}

// Contains 检查节点是否在样本中
func (s *Sampler) Contains(id types.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Size 返回样本大小
func (s *Sampler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
