package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/types"
)

// TestSampler_Empty 测试空采样器
func TestSampler_Empty(t *testing.T) {
	s := New(4)

	_, err := s.GetRandom()
	assert.ErrorIs(t, err, types.ErrEmptySample)
	assert.Equal(t, 0, s.Size())
}

// TestSampler_AddRemove 测试添加与移除
func TestSampler_AddRemove(t *testing.T) {
	s := New(4)
	a, b := types.RandomNodeID(), types.RandomNodeID()

	s.Add(a)
	s.Add(a)
	s.Add(b)
	s.Add(types.EmptyNodeID)
	assert.Equal(t, 2, s.Size(), "重复和零值不应该计入")

	s.Remove(a)
	assert.False(t, s.Contains(a))

	got, err := s.GetRandom()
	require.NoError(t, err)
	assert.Equal(t, b, got)

	s.Remove(a)
	assert.Equal(t, 1, s.Size())

	t.Log("✅ 采样器添加移除正确")
}

// TestSampler_EvictsOldest 测试容量淘汰
func TestSampler_EvictsOldest(t *testing.T) {
	s := New(3)
	ids := []types.NodeID{types.RandomNodeID(), types.RandomNodeID(), types.RandomNodeID(), types.RandomNodeID()}
	for _, id := range ids {
		s.Add(id)
	}

	assert.Equal(t, 3, s.Size())
	assert.False(t, s.Contains(ids[0]))
	for _, id := range ids[1:] {
		assert.True(t, s.Contains(id))
	}
}

// TestSampler_RandomCoversAll 测试随机返回覆盖所有成员
func TestSampler_RandomCoversAll(t *testing.T) {
	s := New(10)
	want := make(map[types.NodeID]bool)
	for i := 0; i < 5; i++ {
		id := types.RandomNodeID()
		s.Add(id)
		want[id] = true
	}

	seen := make(map[types.NodeID]bool)
	for i := 0; i < 500; i++ {
		id, err := s.GetRandom()
		require.NoError(t, err)
		require.True(t, want[id])
		seen[id] = true
	}
	assert.Len(t, seen, 5)
}
