package join

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

// remote 模拟的远端节点
type remote struct {
	info      types.PeerInfo
	neighbors []types.PeerInfo
	refuse    error
	block     bool
}

// world 同时实现 Host 与 RPC
type world struct {
	mu         sync.Mutex
	fob        types.Fob
	endpoint   types.Endpoint
	clientMode bool
	remotes    map[types.Endpoint]*remote
	byConn     map[types.NodeID]*remote
	table      map[types.NodeID]types.PeerInfo
	announced  []types.NodeID
	ended      bool
}

func newWorld(t *testing.T, anonymous bool) *world {
	t.Helper()
	var fob types.Fob
	var err error
	if anonymous {
		fob, err = types.NewAnonymousFob()
	} else {
		fob, err = types.GenerateFob()
	}
	require.NoError(t, err)
	return &world{
		fob:      fob,
		endpoint: "127.0.0.1:7000",
		remotes:  make(map[types.Endpoint]*remote),
		byConn:   make(map[types.NodeID]*remote),
		table:    make(map[types.NodeID]types.PeerInfo),
	}
}

// addRemote 添加远端节点，返回其地址
func (w *world) addRemote(i int) *remote {
	r := &remote{info: types.PeerInfo{
		NodeID:       types.RandomNodeID(),
		ConnectionID: types.RandomNodeID(),
		Endpoint:     types.Endpoint(fmt.Sprintf("127.0.0.1:%d", 8000+i)),
	}}
	w.remotes[r.info.Endpoint] = r
	w.byConn[r.info.ConnectionID] = r
	return r
}

func (w *world) Contact() (types.Fob, types.PeerInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fob, types.PeerInfo{NodeID: w.fob.Identity, PublicKey: w.fob.PublicKey, Endpoint: w.endpoint}
}

func (w *world) ClientMode() bool { return w.clientMode }

func (w *world) Dial(_ context.Context, ep types.Endpoint) (types.NodeID, error) {
	r, ok := w.remotes[ep]
	if !ok {
		return types.EmptyNodeID, errors.New("unreachable")
	}
	return r.info.ConnectionID, nil
}

func (w *world) Admit(_ context.Context, info types.PeerInfo, _ bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.table[info.NodeID]; ok {
		return types.ErrAlreadyExists
	}
	w.table[info.NodeID] = info
	return nil
}

func (w *world) Known(id types.NodeID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.table[id]
	return ok
}

func (w *world) Peers() []types.PeerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.PeerInfo, 0, len(w.table))
	for _, p := range w.table {
		out = append(out, p)
	}
	return out
}

func (w *world) EndAnonymousSession() (types.Fob, types.PeerInfo) {
	w.mu.Lock()
	w.fob = w.fob.WithDerivedIdentity()
	w.ended = true
	w.mu.Unlock()
	return w.Contact()
}

func (w *world) Connect(ctx context.Context, connID types.NodeID, fob types.Fob, _ types.PeerInfo, _ bool) (types.PeerInfo, error) {
	r := w.byConn[connID]
	if r == nil {
		return types.PeerInfo{}, types.ErrConnectionFailed
	}
	if err := ctx.Err(); err != nil {
		return types.PeerInfo{}, err
	}
	if r.block {
		<-ctx.Done()
		return types.PeerInfo{}, ctx.Err()
	}
	if r.refuse != nil {
		return types.PeerInfo{}, r.refuse
	}
	w.mu.Lock()
	if w.ended {
		w.announced = append(w.announced, fob.Identity)
	}
	w.mu.Unlock()
	return r.info, nil
}

func (w *world) FindNodes(_ context.Context, connID, _ types.NodeID, count int) ([]types.PeerInfo, error) {
	r := w.byConn[connID]
	if r == nil {
		return nil, types.ErrConnectionFailed
	}
	if len(r.neighbors) > count {
		return r.neighbors[:count], nil
	}
	return r.neighbors, nil
}

type statusLog struct {
	mu  sync.Mutex
	all []types.NetworkStatus
}

func (s *statusLog) record(st types.NetworkStatus) {
	s.mu.Lock()
	s.all = append(s.all, st)
	s.mu.Unlock()
}

func (s *statusLog) last() types.NetworkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all[len(s.all)-1]
}

func testConfig() Config {
	return Config{ClosestNodesSize: 4, JoinTimeout: time.Second, Parallelism: 4}
}

// ============================================================================
//                              ZeroStateJoin
// ============================================================================

func TestZeroStateJoin_Success(t *testing.T) {
	w := newWorld(t, false)
	peer := w.addRemote(1)
	log := &statusLog{}
	c := New(testConfig(), w, w, log.record)

	code := c.ZeroStateJoin(context.Background(), peer.info.Endpoint, peer.info)
	assert.Equal(t, types.ResultSuccess, code)
	assert.Equal(t, StateJoined, c.State())
	assert.True(t, w.Known(peer.info.NodeID))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done 应该已关闭")
	}
	assert.Equal(t, 100, log.last().Progress)

	t.Log("✅ 零状态加入成功")
}

func TestZeroStateJoin_Unreachable(t *testing.T) {
	w := newWorld(t, false)
	c := New(testConfig(), w, w, nil)

	code := c.ZeroStateJoin(context.Background(), "127.0.0.1:1", types.PeerInfo{})
	assert.Equal(t, types.ResultConnectionFailed, code)
	assert.Equal(t, StateFailed, c.State())
}

func TestZeroStateJoin_IdentityMismatch(t *testing.T) {
	w := newWorld(t, false)
	peer := w.addRemote(1)
	c := New(testConfig(), w, w, nil)

	code := c.ZeroStateJoin(context.Background(), peer.info.Endpoint, types.PeerInfo{NodeID: types.RandomNodeID()})
	assert.Equal(t, types.ResultValidationFailed, code)
	assert.False(t, w.Known(peer.info.NodeID))
}

func TestZeroStateJoin_Refused(t *testing.T) {
	w := newWorld(t, false)
	peer := w.addRemote(1)
	peer.refuse = types.NewRoutingError("connect", types.ErrRoutingTableFull, "refused")
	c := New(testConfig(), w, w, nil)

	code := c.ZeroStateJoin(context.Background(), peer.info.Endpoint, peer.info)
	assert.Equal(t, types.ResultRoutingTableFull, code)
}

// ============================================================================
//                              Join
// ============================================================================

// buildNetwork 一个引导节点，知道 n 个其他节点
func buildNetwork(w *world, n int) *remote {
	boot := w.addRemote(0)
	for i := 1; i <= n; i++ {
		r := w.addRemote(i)
		boot.neighbors = append(boot.neighbors, r.info)
	}
	return boot
}

func TestJoin_ReachesExpected(t *testing.T) {
	w := newWorld(t, false)
	boot := buildNetwork(w, 3)
	log := &statusLog{}
	c := New(testConfig(), w, w, log.record)

	err := c.Join(context.Background(), []types.Endpoint{boot.info.Endpoint})
	require.NoError(t, err)
	assert.Equal(t, StateJoined, c.State())
	assert.Equal(t, types.ResultSuccess, c.Result())

	validated, expected := c.Progress()
	assert.Equal(t, 4, expected, "min(发现的节点数, k)")
	assert.Equal(t, 4, validated)
	assert.Len(t, w.Peers(), 4)

	// 进度单调不减
	prev := 0
	for _, st := range log.all {
		assert.GreaterOrEqual(t, st.Progress, prev)
		prev = st.Progress
	}
	assert.Equal(t, types.ResultSuccess, log.last().Code)
	assert.Equal(t, 100, log.last().Progress)

	t.Log("✅ 加入达到期望确认数")
}

func TestJoin_ExpectedCappedByK(t *testing.T) {
	w := newWorld(t, false)
	boot := buildNetwork(w, 10)
	c := New(testConfig(), w, w, nil)

	require.NoError(t, c.Join(context.Background(), []types.Endpoint{boot.info.Endpoint}))
	_, expected := c.Progress()
	assert.Equal(t, 4, expected)
	// FindNodes 只返回 k 个，全部尝试握手
	assert.Len(t, w.Peers(), 5)
}

func TestJoin_NotEnoughAcks(t *testing.T) {
	w := newWorld(t, false)
	boot := buildNetwork(w, 3)
	for _, n := range boot.neighbors {
		w.remotes[n.Endpoint].refuse = types.ErrValidationFailed
	}
	log := &statusLog{}
	c := New(testConfig(), w, w, log.record)

	err := c.Join(context.Background(), []types.Endpoint{boot.info.Endpoint})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrJoinFailed)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, types.ResultJoinFailed, log.last().Code)
}

func TestJoin_NoUsablePeersThenRetry(t *testing.T) {
	w := newWorld(t, false)
	c := New(testConfig(), w, w, nil)

	err := c.Join(context.Background(), []types.Endpoint{"127.0.0.1:1"})
	assert.ErrorIs(t, err, types.ErrJoinFailed)
	assert.Equal(t, StateFailed, c.State())
	failedDone := c.Done()

	// 调用方用新的地址重新加入
	boot := buildNetwork(w, 1)
	require.NoError(t, c.Join(context.Background(), []types.Endpoint{boot.info.Endpoint}))
	assert.Equal(t, StateJoined, c.State())
	assert.NotEqual(t, failedDone, c.Done(), "每次尝试使用新的完成通道")

	err = c.Join(context.Background(), []types.Endpoint{boot.info.Endpoint})
	assert.ErrorIs(t, err, types.ErrJoinFailed, "已加入时拒绝再次加入")
}

func TestJoin_NoEndpoints(t *testing.T) {
	w := newWorld(t, false)
	c := New(testConfig(), w, w, nil)

	assert.ErrorIs(t, c.Join(context.Background(), nil), types.ErrJoinFailed)
}

func TestJoin_Timeout(t *testing.T) {
	w := newWorld(t, false)
	boot := w.addRemote(0)
	boot.block = true
	cfg := testConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	c := New(cfg, w, w, nil)

	start := time.Now()
	err := c.Join(context.Background(), []types.Endpoint{boot.info.Endpoint})
	assert.ErrorIs(t, err, types.ErrJoinFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestJoin_AnonymousSessionEnds(t *testing.T) {
	w := newWorld(t, true)
	boot := buildNetwork(w, 2)
	log := &statusLog{}
	c := New(testConfig(), w, w, log.record)

	require.NoError(t, c.Join(context.Background(), []types.Endpoint{boot.info.Endpoint}))

	assert.Equal(t, types.ResultAnonymousSessionEnded, c.Result())
	assert.Equal(t, types.ResultAnonymousSessionEnded, log.last().Code)

	fob, _ := w.Contact()
	assert.False(t, fob.IsAnonymous())
	assert.Equal(t, types.DeriveNodeID(fob.PublicKey), fob.Identity)

	// 每个已连接节点都收到新身份的宣告
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.announced, 3)
	for _, id := range w.announced {
		assert.Equal(t, fob.Identity, id)
	}

	t.Log("✅ 匿名会话结束并重新宣告")
}

func TestJoin_AnonymousAnnounceAfterJoinDeadline(t *testing.T) {
	w := newWorld(t, true)
	boot := buildNetwork(w, 2)
	// 一个近邻一直不响应，第二阶段会耗尽加入期限
	w.remotes[boot.neighbors[1].Endpoint].block = true

	cfg := testConfig()
	cfg.ClosestNodesSize = 2
	cfg.JoinTimeout = 100 * time.Millisecond
	c := New(cfg, w, w, nil)

	require.NoError(t, c.Join(context.Background(), []types.Endpoint{boot.info.Endpoint}))
	assert.Equal(t, types.ResultAnonymousSessionEnded, c.Result())

	validated, expected := c.Progress()
	assert.Equal(t, 2, expected)
	assert.Equal(t, 2, validated)

	// 加入期限已过，重新宣告仍然送达每个已入表节点
	fob, _ := w.Contact()
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.announced, 2)
	for _, id := range w.announced {
		assert.Equal(t, fob.Identity, id)
	}

	t.Log("✅ 加入期限耗尽后匿名重新宣告仍然完成")
}

// ============================================================================
//                              引导地址去重
// ============================================================================

func TestJoin_DuplicateBootstrapEndpoints(t *testing.T) {
	w := newWorld(t, false)
	boot := buildNetwork(w, 2)
	for _, n := range boot.neighbors {
		w.remotes[n.Endpoint].refuse = types.ErrValidationFailed
	}
	c := New(testConfig(), w, w, nil)

	ep := boot.info.Endpoint
	err := c.Join(context.Background(), []types.Endpoint{ep, ep, ep})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrJoinFailed)
	assert.Equal(t, StateFailed, c.State())

	// 同一节点重复出现只计一次
	validated, expected := c.Progress()
	assert.Equal(t, 3, expected)
	assert.Equal(t, 1, validated)
	assert.Len(t, w.Peers(), 1)

	t.Log("✅ 重复引导地址不会重复计数")
}

func TestJoin_OverlappingBootstrapPeers(t *testing.T) {
	w := newWorld(t, false)
	a := w.addRemote(0)
	b := w.addRemote(1)
	extra := w.addRemote(2)
	// a 的近邻包含另一个引导节点 b
	a.neighbors = []types.PeerInfo{b.info, extra.info}
	b.neighbors = []types.PeerInfo{a.info, extra.info}
	c := New(testConfig(), w, w, nil)

	require.NoError(t, c.Join(context.Background(), []types.Endpoint{a.info.Endpoint, b.info.Endpoint, a.info.Endpoint}))
	assert.Equal(t, StateJoined, c.State())

	validated, expected := c.Progress()
	assert.Equal(t, 3, expected)
	assert.Equal(t, 3, validated)
	assert.Len(t, w.Peers(), 3)
}

func TestCandidates_AddCountsOnce(t *testing.T) {
	target := types.RandomNodeID()
	cs := newCandidates(target)
	p := types.PeerInfo{NodeID: types.RandomNodeID(), Endpoint: "127.0.0.1:9000"}

	assert.False(t, cs.add(p, false), "未握手的候选不计数")
	assert.True(t, cs.add(p, true))
	assert.False(t, cs.add(p, true), "同一节点第二次确认不计数")
	assert.False(t, cs.add(p, false))
	assert.Equal(t, 1, cs.size())
	assert.Empty(t, cs.pending())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "joined", StateJoined.String())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateValidating.IsTerminal())
}
