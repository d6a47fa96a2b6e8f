package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/routing/wire"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

type fakeHost struct {
	fob     types.Fob
	contact types.PeerInfo
	nat     types.NATType
	dialErr error
	admitFn func(info types.PeerInfo, client bool) error
	nodes   []types.PeerInfo

	mu       sync.Mutex
	admitted []types.PeerInfo
	clients  []types.PeerInfo
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	fob, err := types.GenerateFob()
	require.NoError(t, err)
	return &fakeHost{
		fob: fob,
		contact: types.PeerInfo{
			NodeID:       fob.Identity,
			ConnectionID: types.RandomNodeID(),
			PublicKey:    fob.PublicKey,
			Endpoint:     "127.0.0.1:9000",
		},
		nat: types.NATTypeFull,
	}
}

func (h *fakeHost) Contact() (types.Fob, types.PeerInfo) { return h.fob, h.contact }
func (h *fakeHost) NATType() types.NATType               { return h.nat }

func (h *fakeHost) Dial(_ context.Context, _ types.Endpoint) (types.NodeID, error) {
	if h.dialErr != nil {
		return types.EmptyNodeID, h.dialErr
	}
	return loopConn, nil
}

func (h *fakeHost) Admit(_ context.Context, info types.PeerInfo, client bool) error {
	if h.admitFn != nil {
		if err := h.admitFn(info, client); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if client {
		h.clients = append(h.clients, info)
	} else {
		h.admitted = append(h.admitted, info)
	}
	return nil
}

func (h *fakeHost) ClosestPeers(_ types.NodeID, count int, exclude types.NodeID) []types.PeerInfo {
	var out []types.PeerInfo
	for _, p := range h.nodes {
		if p.ConnectionID == exclude {
			continue
		}
		if len(out) == count {
			break
		}
		out = append(out, p)
	}
	return out
}

var loopConn = types.RandomNodeID()

// loopback 把 Call 直接交给 Handler，并把 Reply 作为响应返回
type loopback struct {
	handler *Handler
	resp    chan *wire.Message
}

func (l *loopback) Call(ctx context.Context, connID types.NodeID, msg *wire.Message) (*wire.Message, error) {
	msg.CorrelationID = 1
	// 经过编解码，确保负载可以在线路上传输
	decoded, err := wire.Unmarshal(wire.Marshal(msg))
	if err != nil {
		return nil, err
	}
	l.handler.Handle(ctx, connID, decoded)
	select {
	case r := <-l.resp:
		return r, nil
	default:
		return nil, types.ErrTimeout
	}
}

func (l *loopback) Reply(_ types.NodeID, req *wire.Message, result types.ResultCode, payload []byte) error {
	l.resp <- req.NewResponse(types.EmptyNodeID, result, payload)
	return nil
}

type countRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *countRecorder) RPCHandled(kind string, result types.ResultCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[kind+"/"+result.String()]++
}

func setup(t *testing.T, cfg HandlerConfig) (*Client, *fakeHost, *countRecorder) {
	t.Helper()
	host := newFakeHost(t)
	rec := &countRecorder{}
	lb := &loopback{resp: make(chan *wire.Message, 1)}
	h, err := NewHandler(host, lb, rec, cfg)
	require.NoError(t, err)
	lb.handler = h
	self := types.RandomNodeID()
	return NewClient(lb, func() types.NodeID { return self }), host, rec
}

func requesterContact(t *testing.T) (types.Fob, types.PeerInfo) {
	t.Helper()
	fob, err := types.GenerateFob()
	require.NoError(t, err)
	return fob, types.PeerInfo{ConnectionID: types.RandomNodeID(), Endpoint: "127.0.0.1:9001"}
}

// ============================================================================
//                              Ping
// ============================================================================

func TestPing(t *testing.T) {
	client, _, rec := setup(t, HandlerConfig{})

	nat, err := client.Ping(context.Background(), loopConn)
	require.NoError(t, err)
	assert.Equal(t, types.NATTypeFull, nat)
	assert.Equal(t, 1, rec.calls["ping/success"])

	t.Log("✅ Ping 返回 NAT 类型")
}

// ============================================================================
//                              Connect
// ============================================================================

func TestConnect_Accepted(t *testing.T) {
	client, host, _ := setup(t, HandlerConfig{})
	fob, contact := requesterContact(t)

	peer, err := client.Connect(context.Background(), loopConn, fob, contact, false)
	require.NoError(t, err)

	assert.Equal(t, host.fob.Identity, peer.NodeID)
	assert.Equal(t, loopConn, peer.ConnectionID, "返回的连接标识应为本地连接")
	assert.Equal(t, host.contact.Endpoint, peer.Endpoint)

	require.Len(t, host.admitted, 1)
	assert.Equal(t, fob.Identity, host.admitted[0].NodeID)
	assert.Equal(t, loopConn, host.admitted[0].ConnectionID, "请求方以回拨连接加入")
	assert.Empty(t, host.clients)

	t.Log("✅ Connect 握手成功")
}

func TestConnect_ClientGoesToClientTable(t *testing.T) {
	client, host, _ := setup(t, HandlerConfig{})
	fob, contact := requesterContact(t)

	_, err := client.Connect(context.Background(), loopConn, fob, contact, true)
	require.NoError(t, err)
	assert.Len(t, host.clients, 1)
	assert.Empty(t, host.admitted)
}

func TestConnect_TableFull(t *testing.T) {
	client, host, _ := setup(t, HandlerConfig{})
	host.admitFn = func(types.PeerInfo, bool) error { return types.ErrRoutingTableFull }
	fob, contact := requesterContact(t)

	_, err := client.Connect(context.Background(), loopConn, fob, contact, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRoutingTableFull)
}

func TestConnect_AlreadyExistsAccepted(t *testing.T) {
	client, host, _ := setup(t, HandlerConfig{})
	host.admitFn = func(types.PeerInfo, bool) error { return types.ErrAlreadyExists }
	fob, contact := requesterContact(t)

	_, err := client.Connect(context.Background(), loopConn, fob, contact, false)
	assert.NoError(t, err, "已存在的节点视为成功")
}

func TestConnect_DialBackFails(t *testing.T) {
	client, host, _ := setup(t, HandlerConfig{})
	host.dialErr = errors.New("unreachable")
	fob, contact := requesterContact(t)

	_, err := client.Connect(context.Background(), loopConn, fob, contact, false)
	assert.ErrorIs(t, err, types.ErrConnectionFailed)
	assert.Empty(t, host.admitted)
}

func TestConnect_BadSignature(t *testing.T) {
	client, host, _ := setup(t, HandlerConfig{})
	_, contact := requesterContact(t)

	// 私钥与宣告的公钥不匹配
	forged, err := types.GenerateFob()
	require.NoError(t, err)
	forged.PrivateKey = make([]byte, len(forged.PrivateKey))

	_, err = client.Connect(context.Background(), loopConn, forged, contact, false)
	assert.ErrorIs(t, err, types.ErrValidationFailed)
	assert.Empty(t, host.admitted)
}

func TestConnect_AnonymousRequester(t *testing.T) {
	client, host, _ := setup(t, HandlerConfig{})
	fob, err := types.NewAnonymousFob()
	require.NoError(t, err)

	_, err = client.Connect(context.Background(), loopConn, fob, types.PeerInfo{}, false)
	require.NoError(t, err)
	require.Len(t, host.admitted, 1)
	assert.True(t, host.admitted[0].IsAnonymous())
	assert.Equal(t, loopConn, host.admitted[0].ConnectionID, "无监听地址时使用入站连接")
}

// ============================================================================
//                              FindNodes
// ============================================================================

func TestFindNodes(t *testing.T) {
	client, host, rec := setup(t, HandlerConfig{})
	for i := 0; i < 5; i++ {
		host.nodes = append(host.nodes, types.PeerInfo{
			NodeID:       types.RandomNodeID(),
			ConnectionID: types.RandomNodeID(),
			Endpoint:     "127.0.0.1:1000",
		})
	}
	host.nodes[0].ConnectionID = loopConn

	nodes, err := client.FindNodes(context.Background(), loopConn, types.RandomNodeID(), 3)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, host.nodes[1].NodeID, nodes[0].NodeID, "请求方自身被排除")
	assert.Equal(t, 1, rec.calls["find_nodes/success"])
}

// ============================================================================
//                              限流
// ============================================================================

func TestHandler_RateLimited(t *testing.T) {
	client, _, rec := setup(t, HandlerConfig{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		_, err := client.Ping(context.Background(), loopConn)
		require.NoError(t, err)
	}
	_, err := client.Ping(context.Background(), loopConn)
	assert.ErrorIs(t, err, types.ErrRateLimited)
	assert.Equal(t, 1, rec.calls["ping/rate_limited"])

	// 其他连接不受影响
	other := types.RandomNodeID()
	_, err = client.Ping(context.Background(), other)
	assert.NoError(t, err)

	t.Log("✅ 按连接限流")
}

func TestHandler_IgnoresNonRPC(t *testing.T) {
	lb := &loopback{resp: make(chan *wire.Message, 1)}
	h, err := NewHandler(newFakeHost(t), lb, nil, HandlerConfig{})
	require.NoError(t, err)

	h.Handle(context.Background(), loopConn, wire.NewRequest(wire.TypeData, types.RandomNodeID(), types.RandomNodeID(), nil))
	assert.Empty(t, lb.resp)
}
