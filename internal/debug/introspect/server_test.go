package introspect

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/routing/join"
	"github.com/dep2p/go-overlay/pkg/types"
)

type fakeSource struct {
	mu      sync.Mutex
	self    types.NodeID
	state   join.State
	routes  []types.PeerInfo
	clients []types.PeerInfo
}

func (f *fakeSource) Self() types.NodeID       { return f.self }
func (f *fakeSource) Endpoint() types.Endpoint { return "127.0.0.1:4000" }

func (f *fakeSource) JoinState() join.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) RoutingPeers() []types.PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.PeerInfo(nil), f.routes...)
}

func (f *fakeSource) ClientPeers() []types.PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.PeerInfo(nil), f.clients...)
}

func (f *fakeSource) set(state join.State, routes []types.PeerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	f.routes = routes
}

func (f *fakeSource) ClosestNodes(target types.NodeID, count int) []types.PeerInfo {
	peers := f.RoutingPeers()
	types.SortPeersByDistance(peers, target)
	if len(peers) > count {
		peers = peers[:count]
	}
	return peers
}

func newFakeSource() *fakeSource {
	src := &fakeSource{self: types.RandomNodeID(), state: join.StateJoined}
	for i := 0; i < 3; i++ {
		src.routes = append(src.routes, types.PeerInfo{
			NodeID:       types.RandomNodeID(),
			ConnectionID: types.RandomNodeID(),
			Endpoint:     "127.0.0.1:5000",
		})
	}
	src.clients = []types.PeerInfo{{ConnectionID: types.RandomNodeID()}}
	return src
}

func startServer(t *testing.T, src Source) *Server {
	t.Helper()
	cfg := Config{Addr: "127.0.0.1:0"}
	if src != nil {
		cfg.Source = src
	}
	server := New(cfg)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func getJSON(t *testing.T, server *Server, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestNew(t *testing.T) {
	server := New(Config{})
	assert.Equal(t, DefaultAddr, server.config.Addr)

	server = New(Config{Addr: "127.0.0.1:8080"})
	assert.Equal(t, "127.0.0.1:8080", server.config.Addr)
}

func TestServer_StartStop(t *testing.T) {
	server := New(Config{Addr: "127.0.0.1:0"})

	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	assert.True(t, server.running)
	assert.NotEqual(t, "127.0.0.1:0", server.Addr())

	// 重复启动、重复停止都无效
	require.NoError(t, server.Start(ctx))
	require.NoError(t, server.Stop())
	assert.False(t, server.running)
	require.NoError(t, server.Stop())
}

func TestServer_Health(t *testing.T) {
	var health HealthResponse
	server := startServer(t, nil)
	require.Equal(t, http.StatusOK, getJSON(t, server, "/health", &health))
	assert.Equal(t, "degraded", health.Status)

	src := newFakeSource()
	server = startServer(t, src)
	require.Equal(t, http.StatusOK, getJSON(t, server, "/health", &health))
	assert.Equal(t, "ok", health.Status)

	src.set(join.StateJoined, nil)
	require.Equal(t, http.StatusOK, getJSON(t, server, "/health", &health))
	assert.Equal(t, "isolated", health.Status)

	src.set(join.StateFailed, nil)
	require.Equal(t, http.StatusOK, getJSON(t, server, "/health", &health))
	assert.Equal(t, "join_failed", health.Status)
}

func TestServer_Introspect(t *testing.T) {
	src := newFakeSource()
	server := startServer(t, src)

	var resp IntrospectResponse
	require.Equal(t, http.StatusOK, getJSON(t, server, "/debug/introspect", &resp))
	require.NotNil(t, resp.Node)
	assert.Equal(t, src.self.String(), resp.Node.ID)
	assert.Equal(t, "joined", resp.Node.JoinState)
	assert.Equal(t, 3, resp.Node.RoutingSize)
	assert.Len(t, resp.Routes, 3)
	assert.Len(t, resp.Clients, 1)
	assert.NotNil(t, resp.Runtime)
	t.Log("✅ 完整诊断报告")
}

func TestServer_Closest(t *testing.T) {
	src := newFakeSource()
	server := startServer(t, src)
	target := src.routes[1].NodeID

	var got []PeerEntry
	require.Equal(t, http.StatusOK, getJSON(t, server, "/debug/introspect/closest?count=1&target="+target.String(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, target.String(), got[0].ID)
	assert.Equal(t, types.NodeIDSize*8, got[0].CommonPrefix)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, server, "/debug/introspect/closest?target=bad", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, server, "/debug/introspect/closest?count=0", nil))
}

func TestServer_NoSource(t *testing.T) {
	server := startServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, server, "/debug/introspect/routes", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, server, "/debug/introspect/node", nil))

	var rt RuntimeInfo
	require.Equal(t, http.StatusOK, getJSON(t, server, "/debug/introspect/runtime", &rt))
	assert.NotEmpty(t, rt.GoVersion)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	server := startServer(t, newFakeSource())
	resp, err := http.Post("http://"+server.Addr()+"/debug/introspect", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConfigFromUnified(t *testing.T) {
	assert.Nil(t, ConfigFromUnified(nil))

	cfg := config.NewConfig()
	assert.Nil(t, ConfigFromUnified(cfg))

	cfg.Apply(config.WithIntrospect(""))
	got := ConfigFromUnified(cfg)
	require.NotNil(t, got)
	assert.Equal(t, DefaultAddr, got.Addr)
}
