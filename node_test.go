package overlay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dep2p/go-overlay/internal/routing/join"
	"github.com/dep2p/go-overlay/internal/routing/network/memnet"
	"github.com/dep2p/go-overlay/pkg/types"
)

const waitFor = 5 * time.Second

func newEchoNode(t *testing.T, nw *memnet.Network, opts ...Option) *Node {
	t.Helper()
	base := []Option{
		WithPreset("test"),
		WithNetwork(nw),
		WithFunctors(&Functors{
			MessageReceived: func(payload []byte, _ NodeID) []byte {
				return append([]byte("echo:"), payload...)
			},
		}),
	}
	n, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func zeroStatePair(t *testing.T, a, b *Node) {
	t.Helper()
	var wg sync.WaitGroup
	var codeA, codeB ResultCode
	wg.Add(2)
	go func() {
		defer wg.Done()
		codeA = a.ZeroStateJoin(context.Background(), b.Endpoint(), b.Contact())
	}()
	go func() {
		defer wg.Done()
		codeB = b.ZeroStateJoin(context.Background(), a.Endpoint(), a.Contact())
	}()
	wg.Wait()
	require.Equal(t, types.ResultSuccess, codeA)
	require.Equal(t, types.ResultSuccess, codeB)
}

// ============================================================================
//                              生命周期
// ============================================================================

func TestNode_Lifecycle(t *testing.T) {
	n := newEchoNode(t, memnet.NewNetwork())
	ctx := context.Background()

	assert.ErrorIs(t, n.Stop(ctx), ErrNotStarted)
	require.NoError(t, n.Start(ctx))
	assert.ErrorIs(t, n.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, n.Stop(ctx))
	assert.ErrorIs(t, n.Stop(ctx), ErrNodeClosed)
	assert.ErrorIs(t, n.Start(ctx), ErrNodeClosed)
	assert.NoError(t, n.Close())

	assert.ErrorIs(t, n.Join(ctx, "127.0.0.1:1"), ErrNodeClosed)
	t.Log("✅ 生命周期状态检查正确")
}

func TestNode_CloseWithoutStart(t *testing.T) {
	nw := memnet.NewNetwork()
	n := newEchoNode(t, nw)
	assert.Equal(t, 1, nw.Size())
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	var code ResultCode
	n.Send(types.RandomNodeID(), types.EmptyNodeID, []byte("x"), func(c ResultCode, _ []byte) {
		code = c
	}, 0, true, false)
	assert.Equal(t, types.ResultGeneralError, code)
	t.Log("✅ 未启动直接关闭")
}

func TestNode_InvalidOptions(t *testing.T) {
	_, err := New(WithListenEndpoint("not-an-endpoint"))
	assert.Error(t, err)

	_, err = New(WithPreset("nope"))
	assert.Error(t, err)

	_, err = New(WithBootstrap("127.0.0.1:0"))
	assert.Error(t, err)

	_, err = New(WithConfig(nil))
	assert.Error(t, err)
	t.Log("✅ 非法选项被拒绝")
}

func TestNode_FxEventLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	n := newEchoNode(t, memnet.NewNetwork(), WithFxEventLogger(zap.New(core)))
	require.NoError(t, n.Start(context.Background()))

	assert.Positive(t, logs.Len(), "Fx 组装事件应写入指定日志")
	assert.NotEmpty(t, logs.FilterMessage("provided").All())

	_, err := New(WithFxEventLogger(nil))
	assert.Error(t, err)

	t.Log("✅ Fx 事件日志可配置")
}

func TestNode_ListenEndpointInUse(t *testing.T) {
	nw := memnet.NewNetwork()
	newEchoNode(t, nw, WithListenEndpoint("10.0.0.1:4000"))
	_, err := New(WithPreset("test"), WithNetwork(nw), WithListenEndpoint("10.0.0.1:4000"))
	assert.Error(t, err)
}

// ============================================================================
//                              加入与消息
// ============================================================================

func TestNode_ZeroStateJoinAndRequest(t *testing.T) {
	nw := memnet.NewNetwork()
	a := newEchoNode(t, nw)
	b := newEchoNode(t, nw)
	zeroStatePair(t, a, b)

	require.Eventually(t, func() bool {
		return a.RoutingTableSize() == 1 && b.RoutingTableSize() == 1
	}, waitFor, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	resp, err := a.Request(ctx, b.ID(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(resp))

	_, err = a.Request(ctx, types.RandomNodeID(), []byte("lost"))
	assert.ErrorIs(t, err, ErrNodeNotFound)
	t.Log("✅ 零状态加入后请求成功")
}

func TestNode_BootstrapOnStart(t *testing.T) {
	nw := memnet.NewNetwork()
	a := newEchoNode(t, nw)
	b := newEchoNode(t, nw)
	zeroStatePair(t, a, b)

	c := newEchoNode(t, nw, WithBootstrap(a.Endpoint().String()))
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-c.Joined():
	case <-time.After(waitFor):
		t.Fatal("join did not finish")
	}
	assert.Equal(t, join.StateJoined, c.JoinState())
	assert.ElementsMatch(t, []NodeID{a.ID(), b.ID()}, types.NodeIDs(c.RoutingPeers()))

	got, err := c.RandomExistingNode()
	require.NoError(t, err)
	assert.Contains(t, []NodeID{a.ID(), b.ID()}, got)

	nat, err := c.Ping(context.Background(), a.ID())
	require.NoError(t, err)
	assert.Equal(t, types.NATTypeUnknown, nat)
	t.Log("✅ 启动后自动通过引导地址加入")
}

func TestNode_MetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := newEchoNode(t, memnet.NewNetwork(), WithRegisterer(reg))
	require.NoError(t, n.Start(context.Background()))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "overlay_") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestVersionInfo(t *testing.T) {
	assert.Contains(t, VersionInfo(), Version)

	GitCommit = "0123456789abcdef"
	defer func() { GitCommit = "" }()
	assert.Contains(t, VersionInfo(), "(01234567)")
}
