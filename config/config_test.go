package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewConfig 测试创建默认配置
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Routing.ClosestNodesSize)
	assert.Equal(t, 64, cfg.Routing.MaxRoutingTableSize)
	assert.Equal(t, 5*time.Second, cfg.Routing.RPCTimeout.Duration())

	t.Log("✅ NewConfig 测试通过")
}

// TestRoutingConfig_Validate 测试路由配置验证
func TestRoutingConfig_Validate(t *testing.T) {
	t.Run("TableSmallerThanGroup", func(t *testing.T) {
		cfg := DefaultRoutingConfig()
		cfg.MaxRoutingTableSize = cfg.ClosestNodesSize - 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("ZeroTimeout", func(t *testing.T) {
		cfg := DefaultRoutingConfig()
		cfg.RPCTimeout = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("HopsOutOfRange", func(t *testing.T) {
		cfg := DefaultRoutingConfig()
		cfg.MaxHops = 300
		assert.Error(t, cfg.Validate())
	})
}

// TestNetworkConfig_Validate 测试网络配置验证
func TestNetworkConfig_Validate(t *testing.T) {
	cfg := DefaultNetworkConfig()
	cfg.BootstrapEndpoints = []string{"127.0.0.1:5483"}
	assert.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Bootstrap(), 1)

	cfg.BootstrapEndpoints = append(cfg.BootstrapEndpoints, "nope")
	assert.Error(t, cfg.Validate())
}

// TestFromJSON 测试从 JSON 加载（缺省字段保留默认值）
func TestFromJSON(t *testing.T) {
	data := []byte(`{"routing": {"closest_nodes_size": 4, "rpc_timeout": "750ms"}}`)

	cfg, err := FromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Routing.ClosestNodesSize)
	assert.Equal(t, 750*time.Millisecond, cfg.Routing.RPCTimeout.Duration())
	assert.Equal(t, 64, cfg.Routing.MaxRoutingTableSize)
	assert.NoError(t, cfg.Validate())

	_, err = FromJSON([]byte(`{"routing": {"rpc_timeout": "soon"}}`))
	assert.Error(t, err)
}

// TestLoadFile 测试从文件加载
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.json")

	cfg := NewConfig().Apply(WithBootstrap("127.0.0.1:7000"), WithClosestNodesSize(3))
	data, err := cfg.ToJSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Routing.ClosestNodesSize)
	assert.Equal(t, []string{"127.0.0.1:7000"}, loaded.Network.BootstrapEndpoints)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

// TestDuration_JSON 测试 Duration 的两种 JSON 格式
func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`1000`), &d))
	assert.Equal(t, time.Microsecond, d.Duration())

	out, err := json.Marshal(D(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))

	assert.Error(t, d.Set("later"))
}

// TestApplyPreset 测试预设
func TestApplyPreset(t *testing.T) {
	for _, name := range []string{"server", "client", "test", ""} {
		cfg := NewConfig()
		require.NoError(t, ApplyPreset(cfg, name), name)
		assert.NoError(t, cfg.Validate(), name)
	}

	cfg := NewConfig()
	require.NoError(t, ApplyPreset(cfg, "client"))
	assert.True(t, cfg.Routing.ClientMode)

	assert.Error(t, ApplyPreset(NewConfig(), "mobile"))
	assert.Error(t, ApplyPreset(nil, "server"))
}

// TestValidateAndFix 测试自动修复
func TestValidateAndFix(t *testing.T) {
	cfg := NewConfig()
	cfg.Routing.MaxRoutingTableSize = 1
	cfg.Routing.RPCTimeout = 0
	cfg.Metrics.Namespace = ""

	fixed, err := ValidateAndFix(cfg)
	require.NoError(t, err)
	assert.Equal(t, fixed.Routing.ClosestNodesSize, fixed.Routing.MaxRoutingTableSize)
	assert.Equal(t, 5*time.Second, fixed.Routing.RPCTimeout.Duration())
	assert.Equal(t, "overlay", fixed.Metrics.Namespace)

	t.Log("✅ ValidateAndFix 测试通过")
}

// TestClone 测试深拷贝
func TestClone(t *testing.T) {
	cfg := NewConfig().Apply(WithBootstrap("127.0.0.1:7000"))
	clone := cfg.Clone()
	clone.Network.BootstrapEndpoints[0] = "127.0.0.1:7001"

	assert.Equal(t, "127.0.0.1:7000", cfg.Network.BootstrapEndpoints[0])
}

// TestDiagnosticsConfig 测试诊断配置
func TestDiagnosticsConfig(t *testing.T) {
	cfg := NewConfig()
	assert.False(t, cfg.Diagnostics.EnableIntrospect)
	assert.Equal(t, DefaultIntrospectAddr, cfg.Diagnostics.IntrospectAddr)

	cfg.Apply(WithIntrospect("127.0.0.1:7070"))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:7070", cfg.Diagnostics.IntrospectAddr)

	cfg.Diagnostics.IntrospectAddr = "no-port"
	assert.Error(t, cfg.Validate())

	// 未启用时不检查地址
	cfg.Diagnostics.EnableIntrospect = false
	assert.NoError(t, cfg.Validate())
}
