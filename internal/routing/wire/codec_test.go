package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/types"
)

// TestMessage_RoundTrip 测试全字段消息编解码
func TestMessage_RoundTrip(t *testing.T) {
	m := &Message{
		Type:              TypeData,
		Request:           true,
		ID:                uuid.New(),
		CorrelationID:     42,
		SourceID:          types.RandomNodeID(),
		DestinationID:     types.RandomNodeID(),
		GroupClaim:        types.RandomNodeID(),
		Relay:             true,
		RelayID:           types.RandomNodeID(),
		RelayConnectionID: types.RandomNodeID(),
		Direct:            true,
		Cacheable:         true,
		HopsToLive:        31,
		Result:            types.ResultLoopDetected,
		CacheTarget:       types.RandomNodeID(),
		CacheDigest:       []byte{1, 2, 3},
		Payload:           []byte("payload"),
	}

	got, err := Unmarshal(Marshal(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)

	t.Log("✅ 消息编解码往返一致")
}

// TestMessage_ZeroFieldsOmitted 测试零值字段不编码
func TestMessage_ZeroFieldsOmitted(t *testing.T) {
	m := &Message{Type: TypePing}
	assert.Len(t, Marshal(m), 2)

	got, err := Unmarshal(Marshal(m))
	require.NoError(t, err)
	assert.True(t, got.SourceID.IsZero())
	assert.Equal(t, uuid.Nil, got.ID)
}

// TestUnmarshal_Malformed 测试格式错误
func TestUnmarshal_Malformed(t *testing.T) {
	_, err := Unmarshal([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Unmarshal(nil)
	assert.ErrorIs(t, err, ErrMalformed, "缺少类型")

	// 源 ID 长度错误：字段 5，长度 3
	_, err = Unmarshal([]byte{0x08, 0x01, 0x2a, 0x03, 1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)

	// 类型不匹配：字段 1 以 bytes 编码
	_, err = Unmarshal([]byte{0x0a, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)
}

// TestUnmarshal_SkipsUnknownFields 测试忽略未知字段
func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	b := Marshal(&Message{Type: TypePing, CorrelationID: 7})
	b = append(b, 0xa0, 0x06, 0x01) // 字段 100 varint

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.CorrelationID)
}

// TestNewResponse 测试响应继承请求字段
func TestNewResponse(t *testing.T) {
	self := types.RandomNodeID()
	req := NewRequest(TypeData, types.RandomNodeID(), types.RandomNodeID(), []byte("q"))
	req.CorrelationID = 9
	req.Relay = true
	req.RelayID = types.RandomNodeID()
	req.Cacheable = true
	req.CacheDigest = []byte{9}

	resp := req.NewResponse(self, types.ResultSuccess, []byte("a"))

	assert.False(t, resp.Request)
	assert.NotEqual(t, req.ID, resp.ID)
	assert.Equal(t, req.SourceID, resp.DestinationID)
	assert.Equal(t, self, resp.SourceID)
	assert.Equal(t, req.DestinationID, resp.CacheTarget)
	assert.Equal(t, req.RelayID, resp.RelayID)
	assert.Equal(t, uint32(9), resp.CorrelationID)
	assert.True(t, resp.Relay)
}

// TestPayloads 测试 RPC 负载编解码
func TestPayloads(t *testing.T) {
	fob, err := types.GenerateFob()
	require.NoError(t, err)
	contact := types.PeerInfo{
		NodeID:       fob.Identity,
		ConnectionID: types.RandomNodeID(),
		PublicKey:    fob.PublicKey,
		Endpoint:     "127.0.0.1:5483",
	}

	t.Run("Ping", func(t *testing.T) {
		in := &PingResponse{NATType: types.NATTypeSymmetric}
		out, err := UnmarshalPingResponse(in.Marshal())
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("ConnectRequest", func(t *testing.T) {
		in := &ConnectRequest{Contact: contact, Client: true, Signature: fob.SignContact(contact)}
		out, err := UnmarshalConnectRequest(in.Marshal())
		require.NoError(t, err)
		assert.Equal(t, in, out)
		assert.NoError(t, types.VerifyContact(out.Contact, out.Signature))
	})

	t.Run("ConnectResponse", func(t *testing.T) {
		in := &ConnectResponse{Reason: types.ResultRoutingTableFull}
		out, err := UnmarshalConnectResponse(in.Marshal())
		require.NoError(t, err)
		assert.False(t, out.Accepted)
		assert.Equal(t, types.ResultRoutingTableFull, out.Reason)
	})

	t.Run("FindNodes", func(t *testing.T) {
		req := &FindNodesRequest{Target: contact.NodeID, Count: 1000}
		gotReq, err := UnmarshalFindNodesRequest(req.Marshal())
		require.NoError(t, err)
		assert.Equal(t, uint32(MaxFindNodesCount), gotReq.Count)

		resp := &FindNodesResponse{Nodes: []types.PeerInfo{contact, contact}}
		gotResp, err := UnmarshalFindNodesResponse(resp.Marshal())
		require.NoError(t, err)
		assert.Equal(t, resp.Nodes, gotResp.Nodes)
	})
}
