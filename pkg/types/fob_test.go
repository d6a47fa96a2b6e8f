package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGenerateFob 测试身份由公钥派生
func TestGenerateFob(t *testing.T) {
	fob, err := GenerateFob()
	require.NoError(t, err)

	assert.False(t, fob.IsAnonymous())
	assert.Equal(t, DeriveNodeID(fob.PublicKey), fob.Identity)

	t.Log("✅ Fob 身份派生正确")
}

// TestAnonymousFob 测试匿名 Fob 派生身份
func TestAnonymousFob(t *testing.T) {
	fob, err := NewAnonymousFob()
	require.NoError(t, err)
	assert.True(t, fob.IsAnonymous())

	derived := fob.WithDerivedIdentity()
	assert.False(t, derived.IsAnonymous())
	assert.True(t, fob.IsAnonymous(), "原 Fob 不应该被修改")
	assert.Equal(t, DeriveNodeID(fob.PublicKey), derived.Identity)
}

// TestSignVerifyContact 测试联系信息签名
func TestSignVerifyContact(t *testing.T) {
	fob, err := GenerateFob()
	require.NoError(t, err)

	info := PeerInfo{
		NodeID:       fob.Identity,
		ConnectionID: RandomNodeID(),
		PublicKey:    fob.PublicKey,
		Endpoint:     "127.0.0.1:5483",
	}
	sig := fob.SignContact(info)
	require.NotEmpty(t, sig)
	assert.NoError(t, VerifyContact(info, sig))

	tampered := info
	tampered.Endpoint = "127.0.0.1:5484"
	assert.ErrorIs(t, VerifyContact(tampered, sig), ErrInvalidSignature)

	noKey := info
	noKey.PublicKey = nil
	assert.ErrorIs(t, VerifyContact(noKey, sig), ErrInvalidSignature)

	t.Log("✅ 联系信息签名校验正确")
}

// TestEndpoint_Validate 测试地址校验
func TestEndpoint_Validate(t *testing.T) {
	tests := []struct {
		ep    string
		valid bool
	}{
		{"127.0.0.1:5483", true},
		{"[::1]:80", true},
		{"node.example:9000", true},
		{"127.0.0.1", false},
		{":80", false},
		{"127.0.0.1:0", false},
		{"127.0.0.1:70000", false},
		{"", false},
	}

	for _, tt := range tests {
		_, err := ParseEndpoint(tt.ep)
		if tt.valid {
			assert.NoError(t, err, tt.ep)
		} else {
			assert.ErrorIs(t, err, ErrInvalidEndpoint, tt.ep)
		}
	}
}

// TestResultCode 测试结果码与错误映射
func TestResultCode(t *testing.T) {
	assert.NoError(t, ResultSuccess.Err())
	assert.True(t, ResultAnonymousSessionEnded.IsSuccess())
	assert.False(t, ResultTimeout.IsSuccess())

	for _, code := range []ResultCode{
		ResultNodeNotFound, ResultRoutingTableFull, ResultValidationFailed,
		ResultConnectionFailed, ResultTimeout, ResultLoopDetected,
		ResultJoinFailed, ResultRateLimited, ResultAnonymousSessionEnded,
	} {
		err := NewRoutingError("send", code.Err(), "")
		assert.Equal(t, code, ResultFromError(err), code.String())
	}

	assert.Equal(t, ResultGeneralError, ResultFromError(assert.AnError))
	assert.Equal(t, ResultSuccess, ResultFromError(nil))
	assert.Equal(t, "result(42)", ResultCode(42).String())
}

// TestComputeProgress 测试进度计算
func TestComputeProgress(t *testing.T) {
	assert.Equal(t, 100, ComputeProgress(0, 0))
	assert.Equal(t, 50, ComputeProgress(2, 4))
	assert.Equal(t, 100, ComputeProgress(9, 8))
}
