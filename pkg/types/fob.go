package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// ============================================================================
//                              Fob - 身份 + 密钥
// ============================================================================

// Fob 节点身份与密钥对
//
// 节点启动时创建一次，生命周期内不可变。匿名 Fob 的 Identity 为零值，
// 直到加入握手结束后由 WithDerivedIdentity 派生真实身份。
type Fob struct {
	// Identity 节点身份
	Identity NodeID

	// PublicKey 公钥
	PublicKey ed25519.PublicKey

	// PrivateKey 私钥
	PrivateKey ed25519.PrivateKey
}

// GenerateFob 生成新的密钥对，身份由公钥派生
func GenerateFob() (Fob, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Fob{}, fmt.Errorf("generate key pair: %w", err)
	}
	return Fob{
		Identity:   DeriveNodeID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// NewAnonymousFob 生成匿名 Fob（有密钥，无身份）
func NewAnonymousFob() (Fob, error) {
	fob, err := GenerateFob()
	if err != nil {
		return Fob{}, err
	}
	fob.Identity = EmptyNodeID
	return fob, nil
}

// IsAnonymous 是否为匿名会话
func (f Fob) IsAnonymous() bool {
	return f.Identity.IsZero()
}

// WithDerivedIdentity 返回由公钥派生身份的新 Fob
func (f Fob) WithDerivedIdentity() Fob {
	f.Identity = DeriveNodeID(f.PublicKey)
	return f
}

// DeriveNodeID 由公钥派生 NodeID（BLAKE3-512）
func DeriveNodeID(pub ed25519.PublicKey) NodeID {
	return NodeID(blake3.Sum512(pub))
}

// ============================================================================
//                              联系信息签名
// ============================================================================

// contactDigest 计算联系信息摘要
func contactDigest(info PeerInfo) [32]byte {
	buf := make([]byte, 0, 2*NodeIDSize+len(info.Endpoint)+len(info.PublicKey)+4)
	buf = append(buf, info.NodeID[:]...)
	buf = append(buf, info.ConnectionID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(info.Endpoint)))
	buf = append(buf, info.Endpoint...)
	buf = append(buf, info.PublicKey...)
	return blake3.Sum256(buf)
}

// SignContact 使用 Fob 私钥对联系信息签名
func (f Fob) SignContact(info PeerInfo) []byte {
	if len(f.PrivateKey) != ed25519.PrivateKeySize {
		return nil
	}
	digest := contactDigest(info)
	return ed25519.Sign(f.PrivateKey, digest[:])
}

// VerifyContact 校验联系信息签名（使用记录中携带的公钥）
func VerifyContact(info PeerInfo, sig []byte) error {
	if len(info.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length %d", ErrInvalidSignature, len(info.PublicKey))
	}
	digest := contactDigest(info)
	if !ed25519.Verify(info.PublicKey, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}
