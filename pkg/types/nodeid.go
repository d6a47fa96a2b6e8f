package types

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              NodeID - 节点标识
// ============================================================================

// NodeIDSize NodeID 字节长度（512 位）
const NodeIDSize = 64

// NodeID 节点唯一标识符
//
// 由公钥派生（BLAKE3-512），也用作传输层连接标识（ConnectionID）。
// 全零值是保留的"匿名"哨兵。
//
// 外部表示格式：
//   - String(): Base58 编码（用户可读、可分享）
//   - ShortString(): Base58 前缀（日志简短标识）
type NodeID [NodeIDSize]byte

// EmptyNodeID 空节点ID（匿名）
var EmptyNodeID NodeID

// ErrInvalidNodeID 无效的节点ID错误
var ErrInvalidNodeID = errors.New("invalid node ID: must be 64 bytes Base58")

// String 返回 NodeID 的 Base58 字符串表示
func (id NodeID) String() string {
	if id.IsZero() {
		return ""
	}
	return base58.Encode(id[:])
}

// ShortString 返回 NodeID 的短字符串表示
//
// 格式：十六进制前 8 个字符，用于日志中的简短标识。
func (id NodeID) ShortString() string {
	if id.IsZero() {
		return "anonymous"
	}
	return hex.EncodeToString(id[:4])
}

// Bytes 返回 NodeID 的字节切片
func (id NodeID) Bytes() []byte {
	return id[:]
}

// Equal 比较两个 NodeID 是否相等
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// IsZero 检查 NodeID 是否为零值（匿名）
func (id NodeID) IsZero() bool {
	return id == EmptyNodeID
}

// NodeIDFromBytes 从字节切片创建 NodeID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != NodeIDSize {
		return EmptyNodeID, ErrInvalidNodeID
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// ParseNodeID 从 Base58 字符串解析 NodeID
func ParseNodeID(s string) (NodeID, error) {
	if s == "" {
		return EmptyNodeID, ErrInvalidNodeID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptyNodeID, ErrInvalidNodeID
	}
	return NodeIDFromBytes(b)
}

// RandomNodeID 生成随机 NodeID
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return id
}

// ============================================================================
//                              XOR 距离
// ============================================================================

// Distance 计算两个 NodeID 的 XOR 距离
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := 0; i < NodeIDSize; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance 比较 a 和 b 到 target 的距离
//
// 距离按无符号大整数（大端序）比较。返回：
//
//	-1 如果 dist(a, target) < dist(b, target)
//	 0 如果 a == b
//	 1 如果 dist(a, target) > dist(b, target)
func CompareDistance(a, b, target NodeID) int {
	for i := 0; i < NodeIDSize; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// CloserToTarget 判断 a 是否比 b 更接近 target
//
// 对任意固定 target 构成严格全序：仅当 a == b 时两者距离相同。
func CloserToTarget(a, b, target NodeID) bool {
	return CompareDistance(a, b, target) < 0
}

// CommonPrefixLen 计算两个 NodeID 的共同前缀长度（按位计数）
func CommonPrefixLen(a, b NodeID) int {
	zeroBits := 0
	for i := 0; i < NodeIDSize; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			zeroBits += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if x&mask != 0 {
				return zeroBits
			}
			zeroBits++
		}
	}
	return zeroBits
}

// SortByDistance 按到 target 的距离升序排序 NodeID 列表（原地）
func SortByDistance(ids []NodeID, target NodeID) {
	sort.Slice(ids, func(i, j int) bool {
		return CloserToTarget(ids[i], ids[j], target)
	})
}

// Less 按字节序比较，用于需要确定性顺序的场景（非距离排序）
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}
