package types

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"sort"
	"strconv"
)

// ============================================================================
//                              Endpoint - 传输地址
// ============================================================================

// Endpoint 传输层地址（host:port）
type Endpoint string

// String 返回地址字符串
func (e Endpoint) String() string {
	return string(e)
}

// IsEmpty 检查地址是否为空
func (e Endpoint) IsEmpty() bool {
	return e == ""
}

// Validate 校验地址格式
func (e Endpoint) Validate() error {
	host, port, err := net.SplitHostPort(string(e))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("%w: invalid port %q", ErrInvalidEndpoint, port)
	}
	return nil
}

// ParseEndpoint 解析并校验地址
func ParseEndpoint(s string) (Endpoint, error) {
	ep := Endpoint(s)
	if err := ep.Validate(); err != nil {
		return "", err
	}
	return ep, nil
}

// ============================================================================
//                              PeerInfo - 节点联系信息
// ============================================================================

// PeerInfo 路由表/客户端表中的节点记录
//
// ConnectionID 是传输层连接句柄，与 NodeID 不同；同一张表内
// NodeID 唯一，每条活动连接的 ConnectionID 唯一。
type PeerInfo struct {
	// NodeID 节点身份
	NodeID NodeID

	// ConnectionID 传输层连接标识
	ConnectionID NodeID

	// PublicKey 节点公钥
	PublicKey ed25519.PublicKey

	// Endpoint 传输地址
	Endpoint Endpoint
}

// IsAnonymous 是否为匿名节点（零身份）
func (p PeerInfo) IsAnonymous() bool {
	return p.NodeID.IsZero()
}

// String 返回简短描述（用于日志）
func (p PeerInfo) String() string {
	return fmt.Sprintf("%s@%s", p.NodeID.ShortString(), p.Endpoint)
}

// Clone 深拷贝（公钥切片独立）
func (p PeerInfo) Clone() PeerInfo {
	c := p
	if p.PublicKey != nil {
		c.PublicKey = append(ed25519.PublicKey(nil), p.PublicKey...)
	}
	return c
}

// NodeIDs 提取 PeerInfo 列表中的 NodeID
func NodeIDs(peers []PeerInfo) []NodeID {
	ids := make([]NodeID, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.NodeID)
	}
	return ids
}

// SortPeersByDistance 按 NodeID 到 target 的距离升序排序
func SortPeersByDistance(peers []PeerInfo, target NodeID) {
	sort.SliceStable(peers, func(i, j int) bool {
		return CloserToTarget(peers[i].NodeID, peers[j].NodeID, target)
	})
}
