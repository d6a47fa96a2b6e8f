package types

// ============================================================================
//                              NATType - NAT 类型
// ============================================================================

// NATType NAT 类型
//
// 由 Ping 响应携带，作为响应方的连通性分类。
type NATType int

const (
	// NATTypeUnknown 未知类型
	NATTypeUnknown NATType = iota
	// NATTypeNone 无 NAT（公网）
	NATTypeNone
	// NATTypeFull 完全锥形 NAT
	NATTypeFull
	// NATTypeRestricted 受限锥形 NAT
	NATTypeRestricted
	// NATTypePortRestricted 端口受限锥形 NAT
	NATTypePortRestricted
	// NATTypeSymmetric 对称型 NAT
	NATTypeSymmetric
)

// String 返回 NAT 类型的字符串表示
func (n NATType) String() string {
	switch n {
	case NATTypeNone:
		return "none"
	case NATTypeFull:
		return "full_cone"
	case NATTypeRestricted:
		return "restricted"
	case NATTypePortRestricted:
		return "port_restricted"
	case NATTypeSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// ParseNATType 从字符串解析 NAT 类型，无法识别时返回 NATTypeUnknown
func ParseNATType(s string) NATType {
	switch s {
	case "none":
		return NATTypeNone
	case "full_cone":
		return NATTypeFull
	case "restricted":
		return NATTypeRestricted
	case "port_restricted":
		return NATTypePortRestricted
	case "symmetric":
		return NATTypeSymmetric
	default:
		return NATTypeUnknown
	}
}
