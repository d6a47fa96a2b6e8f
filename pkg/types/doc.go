// Package types 定义覆盖网络路由核心的公共数据结构
//
// 这是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
//
// # 文件组织
//
// 基础类型:
//   - nodeid.go  - NodeID（512 位）、XOR 距离与排序
//   - peer.go    - Endpoint, PeerInfo
//   - fob.go     - Fob（身份 + 密钥），联系信息签名
//   - nat.go     - NATType
//
// 结果与状态:
//   - result.go  - ResultCode 及其与错误的映射
//   - status.go  - NetworkStatus
//   - errors.go  - 公共错误定义
//
// # 距离度量
//
// 两个 NodeID 的距离为按位异或，按大端无符号整数比较。对任意
// 固定目标，距离关系是严格全序。
package types
