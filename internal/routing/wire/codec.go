package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ErrMalformed 消息格式错误
var ErrMalformed = errors.New("wire: malformed message")

// MaxMessageSize 单条消息最大字节数
const MaxMessageSize = 1 << 20

// Message 字段编号
const (
	fieldType              protowire.Number = 1
	fieldRequest           protowire.Number = 2
	fieldID                protowire.Number = 3
	fieldCorrelationID     protowire.Number = 4
	fieldSourceID          protowire.Number = 5
	fieldDestinationID     protowire.Number = 6
	fieldGroupClaim        protowire.Number = 7
	fieldRelay             protowire.Number = 8
	fieldRelayID           protowire.Number = 9
	fieldRelayConnectionID protowire.Number = 10
	fieldDirect            protowire.Number = 11
	fieldCacheable         protowire.Number = 12
	fieldHopsToLive        protowire.Number = 13
	fieldResult            protowire.Number = 14
	fieldCacheTarget       protowire.Number = 15
	fieldCacheDigest       protowire.Number = 16
	fieldPayload           protowire.Number = 17
)

// ============================================================================
//                              编码
// ============================================================================

// Marshal 编码消息
func Marshal(m *Message) []byte {
	b := make([]byte, 0, 64+len(m.Payload)+4*types.NodeIDSize)

	b = appendVarint(b, fieldType, uint64(m.Type))
	b = appendBool(b, fieldRequest, m.Request)
	if m.ID != uuid.Nil {
		b = appendBytes(b, fieldID, m.ID[:])
	}
	b = appendVarint(b, fieldCorrelationID, uint64(m.CorrelationID))
	b = appendNodeID(b, fieldSourceID, m.SourceID)
	b = appendNodeID(b, fieldDestinationID, m.DestinationID)
	b = appendNodeID(b, fieldGroupClaim, m.GroupClaim)
	b = appendBool(b, fieldRelay, m.Relay)
	b = appendNodeID(b, fieldRelayID, m.RelayID)
	b = appendNodeID(b, fieldRelayConnectionID, m.RelayConnectionID)
	b = appendBool(b, fieldDirect, m.Direct)
	b = appendBool(b, fieldCacheable, m.Cacheable)
	b = appendVarint(b, fieldHopsToLive, uint64(m.HopsToLive))
	if m.Result != 0 {
		b = protowire.AppendTag(b, fieldResult, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.Result)))
	}
	b = appendNodeID(b, fieldCacheTarget, m.CacheTarget)
	b = appendBytes(b, fieldCacheDigest, m.CacheDigest)
	b = appendBytes(b, fieldPayload, m.Payload)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendNodeID(b []byte, num protowire.Number, id types.NodeID) []byte {
	if id.IsZero() {
		return b
	}
	return appendBytes(b, num, id[:])
}

// ============================================================================
//                              解码
// ============================================================================

// Unmarshal 解码消息
func Unmarshal(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformed, len(data))
	}

	m := &Message{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, f field) error {
		var err error
		switch num {
		case fieldType:
			var v uint64
			v, err = f.varint(typ)
			m.Type = MessageType(v)
		case fieldRequest:
			m.Request, err = f.bool(typ)
		case fieldID:
			var raw []byte
			if raw, err = f.bytes(typ); err == nil {
				m.ID, err = uuid.FromBytes(raw)
			}
		case fieldCorrelationID:
			var v uint64
			v, err = f.varint(typ)
			m.CorrelationID = uint32(v)
		case fieldSourceID:
			m.SourceID, err = f.nodeID(typ)
		case fieldDestinationID:
			m.DestinationID, err = f.nodeID(typ)
		case fieldGroupClaim:
			m.GroupClaim, err = f.nodeID(typ)
		case fieldRelay:
			m.Relay, err = f.bool(typ)
		case fieldRelayID:
			m.RelayID, err = f.nodeID(typ)
		case fieldRelayConnectionID:
			m.RelayConnectionID, err = f.nodeID(typ)
		case fieldDirect:
			m.Direct, err = f.bool(typ)
		case fieldCacheable:
			m.Cacheable, err = f.bool(typ)
		case fieldHopsToLive:
			var v uint64
			v, err = f.varint(typ)
			m.HopsToLive = uint32(v)
		case fieldResult:
			var v uint64
			v, err = f.varint(typ)
			m.Result = types.ResultCode(protowire.DecodeZigZag(v))
		case fieldCacheTarget:
			m.CacheTarget, err = f.nodeID(typ)
		case fieldCacheDigest:
			m.CacheDigest, err = f.bytesCopy(typ)
		case fieldPayload:
			m.Payload, err = f.bytesCopy(typ)
		default:
			err = f.skip(num, typ)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.Type == TypeUnknown {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}

// field 指向当前字段值的游标
type field struct {
	buf *[]byte
}

// walk 逐字段遍历，fn 负责消费字段值
func walk(data []byte, fn func(protowire.Number, protowire.Type, field) error) error {
	buf := data
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		if err := fn(num, typ, field{buf: &buf}); err != nil {
			return err
		}
	}
	return nil
}

func (f field) varint(typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: expected varint", ErrMalformed)
	}
	v, n := protowire.ConsumeVarint(*f.buf)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	*f.buf = (*f.buf)[n:]
	return v, nil
}

func (f field) bool(typ protowire.Type) (bool, error) {
	v, err := f.varint(typ)
	return v != 0, err
}

func (f field) bytes(typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: expected bytes", ErrMalformed)
	}
	v, n := protowire.ConsumeBytes(*f.buf)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	*f.buf = (*f.buf)[n:]
	return v, nil
}

func (f field) bytesCopy(typ protowire.Type) ([]byte, error) {
	v, err := f.bytes(typ)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

func (f field) str(typ protowire.Type) (string, error) {
	v, err := f.bytes(typ)
	return string(v), err
}

func (f field) nodeID(typ protowire.Type) (types.NodeID, error) {
	v, err := f.bytes(typ)
	if err != nil {
		return types.EmptyNodeID, err
	}
	id, err := types.NodeIDFromBytes(v)
	if err != nil {
		return types.EmptyNodeID, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return id, nil
}

func (f field) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, *f.buf)
	if n < 0 {
		return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	*f.buf = (*f.buf)[n:]
	return nil
}
