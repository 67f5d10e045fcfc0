// Package wireval decodes the protobuf wire representation of a WIT
// value (golem's `Val`) and an optional `ValueAndType`, using the
// low-level protobuf field primitives directly — there is no .proto
// file or protoc-generated stub backing this package, just the wire
// shape golem-worker-executor uses for invocation arguments and
// results, read field-by-field with protowire.
package wireval

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/golemrt/durable/internal/oplog"
)

// Val field numbers within the oneof golem's protobuf schema assigns
// to each WIT primitive kind. Only the subset needed to represent a
// realistic invocation-args/result payload is implemented; anything
// else decodes as an Unknown value carrying its raw wire bytes.
const (
	fieldBool   = 1
	fieldS32    = 5
	fieldS64    = 7
	fieldF32    = 9
	fieldF64    = 10
	fieldString = 11
	fieldList   = 12
)

// Kind names mirrored on oplog.Value.Kind.
const (
	KindBool    = "bool"
	KindS32     = "s32"
	KindS64     = "s64"
	KindF32     = "f32"
	KindF64     = "f64"
	KindString  = "string"
	KindList    = "list"
	KindUnknown = "unknown"
)

// DecodeVal parses a single Val message from buf, returning the decoded
// value and the number of bytes consumed. buf must begin exactly at a
// Val message's first tag.
func DecodeVal(buf []byte) (oplog.Value, int, error) {
	num, typ, n := protowire.ConsumeTag(buf)
	if n < 0 {
		return oplog.Value{}, 0, fmt.Errorf("%w: consume val tag: %v", oplog.ErrPayloadDecode, protowire.ParseError(n))
	}

	switch num {
	case fieldBool:
		v, m := protowire.ConsumeVarint(buf[n:])
		if m < 0 {
			return oplog.Value{}, 0, fmt.Errorf("%w: consume bool: %v", oplog.ErrPayloadDecode, protowire.ParseError(m))
		}
		return oplog.Value{Kind: KindBool, Raw: v != 0}, n + m, nil

	case fieldS32:
		v, m := protowire.ConsumeVarint(buf[n:])
		if m < 0 {
			return oplog.Value{}, 0, fmt.Errorf("%w: consume s32: %v", oplog.ErrPayloadDecode, protowire.ParseError(m))
		}
		return oplog.Value{Kind: KindS32, Raw: int32(v)}, n + m, nil

	case fieldS64:
		v, m := protowire.ConsumeVarint(buf[n:])
		if m < 0 {
			return oplog.Value{}, 0, fmt.Errorf("%w: consume s64: %v", oplog.ErrPayloadDecode, protowire.ParseError(m))
		}
		return oplog.Value{Kind: KindS64, Raw: int64(v)}, n + m, nil

	case fieldF32:
		v, m := protowire.ConsumeFixed32(buf[n:])
		if m < 0 {
			return oplog.Value{}, 0, fmt.Errorf("%w: consume f32: %v", oplog.ErrPayloadDecode, protowire.ParseError(m))
		}
		return oplog.Value{Kind: KindF32, Raw: math.Float32frombits(v)}, n + m, nil

	case fieldF64:
		v, m := protowire.ConsumeFixed64(buf[n:])
		if m < 0 {
			return oplog.Value{}, 0, fmt.Errorf("%w: consume f64: %v", oplog.ErrPayloadDecode, protowire.ParseError(m))
		}
		return oplog.Value{Kind: KindF64, Raw: math.Float64frombits(v)}, n + m, nil

	case fieldString:
		v, m := protowire.ConsumeString(buf[n:])
		if m < 0 {
			return oplog.Value{}, 0, fmt.Errorf("%w: consume string: %v", oplog.ErrPayloadDecode, protowire.ParseError(m))
		}
		return oplog.Value{Kind: KindString, Raw: v}, n + m, nil

	case fieldList:
		body, m := protowire.ConsumeBytes(buf[n:])
		if m < 0 {
			return oplog.Value{}, 0, fmt.Errorf("%w: consume list: %v", oplog.ErrPayloadDecode, protowire.ParseError(m))
		}
		elems, err := decodeValSequence(body)
		if err != nil {
			return oplog.Value{}, 0, fmt.Errorf("decode list elements: %w", err)
		}
		return oplog.Value{Kind: KindList, Raw: elems}, n + m, nil

	default:
		// Unknown field: skip it whole and preserve the raw bytes so a
		// caller inspecting the decoded tree doesn't lose data.
		m := protowire.ConsumeFieldValue(num, typ, buf[n:])
		if m < 0 {
			return oplog.Value{}, 0, fmt.Errorf("%w: consume unknown field %d: %v", oplog.ErrPayloadDecode, num, protowire.ParseError(m))
		}
		return oplog.Value{Kind: KindUnknown, Raw: append([]byte(nil), buf[n:n+m]...)}, n + m, nil
	}
}

func decodeValSequence(buf []byte) ([]oplog.Value, error) {
	var out []oplog.Value
	for len(buf) > 0 {
		v, n, err := DecodeVal(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		buf = buf[n:]
	}
	return out, nil
}

// Decoder adapts this package's free decode functions to
// oplog.PayloadDecoder, so a zero-value wireval.Decoder{} can be handed
// directly to anything that consults a worker's oplog payloads.
type Decoder struct{}

var _ oplog.PayloadDecoder = Decoder{}

func (Decoder) DecodeInvocationArgs(payload []byte) ([]oplog.Value, error) {
	return DecodeInvocationArgs(payload)
}

func (Decoder) DecodeResult(payload []byte) (*oplog.ValueAndType, error) {
	return DecodeResult(payload)
}

// DecodeInvocationArgs decodes an ExportedFunctionInvoked payload: a
// back-to-back sequence of Val messages, implementing
// oplog.PayloadDecoder.
func DecodeInvocationArgs(payload []byte) ([]oplog.Value, error) {
	vals, err := decodeValSequence(payload)
	if err != nil {
		return nil, fmt.Errorf("decode invocation args: %w", err)
	}
	return vals, nil
}

// valueAndType field numbers: field 1 is the nested Val, field 2 is the
// WIT type-name string tag.
const (
	fieldVATValue = 1
	fieldVATType  = 2
)

// DecodeResult decodes an ExportedFunctionCompleted payload: an
// optional single ValueAndType. An empty payload means no result value
// (the invocation returned unit), matching golem's representation of a
// void WIT return type.
func DecodeResult(payload []byte) (*oplog.ValueAndType, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var vt oplog.ValueAndType
	buf := payload
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: consume value-and-type tag: %v", oplog.ErrPayloadDecode, protowire.ParseError(n))
		}
		switch num {
		case fieldVATValue:
			body, m := protowire.ConsumeBytes(buf[n:])
			if m < 0 {
				return nil, fmt.Errorf("%w: consume value-and-type value: %v", oplog.ErrPayloadDecode, protowire.ParseError(m))
			}
			v, _, err := DecodeVal(body)
			if err != nil {
				return nil, fmt.Errorf("decode result value: %w", err)
			}
			vt.Value = v
			buf = buf[n+m:]
		case fieldVATType:
			s, m := protowire.ConsumeString(buf[n:])
			if m < 0 {
				return nil, fmt.Errorf("%w: consume value-and-type name: %v", oplog.ErrPayloadDecode, protowire.ParseError(m))
			}
			vt.Type = s
			buf = buf[n+m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, buf[n:])
			if m < 0 {
				return nil, fmt.Errorf("%w: consume unknown value-and-type field %d: %v", oplog.ErrPayloadDecode, num, protowire.ParseError(m))
			}
			buf = buf[n+m:]
		}
	}
	return &vt, nil
}
