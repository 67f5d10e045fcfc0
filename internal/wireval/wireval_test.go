package wireval

import (
	"math"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/golemrt/durable/internal/oplog"
)

func appendBoolVal(buf []byte, v bool) []byte {
	buf = protowire.AppendTag(buf, fieldBool, protowire.VarintType)
	val := uint64(0)
	if v {
		val = 1
	}
	return protowire.AppendVarint(buf, val)
}

func appendS32Val(buf []byte, v int32) []byte {
	buf = protowire.AppendTag(buf, fieldS32, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(v))
}

func appendS64Val(buf []byte, v int64) []byte {
	buf = protowire.AppendTag(buf, fieldS64, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(v))
}

func appendF32Val(buf []byte, v float32) []byte {
	buf = protowire.AppendTag(buf, fieldF32, protowire.Fixed32Type)
	return protowire.AppendFixed32(buf, math.Float32bits(v))
}

func appendF64Val(buf []byte, v float64) []byte {
	buf = protowire.AppendTag(buf, fieldF64, protowire.Fixed64Type)
	return protowire.AppendFixed64(buf, math.Float64bits(v))
}

func appendStringVal(buf []byte, v string) []byte {
	buf = protowire.AppendTag(buf, fieldString, protowire.BytesType)
	return protowire.AppendString(buf, v)
}

func appendListVal(buf []byte, elems []byte) []byte {
	buf = protowire.AppendTag(buf, fieldList, protowire.BytesType)
	return protowire.AppendBytes(buf, elems)
}

func TestDecodeValPrimitives(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		kind string
		want any
	}{
		{"bool-true", appendBoolVal(nil, true), KindBool, true},
		{"bool-false", appendBoolVal(nil, false), KindBool, false},
		{"s32", appendS32Val(nil, -42), KindS32, int32(-42)},
		{"s64", appendS64Val(nil, 1 << 40), KindS64, int64(1 << 40)},
		{"f32", appendF32Val(nil, 3.5), KindF32, float32(3.5)},
		{"f64", appendF64Val(nil, 2.718281828), KindF64, float64(2.718281828)},
		{"string", appendStringVal(nil, "hello"), KindString, "hello"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, n, err := DecodeVal(c.buf)
			if err != nil {
				t.Fatalf("DecodeVal: %v", err)
			}
			if n != len(c.buf) {
				t.Fatalf("consumed %d bytes, want %d", n, len(c.buf))
			}
			if v.Kind != c.kind {
				t.Fatalf("Kind = %q, want %q", v.Kind, c.kind)
			}
			if !reflect.DeepEqual(v.Raw, c.want) {
				t.Fatalf("Raw = %#v, want %#v", v.Raw, c.want)
			}
		})
	}
}

func TestDecodeValList(t *testing.T) {
	var elems []byte
	elems = appendS32Val(elems, 1)
	elems = appendS32Val(elems, 2)
	elems = appendS32Val(elems, 3)
	buf := appendListVal(nil, elems)

	v, n, err := DecodeVal(buf)
	if err != nil {
		t.Fatalf("DecodeVal: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if v.Kind != KindList {
		t.Fatalf("Kind = %q, want list", v.Kind)
	}
	elemsDecoded, ok := v.Raw.([]oplog.Value)
	if !ok {
		t.Fatalf("Raw type = %T, want []oplog.Value", v.Raw)
	}
	if len(elemsDecoded) != 3 {
		t.Fatalf("len(elemsDecoded) = %d, want 3", len(elemsDecoded))
	}
	for i, want := range []int32{1, 2, 3} {
		if elemsDecoded[i].Raw.(int32) != want {
			t.Fatalf("elemsDecoded[%d] = %+v, want %d", i, elemsDecoded[i], want)
		}
	}
}

func TestDecodeInvocationArgsSequence(t *testing.T) {
	var buf []byte
	buf = appendS32Val(buf, 7)
	buf = appendStringVal(buf, "arg")
	buf = appendBoolVal(buf, true)

	vals, err := DecodeInvocationArgs(buf)
	if err != nil {
		t.Fatalf("DecodeInvocationArgs: %v", err)
	}
	if len(vals) != 3 {
		t.Fatalf("len(vals) = %d, want 3", len(vals))
	}
	if vals[0].Kind != KindS32 || vals[0].Raw.(int32) != 7 {
		t.Fatalf("vals[0] = %+v", vals[0])
	}
	if vals[1].Kind != KindString || vals[1].Raw.(string) != "arg" {
		t.Fatalf("vals[1] = %+v", vals[1])
	}
	if vals[2].Kind != KindBool || vals[2].Raw.(bool) != true {
		t.Fatalf("vals[2] = %+v", vals[2])
	}
}

func TestDecodeInvocationArgsEmpty(t *testing.T) {
	vals, err := DecodeInvocationArgs(nil)
	if err != nil {
		t.Fatalf("DecodeInvocationArgs: %v", err)
	}
	if len(vals) != 0 {
		t.Fatalf("expected no args, got %d", len(vals))
	}
}

func TestDecodeResultEmptyPayloadMeansNoResult(t *testing.T) {
	vt, err := DecodeResult(nil)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if vt != nil {
		t.Fatalf("expected nil ValueAndType for empty payload, got %+v", vt)
	}
}

func TestDecodeResultRoundTrip(t *testing.T) {
	val := appendS64Val(nil, 99)

	var buf []byte
	buf = protowire.AppendTag(buf, fieldVATValue, protowire.BytesType)
	buf = protowire.AppendBytes(buf, val)
	buf = protowire.AppendTag(buf, fieldVATType, protowire.BytesType)
	buf = protowire.AppendString(buf, "s64")

	vt, err := DecodeResult(buf)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if vt == nil {
		t.Fatal("expected non-nil result")
	}
	if vt.Type != "s64" {
		t.Fatalf("Type = %q, want s64", vt.Type)
	}
	if vt.Value.Kind != KindS64 || vt.Value.Raw.(int64) != 99 {
		t.Fatalf("Value = %+v", vt.Value)
	}
}

func TestDecodeValUnknownFieldIsPreserved(t *testing.T) {
	buf := protowire.AppendTag(nil, 42, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 123)

	v, n, err := DecodeVal(buf)
	if err != nil {
		t.Fatalf("DecodeVal: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if v.Kind != KindUnknown {
		t.Fatalf("Kind = %q, want unknown", v.Kind)
	}
}
