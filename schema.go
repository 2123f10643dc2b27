// schema.go: Port argument schemas and the bounded binary codec
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/agilira/go-errors"
)

// FieldType identifies the wire type of one argument field
type FieldType uint8

const (
	FieldInvalid FieldType = iota
	FieldU8
	FieldU16
	FieldU32
	FieldU64
	FieldI8
	FieldI16
	FieldI32
	FieldI64
	FieldF32
	FieldF64
	FieldBool
	FieldString
	FieldBytes
)

var fieldTypeNames = [...]string{
	FieldInvalid: "invalid",
	FieldU8:      "u8",
	FieldU16:     "u16",
	FieldU32:     "u32",
	FieldU64:     "u64",
	FieldI8:      "i8",
	FieldI16:     "i16",
	FieldI32:     "i32",
	FieldI64:     "i64",
	FieldF32:     "f32",
	FieldF64:     "f64",
	FieldBool:    "bool",
	FieldString:  "string",
	FieldBytes:   "bytes",
}

func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return "invalid"
}

// ParseFieldType converts a type name ("u32", "string", ...) to a FieldType.
func ParseFieldType(name string) (FieldType, bool) {
	for i, n := range fieldTypeNames {
		if i > 0 && n == name {
			return FieldType(i), true
		}
	}
	return FieldInvalid, false
}

// fixedWidth returns the encoded width of fixed-size types, 0 for variable ones.
func (t FieldType) fixedWidth() int {
	switch t {
	case FieldU8, FieldI8, FieldBool:
		return 1
	case FieldU16, FieldI16:
		return 2
	case FieldU32, FieldI32, FieldF32:
		return 4
	case FieldU64, FieldI64, FieldF64:
		return 8
	}
	return 0
}

func (t FieldType) variable() bool {
	return t == FieldString || t == FieldBytes
}

// lengthPrefix is the width of the length prefix of variable fields.
const lengthPrefix = 2

// Field is one typed argument of a port. Max bounds variable-length fields.
type Field struct {
	Name string
	Type FieldType
	Max  int
}

// Schema is the ordered argument list of a port
type Schema struct {
	Fields []Field
}

// NewSchema builds a schema from fields.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

// MaxSize returns the worst-case encoded size of the schema.
func (s Schema) MaxSize() int {
	size := 0
	for _, f := range s.Fields {
		if f.Type.variable() {
			size += lengthPrefix + f.Max
		} else {
			size += f.Type.fixedWidth()
		}
	}
	return size
}

// Equal reports whether two schemas have the same field types and bounds.
// Field names are documentation and are not compared.
func (s Schema) Equal(other Schema) bool {
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for i := range s.Fields {
		a, b := s.Fields[i], other.Fields[i]
		if a.Type != b.Type || a.Max != b.Max {
			return false
		}
	}
	return true
}

// Validate checks that every field has a known type and variable fields a
// usable bound.
func (s Schema) Validate() error {
	for i, f := range s.Fields {
		if f.Type == FieldInvalid || int(f.Type) >= len(fieldTypeNames) {
			return errors.New(ErrCodeSchemaMismatch, "unknown field type").
				WithContext("field", i).
				WithContext("name", f.Name)
		}
		if f.Type.variable() && (f.Max <= 0 || f.Max > math.MaxUint16) {
			return errors.New(ErrCodeSchemaMismatch, "variable field needs a bound in 1..65535").
				WithContext("field", i).
				WithContext("name", f.Name)
		}
	}
	return nil
}

func (s Schema) String() string {
	out := "("
	for i, f := range s.Fields {
		if i > 0 {
			out += ", "
		}
		if f.Type.variable() {
			out += fmt.Sprintf("%s %s[%d]", f.Name, f.Type, f.Max)
		} else {
			out += fmt.Sprintf("%s %s", f.Name, f.Type)
		}
	}
	return out + ")"
}

// Value is one tagged argument value
type Value struct {
	typ FieldType
	num uint64
	str string
	raw []byte
}

func U8(v uint8) Value    { return Value{typ: FieldU8, num: uint64(v)} }
func U16(v uint16) Value  { return Value{typ: FieldU16, num: uint64(v)} }
func U32(v uint32) Value  { return Value{typ: FieldU32, num: uint64(v)} }
func U64(v uint64) Value  { return Value{typ: FieldU64, num: v} }
func I8(v int8) Value     { return Value{typ: FieldI8, num: uint64(int64(v))} }
func I16(v int16) Value   { return Value{typ: FieldI16, num: uint64(int64(v))} }
func I32(v int32) Value   { return Value{typ: FieldI32, num: uint64(int64(v))} }
func I64(v int64) Value   { return Value{typ: FieldI64, num: uint64(v)} }
func F32(v float32) Value { return Value{typ: FieldF32, num: uint64(math.Float32bits(v))} }
func F64(v float64) Value { return Value{typ: FieldF64, num: math.Float64bits(v)} }
func String(v string) Value {
	return Value{typ: FieldString, str: v}
}
func Bytes(v []byte) Value { return Value{typ: FieldBytes, raw: v} }

// Bool wraps a boolean value
func Bool(v bool) Value {
	if v {
		return Value{typ: FieldBool, num: 1}
	}
	return Value{typ: FieldBool}
}

// Type returns the value's field type; FieldInvalid for the zero Value.
func (v Value) Type() FieldType { return v.typ }

// IsZero reports whether v is the empty Value.
func (v Value) IsZero() bool { return v.typ == FieldInvalid }

// Uint returns unsigned values (and the raw bits of other numeric types).
func (v Value) Uint() uint64 { return v.num }

// Int returns signed values.
func (v Value) Int() int64 { return int64(v.num) }

// Float returns f32/f64 values as float64.
func (v Value) Float() float64 {
	if v.typ == FieldF32 {
		return float64(math.Float32frombits(uint32(v.num)))
	}
	return math.Float64frombits(v.num)
}

// Bool returns boolean values.
func (v Value) Bool() bool { return v.num != 0 }

// String returns string values. Decoded strings are copied out of the
// message payload here.
func (v Value) String() string {
	if v.raw != nil {
		return string(v.raw)
	}
	return v.str
}

// Bytes returns bytes values. Decoded bytes alias the message payload and
// are only valid for the duration of the handler.
func (v Value) Bytes() []byte {
	if v.raw == nil && v.str != "" {
		return []byte(v.str)
	}
	return v.raw
}

func (v Value) varLen() int {
	if v.raw != nil {
		return len(v.raw)
	}
	return len(v.str)
}

// Check verifies arity, types and variable bounds of args without
// encoding them. Synchronous calls use it in place of Encode.
func (s Schema) Check(args []Value) error {
	if len(args) != len(s.Fields) {
		return errors.New(ErrCodeSchemaMismatch, "argument count does not match schema").
			WithContext("expected", len(s.Fields)).
			WithContext("got", len(args))
	}
	for i, f := range s.Fields {
		if args[i].typ != f.Type {
			return errors.New(ErrCodeSchemaMismatch, "argument type does not match schema").
				WithContext("field", f.Name).
				WithContext("expected", f.Type.String()).
				WithContext("got", args[i].typ.String())
		}
		if f.Type.variable() && args[i].varLen() > f.Max {
			return errors.New(ErrCodePayloadTooLarge, "variable field exceeds its bound").
				WithContext("field", f.Name).
				WithContext("max", f.Max).
				WithContext("length", args[i].varLen())
		}
	}
	return nil
}

// Encode serializes args into dst following the schema and returns the
// number of bytes written. It never allocates.
func (s Schema) Encode(dst []byte, args []Value) (int, error) {
	if len(args) != len(s.Fields) {
		return 0, errors.New(ErrCodeSchemaMismatch, "argument count does not match schema").
			WithContext("expected", len(s.Fields)).
			WithContext("got", len(args))
	}

	off := 0
	for i, f := range s.Fields {
		a := args[i]
		if a.typ != f.Type {
			return 0, errors.New(ErrCodeSchemaMismatch, "argument type does not match schema").
				WithContext("field", f.Name).
				WithContext("expected", f.Type.String()).
				WithContext("got", a.typ.String())
		}

		if f.Type.variable() {
			n := a.varLen()
			if n > f.Max {
				return 0, errors.New(ErrCodePayloadTooLarge, "variable field exceeds its bound").
					WithContext("field", f.Name).
					WithContext("max", f.Max).
					WithContext("length", n)
			}
			if off+lengthPrefix+n > len(dst) {
				return 0, errors.New(ErrCodePayloadTooLarge, "encoded arguments exceed payload capacity").
					WithContext("field", f.Name)
			}
			binary.BigEndian.PutUint16(dst[off:], uint16(n)) // #nosec G115 -- n <= f.Max <= 65535
			off += lengthPrefix
			if a.raw != nil {
				off += copy(dst[off:], a.raw)
			} else {
				off += copy(dst[off:], a.str)
			}
			continue
		}

		w := f.Type.fixedWidth()
		if off+w > len(dst) {
			return 0, errors.New(ErrCodePayloadTooLarge, "encoded arguments exceed payload capacity").
				WithContext("field", f.Name)
		}
		switch w {
		case 1:
			dst[off] = byte(a.num)
		case 2:
			binary.BigEndian.PutUint16(dst[off:], uint16(a.num))
		case 4:
			binary.BigEndian.PutUint32(dst[off:], uint32(a.num))
		case 8:
			binary.BigEndian.PutUint64(dst[off:], a.num)
		}
		off += w
	}
	return off, nil
}

// Decode parses src into out (which must hold at least len(Fields) values)
// and returns the number of bytes consumed. Strings and bytes alias src.
func (s Schema) Decode(src []byte, out []Value) (int, error) {
	if len(out) < len(s.Fields) {
		return 0, errors.New(ErrCodeSchemaMismatch, "decode target too small").
			WithContext("fields", len(s.Fields))
	}

	off := 0
	for i, f := range s.Fields {
		if f.Type.variable() {
			if off+lengthPrefix > len(src) {
				return 0, errors.New(ErrCodeSchemaMismatch, "truncated payload").WithContext("field", f.Name)
			}
			n := int(binary.BigEndian.Uint16(src[off:]))
			off += lengthPrefix
			if n > f.Max || off+n > len(src) {
				return 0, errors.New(ErrCodeSchemaMismatch, "invalid variable field length").
					WithContext("field", f.Name).
					WithContext("length", n)
			}
			out[i] = Value{typ: f.Type, raw: src[off : off+n : off+n]}
			off += n
			continue
		}

		w := f.Type.fixedWidth()
		if off+w > len(src) {
			return 0, errors.New(ErrCodeSchemaMismatch, "truncated payload").WithContext("field", f.Name)
		}
		var n uint64
		switch w {
		case 1:
			n = uint64(src[off])
			if f.Type == FieldI8 {
				n = uint64(int64(int8(src[off])))
			}
		case 2:
			n = uint64(binary.BigEndian.Uint16(src[off:]))
			if f.Type == FieldI16 {
				n = uint64(int64(int16(n)))
			}
		case 4:
			n = uint64(binary.BigEndian.Uint32(src[off:]))
			if f.Type == FieldI32 {
				n = uint64(int64(int32(n)))
			}
		case 8:
			n = binary.BigEndian.Uint64(src[off:])
		}
		out[i] = Value{typ: f.Type, num: n}
		off += w
	}
	return off, nil
}
