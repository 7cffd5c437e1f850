// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package value implements the tagged value descriptors
// that flow between record sources, expressions, and
// aggregate accumulators.
//
// A Value is a small sum type: it is either SQL NULL,
// a scaled 64-bit integer, a 64-bit float, a collated
// text string, or a reference to a large object.
package value

import (
	"fmt"
	"math"

	"github.com/jucapablanca/firebird/blob"
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	NullType Kind = iota
	IntType       // 64-bit integer with a fixed decimal scale
	FloatType
	TextType
	BlobType
)

func (k Kind) String() string {
	switch k {
	case NullType:
		return "null"
	case IntType:
		return "int"
	case FloatType:
		return "float"
	case TextType:
		return "text"
	case BlobType:
		return "blob"
	default:
		return fmt.Sprintf("<Kind=%d>", int(k))
	}
}

// Collation selects the comparison and key-derivation
// rules for text values.
type Collation uint8

const (
	// Binary compares text byte-wise.
	Binary Collation = iota
	// NoCase compares text case-insensitively (ASCII).
	NoCase
)

// Value is a tagged value descriptor.
//
// The zero Value is SQL NULL.
type Value struct {
	kind  Kind
	scale int8
	coll  Collation
	num   int64 // IntType payload, or FloatType bits
	str   string
	lob   blob.Handle
}

// Null returns the SQL NULL value.
func Null() Value { return Value{} }

// Int returns an integer value at scale 0.
func Int(i int64) Value {
	return Value{kind: IntType, num: i}
}

// Decimal returns a scaled integer value; the represented
// quantity is i / 10^scale.
func Decimal(i int64, scale int8) Value {
	return Value{kind: IntType, num: i, scale: scale}
}

// Float returns a double-precision value.
func Float(f float64) Value {
	return Value{kind: FloatType, num: int64(math.Float64bits(f))}
}

// String returns a text value under the Binary collation.
func String(s string) Value {
	return Value{kind: TextType, str: s}
}

// Collated returns a text value under the given collation.
func Collated(s string, coll Collation) Value {
	return Value{kind: TextType, str: s, coll: coll}
}

// FromBlob returns a value referencing a large object.
func FromBlob(h blob.Handle) Value {
	return Value{kind: BlobType, lob: h}
}

// Kind returns the type tag of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull indicates whether v is SQL NULL.
func (v Value) IsNull() bool { return v.kind == NullType }

// Scale returns the decimal scale of an integer value.
func (v Value) Scale() int8 { return v.scale }

// Collation returns the collation of a text value.
func (v Value) Collation() Collation { return v.coll }

// Int returns the raw scaled integer payload of v.
func (v Value) Int() (int64, bool) {
	if v.kind != IntType {
		return 0, false
	}
	return v.num, true
}

// Float returns the float payload of v.
func (v Value) Float() (float64, bool) {
	if v.kind != FloatType {
		return 0, false
	}
	return math.Float64frombits(uint64(v.num)), true
}

// Text returns the text payload of v.
func (v Value) Text() (string, bool) {
	if v.kind != TextType {
		return "", false
	}
	return v.str, true
}

// BlobHandle returns the large-object handle carried by v.
func (v Value) BlobHandle() (blob.Handle, bool) {
	if v.kind != BlobType {
		return blob.Handle{}, false
	}
	return v.lob, true
}

// AsFloat converts any numeric value to a float64,
// taking the decimal scale into account.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case IntType:
		return float64(v.num) / math.Pow10(int(v.scale)), true
	case FloatType:
		return math.Float64frombits(uint64(v.num)), true
	}
	return 0, false
}

// String implements fmt.Stringer for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case NullType:
		return "NULL"
	case IntType:
		if v.scale == 0 {
			return fmt.Sprintf("%d", v.num)
		}
		return fmt.Sprintf("%d@%d", v.num, v.scale)
	case FloatType:
		f, _ := v.Float()
		return fmt.Sprintf("%g", f)
	case TextType:
		return fmt.Sprintf("%q", v.str)
	case BlobType:
		return "blob:" + v.lob.ID.String()
	default:
		return fmt.Sprintf("<Value kind=%d>", int(v.kind))
	}
}
