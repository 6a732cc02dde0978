// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package literal

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// byteOrder is the wire byte order for flat tensor data.
var byteOrder = binary.LittleEndian

// A Literal is a typed in-memory tensor value: an array shape together
// with its flat data, or a tuple of literals. Array data is stored in
// row-major order using the wire byte order, so a literal's data can be
// shipped as-is.
type Literal struct {
	shape Shape
	data  []byte
	tuple []*Literal
}

// New returns a zero-valued literal of the provided array shape.
func New(shape Shape) *Literal {
	if shape.IsTuple() {
		elems := make([]*Literal, len(shape.Elems))
		for i, e := range shape.Elems {
			elems[i] = New(e)
		}
		return Tuple(elems...)
	}
	return &Literal{shape: shape, data: make([]byte, shape.DataSize())}
}

// Tuple returns the tuple literal with the provided elements.
func Tuple(elems ...*Literal) *Literal {
	shapes := make([]Shape, len(elems))
	for i, e := range elems {
		shapes[i] = e.shape
	}
	return &Literal{shape: TupleOf(shapes...), tuple: elems}
}

// Shape returns the literal's shape.
func (l *Literal) Shape() Shape { return l.shape }

// Data returns the literal's flat data. It is nil for tuple literals.
// The returned slice aliases the literal's storage.
func (l *Literal) Data() []byte { return l.data }

// Elements returns the elements of a tuple literal, or nil.
func (l *Literal) Elements() []*Literal { return l.tuple }

// Equal tells whether literals l and m have equal shapes and contents.
func (l *Literal) Equal(m *Literal) bool {
	if !l.shape.Equal(m.shape) {
		return false
	}
	if l.shape.IsTuple() {
		for i := range l.tuple {
			if !l.tuple[i].Equal(m.tuple[i]) {
				return false
			}
		}
		return true
	}
	return bytes.Equal(l.data, m.data)
}

// FromFloat32 returns an F32 literal with the provided dimensions and
// row-major values. FromFloat32 panics if the value count does not
// match the dimensions.
func FromFloat32(values []float32, dims ...int) *Literal {
	l := New(Of(F32, dims...))
	checkLen(l, len(values))
	for i, v := range values {
		byteOrder.PutUint32(l.data[4*i:], math.Float32bits(v))
	}
	return l
}

// Float32 returns the values of an F32 literal.
func (l *Literal) Float32() []float32 {
	l.checkDtype(F32)
	values := make([]float32, l.shape.NumElements())
	for i := range values {
		values[i] = math.Float32frombits(byteOrder.Uint32(l.data[4*i:]))
	}
	return values
}

// FromFloat16 returns an F16 literal with the provided dimensions and
// row-major values.
func FromFloat16(values []float16.Float16, dims ...int) *Literal {
	l := New(Of(F16, dims...))
	checkLen(l, len(values))
	for i, v := range values {
		byteOrder.PutUint16(l.data[2*i:], v.Bits())
	}
	return l
}

// Float16 returns the values of an F16 literal.
func (l *Literal) Float16() []float16.Float16 {
	l.checkDtype(F16)
	values := make([]float16.Float16, l.shape.NumElements())
	for i := range values {
		values[i] = float16.Frombits(byteOrder.Uint16(l.data[2*i:]))
	}
	return values
}

// FromFloat64 returns an F64 literal with the provided dimensions and
// row-major values.
func FromFloat64(values []float64, dims ...int) *Literal {
	l := New(Of(F64, dims...))
	checkLen(l, len(values))
	for i, v := range values {
		byteOrder.PutUint64(l.data[8*i:], math.Float64bits(v))
	}
	return l
}

// Float64 returns the values of an F64 literal.
func (l *Literal) Float64() []float64 {
	l.checkDtype(F64)
	values := make([]float64, l.shape.NumElements())
	for i := range values {
		values[i] = math.Float64frombits(byteOrder.Uint64(l.data[8*i:]))
	}
	return values
}

// FromInt32 returns an S32 literal with the provided dimensions and
// row-major values.
func FromInt32(values []int32, dims ...int) *Literal {
	l := New(Of(S32, dims...))
	checkLen(l, len(values))
	for i, v := range values {
		byteOrder.PutUint32(l.data[4*i:], uint32(v))
	}
	return l
}

// Int32 returns the values of an S32 literal.
func (l *Literal) Int32() []int32 {
	l.checkDtype(S32)
	values := make([]int32, l.shape.NumElements())
	for i := range values {
		values[i] = int32(byteOrder.Uint32(l.data[4*i:]))
	}
	return values
}

// FromInt64 returns an S64 literal with the provided dimensions and
// row-major values.
func FromInt64(values []int64, dims ...int) *Literal {
	l := New(Of(S64, dims...))
	checkLen(l, len(values))
	for i, v := range values {
		byteOrder.PutUint64(l.data[8*i:], uint64(v))
	}
	return l
}

// Int64 returns the values of an S64 literal.
func (l *Literal) Int64() []int64 {
	l.checkDtype(S64)
	values := make([]int64, l.shape.NumElements())
	for i := range values {
		values[i] = int64(byteOrder.Uint64(l.data[8*i:]))
	}
	return values
}

// FromBool returns a Pred literal with the provided dimensions and
// row-major values.
func FromBool(values []bool, dims ...int) *Literal {
	l := New(Of(Pred, dims...))
	checkLen(l, len(values))
	for i, v := range values {
		if v {
			l.data[i] = 1
		}
	}
	return l
}

// Bool returns the values of a Pred literal.
func (l *Literal) Bool() []bool {
	l.checkDtype(Pred)
	values := make([]bool, l.shape.NumElements())
	for i := range values {
		values[i] = l.data[i] != 0
	}
	return values
}

func (l *Literal) checkDtype(d Dtype) {
	if l.shape.Dtype != d {
		panic("literal: shape " + l.shape.String() + " accessed as " + d.String())
	}
}

func checkLen(l *Literal, n int) {
	if n != l.shape.NumElements() {
		panic("literal: wrong number of values for shape " + l.shape.String())
	}
}
