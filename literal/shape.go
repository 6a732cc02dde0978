// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package literal defines the in-memory tensor values exchanged with
// remote accelerator runtimes: element types, shapes (including tuple
// shapes), and literals with a deterministic byte encoding used on the
// wire.
package literal

import (
	"fmt"
	"strconv"
	"strings"
)

// Dtype is the element type of a tensor.
type Dtype int

const (
	// Invalid is the zero Dtype; it is not a legal element type.
	Invalid Dtype = iota
	// Pred is a boolean element, stored one byte per element.
	Pred
	S8
	S16
	S32
	S64
	U8
	U16
	U32
	U64
	F16
	F32
	F64
	// TupleType identifies tuple shapes. Tuples have no flat data of
	// their own; their elements carry the data.
	TupleType
)

var dtypeNames = [...]string{
	Invalid:   "invalid",
	Pred:      "pred",
	S8:        "s8",
	S16:       "s16",
	S32:       "s32",
	S64:       "s64",
	U8:        "u8",
	U16:       "u16",
	U32:       "u32",
	U64:       "u64",
	F16:       "f16",
	F32:       "f32",
	F64:       "f64",
	TupleType: "tuple",
}

// String returns the lower-case shape-signature name of the dtype.
func (d Dtype) String() string {
	if d < 0 || int(d) >= len(dtypeNames) {
		return fmt.Sprintf("dtype(%d)", int(d))
	}
	return dtypeNames[d]
}

// Size returns the number of bytes occupied by one element of type d.
// Size panics on tuple or invalid dtypes, which have no element size.
func (d Dtype) Size() int {
	switch d {
	case Pred, S8, U8:
		return 1
	case S16, U16, F16:
		return 2
	case S32, U32, F32:
		return 4
	case S64, U64, F64:
		return 8
	}
	panic("literal: no element size for " + d.String())
}

// A Shape describes the type and dimensions of a tensor, or, for tuple
// shapes, the shapes of the tuple's elements. Zero-sized dimensions are
// legal; such shapes have no data.
type Shape struct {
	Dtype Dtype
	Dims  []int
	// Elems holds the element shapes of a tuple shape. It is non-nil
	// only when Dtype is TupleType.
	Elems []Shape
}

// Of returns the array shape with the provided dtype and dimensions.
func Of(dtype Dtype, dims ...int) Shape {
	return Shape{Dtype: dtype, Dims: dims}
}

// TupleOf returns the tuple shape with the provided element shapes.
func TupleOf(elems ...Shape) Shape {
	return Shape{Dtype: TupleType, Elems: elems}
}

// IsTuple tells whether the shape is a tuple shape.
func (s Shape) IsTuple() bool { return s.Dtype == TupleType }

// NumElements returns the number of elements in an array shape.
func (s Shape) NumElements() int {
	if s.IsTuple() {
		panic("literal: NumElements of tuple shape " + s.String())
	}
	n := 1
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

// DataSize returns the number of bytes of flat data needed to store an
// array of this shape.
func (s Shape) DataSize() int {
	if s.IsTuple() {
		n := 0
		for _, e := range s.Elems {
			n += e.DataSize()
		}
		return n
	}
	return s.NumElements() * s.Dtype.Size()
}

// Equal tells whether shapes s and t are structurally equal.
func (s Shape) Equal(t Shape) bool {
	if s.Dtype != t.Dtype || len(s.Dims) != len(t.Dims) || len(s.Elems) != len(t.Elems) {
		return false
	}
	for i := range s.Dims {
		if s.Dims[i] != t.Dims[i] {
			return false
		}
	}
	for i := range s.Elems {
		if !s.Elems[i].Equal(t.Elems[i]) {
			return false
		}
	}
	return true
}

// String returns the shape's signature, e.g. "f32[2,3]" or
// "(f32[2],pred[])". Signatures are used to key per-session node
// caches, so two shapes have equal signatures iff they are equal.
func (s Shape) String() string {
	if s.IsTuple() {
		elems := make([]string, len(s.Elems))
		for i, e := range s.Elems {
			elems[i] = e.String()
		}
		return "(" + strings.Join(elems, ",") + ")"
	}
	dims := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		dims[i] = strconv.Itoa(d)
	}
	return s.Dtype.String() + "[" + strings.Join(dims, ",") + "]"
}

// A ProgramShape describes the parameter and result shapes of a
// compiled program.
type ProgramShape struct {
	Params []Shape
	Result Shape
}
