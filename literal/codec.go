// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package literal

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Wire format: a shape header followed by flat data. The header is
//
//	dtype   uvarint
//	ndims   uvarint
//	dims    ndims x uvarint
//
// for array shapes, and
//
//	dtype   uvarint (TupleType)
//	nelems  uvarint
//	elems   nelems x encoded literal
//
// for tuples. Array data follows the header verbatim (row-major,
// little-endian), so the encoding of a literal is deterministic: equal
// literals have equal encodings.

// Marshal returns the wire encoding of literal l.
func Marshal(l *Literal) []byte {
	return appendLiteral(nil, l)
}

func appendLiteral(b []byte, l *Literal) []byte {
	b = appendUvarint(b, uint64(l.shape.Dtype))
	if l.shape.IsTuple() {
		b = appendUvarint(b, uint64(len(l.tuple)))
		for _, e := range l.tuple {
			b = appendLiteral(b, e)
		}
		return b
	}
	b = appendUvarint(b, uint64(len(l.shape.Dims)))
	for _, d := range l.shape.Dims {
		b = appendUvarint(b, uint64(d))
	}
	return append(b, l.data...)
}

func appendUvarint(b []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(b, tmp[:n]...)
}

// Unmarshal decodes a literal from its wire encoding. Malformed or
// truncated encodings return errors of kind errors.Invalid.
func Unmarshal(b []byte) (*Literal, error) {
	l, rest, err := decodeLiteral(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("literal: %d trailing bytes", len(rest)))
	}
	return l, nil
}

func decodeLiteral(b []byte) (*Literal, []byte, error) {
	dtype, b, err := decodeUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	d := Dtype(dtype)
	if d <= Invalid || d > TupleType {
		return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("literal: bad dtype %d", dtype))
	}
	if d == TupleType {
		nelems, b, err := decodeUvarint(b)
		if err != nil {
			return nil, nil, err
		}
		// Every element costs at least one header byte.
		if nelems > uint64(len(b)) {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("literal: bad tuple size %d", nelems))
		}
		elems := make([]*Literal, nelems)
		for i := range elems {
			elems[i], b, err = decodeLiteral(b)
			if err != nil {
				return nil, nil, err
			}
		}
		return Tuple(elems...), b, nil
	}
	ndims, b, err := decodeUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	// Every dimension costs at least one header byte.
	if ndims > uint64(len(b)) {
		return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("literal: bad rank %d", ndims))
	}
	dims := make([]int, ndims)
	// Track the data size as dimensions decode, rejecting any shape
	// whose data cannot fit in the remaining input. This bounds the
	// product so it cannot overflow.
	size := uint64(d.Size())
	for i := range dims {
		var dim uint64
		dim, b, err = decodeUvarint(b)
		if err != nil {
			return nil, nil, err
		}
		if int64(dim) < 0 || dim != 0 && size > uint64(len(b))/dim {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("literal: bad dimension %d", dim))
		}
		size *= dim
		dims[i] = int(dim)
	}
	shape := Of(d, dims...)
	if len(b) < shape.DataSize() {
		return nil, nil, errors.E(errors.Invalid,
			fmt.Sprintf("literal: undersized data for shape %s: %d < %d", shape, len(b), shape.DataSize()))
	}
	l := &Literal{shape: shape, data: append([]byte{}, b[:size]...)}
	return l, b[size:], nil
}

func decodeUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, errors.E(errors.Invalid, "literal: truncated header")
	}
	return v, b[n:], nil
}
