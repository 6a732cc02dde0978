// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"sync/atomic"
)

// A handlePtr is a shared, reference-counted remote resource handle.
// The handle id is immutable; the releaser closure runs exactly once,
// when the last reference is released. Releasers must not block or
// perform I/O: they enqueue the handle on the client's pending release
// lists, which the background releaser drains.
type handlePtr struct {
	handle   int64
	refs     int32
	releaser func()
}

func newHandle(handle int64, releaser func()) *handlePtr {
	return &handlePtr{handle: handle, refs: 1, releaser: releaser}
}

// retain acquires an additional reference and returns p for
// convenience.
func (p *handlePtr) retain() *handlePtr {
	if atomic.AddInt32(&p.refs, 1) <= 1 {
		panic("xrt: retain of released handle")
	}
	return p
}

// release drops one reference, firing the releaser when the last
// reference is dropped.
func (p *handlePtr) release() {
	refs := atomic.AddInt32(&p.refs, -1)
	switch {
	case refs < 0:
		panic("xrt: handle over-released")
	case refs == 0:
		p.releaser()
	}
}
