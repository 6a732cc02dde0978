// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grailbio/xrt/literal"
)

func f32Shape(dims ...int) literal.Shape {
	return literal.Of(literal.F32, dims...)
}

func TestHandleReleaseOnce(t *testing.T) {
	const N = 100
	var released int32
	ptr := newHandle(42, func() { atomic.AddInt32(&released, 1) })
	for i := 0; i < N-1; i++ {
		ptr.retain()
	}
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ptr.release()
		}()
	}
	wg.Wait()
	if got, want := atomic.LoadInt32(&released), int32(1); got != want {
		t.Errorf("got %v releases, want %v", got, want)
	}
}

func TestHandleOverRelease(t *testing.T) {
	ptr := newHandle(1, func() {})
	ptr.release()
	defer func() {
		if recover() == nil {
			t.Error("expected panic on over-release")
		}
	}()
	ptr.release()
}

func TestHandleResurrect(t *testing.T) {
	ptr := newHandle(1, func() {})
	ptr.release()
	defer func() {
		if recover() == nil {
			t.Error("expected panic on retain of released handle")
		}
	}()
	ptr.retain()
}

func TestDataAssign(t *testing.T) {
	var releasedA, releasedB int32
	a := newData("TPU:0", f32Shape(2), newHandle(1, func() { atomic.AddInt32(&releasedA, 1) }))
	b := newData("TPU:0", f32Shape(2), newHandle(2, func() { atomic.AddInt32(&releasedB, 1) }))
	a.Assign(b)
	if got, want := a.Handle(), int64(2); got != want {
		t.Errorf("got handle %v, want %v", got, want)
	}
	if got, want := atomic.LoadInt32(&releasedA), int32(1); got != want {
		t.Errorf("got %v releases of a, want %v", got, want)
	}
	b.Release()
	if got, want := atomic.LoadInt32(&releasedB), int32(0); got != want {
		t.Errorf("premature release of shared handle")
	}
	a.Release()
	if got, want := atomic.LoadInt32(&releasedB), int32(1); got != want {
		t.Errorf("got %v releases of b, want %v", got, want)
	}
	if a.HasValue() {
		t.Error("released data still has value")
	}
	a.Release() // idempotent
}

func TestDataClone(t *testing.T) {
	var released int32
	d := newData("TPU:0", f32Shape(2), newHandle(7, func() { atomic.AddInt32(&released, 1) }))
	e := d.clone()
	d.Release()
	if got, want := atomic.LoadInt32(&released), int32(0); got != want {
		t.Error("premature release of cloned handle")
	}
	if got, want := e.Handle(), int64(7); got != want {
		t.Errorf("got handle %v, want %v", got, want)
	}
	e.Release()
	if got, want := atomic.LoadInt32(&released), int32(1); got != want {
		t.Errorf("got %v releases, want %v", got, want)
	}
}
