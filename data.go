// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"sync"

	"github.com/grailbio/xrt/literal"
)

// A Data is a reference to a tensor allocation living on a remote
// device. A Data may be value-less when it stands for a result that
// has not yet been materialized. Data values share the underlying
// handle: the remote allocation is queued for release when the last
// holder releases it.
type Data struct {
	device string
	shape  literal.Shape

	mu  sync.Mutex
	ptr *handlePtr
}

func newData(device string, shape literal.Shape, ptr *handlePtr) *Data {
	return &Data{device: device, shape: shape, ptr: ptr}
}

// Placeholder returns a value-less Data standing for a result on the
// provided device.
func Placeholder(device string, shape literal.Shape) *Data {
	return &Data{device: device, shape: shape}
}

// Device returns the logical device on which the data lives.
func (d *Data) Device() string { return d.device }

// Shape returns the on-device shape of the data.
func (d *Data) Shape() literal.Shape { return d.shape }

// HasValue tells whether the data references a live allocation.
func (d *Data) HasValue() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ptr != nil
}

// Handle returns the remote allocation handle. Handle panics if the
// data has no value.
func (d *Data) Handle() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ptr == nil {
		panic("xrt: handle of value-less data for device " + d.device)
	}
	return d.ptr.handle
}

// Assign replaces d's handle with data's, preserving d's identity for
// existing holders. The previous handle, if any, is released.
func (d *Data) Assign(data *Data) {
	data.mu.Lock()
	ptr := data.ptr
	if ptr != nil && ptr != d.ptr {
		ptr.retain()
	}
	data.mu.Unlock()
	d.mu.Lock()
	old := d.ptr
	if ptr == old {
		d.mu.Unlock()
		return
	}
	d.ptr = ptr
	d.mu.Unlock()
	if old != nil {
		old.release()
	}
}

// Release drops this holder's reference to the remote allocation and
// leaves d value-less. Release is idempotent.
func (d *Data) Release() {
	d.mu.Lock()
	ptr := d.ptr
	d.ptr = nil
	d.mu.Unlock()
	if ptr != nil {
		ptr.release()
	}
}

// clone returns a new Data holding an independent reference to the
// same remote allocation. Clone panics if the data is value-less.
func (d *Data) clone() *Data {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ptr == nil {
		panic("xrt: clone of value-less data for device " + d.device)
	}
	return &Data{device: d.device, shape: d.shape, ptr: d.ptr.retain()}
}

// A Computation is a compiled program reference. Compiled-program
// handles are valid only within the compilation domain (the worker
// endpoint group) for which they were compiled; Computations record
// that domain.
//
// Computation objects are shared: the compilation cache and every
// caller of Compile hold references to the same Computation, each
// owning one reference to the underlying handle. Each holder must
// call Release exactly once; the remote program is queued for release
// when the last reference is dropped.
type Computation struct {
	program      []byte
	programShape literal.ProgramShape
	devices      []string
	domain       string

	ptr *handlePtr
}

func newComputation(program []byte, shape literal.ProgramShape, devices []string, domain string, ptr *handlePtr) *Computation {
	return &Computation{
		program:      program,
		programShape: shape,
		devices:      devices,
		domain:       domain,
		ptr:          ptr,
	}
}

// Program returns the serialized program from which the computation
// was compiled. The program representation is opaque to the client.
func (c *Computation) Program() []byte { return c.program }

// ProgramShape returns the parameter and result shapes of the
// program.
func (c *Computation) ProgramShape() literal.ProgramShape { return c.programShape }

// Devices returns the devices the computation was compiled for.
func (c *Computation) Devices() []string { return c.devices }

// Domain returns the compilation domain within which the program
// handle is valid.
func (c *Computation) Domain() string { return c.domain }

// Handle returns the remote compiled-program handle.
func (c *Computation) Handle() int64 { return c.ptr.handle }

// Release drops this holder's reference to the compiled program.
func (c *Computation) Release() { c.ptr.release() }
