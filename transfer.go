// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/xrt/literal"
	"github.com/grailbio/xrt/xrtrpc"
	"golang.org/x/sync/errgroup"
)

// A TensorSource is one tensor to be materialized on a device.
type TensorSource struct {
	Device  string
	Literal *literal.Literal
}

// transferConcurrency bounds concurrently dispatched transfer
// partitions across all callers.
const transferConcurrency = 8

// TransferToServer materializes the provided tensors on their target
// devices and returns one Data per tensor, in input order. Tensors
// are grouped into per-session batches; batches whose payload would
// exceed the configured partition size are split into multiple RPC
// round trips, dispatched concurrently under the client's transfer
// limiter.
func (c *Client) TransferToServer(ctx context.Context, tensors []TensorSource) ([]*Data, error) {
	defer c.stats.Timer("TransferToServerTime").Time()()
	sessions := make(sessionMap)
	var (
		works    []*workSet
		outbound int64
	)
	for _, part := range partitionTransfers(tensors, c.opts.MaxTransferBytes) {
		work := newWorkSet()
		for _, i := range part {
			tensor := tensors[i]
			device, err := c.GetEffectiveDevice(tensor.Device)
			if err != nil {
				return nil, err
			}
			sess, xrtDevice, err := c.sessionForDevice(ctx, c.allocSessions, device, sessions)
			if err != nil {
				return nil, err
			}
			encoded := literal.Marshal(tensor.Literal)
			outbound += int64(len(encoded))
			work.add(sess, xrtrpc.Run{
				Node:  sess.node(xrtrpc.Allocate, xrtDevice, tensor.Literal.Shape().String()),
				Feeds: []xrtrpc.Value{{Bytes: encoded}},
			}, i)
		}
		works = append(works, work)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, work := range works {
		work := work
		g.Go(func() error {
			if err := c.transferLimiter.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.transferLimiter.Release(1)
			return work.run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		// Allocations made by partitions that did complete are queued
		// for release.
		for _, work := range works {
			work.results(func(i int, result xrtrpc.Result) {
				device, _ := c.GetEffectiveDevice(tensors[i].Device)
				c.releaseData(device, result.Handle)
			})
		}
		return nil, errors.E("transfer to server", err)
	}
	results := make([]*Data, len(tensors))
	for _, work := range works {
		work.results(func(i int, result xrtrpc.Result) {
			device, _ := c.GetEffectiveDevice(tensors[i].Device)
			handle := result.Handle
			results[i] = newData(device, tensors[i].Literal.Shape(),
				newHandle(handle, func() {
					c.releaseData(device, handle)
				}))
		})
	}
	c.stats.Int("OutboundData").Add(outbound)
	return results, nil
}

// TransferFromServer reads the provided allocations back into
// literals, in input order, batched per session. Results whose shape
// does not match the handle's recorded shape fail the call.
func (c *Client) TransferFromServer(ctx context.Context, handles []*Data) ([]*literal.Literal, error) {
	defer c.stats.Timer("TransferFromServerTime").Time()()
	results := make([]*literal.Literal, len(handles))
	sessions := make(sessionMap)
	work := newWorkSet()
	for i, data := range handles {
		device, err := c.GetEffectiveDevice(data.Device())
		if err != nil {
			return nil, err
		}
		sess, xrtDevice, err := c.sessionForDevice(ctx, c.sessions, device, sessions)
		if err != nil {
			return nil, err
		}
		work.add(sess, xrtrpc.Run{
			Node:  sess.node(xrtrpc.Read, xrtDevice, ""),
			Feeds: []xrtrpc.Value{{Handle: data.Handle()}},
		}, i)
	}
	if err := work.run(ctx); err != nil {
		return nil, errors.E("transfer from server", err)
	}
	var (
		decodeErr error
		inbound   int64
	)
	work.results(func(i int, result xrtrpc.Result) {
		inbound += int64(len(result.Bytes))
		l, err := literal.Unmarshal(result.Bytes)
		if err == nil && !l.Shape().Equal(handles[i].Shape()) {
			err = errors.E(errors.Invalid, fmt.Sprintf(
				"read of %s returned shape %s, want %s",
				handles[i].Device(), l.Shape(), handles[i].Shape()))
		}
		if err != nil {
			if decodeErr == nil {
				decodeErr = err
			}
			return
		}
		results[i] = l
	})
	c.stats.Int("InboundData").Add(inbound)
	if decodeErr != nil {
		return nil, decodeErr
	}
	return results, nil
}

// DeconstructTuple splits each provided tuple allocation into
// separate per-element Data handles, preserving element order.
// Tuple members live remotely, so each element extraction is a
// sub-tuple op, batched per session.
func (c *Client) DeconstructTuple(ctx context.Context, tuples []*Data) ([][]*Data, error) {
	defer c.stats.Timer("DeconstructTupleTime").Time()()
	results := make([][]*Data, len(tuples))
	sessions := make(sessionMap)
	work := newWorkSet()
	type slot struct {
		tuple int
		elem  int
	}
	var slots []slot
	for i, tuple := range tuples {
		shape := tuple.Shape()
		if !shape.IsTuple() {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("deconstruct of non-tuple shape %s", shape))
		}
		device, err := c.GetEffectiveDevice(tuple.Device())
		if err != nil {
			return nil, err
		}
		sess, xrtDevice, err := c.sessionForDevice(ctx, c.sessions, device, sessions)
		if err != nil {
			return nil, err
		}
		results[i] = make([]*Data, len(shape.Elems))
		for j := range shape.Elems {
			work.add(sess, xrtrpc.Run{
				Node: sess.node(xrtrpc.SubTuple, xrtDevice, ""),
				Feeds: []xrtrpc.Value{
					{Handle: tuple.Handle()},
					{Index: int32(j)},
				},
			}, len(slots))
			slots = append(slots, slot{tuple: i, elem: j})
		}
	}
	if err := work.run(ctx); err != nil {
		return nil, errors.E("deconstruct tuple", err)
	}
	work.results(func(k int, result xrtrpc.Result) {
		s := slots[k]
		tuple := tuples[s.tuple]
		device, _ := c.GetEffectiveDevice(tuple.Device())
		handle := result.Handle
		results[s.tuple][s.elem] = newData(device, tuple.Shape().Elems[s.elem],
			newHandle(handle, func() {
				c.releaseData(device, handle)
			}))
	})
	return results, nil
}

// partitionTransfers splits the tensor list into runs of indices
// whose accumulated payload stays within maxBytes. A single oversized
// tensor still gets its own partition.
func partitionTransfers(tensors []TensorSource, maxBytes int) [][]int {
	var (
		parts [][]int
		part  []int
		size  int
	)
	for i, tensor := range tensors {
		n := tensor.Literal.Shape().DataSize()
		if len(part) > 0 && size+n > maxBytes {
			parts = append(parts, part)
			part, size = nil, 0
		}
		part = append(part, i)
		size += n
	}
	if len(part) > 0 {
		parts = append(parts, part)
	}
	return parts
}
