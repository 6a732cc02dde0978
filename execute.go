// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/xrt/literal"
	"github.com/grailbio/xrt/xrtrpc"
)

// ExecuteOptions configures program executions.
type ExecuteOptions struct {
	// ExplodeTuple requests that a tuple result be deconstructed
	// remotely into one handle per element, avoiding a separate
	// deconstruction round trip.
	ExplodeTuple bool
}

// ExecuteComputation runs a compiled program on a single device with
// the provided arguments. It returns the result as a single Data, or,
// when ExplodeTuple is set and the result is a tuple, one Data per
// tuple element.
func (c *Client) ExecuteComputation(ctx context.Context, comp *Computation, args []*Data, device string, opts ExecuteOptions) ([]*Data, error) {
	defer c.stats.Timer("ExecuteTime").Time()()
	results, err := c.executeBatch(ctx, []*Computation{comp}, [][]*Data{args}, []string{device}, opts)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ExecuteReplicated runs one compiled program across the provided
// devices, one execution per device, with per-replica arguments.
// Replicas served by the same worker share a single RPC round trip.
// The result preserves replica order: results[i] corresponds to
// devices[i] regardless of per-session completion order.
func (c *Client) ExecuteReplicated(ctx context.Context, comp *Computation, args [][]*Data, devices []string, opts ExecuteOptions) ([][]*Data, error) {
	defer c.stats.Timer("ExecuteReplicatedTime").Time()()
	if len(args) != len(devices) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"replicated execution with %d argument sets across %d devices", len(args), len(devices)))
	}
	comps := make([]*Computation, len(devices))
	for i := range comps {
		comps[i] = comp
	}
	return c.executeBatch(ctx, comps, args, devices, opts)
}

// ExecuteParallel is like ExecuteReplicated except that each device
// runs its own compiled program: computations[i] runs on devices[i]
// with arguments[i].
func (c *Client) ExecuteParallel(ctx context.Context, comps []*Computation, args [][]*Data, devices []string, opts ExecuteOptions) ([][]*Data, error) {
	defer c.stats.Timer("ExecuteParallelTime").Time()()
	if len(comps) != len(devices) || len(args) != len(devices) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"parallel execution with %d computations, %d argument sets, %d devices",
			len(comps), len(args), len(devices)))
	}
	return c.executeBatch(ctx, comps, args, devices, opts)
}

// BuildParallelArguments turns a single replica argument vector into
// a replicated argument matrix: a [N] becomes a [1][N].
func BuildParallelArguments(args []*Data) [][]*Data {
	return [][]*Data{args}
}

// executeBatch dispatches one execution per device, bucketing
// executions by physical session so co-located replicas share one RPC
// round trip, and reassembles per-device results in input order.
func (c *Client) executeBatch(ctx context.Context, comps []*Computation, args [][]*Data, devices []string, opts ExecuteOptions) ([][]*Data, error) {
	config, err := encodeGob(xrtrpc.ExecutionConfig{
		RngSeed:      c.getRngSeed(),
		ExplodeTuple: opts.ExplodeTuple,
	})
	if err != nil {
		return nil, err
	}
	effective := make([]string, len(devices))
	sessions := make(sessionMap)
	work := newWorkSet()
	for i, device := range devices {
		device, err := c.GetEffectiveDevice(device)
		if err != nil {
			return nil, err
		}
		effective[i] = device
		sess, xrtDevice, err := c.sessionForDevice(ctx, c.sessions, device, sessions)
		if err != nil {
			return nil, err
		}
		argHandles := make([]int64, len(args[i]))
		for j, arg := range args[i] {
			argHandles[j] = arg.Handle()
		}
		work.add(sess, xrtrpc.Run{
			Node: sess.node(xrtrpc.Execute, xrtDevice, ""),
			Feeds: []xrtrpc.Value{
				{Handle: comps[i].Handle()},
				{Bytes: config},
				{Handles: argHandles},
			},
		}, i)
	}
	if err := work.run(ctx); err != nil {
		return nil, errors.E(fmt.Sprintf(
			"execute on %s (domain %s)", devices, comps[0].Domain()), err)
	}
	results := make([][]*Data, len(devices))
	work.results(func(i int, result xrtrpc.Result) {
		results[i] = c.executeResults(effective[i], comps[i].ProgramShape().Result, result, opts.ExplodeTuple)
	})
	return results, nil
}

// executeResults wraps an execution result's handles into Data
// values. An exploded tuple result yields one Data per element; any
// other result yields a single Data of the program's result shape.
func (c *Client) executeResults(device string, resultShape literal.Shape, result xrtrpc.Result, explode bool) []*Data {
	wrap := func(shape literal.Shape, handle int64) *Data {
		return newData(device, shape,
			newHandle(handle, func() {
				c.releaseData(device, handle)
			}))
	}
	if explode && resultShape.IsTuple() {
		datas := make([]*Data, len(result.Handles))
		for i, handle := range result.Handles {
			datas[i] = wrap(resultShape.Elems[i], handle)
		}
		return datas
	}
	return []*Data{wrap(resultShape, result.Handle)}
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
