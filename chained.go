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
)

// A ChainedInput names an operand of a chained op: the output of a
// prior op in the list. OutputIndex selects a tuple element of the
// producing computation's result, or is -1 to consume the op's whole
// (single) result. Data ops are always consumed whole.
type ChainedInput struct {
	OpIndex     int
	OutputIndex int
}

// A ChainedOutput routes an op's result into the chained call's
// result list. OutputIndex selects a tuple element of a computation's
// result or is -1 for the whole result; ResultIndex is the slot in the
// returned Data list. Data ops route whole.
type ChainedOutput struct {
	OutputIndex int
	ResultIndex int
}

// An ExecuteChainedOp is one step of a chained execution: either an
// existing device allocation fed into the chain (Data non-nil), or a
// compiled program applied to prior steps' outputs.
type ExecuteChainedOp struct {
	Data        *Data
	Computation *Computation
	Inputs      []ChainedInput
	Outputs     []ChainedOutput
}

// ExecuteChained executes the provided op list on one device,
// threading intermediate results between steps without materializing
// them on the client. Ops must be listed in dependency order: inputs
// may only reference earlier ops.
//
// Two strategies implement the same observable behavior: a native
// chained-execution primitive issuing a single RPC, and a split
// lowering into multiple ordinary executions. Which one is used is a
// capability decision fixed at client construction
// (Options.ChainedNative).
func (c *Client) ExecuteChained(ctx context.Context, ops []ExecuteChainedOp, device string) ([]*Data, error) {
	defer c.stats.Timer("ExecuteChainedTime").Time()()
	device, err := c.GetEffectiveDevice(device)
	if err != nil {
		return nil, err
	}
	numResults, err := validateChain(ops)
	if err != nil {
		return nil, err
	}
	if c.opts.ChainedNative {
		return c.executeChainedNative(ctx, ops, device, numResults)
	}
	return c.executeChainedSplit(ctx, ops, device, numResults)
}

func validateChain(ops []ExecuteChainedOp) (numResults int, err error) {
	for i, op := range ops {
		if (op.Data == nil) == (op.Computation == nil) {
			return 0, errors.E(errors.Invalid,
				fmt.Sprintf("chained op %d must carry exactly one of data and computation", i))
		}
		for _, input := range op.Inputs {
			if input.OpIndex < 0 || input.OpIndex >= i {
				return 0, errors.E(errors.Invalid,
					fmt.Sprintf("chained op %d references op %d out of dependency order", i, input.OpIndex))
			}
			if input.OutputIndex >= 0 && ops[input.OpIndex].Data != nil {
				return 0, errors.E(errors.Invalid,
					fmt.Sprintf("chained op %d selects tuple element %d of data op %d", i, input.OutputIndex, input.OpIndex))
			}
		}
		for _, output := range op.Outputs {
			if output.ResultIndex < 0 {
				return 0, errors.E(errors.Invalid,
					fmt.Sprintf("chained op %d has negative result index", i))
			}
			if output.OutputIndex >= 0 && op.Data != nil {
				return 0, errors.E(errors.Invalid,
					fmt.Sprintf("chained op %d routes tuple element %d of a data op", i, output.OutputIndex))
			}
			if output.ResultIndex+1 > numResults {
				numResults = output.ResultIndex + 1
			}
		}
	}
	return numResults, nil
}

// opOutputShape returns the shape of one output slot of a chained op.
func opOutputShape(op ExecuteChainedOp, outputIndex int) (literal.Shape, error) {
	var shape literal.Shape
	if op.Data != nil {
		shape = op.Data.Shape()
	} else {
		shape = op.Computation.ProgramShape().Result
	}
	if outputIndex < 0 {
		return shape, nil
	}
	if !shape.IsTuple() || outputIndex >= len(shape.Elems) {
		return literal.Shape{}, errors.E(errors.Invalid,
			fmt.Sprintf("chained output %d of non-tuple or undersized shape %s", outputIndex, shape))
	}
	return shape.Elems[outputIndex], nil
}

// executeChainedNative issues the whole chain as one plan in a single
// RPC round trip.
func (c *Client) executeChainedNative(ctx context.Context, ops []ExecuteChainedOp, device string, numResults int) ([]*Data, error) {
	plan := xrtrpc.ChainedPlan{
		Ops:        make([]xrtrpc.ChainedPlanOp, len(ops)),
		NumResults: numResults,
	}
	shapes := make([]literal.Shape, numResults)
	for i, op := range ops {
		planOp := &plan.Ops[i]
		if op.Data != nil {
			planOp.DataHandle = op.Data.Handle()
		} else {
			planOp.ComputationHandle = op.Computation.Handle()
		}
		for _, input := range op.Inputs {
			planOp.Inputs = append(planOp.Inputs, xrtrpc.ChainedInput{
				OpIndex:     input.OpIndex,
				OutputIndex: input.OutputIndex,
			})
		}
		for _, output := range op.Outputs {
			shape, err := opOutputShape(op, output.OutputIndex)
			if err != nil {
				return nil, err
			}
			shapes[output.ResultIndex] = shape
			planOp.Outputs = append(planOp.Outputs, xrtrpc.ChainedOutput{
				OutputIndex: output.OutputIndex,
				ResultIndex: output.ResultIndex,
			})
		}
	}
	planBytes, err := encodeGob(plan)
	if err != nil {
		return nil, err
	}
	configBytes, err := encodeGob(xrtrpc.ChainedConfig{RngSeed: c.getRngSeed()})
	if err != nil {
		return nil, err
	}
	sessions := make(sessionMap)
	sess, xrtDevice, err := c.sessionForDevice(ctx, c.sessions, device, sessions)
	if err != nil {
		return nil, err
	}
	work := newWorkSet()
	work.add(sess, xrtrpc.Run{
		Node: sess.node(xrtrpc.ExecuteChained, xrtDevice, ""),
		Feeds: []xrtrpc.Value{
			{Bytes: planBytes},
			{Bytes: configBytes},
		},
	}, 0)
	if err := work.run(ctx); err != nil {
		return nil, errors.E(fmt.Sprintf("execute chained on %s", device), err)
	}
	var handles []int64
	work.results(func(_ int, result xrtrpc.Result) {
		handles = result.Handles
	})
	if len(handles) != numResults {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"chained execution returned %d results, want %d", len(handles), numResults))
	}
	results := make([]*Data, numResults)
	for i, handle := range handles {
		handle := handle
		results[i] = newData(device, shapes[i],
			newHandle(handle, func() {
				c.releaseData(device, handle)
			}))
	}
	return results, nil
}

// executeChainedSplit lowers the chain into ordinary executions
// issued in dependency order, threading intermediate results as
// arguments to later steps. Intermediates that do not flow into the
// final results are queued for release before returning.
func (c *Client) executeChainedSplit(ctx context.Context, ops []ExecuteChainedOp, device string, numResults int) ([]*Data, error) {
	var (
		results  = make([]*Data, numResults)
		outputs  = make([][]*Data, len(ops))
		owned    []*Data
		returned = make(map[*Data]bool)
		done     bool
	)
	defer func() {
		for _, d := range owned {
			if !done || !returned[d] {
				d.Release()
			}
		}
	}()
	pick := func(i, outputIndex int) (*Data, error) {
		datas := outputs[i]
		if outputIndex < 0 {
			if len(datas) != 1 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf(
					"chained op %d consumed whole but has %d outputs", i, len(datas)))
			}
			return datas[0], nil
		}
		if outputIndex >= len(datas) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"chained op %d has no output %d", i, outputIndex))
		}
		return datas[outputIndex], nil
	}
	for i, op := range ops {
		if op.Data != nil {
			outputs[i] = []*Data{op.Data}
		} else {
			args := make([]*Data, len(op.Inputs))
			for j, input := range op.Inputs {
				arg, err := pick(input.OpIndex, input.OutputIndex)
				if err != nil {
					return nil, err
				}
				args[j] = arg
			}
			datas, err := c.ExecuteComputation(ctx, op.Computation, args, device, ExecuteOptions{ExplodeTuple: true})
			if err != nil {
				return nil, err
			}
			outputs[i] = datas
			owned = append(owned, datas...)
		}
		for _, output := range op.Outputs {
			data, err := pick(i, output.OutputIndex)
			if err != nil {
				return nil, err
			}
			if op.Data != nil {
				// Caller-provided inputs surfacing as results get an
				// independent reference.
				data = data.clone()
				owned = append(owned, data)
			}
			results[output.ResultIndex] = data
			returned[data] = true
		}
	}
	done = true
	return results, nil
}
