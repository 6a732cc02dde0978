// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package testruntime implements an in-process accelerator runtime
// serving the xrtrpc surface over bigmachine. It interprets a tiny
// gob-encoded program format and is used to test the XRT client
// end to end without accelerator hardware.
package testruntime

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/xrt/literal"
	"github.com/grailbio/xrt/xrtrpc"
)

func init() {
	gob.Register(&Runtime{})
}

// A Program is the test program representation. The XRT client treats
// programs as opaque bytes; this runtime gob-decodes them at compile
// time.
type Program struct {
	// Op selects the program semantics:
	//	"identity": returns its single argument, or the tuple of its
	//	arguments when there is more than one;
	//	"addf32": returns the elementwise sum of its f32 arguments;
	//	"constant": returns the literal encoded in Const.
	Op    string
	Const []byte
}

// Encode returns the serialized form of the program, as fed to
// Compile.
func (p Program) Encode() []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Counts is a snapshot of the runtime's call accounting, fetched by
// tests via the Counts call.
type Counts struct {
	RunCalls         int64
	Ops              map[string]int64
	LiveAllocations  int64
	LiveCompilations int64
}

// DelayRequest configures a dispatch delay for the runtime, letting
// tests reorder per-session completion adversarially.
type DelayRequest struct {
	Delay time.Duration
}

// Runtime is the bigmachine service implementing the xrtrpc surface.
// Register it on worker machines under the name "XRT".
type Runtime struct {
	// Exported satisfies gob's need for at least one exported field.
	Exported struct{}

	mu          sync.Mutex
	nextHandle  int64
	programs    map[int64]Program
	allocations map[int64]*literal.Literal
	runCalls    int64
	ops         map[string]int64
	delay       time.Duration
}

// Init initializes the runtime's tables. It is called by bigmachine
// when the service is bound on a machine.
func (r *Runtime) Init(_ *bigmachine.B) error {
	r.programs = make(map[int64]Program)
	r.allocations = make(map[int64]*literal.Literal)
	r.ops = make(map[string]int64)
	return nil
}

// SetDelay installs a delay applied at the start of every subsequent
// Run call.
func (r *Runtime) SetDelay(_ context.Context, req DelayRequest, _ *struct{}) error {
	r.mu.Lock()
	r.delay = req.Delay
	r.mu.Unlock()
	return nil
}

// Counts returns a snapshot of the runtime's call accounting.
func (r *Runtime) Counts(_ context.Context, _ struct{}, counts *Counts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make(map[string]int64, len(r.ops))
	for k, v := range r.ops {
		ops[k] = v
	}
	*counts = Counts{
		RunCalls:         r.runCalls,
		Ops:              ops,
		LiveAllocations:  int64(len(r.allocations)),
		LiveCompilations: int64(len(r.programs)),
	}
	return nil
}

// Run executes one batched request. The batch fails as a whole on the
// first failing node; no partial application is visible to the
// client.
func (r *Runtime) Run(_ context.Context, req xrtrpc.RunRequest, reply *xrtrpc.RunReply) error {
	r.mu.Lock()
	delay := r.delay
	r.runCalls++
	seen := make(map[string]bool)
	for _, run := range req.Runs {
		if !seen[run.Node.Kind.String()] {
			seen[run.Node.Kind.String()] = true
			r.ops[run.Node.Kind.String()]++
		}
	}
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	results := make([]xrtrpc.Result, len(req.Runs))
	for i, run := range req.Runs {
		result, err := r.runOne(run)
		if err != nil {
			return err
		}
		results[i] = result
	}
	reply.Results = results
	return nil
}

func (r *Runtime) runOne(run xrtrpc.Run) (xrtrpc.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch run.Node.Kind {
	case xrtrpc.Compile:
		var program Program
		if err := gob.NewDecoder(bytes.NewReader(run.Feeds[0].Bytes)).Decode(&program); err != nil {
			return xrtrpc.Result{}, errors.E(errors.Invalid, "undecodable program", err)
		}
		handle := r.newHandle()
		r.programs[handle] = program
		return xrtrpc.Result{Handle: handle}, nil

	case xrtrpc.Allocate:
		l, err := literal.Unmarshal(run.Feeds[0].Bytes)
		if err != nil {
			return xrtrpc.Result{}, err
		}
		handle := r.newHandle()
		r.allocations[handle] = l
		return xrtrpc.Result{Handle: handle}, nil

	case xrtrpc.Read:
		l, ok := r.allocations[run.Feeds[0].Handle]
		if !ok {
			return xrtrpc.Result{}, errors.E(errors.NotExist,
				fmt.Sprintf("read of unknown handle %d", run.Feeds[0].Handle))
		}
		return xrtrpc.Result{Bytes: literal.Marshal(l)}, nil

	case xrtrpc.Execute:
		var config xrtrpc.ExecutionConfig
		if err := gob.NewDecoder(bytes.NewReader(run.Feeds[1].Bytes)).Decode(&config); err != nil {
			return xrtrpc.Result{}, errors.E(errors.Invalid, "undecodable execution config", err)
		}
		args := make([]*literal.Literal, len(run.Feeds[2].Handles))
		for j, handle := range run.Feeds[2].Handles {
			l, ok := r.allocations[handle]
			if !ok {
				return xrtrpc.Result{}, errors.E(errors.NotExist,
					fmt.Sprintf("execute with unknown argument handle %d", handle))
			}
			args[j] = l
		}
		result, err := r.execute(run.Feeds[0].Handle, args)
		if err != nil {
			return xrtrpc.Result{}, err
		}
		if config.ExplodeTuple && result.Shape().IsTuple() {
			handles := make([]int64, len(result.Elements()))
			for j, elem := range result.Elements() {
				handles[j] = r.newHandle()
				r.allocations[handles[j]] = elem
			}
			return xrtrpc.Result{Handles: handles}, nil
		}
		handle := r.newHandle()
		r.allocations[handle] = result
		return xrtrpc.Result{Handle: handle}, nil

	case xrtrpc.ExecuteChained:
		return r.executeChained(run)

	case xrtrpc.SubTuple:
		l, ok := r.allocations[run.Feeds[0].Handle]
		if !ok {
			return xrtrpc.Result{}, errors.E(errors.NotExist,
				fmt.Sprintf("sub-tuple of unknown handle %d", run.Feeds[0].Handle))
		}
		index := int(run.Feeds[1].Index)
		if !l.Shape().IsTuple() || index >= len(l.Elements()) {
			return xrtrpc.Result{}, errors.E(errors.Invalid,
				fmt.Sprintf("sub-tuple %d of shape %s", index, l.Shape()))
		}
		handle := r.newHandle()
		r.allocations[handle] = l.Elements()[index]
		return xrtrpc.Result{Handle: handle}, nil

	case xrtrpc.ReleaseAllocation:
		for _, handle := range run.Feeds[0].Handles {
			delete(r.allocations, handle)
		}
		return xrtrpc.Result{}, nil

	case xrtrpc.ReleaseCompilation:
		for _, handle := range run.Feeds[0].Handles {
			delete(r.programs, handle)
		}
		return xrtrpc.Result{}, nil
	}
	return xrtrpc.Result{}, errors.E(errors.NotSupported,
		fmt.Sprintf("op kind %s", run.Node.Kind))
}

func (r *Runtime) newHandle() int64 {
	r.nextHandle++
	return r.nextHandle
}

// execute interprets one program application. The caller holds r.mu.
func (r *Runtime) execute(programHandle int64, args []*literal.Literal) (*literal.Literal, error) {
	program, ok := r.programs[programHandle]
	if !ok {
		return nil, errors.E(errors.NotExist,
			fmt.Sprintf("execute of unknown program handle %d", programHandle))
	}
	switch program.Op {
	case "identity":
		if len(args) == 1 {
			return args[0], nil
		}
		return literal.Tuple(args...), nil
	case "addf32":
		if len(args) == 0 {
			return nil, errors.E(errors.Invalid, "addf32 needs at least one argument")
		}
		sum := args[0].Float32()
		shape := args[0].Shape()
		for _, arg := range args[1:] {
			if !arg.Shape().Equal(shape) {
				return nil, errors.E(errors.Invalid,
					fmt.Sprintf("addf32 argument shape %s, want %s", arg.Shape(), shape))
			}
			for j, v := range arg.Float32() {
				sum[j] += v
			}
		}
		return literal.FromFloat32(sum, shape.Dims...), nil
	case "constant":
		return literal.Unmarshal(program.Const)
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown test program op %q", program.Op))
}

// executeChained interprets a whole chained plan. Its observable
// results are identical to lowering the plan into individual execute
// calls. The caller holds r.mu.
func (r *Runtime) executeChained(run xrtrpc.Run) (xrtrpc.Result, error) {
	var plan xrtrpc.ChainedPlan
	if err := gob.NewDecoder(bytes.NewReader(run.Feeds[0].Bytes)).Decode(&plan); err != nil {
		return xrtrpc.Result{}, errors.E(errors.Invalid, "undecodable chained plan", err)
	}
	outputs := make([][]*literal.Literal, len(plan.Ops))
	pick := func(opIndex, outputIndex int) (*literal.Literal, error) {
		values := outputs[opIndex]
		if outputIndex < 0 {
			if len(values) != 1 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf(
					"chained op %d consumed whole but has %d outputs", opIndex, len(values)))
			}
			return values[0], nil
		}
		if outputIndex >= len(values) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"chained op %d has no output %d", opIndex, outputIndex))
		}
		return values[outputIndex], nil
	}
	handles := make([]int64, plan.NumResults)
	for i, op := range plan.Ops {
		if op.ComputationHandle == 0 {
			l, ok := r.allocations[op.DataHandle]
			if !ok {
				return xrtrpc.Result{}, errors.E(errors.NotExist,
					fmt.Sprintf("chained input handle %d", op.DataHandle))
			}
			outputs[i] = []*literal.Literal{l}
		} else {
			args := make([]*literal.Literal, len(op.Inputs))
			for j, input := range op.Inputs {
				var err error
				if args[j], err = pick(input.OpIndex, input.OutputIndex); err != nil {
					return xrtrpc.Result{}, err
				}
			}
			result, err := r.execute(op.ComputationHandle, args)
			if err != nil {
				return xrtrpc.Result{}, err
			}
			if result.Shape().IsTuple() {
				outputs[i] = result.Elements()
			} else {
				outputs[i] = []*literal.Literal{result}
			}
		}
		for _, output := range op.Outputs {
			l, err := pick(i, output.OutputIndex)
			if err != nil {
				return xrtrpc.Result{}, err
			}
			handle := r.newHandle()
			r.allocations[handle] = l
			handles[output.ResultIndex] = handle
		}
	}
	return xrtrpc.Result{Handles: handles}, nil
}
