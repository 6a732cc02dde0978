// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package xrtrpc defines the wire surface between the XRT computation
// client and accelerator-serving worker processes. A worker exposes a
// single bigmachine service, conventionally named "XRT", with one
// method:
//
//	Run(ctx context.Context, req xrtrpc.RunRequest, reply *xrtrpc.RunReply) error
//
// A RunRequest carries a batch of graph-node instantiations; the
// worker executes them and replies with one result per node, in
// request order. A batch fails or succeeds as a whole: workers must
// not apply partial batches, and any node failure fails the call.
//
// This package is consumed by the client; it is served by remote
// accelerator processes (out of scope here) and by the in-process
// test runtime.
package xrtrpc

import "fmt"

// ServiceName is the bigmachine service name under which workers
// expose the Run method.
const ServiceName = "XRT"

// OpKind enumerates the remote operations a worker supports.
type OpKind int

const (
	// Compile compiles a serialized program.
	// Holders: 0: Bytes (serialized program). Result: Handle.
	Compile OpKind = iota
	// Execute runs a compiled program.
	// Holders: 0: Handle (program), 1: Bytes (ExecutionConfig),
	// 2: Handles (arguments). Result: Handle, or Handles when the
	// config requests an exploded tuple result.
	Execute
	// ExecuteChained runs a chained-execution plan in one call.
	// Holders: 0: Bytes (ChainedPlan), 1: Bytes (ChainedConfig).
	// Result: Handles, indexed by plan result index.
	ExecuteChained
	// Allocate materializes a literal on the device.
	// Holders: 0: Bytes (encoded literal). Result: Handle.
	Allocate
	// Read fetches an allocation back as a literal.
	// Holders: 0: Handle. Result: Bytes (encoded literal).
	Read
	// ReleaseAllocation releases data allocations.
	// Holders: 0: Handles. Result: none.
	ReleaseAllocation
	// ReleaseCompilation releases compiled programs.
	// Holders: 0: Handles. Result: none.
	ReleaseCompilation
	// SubTuple extracts one element of a tuple allocation.
	// Holders: 0: Handle (tuple), 1: Index. Result: Handle.
	SubTuple

	numOpKinds
)

var opKindNames = [...]string{
	Compile:            "compile",
	Execute:            "execute",
	ExecuteChained:     "execute_chained",
	Allocate:           "allocate",
	Read:               "read",
	ReleaseAllocation:  "release_allocation",
	ReleaseCompilation: "release_compilation",
	SubTuple:           "sub_tuple",
}

// String returns the op kind's wire name.
func (k OpKind) String() string {
	if k < 0 || k >= numOpKinds {
		return fmt.Sprintf("opkind(%d)", int(k))
	}
	return opKindNames[k]
}

// NumHolders returns the number of placeholder inputs of nodes of
// kind k.
func (k OpKind) NumHolders() int {
	switch k {
	case Execute:
		return 3
	case ExecuteChained, SubTuple:
		return 2
	default:
		return 1
	}
}

// A NodeDef names a graph node: an operation bound to a device, with
// a fixed set of placeholder inputs that are bound by feeds at run
// time. Allocate nodes additionally carry the shape signature of the
// tensor placeholder, since the signature determines the placeholder
// type.
type NodeDef struct {
	Kind   OpKind
	Device string
	Sig    string
}

// A Value binds one placeholder. Exactly one field is meaningful; the
// node's op kind determines which (see the OpKind documentation).
type Value struct {
	Handle  int64
	Handles []int64
	Index   int32
	Bytes   []byte
}

// A Run is one node instantiation: a node plus its placeholder
// bindings, in holder order.
type Run struct {
	Node  NodeDef
	Feeds []Value
}

// A RunRequest is one batched worker call.
type RunRequest struct {
	Runs []Run
}

// A Result holds the output of one node. The node's op kind
// determines which fields are set.
type Result struct {
	Handle  int64
	Handles []int64
	Bytes   []byte
}

// A RunReply carries one result per requested run, in request order.
type RunReply struct {
	Results []Result
}

// ExecutionConfig is the gob-encoded configuration fed to Execute
// nodes.
type ExecutionConfig struct {
	RngSeed      uint64
	ExplodeTuple bool
}

// A ChainedInput names a dependency of a chained-plan op: the output
// of a prior op in the plan. OutputIndex selects a tuple element of
// the producing op's result; it is -1 to consume the whole result.
type ChainedInput struct {
	OpIndex     int
	OutputIndex int
}

// A ChainedOutput routes (part of) an op's result to a plan result
// slot. OutputIndex selects a tuple element, or -1 for the whole
// result; ResultIndex is the plan result slot.
type ChainedOutput struct {
	OutputIndex int
	ResultIndex int
}

// A ChainedPlanOp is one step of a chained plan: either an input op
// carrying an existing allocation handle, or an execution of a
// compiled program consuming prior steps' outputs.
type ChainedPlanOp struct {
	// DataHandle is the input allocation for input ops; it is zero
	// for execution ops.
	DataHandle int64
	// ComputationHandle names the compiled program for execution ops.
	ComputationHandle int64
	Inputs            []ChainedInput
	Outputs           []ChainedOutput
}

// ChainedPlan is the gob-encoded plan fed to ExecuteChained nodes.
type ChainedPlan struct {
	Ops        []ChainedPlanOp
	NumResults int
}

// ChainedConfig is the gob-encoded configuration fed to
// ExecuteChained nodes.
type ChainedConfig struct {
	RngSeed uint64
}
