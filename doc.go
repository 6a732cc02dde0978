// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package xrt implements a client for distributed accelerator
// runtimes speaking the XRT protocol. The client compiles device
// programs, transfers tensor data to and from remote devices, and
// executes compiled programs, either singly, replicated across
// devices, in parallel, or as chained plans.
//
// Remote resources (compiled programs and device allocations) are
// scarce: they are referenced by integer handles valid only within
// one worker domain and must be explicitly released. The client
// reference-counts handles and batches releases in a background
// releaser, so dropping the last reference to a Data or Computation
// never issues a synchronous RPC.
//
// A Client is constructed from immutable Options describing the
// device set, the worker endpoints, and the mesh topology:
//
//	client, err := xrt.New(xrt.Options{
//		DefaultDevice:   "TPU:0",
//		GlobalDeviceMap: map[string]string{"TPU:0": "/job:tpu_worker/replica:0/task:0/device:TPU:0"},
//		Devices:         map[string]bool{"TPU:0": true},
//		Workers:         map[xrt.Worker]string{{Name: "tpu_worker", TaskNo: 0}: "localhost:51000"},
//	}, topology)
//
// Clients are safe for concurrent use. RPC dispatch fans out one
// goroutine per physical worker session and joins before returning;
// the only caller-decoupled activity is the handle releaser.
package xrt
