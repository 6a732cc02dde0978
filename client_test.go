// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/xrt/internal/testruntime"
	"github.com/grailbio/xrt/literal"
)

// startTestClient starts an in-process test runtime on nworkers
// machines, each serving devicesPerWorker logical devices, and returns
// a client configured for them. Logical device "TPU:d" is served by
// worker d/devicesPerWorker.
func startTestClient(t *testing.T, nworkers, devicesPerWorker int, mangle ...func(*Options)) (*Client, []*bigmachine.Machine, func()) {
	t.Helper()
	system := testsystem.New()
	system.KeepalivePeriod = time.Second
	system.KeepaliveTimeout = 5 * time.Second
	system.KeepaliveRpcTimeout = time.Second
	b := bigmachine.Start(system)
	ctx := context.Background()
	machines, err := b.Start(ctx, nworkers, bigmachine.Services{"XRT": &testruntime.Runtime{}})
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{
		DefaultDevice:   "TPU:0",
		Devices:         make(map[string]bool),
		GlobalDeviceMap: make(map[string]string),
		Workers:         make(map[Worker]string),
	}
	for i, m := range machines {
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			t.Fatal(err)
		}
		worker := Worker{Name: "w", TaskNo: i}
		opts.Workers[worker] = m.Addr
		for j := 0; j < devicesPerWorker; j++ {
			device := fmt.Sprintf("TPU:%d", i*devicesPerWorker+j)
			opts.Devices[device] = true
			opts.GlobalDeviceMap[device] = makeXRTDevice(worker, DeviceID{Kind: "TPU", Ordinal: j})
		}
	}
	for _, m := range mangle {
		m(&opts)
	}
	c, err := New(opts, nil, WithBigmachine(b))
	if err != nil {
		t.Fatal(err)
	}
	return c, machines, func() {
		c.Shutdown()
		b.Shutdown()
	}
}

// runtimeCounts fetches the test runtime's call accounting from the
// provided machine.
func runtimeCounts(t *testing.T, m *bigmachine.Machine) testruntime.Counts {
	t.Helper()
	var counts testruntime.Counts
	if err := m.Call(context.Background(), "XRT.Counts", struct{}{}, &counts); err != nil {
		t.Fatal(err)
	}
	return counts
}

func compileOne(t *testing.T, c *Client, device string, program testruntime.Program, shape literal.ProgramShape) *Computation {
	t.Helper()
	comps, err := c.Compile(context.Background(), device, []string{device}, []CompileInstance{
		{Program: program.Encode(), ProgramShape: shape},
	})
	if err != nil {
		t.Fatal(err)
	}
	return comps[0]
}

func TestTransferRoundTrip(t *testing.T) {
	c, machines, cleanup := startTestClient(t, 1, 1)
	defer cleanup()
	ctx := context.Background()
	literals := []*literal.Literal{
		literal.FromFloat32([]float32{1, 2, 3, 4}, 2, 2),
		literal.FromFloat64(nil, 0),
		literal.FromBool([]bool{true, false}, 2),
		literal.Tuple(
			literal.FromInt32([]int32{7}, 1),
			literal.FromInt64([]int64{-1, 1}, 2),
		),
	}
	tensors := make([]TensorSource, len(literals))
	for i, l := range literals {
		// The empty device resolves to the default device.
		tensors[i] = TensorSource{Device: "", Literal: l}
	}
	datas, err := c.TransferToServer(ctx, tensors)
	if err != nil {
		t.Fatal(err)
	}
	for i, d := range datas {
		if got, want := d.Device(), "TPU:0"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if !d.Shape().Equal(literals[i].Shape()) {
			t.Errorf("got shape %s, want %s", d.Shape(), literals[i].Shape())
		}
	}
	back, err := c.TransferFromServer(ctx, datas)
	if err != nil {
		t.Fatal(err)
	}
	for i, l := range back {
		if !l.Equal(literals[i]) {
			t.Errorf("literal %d changed in round trip", i)
		}
	}
	metrics := c.Metrics()
	if metrics["OutboundData"] == 0 || metrics["InboundData"] == 0 {
		t.Error("transfer byte counters not recorded")
	}
	for _, d := range datas {
		d.Release()
	}
	c.FlushReleasedHandles(ctx)
	if got, want := runtimeCounts(t, machines[0]).LiveAllocations, int64(0); got != want {
		t.Errorf("got %v live allocations, want %v", got, want)
	}
}

func TestTransferUnknownDevice(t *testing.T) {
	c, _, cleanup := startTestClient(t, 1, 1)
	defer cleanup()
	_, err := c.TransferToServer(context.Background(), []TensorSource{
		{Device: "GPU:9", Literal: literal.FromFloat32([]float32{1}, 1)},
	})
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestTransferPartitioned(t *testing.T) {
	// A tiny partition budget forces one RPC round trip per tensor.
	c, machines, cleanup := startTestClient(t, 1, 1, func(o *Options) {
		o.MaxTransferBytes = 1
	})
	defer cleanup()
	ctx := context.Background()
	var tensors []TensorSource
	for i := 0; i < 3; i++ {
		tensors = append(tensors, TensorSource{
			Literal: literal.FromFloat32([]float32{float32(i)}, 1),
		})
	}
	datas, err := c.TransferToServer(ctx, tensors)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := runtimeCounts(t, machines[0]).RunCalls, int64(3); got != want {
		t.Errorf("got %v run calls, want %v", got, want)
	}
	back, err := c.TransferFromServer(ctx, datas)
	if err != nil {
		t.Fatal(err)
	}
	for i, l := range back {
		if got, want := l.Float32()[0], float32(i); got != want {
			t.Errorf("tensor %d: got %v, want %v", i, got, want)
		}
	}
}

func TestCompileAndExecute(t *testing.T) {
	c, _, cleanup := startTestClient(t, 1, 1)
	defer cleanup()
	ctx := context.Background()
	argShape := literal.Of(literal.F32, 3)
	add := testruntime.Program{Op: "addf32"}
	comp := compileOne(t, c, "", add, literal.ProgramShape{
		Params: []literal.Shape{argShape, argShape},
		Result: argShape,
	})
	defer comp.Release()
	if got, want := comp.Domain(), c.opts.Workers[Worker{Name: "w"}]; got != want {
		t.Errorf("got domain %v, want %v", got, want)
	}
	args, err := c.TransferToServer(ctx, []TensorSource{
		{Literal: literal.FromFloat32([]float32{1, 2, 3}, 3)},
		{Literal: literal.FromFloat32([]float32{10, 20, 30}, 3)},
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := c.ExecuteComputation(ctx, comp, args, "", ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(results), 1; got != want {
		t.Fatalf("got %v results, want %v", got, want)
	}
	back, err := c.TransferFromServer(ctx, results)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := back[0].Float32(), []float32{11, 22, 33}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCompilationCaching(t *testing.T) {
	c, machines, cleanup := startTestClient(t, 1, 1)
	defer cleanup()
	program := testruntime.Program{Op: "identity"}
	shape := literal.ProgramShape{
		Params: []literal.Shape{literal.Of(literal.F32, 1)},
		Result: literal.Of(literal.F32, 1),
	}
	comp0 := compileOne(t, c, "", program, shape)
	comp1 := compileOne(t, c, "", program, shape)
	if comp0 != comp1 {
		t.Error("recompilation did not hit the cache")
	}
	if got, want := c.Metrics()["CompileCacheHits"], int64(1); got != want {
		t.Errorf("got %v cache hits, want %v", got, want)
	}
	if got, want := runtimeCounts(t, machines[0]).LiveCompilations, int64(1); got != want {
		t.Errorf("got %v live compilations, want %v", got, want)
	}
	comp0.Release()
	comp1.Release()
	// The cache still holds its reference; the remote handle stays
	// live until eviction.
	c.FlushReleasedHandles(context.Background())
	if got, want := runtimeCounts(t, machines[0]).LiveCompilations, int64(1); got != want {
		t.Errorf("got %v live compilations, want %v", got, want)
	}
	evicted, err := c.EvictCompilation("", program.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !evicted {
		t.Fatal("compiled program not found in cache")
	}
	c.FlushReleasedHandles(context.Background())
	counts := runtimeCounts(t, machines[0])
	if got, want := counts.LiveCompilations, int64(0); got != want {
		t.Errorf("got %v live compilations, want %v", got, want)
	}
	if got, want := counts.Ops["release_compilation"], int64(1); got != want {
		t.Errorf("got %v release calls, want %v", got, want)
	}
}

func TestCompileDuplicateInstances(t *testing.T) {
	c, machines, cleanup := startTestClient(t, 1, 1)
	defer cleanup()
	ctx := context.Background()
	program := testruntime.Program{Op: "identity"}
	shape := literal.ProgramShape{
		Params: []literal.Shape{literal.Of(literal.F32, 1)},
		Result: literal.Of(literal.F32, 1),
	}
	comps, err := c.Compile(ctx, "", []string{"TPU:0"}, []CompileInstance{
		{Program: program.Encode(), ProgramShape: shape},
		{Program: program.Encode(), ProgramShape: shape},
	})
	if err != nil {
		t.Fatal(err)
	}
	if comps[0] != comps[1] {
		t.Error("duplicate instances compiled to distinct computations")
	}
	// The redundant remote program is released.
	c.FlushReleasedHandles(ctx)
	if got, want := runtimeCounts(t, machines[0]).LiveCompilations, int64(1); got != want {
		t.Errorf("got %v live compilations, want %v", got, want)
	}
	for _, comp := range comps {
		comp.Release()
	}
}

func TestExecuteExplodeTuple(t *testing.T) {
	c, _, cleanup := startTestClient(t, 1, 1)
	defer cleanup()
	ctx := context.Background()
	shapes := []literal.Shape{literal.Of(literal.F32, 2), literal.Of(literal.S32, 1)}
	identity := compileOne(t, c, "", testruntime.Program{Op: "identity"}, literal.ProgramShape{
		Params: shapes,
		Result: literal.TupleOf(shapes...),
	})
	defer identity.Release()
	args, err := c.TransferToServer(ctx, []TensorSource{
		{Literal: literal.FromFloat32([]float32{1, 2}, 2)},
		{Literal: literal.FromInt32([]int32{3}, 1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	exploded, err := c.ExecuteComputation(ctx, identity, args, "", ExecuteOptions{ExplodeTuple: true})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(exploded), 2; got != want {
		t.Fatalf("got %v results, want %v", got, want)
	}
	back, err := c.TransferFromServer(ctx, exploded)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := back[0].Float32(), []float32{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := back[1].Int32(), []int32{3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDeconstructTuple(t *testing.T) {
	c, _, cleanup := startTestClient(t, 1, 1)
	defer cleanup()
	ctx := context.Background()
	shapes := []literal.Shape{literal.Of(literal.F32, 2), literal.Of(literal.Pred, 1)}
	identity := compileOne(t, c, "", testruntime.Program{Op: "identity"}, literal.ProgramShape{
		Params: shapes,
		Result: literal.TupleOf(shapes...),
	})
	defer identity.Release()
	args, err := c.TransferToServer(ctx, []TensorSource{
		{Literal: literal.FromFloat32([]float32{4, 5}, 2)},
		{Literal: literal.FromBool([]bool{true}, 1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	tuples, err := c.ExecuteComputation(ctx, identity, args, "", ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	elems, err := c.DeconstructTuple(ctx, tuples)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(elems[0]), 2; got != want {
		t.Fatalf("got %v elements, want %v", got, want)
	}
	back, err := c.TransferFromServer(ctx, elems[0])
	if err != nil {
		t.Fatal(err)
	}
	if got, want := back[0].Float32(), []float32{4, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := back[1].Bool(), []bool{true}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := c.DeconstructTuple(ctx, args[:1]); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestExecuteReplicated(t *testing.T) {
	// One worker serves both replica devices, so the replicated
	// execution shares one session and one RPC round trip.
	c, machines, cleanup := startTestClient(t, 1, 2)
	defer cleanup()
	ctx := context.Background()
	argShape := literal.Of(literal.F32, 1)
	add := compileOne(t, c, "", testruntime.Program{Op: "addf32"}, literal.ProgramShape{
		Params: []literal.Shape{argShape, argShape},
		Result: argShape,
	})
	defer add.Release()
	devices := []string{"TPU:0", "TPU:1"}
	args := make([][]*Data, len(devices))
	for i, device := range devices {
		datas, err := c.TransferToServer(ctx, []TensorSource{
			{Device: device, Literal: literal.FromFloat32([]float32{float32(i)}, 1)},
			{Device: device, Literal: literal.FromFloat32([]float32{100}, 1)},
		})
		if err != nil {
			t.Fatal(err)
		}
		args[i] = datas
	}
	before := runtimeCounts(t, machines[0]).RunCalls
	results, err := c.ExecuteReplicated(ctx, add, args, devices, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := runtimeCounts(t, machines[0]).RunCalls-before, int64(1); got != want {
		t.Errorf("got %v run calls for co-located replicas, want %v", got, want)
	}
	for i := range devices {
		if got, want := results[i][0].Device(), devices[i]; got != want {
			t.Errorf("replica %d: got device %v, want %v", i, got, want)
		}
		back, err := c.TransferFromServer(ctx, results[i])
		if err != nil {
			t.Fatal(err)
		}
		if got, want := back[0].Float32()[0], float32(100+i); got != want {
			t.Errorf("replica %d: got %v, want %v", i, got, want)
		}
	}

	if _, err := c.ExecuteReplicated(ctx, add, args[:1], devices, ExecuteOptions{}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestExecuteParallel(t *testing.T) {
	c, machines, cleanup := startTestClient(t, 2, 1)
	defer cleanup()
	ctx := context.Background()
	// Slow down the first worker so per-session completion order is
	// adversarial to the caller's device order; results must still come
	// back in device order.
	if err := machines[0].Call(ctx, "XRT.SetDelay", testruntime.DelayRequest{Delay: 100 * time.Millisecond}, &struct{}{}); err != nil {
		t.Fatal(err)
	}
	argShape := literal.Of(literal.F32, 1)
	add := compileOne(t, c, "", testruntime.Program{Op: "addf32"}, literal.ProgramShape{
		Params: []literal.Shape{argShape, argShape},
		Result: argShape,
	})
	defer add.Release()
	identity := compileOne(t, c, "TPU:1", testruntime.Program{Op: "identity"}, literal.ProgramShape{
		Params: []literal.Shape{argShape},
		Result: argShape,
	})
	defer identity.Release()
	devices := []string{"TPU:0", "TPU:1"}
	args0, err := c.TransferToServer(ctx, []TensorSource{
		{Device: "TPU:0", Literal: literal.FromFloat32([]float32{1}, 1)},
		{Device: "TPU:0", Literal: literal.FromFloat32([]float32{2}, 1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	args1, err := c.TransferToServer(ctx, []TensorSource{
		{Device: "TPU:1", Literal: literal.FromFloat32([]float32{7}, 1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := c.ExecuteParallel(ctx, []*Computation{add, identity}, [][]*Data{args0, args1}, devices, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	back0, err := c.TransferFromServer(ctx, results[0])
	if err != nil {
		t.Fatal(err)
	}
	if got, want := back0[0].Float32()[0], float32(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	back1, err := c.TransferFromServer(ctx, results[1])
	if err != nil {
		t.Fatal(err)
	}
	if got, want := back1[0].Float32()[0], float32(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBuildParallelArguments(t *testing.T) {
	args := []*Data{Placeholder("TPU:0", literal.Of(literal.F32, 1))}
	built := BuildParallelArguments(args)
	if len(built) != 1 || len(built[0]) != 1 || built[0][0] != args[0] {
		t.Error("parallel arguments not wrapped")
	}
}

func TestClientDevices(t *testing.T) {
	c, _, cleanup := startTestClient(t, 2, 1)
	defer cleanup()
	if got, want := c.GetNumDevices(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.GetLocalDevices(), []string{"TPU:0", "TPU:1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.GetAllDevices(), []string{"TPU:0", "TPU:1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	device, err := c.GetEffectiveDevice("")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := device, c.GetDefaultDevice(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := c.GetEffectiveDevice("TPU:7"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
	domain0, err := c.GetResourceDomain("TPU:0")
	if err != nil {
		t.Fatal(err)
	}
	domain1, err := c.GetResourceDomain("TPU:1")
	if err != nil {
		t.Fatal(err)
	}
	if domain0 == domain1 {
		t.Error("devices on distinct workers share a resource domain")
	}
	if _, err := c.MeshConfig(context.Background()); !errors.Is(errors.NotSupported, err) {
		t.Errorf("got %v, want NotSupported", err)
	}
}

func TestTopology(t *testing.T) {
	system := testsystem.New()
	b := bigmachine.Start(system)
	defer b.Shutdown()
	opts := Options{
		DefaultDevice:   "TPU:0",
		Devices:         map[string]bool{"TPU:0": true},
		GlobalDeviceMap: map[string]string{"TPU:0": "/job:w/replica:0/task:0/device:TPU:0"},
		Workers:         map[Worker]string{{Name: "w", TaskNo: 0}: "unused"},
	}
	topology := &Topology{
		Workers: []TopologyWorker{{
			Name:   "w",
			TaskNo: 0,
			Devices: []TopologyDevice{
				{Kind: "TPU", Ordinal: 0, MeshCoords: []int{0, 0, 1}},
			},
		}},
	}
	c, err := New(opts, topology, WithBigmachine(b))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()
	coords, err := c.GetDeviceMeshCoords("/job:w/replica:0/task:0/device:TPU:0")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := coords, []int{0, 0, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := c.GetDeviceMeshCoords("/job:w/replica:0/task:0/device:TPU:1"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}

	// Topologies naming unconfigured workers are rejected.
	topology.Workers[0].TaskNo = 9
	if _, err := New(opts, topology, WithBigmachine(b)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	// Rejection happens before New starts a bigmachine of its own.
	if _, err := New(opts, topology); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}
