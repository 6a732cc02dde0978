// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/xrt/mesh"
	"github.com/grailbio/xrt/stats"
)

// A Client drives a distributed accelerator runtime: it compiles
// device programs, moves tensor data on and off remote devices,
// executes compiled programs, and reclaims remote resources. Clients
// are safe for concurrent use.
type Client struct {
	opts Options

	b    *bigmachine.B
	ownB bool

	sessions        *sessionCache
	allocSessions   *sessionCache
	compilations    *compilationCache
	mesh            *mesh.Client
	transferLimiter *limiter.Limiter

	stats   *stats.Map
	rngSeed uint64

	mu               sync.Mutex
	cond             *ctxsync.Cond
	deviceMeshCoords map[string][]int
	// Pending release lists, guarded by mu. The releaser drains them;
	// handle releasers append to them and never perform I/O.
	releasedData     []DeviceHandle
	releasedCompiles []DeviceHandle
	triggered        bool
	closed           bool
	releaserDone     chan struct{}
}

// An Option configures a Client beyond its Options.
type Option func(*Client)

// WithBigmachine configures the client to dial worker endpoints
// through the provided bigmachine instance instead of starting its
// own. The caller retains ownership of b.
func WithBigmachine(b *bigmachine.B) Option {
	return func(c *Client) { c.b = b }
}

// WithMeshService attaches a mesh coordination client for
// multi-process training. The client is consulted for the global
// topology; it is otherwise a pass-through.
func WithMeshService(m *mesh.Client) Option {
	return func(c *Client) { c.mesh = m }
}

// New returns a client configured by the provided options and mesh
// topology. Malformed options fail with an Invalid error; no RPCs are
// issued at construction. New starts the background handle releaser;
// call Shutdown to stop it and release client resources.
func New(opts Options, topology *Topology, options ...Option) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		opts:         opts.withDefaults(),
		stats:        stats.NewMap(),
		rngSeed:      0x5a2d296e9,
		releaserDone: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	// Validate the topology before bringing up any machinery so a
	// malformed configuration never leaves a stray bigmachine behind.
	if err := c.initializeDevices(topology); err != nil {
		return nil, err
	}
	if c.b == nil {
		c.b = bigmachine.Start(bigmachine.Local)
		c.ownB = true
	}
	c.cond = ctxsync.NewCond(&c.mu)
	c.sessions = newSessionCache(c.b, c.stats)
	c.allocSessions = newSessionCache(c.b, c.stats)
	c.compilations = newCompilationCache(c.opts.CompilationCacheSize)
	c.transferLimiter = limiter.New()
	c.transferLimiter.Release(transferConcurrency)
	go c.handleReleaser()
	log.Printf("xrt: client initialized: %d devices, %d workers, default %s",
		len(c.opts.Devices), len(c.opts.Workers), c.opts.DefaultDevice)
	return c, nil
}

// Shutdown flushes pending handle releases, stops the releaser, and
// tears down client-owned resources.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.releaserDone
	if c.ownB {
		c.b.Shutdown()
	}
}

// GetDefaultDevice returns the configured default logical device.
func (c *Client) GetDefaultDevice() string { return c.opts.DefaultDevice }

// GetNumDevices returns the number of locally handled devices.
func (c *Client) GetNumDevices() int { return len(c.opts.Devices) }

// GetLocalDevices returns the logical devices handled by this
// process, sorted.
func (c *Client) GetLocalDevices() []string {
	devices := make([]string, 0, len(c.opts.Devices))
	for device := range c.opts.Devices {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	return devices
}

// GetAllDevices returns every device in the mesh, sorted.
func (c *Client) GetAllDevices() []string {
	devices := make([]string, 0, len(c.opts.GlobalDeviceMap))
	for device := range c.opts.GlobalDeviceMap {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	return devices
}

// GetEffectiveDevice resolves the provided logical device, mapping
// the empty string to the default device. It fails with a NotExist
// error if the device is not in the configured device set.
func (c *Client) GetEffectiveDevice(device string) (string, error) {
	if device == "" {
		device = c.opts.DefaultDevice
	}
	if !c.opts.Devices[device] {
		return "", errors.E(errors.NotExist, fmt.Sprintf("unknown device %s", device))
	}
	return device, nil
}

// xrtDevice returns the fully qualified coordinate of the provided
// effective logical device.
func (c *Client) xrtDevice(device string) (string, error) {
	xrtDevice, ok := c.opts.GlobalDeviceMap[device]
	if !ok {
		return "", errors.E(errors.NotExist, fmt.Sprintf("unknown device %s", device))
	}
	return xrtDevice, nil
}

// workerForDevice returns the worker serving the provided effective
// logical device, together with its endpoint address.
func (c *Client) workerForDevice(device string) (Worker, string, error) {
	xrtDevice, err := c.xrtDevice(device)
	if err != nil {
		return Worker{}, "", err
	}
	return c.workerForXRTDevice(xrtDevice)
}

// workerForXRTDevice returns the worker serving the provided fully
// qualified device, together with its endpoint address.
func (c *Client) workerForXRTDevice(xrtDevice string) (Worker, string, error) {
	worker, _, err := parseXRTDevice(xrtDevice)
	if err != nil {
		return Worker{}, "", err
	}
	endpoint, ok := c.opts.Workers[worker]
	if !ok {
		return Worker{}, "", errors.E(errors.NotExist, fmt.Sprintf("no endpoint for worker %s", worker))
	}
	return worker, endpoint, nil
}

// GetResourceDomain returns the domain within which handles created
// on the provided device are valid: the endpoint of the worker
// serving the device.
func (c *Client) GetResourceDomain(device string) (string, error) {
	device, err := c.GetEffectiveDevice(device)
	if err != nil {
		return "", err
	}
	_, endpoint, err := c.workerForDevice(device)
	if err != nil {
		return "", err
	}
	return endpoint, nil
}

// sessionForDevice returns the session bound to the worker serving
// the provided effective logical device, along with the device's
// fully qualified coordinate.
func (c *Client) sessionForDevice(ctx context.Context, cache *sessionCache, device string, m sessionMap) (*session, string, error) {
	xrtDevice, err := c.xrtDevice(device)
	if err != nil {
		return nil, "", err
	}
	_, endpoint, err := c.workerForXRTDevice(xrtDevice)
	if err != nil {
		return nil, "", err
	}
	sess, err := cache.get(ctx, endpoint, m)
	if err != nil {
		return nil, "", err
	}
	return sess, xrtDevice, nil
}

// SetRngSeed seeds the random number generator used by remote
// executions.
func (c *Client) SetRngSeed(seed uint64) {
	atomic.StoreUint64(&c.rngSeed, seed)
}

func (c *Client) getRngSeed() uint64 {
	return atomic.LoadUint64(&c.rngSeed)
}

// MeshConfig fetches the validated global topology from the mesh
// coordination service. It fails if no mesh service is attached.
func (c *Client) MeshConfig(ctx context.Context) (*mesh.Config, error) {
	if c.mesh == nil {
		return nil, errors.E(errors.NotSupported, "no mesh service configured")
	}
	return c.mesh.Config(ctx)
}

// Metrics returns a point-in-time snapshot of the client's named
// counters and timers.
func (c *Client) Metrics() stats.Values {
	return c.stats.Values()
}
