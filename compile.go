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

// A CompileInstance is one program to compile: the opaque serialized
// program together with its parameter and result shapes.
type CompileInstance struct {
	Program      []byte
	ProgramShape literal.ProgramShape
}

// Compile compiles the provided instances for execution on the
// target devices, through the worker serving compilationDevice.
// Results are served from the compilation cache when the same program
// was previously compiled for the same domain; misses are compiled
// remotely in one batched call and inserted into the cache.
//
// Each returned Computation carries one handle reference owned by the
// caller; release it when no longer needed.
func (c *Client) Compile(ctx context.Context, compilationDevice string, devices []string, instances []CompileInstance) ([]*Computation, error) {
	defer c.stats.Timer("CompileTime").Time()()
	compilationDevice, err := c.GetEffectiveDevice(compilationDevice)
	if err != nil {
		return nil, err
	}
	domain, err := c.GetResourceDomain(compilationDevice)
	if err != nil {
		return nil, err
	}
	results := make([]*Computation, len(instances))
	sessions := make(sessionMap)
	work := newWorkSet()
	for i, instance := range instances {
		if cached := c.compilations.lookup(domain, instance.Program); cached != nil {
			c.stats.Int("CompileCacheHits").Add(1)
			results[i] = cached
			continue
		}
		sess, xrtDevice, err := c.sessionForDevice(ctx, c.sessions, compilationDevice, sessions)
		if err != nil {
			c.releaseResults(results)
			return nil, err
		}
		work.add(sess, xrtrpc.Run{
			Node:  sess.node(xrtrpc.Compile, xrtDevice, ""),
			Feeds: []xrtrpc.Value{{Bytes: instance.Program}},
		}, i)
	}
	if err := work.run(ctx); err != nil {
		c.releaseResults(results)
		c.dumpPrograms(ctx, compilationDevice, instances)
		return nil, errors.E(
			fmt.Sprintf("compile for %s (domain %s)", compilationDevice, domain), err)
	}
	work.results(func(i int, result xrtrpc.Result) {
		instance := instances[i]
		handle := result.Handle
		comp := newComputation(instance.Program, instance.ProgramShape, devices, domain,
			newHandle(handle, func() {
				c.releaseComputation(compilationDevice, handle)
			}))
		if cached := c.compilations.insert(domain, instance.Program, comp); cached != comp {
			// A duplicate instance or a concurrent Compile beat us to
			// the cache; drop the redundant remote program.
			comp.Release()
			comp = cached
		}
		results[i] = comp
	})
	return results, nil
}

// EvictCompilation drops the cached compilation of the provided
// program for the domain of the provided device, if present. It is
// the out-of-band invalidation path for handles lost to worker
// restarts; the cache does not verify liveness on its own.
func (c *Client) EvictCompilation(device string, program []byte) (bool, error) {
	domain, err := c.GetResourceDomain(device)
	if err != nil {
		return false, err
	}
	return c.compilations.evict(domain, program), nil
}

// releaseResults releases the handle references acquired for cache
// hits when a later step of the same Compile call fails.
func (c *Client) releaseResults(results []*Computation) {
	for _, comp := range results {
		if comp != nil {
			comp.Release()
		}
	}
}
