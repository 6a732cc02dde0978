// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"context"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/log"
	"github.com/grailbio/xrt/stats"
	"github.com/grailbio/xrt/xrtrpc"
)

// A DeviceHandle is a released-but-not-yet-reclaimed remote resource
// reference, queued for batched release.
type DeviceHandle struct {
	Device string
	Handle int64
}

// releaseData queues a data allocation handle for release. Called by
// handle releasers; must not block or perform I/O.
func (c *Client) releaseData(device string, handle int64) {
	c.stats.Int("DestroyDataHandles").Add(1)
	c.enqueueRelease(&c.releasedData, DeviceHandle{Device: device, Handle: handle})
}

// releaseComputation queues a compiled-program handle for release.
func (c *Client) releaseComputation(compilationDevice string, handle int64) {
	c.stats.Int("DestroyCompileHandles").Add(1)
	c.enqueueRelease(&c.releasedCompiles, DeviceHandle{Device: compilationDevice, Handle: handle})
}

func (c *Client) enqueueRelease(list *[]DeviceHandle, handle DeviceHandle) {
	c.mu.Lock()
	*list = append(*list, handle)
	if len(c.releasedData)+len(c.releasedCompiles) >= c.opts.ReleaseThreshold {
		c.triggered = true
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// TriggerReleaser forces an immediate flush cycle of the handle
// releaser. Reclamation remains eventually consistent: TriggerReleaser
// does not wait for the flush to complete.
func (c *Client) TriggerReleaser() {
	c.mu.Lock()
	c.triggered = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// FlushReleasedHandles synchronously releases every pending handle.
// It is used on orderly teardown and by tests; ordinary reclamation
// goes through the background releaser.
func (c *Client) FlushReleasedHandles(ctx context.Context) {
	c.flushReleases(ctx)
}

// handleReleaser runs as the client's one long-lived background task.
// It wakes on an explicit trigger (pending count over threshold) or
// on the periodic flush interval, drains the pending lists, and
// issues one batched release call per device and handle kind.
func (c *Client) handleReleaser() {
	defer close(c.releaserDone)
	bgctx := backgroundcontext.Get()
	for {
		ctx, cancel := context.WithTimeout(bgctx, c.opts.ReleaseFlushInterval)
		c.mu.Lock()
		for !c.triggered && !c.closed {
			if err := c.cond.Wait(ctx); err != nil {
				break // interval elapsed
			}
		}
		closed := c.closed
		c.triggered = false
		c.mu.Unlock()
		cancel()
		c.flushReleases(bgctx)
		if closed {
			return
		}
	}
}

// flushReleases drains the pending lists and issues the batched
// release calls. Failed batches are logged and re-queued for the next
// cycle: leaking a remote handle until session teardown beats
// dropping it silently.
func (c *Client) flushReleases(ctx context.Context) {
	c.mu.Lock()
	data := c.releasedData
	compiles := c.releasedCompiles
	c.releasedData = nil
	c.releasedCompiles = nil
	c.mu.Unlock()
	if len(data) > 0 {
		c.releaseHandles(ctx, data, xrtrpc.ReleaseAllocation, &c.releasedData,
			c.stats.Timer("ReleaseDataHandlesTime"), c.stats.Int("ReleaseDataHandles"))
	}
	if len(compiles) > 0 {
		c.releaseHandles(ctx, compiles, xrtrpc.ReleaseCompilation, &c.releasedCompiles,
			c.stats.Timer("ReleaseCompileHandlesTime"), c.stats.Int("ReleaseCompileHandles"))
	}
}

// releaseHandles groups the provided handles by device and issues one
// release call per device, all dispatched in a single per-session
// batch. The pending-list lock is never held across I/O.
func (c *Client) releaseHandles(ctx context.Context, handles []DeviceHandle, kind xrtrpc.OpKind, requeue *[]DeviceHandle, timer *stats.Timer, released *stats.Int) {
	stop := timer.Time()
	defer stop()
	byDevice := make(map[string][]int64)
	for _, h := range handles {
		byDevice[h.Device] = append(byDevice[h.Device], h.Handle)
	}
	sessions := make(sessionMap)
	work := newWorkSet()
	var failed []DeviceHandle
	for device, ids := range byDevice {
		sess, xrtDevice, err := c.sessionForDevice(ctx, c.allocSessions, device, sessions)
		if err != nil {
			log.Error.Printf("xrt: release %s on %s: %v", kind, device, err)
			failed = append(failed, deviceHandles(device, ids)...)
			continue
		}
		work.add(sess, xrtrpc.Run{
			Node:  sess.node(kind, xrtDevice, ""),
			Feeds: []xrtrpc.Value{{Handles: ids}},
		}, 0)
	}
	if err := work.run(ctx); err != nil {
		log.Error.Printf("xrt: release %s: %v (re-queueing %d handles)", kind, err, len(handles)-len(failed))
		// The batch failed as a whole; re-queue everything we tried.
		for device, ids := range byDevice {
			failed = append(failed, deviceHandles(device, ids)...)
		}
		failed = dedupeHandles(failed)
	} else {
		released.Add(int64(len(handles) - len(failed)))
	}
	if len(failed) > 0 {
		c.mu.Lock()
		*requeue = append(*requeue, failed...)
		c.mu.Unlock()
	}
}

func deviceHandles(device string, ids []int64) []DeviceHandle {
	handles := make([]DeviceHandle, len(ids))
	for i, id := range ids {
		handles[i] = DeviceHandle{Device: device, Handle: id}
	}
	return handles
}

func dedupeHandles(handles []DeviceHandle) []DeviceHandle {
	seen := make(map[DeviceHandle]bool, len(handles))
	deduped := handles[:0]
	for _, h := range handles {
		if !seen[h] {
			seen[h] = true
			deduped = append(deduped, h)
		}
	}
	return deduped
}
