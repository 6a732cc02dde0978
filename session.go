// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/xrt/stats"
	"github.com/grailbio/xrt/xrtrpc"
	"golang.org/x/sync/errgroup"
)

// dialRetryPolicy governs session establishment. Individual ops are
// never retried by the client; only dialing a worker endpoint is.
var dialRetryPolicy = retry.MaxTries(retry.Backoff(100*time.Millisecond, 5*time.Second, 2), 5)

// A session is a reusable RPC channel bound to one physical worker
// target. Multiple logical devices served by the same worker share a
// session. Sessions cache node definitions keyed by (op kind, device,
// shape signature) so batches do not rebuild them on every call.
type session struct {
	target  string
	machine *bigmachine.Machine

	mu    sync.Mutex
	nodes map[nodeKey]xrtrpc.NodeDef
}

type nodeKey struct {
	kind   xrtrpc.OpKind
	device string
	sig    string
}

func newSession(target string, machine *bigmachine.Machine) *session {
	return &session{
		target:  target,
		machine: machine,
		nodes:   make(map[nodeKey]xrtrpc.NodeDef),
	}
}

// node returns the cached node of the provided kind bound to the
// fully qualified device, creating it if needed. sig is the shape
// signature for allocate nodes and empty otherwise.
func (s *session) node(kind xrtrpc.OpKind, xrtDevice, sig string) xrtrpc.NodeDef {
	key := nodeKey{kind, xrtDevice, sig}
	s.mu.Lock()
	def, ok := s.nodes[key]
	if !ok {
		def = xrtrpc.NodeDef{Kind: kind, Device: xrtDevice, Sig: sig}
		s.nodes[key] = def
	}
	s.mu.Unlock()
	return def
}

// run issues one batched worker call for this session.
func (s *session) run(ctx context.Context, req *xrtrpc.RunRequest, reply *xrtrpc.RunReply) error {
	return s.machine.Call(ctx, xrtrpc.ServiceName+".Run", *req, reply)
}

// A sessionMap is a caller-owned snapshot of sessions used within one
// logical operation. Threading the map through a call's sub-operations
// keeps session reuse off the global lock on the hot path.
type sessionMap map[string]*session

// A sessionCache hands out sessions keyed by physical RPC target.
// Creation is lazy and idempotent: concurrent calls for one target
// dial at most once.
type sessionCache struct {
	b     *bigmachine.B
	stats *stats.Map

	dials once.Map

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionCache(b *bigmachine.B, stats *stats.Map) *sessionCache {
	return &sessionCache{b: b, stats: stats, sessions: make(map[string]*session)}
}

// get returns the session for the provided target, dialing the worker
// if no session exists yet. When m is non-nil, the session is also
// recorded there and subsequent lookups within the same logical
// operation are served from m without touching the cache.
func (c *sessionCache) get(ctx context.Context, target string, m sessionMap) (*session, error) {
	if s, ok := m[target]; ok {
		return s, nil
	}
	err := c.dials.Do(target, func() error {
		var (
			machine *bigmachine.Machine
			err     error
		)
		for retries := 0; ; retries++ {
			machine, err = c.b.Dial(ctx, target)
			if err == nil || !errors.IsTemporary(err) {
				break
			}
			if werr := retry.Wait(ctx, dialRetryPolicy, retries); werr != nil {
				break
			}
		}
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.sessions[target] = newSession(target, machine)
		c.mu.Unlock()
		c.stats.Int("CreateSession").Add(1)
		log.Debug.Printf("xrt: session established for %s", target)
		return nil
	})
	if err != nil {
		// Let a later call attempt a fresh dial.
		c.dials.Forget(target)
		return nil, errors.E(fmt.Sprintf("dial %s", target), err)
	}
	c.mu.Lock()
	s := c.sessions[target]
	c.mu.Unlock()
	if m != nil {
		m[target] = s
	}
	return s, nil
}

// A sessionWork accumulates the portion of one batched operation
// destined for a single session: the node instantiations to run and
// an index mapping back to the caller's argument ordering. It is
// discarded after the batch completes.
type sessionWork struct {
	sess  *session
	runs  []xrtrpc.Run
	index []int
	reply xrtrpc.RunReply
}

// A workSet buckets one logical operation's runs by session.
type workSet struct {
	works map[*session]*sessionWork
	list  []*sessionWork
}

func newWorkSet() *workSet {
	return &workSet{works: make(map[*session]*sessionWork)}
}

// add appends a run for the provided session, recording the caller
// index the run's result maps back to.
func (w *workSet) add(sess *session, run xrtrpc.Run, index int) {
	work := w.works[sess]
	if work == nil {
		work = &sessionWork{sess: sess}
		w.works[sess] = work
		w.list = append(w.list, work)
	}
	work.runs = append(work.runs, run)
	work.index = append(work.index, index)
}

// run dispatches every session's batch concurrently and joins. If any
// batch fails, the whole operation fails; there is no partial
// success.
func (w *workSet) run(ctx context.Context) error {
	if len(w.list) == 1 {
		work := w.list[0]
		return work.sess.run(ctx, &xrtrpc.RunRequest{Runs: work.runs}, &work.reply)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, work := range w.list {
		work := work
		g.Go(func() error {
			return work.sess.run(ctx, &xrtrpc.RunRequest{Runs: work.runs}, &work.reply)
		})
	}
	return g.Wait()
}

// results distributes per-session results back into caller order.
// The provided deliver function is called once per run with the
// caller index and the run's result.
func (w *workSet) results(deliver func(index int, result xrtrpc.Result)) {
	for _, work := range w.list {
		for i, result := range work.reply.Results {
			deliver(work.index[i], result)
		}
	}
}
