// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"bytes"
	"container/list"
	"sync"

	"github.com/spaolacci/murmur3"
)

// hashPrefixSize bounds how much of a serialized program is hashed
// when computing cache keys. Programs can be very large; hashing a
// bounded prefix keeps lookups cheap, while structural comparison
// below resolves collisions.
const hashPrefixSize = 4096

// A compilationCache maps (compilation domain, serialized program) to
// a previously compiled Computation, bounded by an LRU eviction
// policy. Keys include the domain because program handles are only
// valid within the worker endpoint group that compiled them: two
// identical programs compiled for different domains never alias.
//
// The cache owns one handle reference per cached entry, dropped on
// eviction. The cache does not verify handle liveness: if a worker
// restarted out-of-band, callers must evict explicitly.
type compilationCache struct {
	mu       sync.Mutex
	capacity int
	lru      list.List
	entries  map[uint64][]*list.Element
}

type cacheEntry struct {
	hash    uint64
	domain  string
	program []byte
	comp    *Computation
}

func newCompilationCache(capacity int) *compilationCache {
	return &compilationCache{
		capacity: capacity,
		entries:  make(map[uint64][]*list.Element),
	}
}

func cacheHash(domain string, program []byte) uint64 {
	prefix := program
	if len(prefix) > hashPrefixSize {
		prefix = prefix[:hashPrefixSize]
	}
	h := murmur3.Sum64([]byte(domain))
	return h ^ murmur3.Sum64WithSeed(prefix, uint32(len(program)))
}

// lookup returns the cached computation for the provided key with an
// additional handle reference for the caller, or nil on a miss. A hit
// refreshes the entry's recency.
func (c *compilationCache) lookup(domain string, program []byte) *Computation {
	hash := cacheHash(domain, program)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, elem := range c.entries[hash] {
		entry := elem.Value.(*cacheEntry)
		if entry.domain == domain && bytes.Equal(entry.program, program) {
			c.lru.MoveToFront(elem)
			entry.comp.ptr.retain()
			return entry.comp
		}
	}
	return nil
}

// insert adds a computation under the provided key, taking one handle
// reference for the cache, and returns comp. If the key is already
// cached, the cache is left unchanged and insert instead returns the
// existing computation with an additional reference for the caller,
// who should prefer it over the duplicate. The least recently used
// entry is evicted if the cache is over capacity.
func (c *compilationCache) insert(domain string, program []byte, comp *Computation) *Computation {
	hash := cacheHash(domain, program)
	var evicted *Computation
	c.mu.Lock()
	for _, elem := range c.entries[hash] {
		entry := elem.Value.(*cacheEntry)
		if entry.domain == domain && bytes.Equal(entry.program, program) {
			c.lru.MoveToFront(elem)
			entry.comp.ptr.retain()
			c.mu.Unlock()
			return entry.comp
		}
	}
	entry := &cacheEntry{hash: hash, domain: domain, program: program, comp: comp}
	comp.ptr.retain()
	elem := c.lru.PushFront(entry)
	c.entries[hash] = append(c.entries[hash], elem)
	if c.lru.Len() > c.capacity {
		evicted = c.removeLocked(c.lru.Back())
	}
	c.mu.Unlock()
	if evicted != nil {
		evicted.Release()
	}
	return comp
}

// evict drops the entry for the provided key, if present, releasing
// the cache's handle reference. It is used for out-of-band
// invalidation, e.g. after a worker restart.
func (c *compilationCache) evict(domain string, program []byte) bool {
	hash := cacheHash(domain, program)
	var evicted *Computation
	c.mu.Lock()
	for _, elem := range c.entries[hash] {
		entry := elem.Value.(*cacheEntry)
		if entry.domain == domain && bytes.Equal(entry.program, program) {
			evicted = c.removeLocked(elem)
			break
		}
	}
	c.mu.Unlock()
	if evicted == nil {
		return false
	}
	evicted.Release()
	return true
}

// size returns the number of cached entries.
func (c *compilationCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *compilationCache) removeLocked(elem *list.Element) *Computation {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	bucket := c.entries[entry.hash]
	for i, e := range bucket {
		if e == elem {
			bucket[i] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.entries, entry.hash)
	} else {
		c.entries[entry.hash] = bucket
	}
	return entry.comp
}
