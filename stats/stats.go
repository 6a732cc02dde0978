// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named counters and timers for the XRT client.
// Metrics live in a snapshottable Map; snapshots are flat name-to-
// value mappings suitable for logging or export.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Values is a point-in-time snapshot of a Map. Timers contribute two
// entries: "<name>.count" and "<name>.ns".
type Values map[string]int64

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters and timers keyed by name.
type Map struct {
	mu     sync.Mutex
	ints   map[string]*Int
	timers map[string]*Timer
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{
		ints:   make(map[string]*Int),
		timers: make(map[string]*Timer),
	}
}

// Int returns the counter with the provided name, creating it if it
// does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.ints[name]
	if v == nil {
		v = new(Int)
		m.ints[name] = v
	}
	m.mu.Unlock()
	return v
}

// Timer returns the timer with the provided name, creating it if it
// does not already exist.
func (m *Map) Timer(name string) *Timer {
	m.mu.Lock()
	t := m.timers[name]
	if t == nil {
		t = new(Timer)
		m.timers[name] = t
	}
	m.mu.Unlock()
	return t
}

// AddAll adds all counters and timers in the map to the provided
// snapshot.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, v := range m.ints {
		vals[k] += v.Get()
	}
	for k, t := range m.timers {
		vals[k+".count"] += t.Count()
		vals[k+".ns"] += t.Total().Nanoseconds()
	}
	m.mu.Unlock()
}

// Values returns a snapshot of the map.
func (m *Map) Values() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// An Int is an integer counter. Ints can be atomically incremented
// and set. A nil Int is a valid no-op counter.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of the counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// A Timer accumulates durations of timed sections together with the
// number of sections timed. A nil Timer is a valid no-op timer.
type Timer struct {
	count int64
	ns    int64
}

// Add records one timed section of duration d.
func (t *Timer) Add(d time.Duration) {
	if t == nil {
		return
	}
	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.ns, int64(d))
}

// Time starts timing a section; the returned function stops the timer
// and records the elapsed duration:
//
//	defer timer.Time()()
func (t *Timer) Time() func() {
	start := time.Now()
	return func() { t.Add(time.Since(start)) }
}

// Count returns the number of sections recorded.
func (t *Timer) Count() int64 {
	if t == nil {
		return 0
	}
	return atomic.LoadInt64(&t.count)
}

// Total returns the accumulated duration.
func (t *Timer) Total() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&t.ns))
}
