// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"sync"
	"testing"
	"time"
)

func TestMap(t *testing.T) {
	m := NewMap()
	m.Int("a").Add(3)
	m.Int("a").Add(2)
	m.Int("b").Set(7)
	m.Timer("t").Add(3 * time.Millisecond)
	m.Timer("t").Add(2 * time.Millisecond)
	vals := m.Values()
	if got, want := vals["a"], int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["b"], int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["t.count"], int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["t.ns"], (5 * time.Millisecond).Nanoseconds(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals.String(), "a:5 b:7 t.count:2 t.ns:5000000"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTimerTime(t *testing.T) {
	var timer Timer
	stop := timer.Time()
	time.Sleep(time.Millisecond)
	stop()
	if got, want := timer.Count(), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if timer.Total() <= 0 {
		t.Error("no duration recorded")
	}
}

func TestNil(t *testing.T) {
	var (
		v *Int
		d *Timer
	)
	v.Add(1)
	v.Set(2)
	d.Add(time.Second)
	if v.Get() != 0 || d.Count() != 0 || d.Total() != 0 {
		t.Error("nil metrics not no-ops")
	}
}

func TestConcurrent(t *testing.T) {
	m := NewMap()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Int("n").Add(1)
			}
		}()
	}
	wg.Wait()
	if got, want := m.Int("n").Get(), int64(8000); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
