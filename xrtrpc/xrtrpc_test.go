// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrtrpc

import "testing"

func TestOpKindString(t *testing.T) {
	for k := Compile; k < numOpKinds; k++ {
		name := k.String()
		if name == "" {
			t.Errorf("op kind %d has no name", int(k))
		}
	}
	if got, want := OpKind(99).String(), "opkind(99)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNumHolders(t *testing.T) {
	for _, test := range []struct {
		kind OpKind
		want int
	}{
		{Compile, 1},
		{Execute, 3},
		{ExecuteChained, 2},
		{Allocate, 1},
		{Read, 1},
		{ReleaseAllocation, 1},
		{ReleaseCompilation, 1},
		{SubTuple, 2},
	} {
		if got := test.kind.NumHolders(); got != test.want {
			t.Errorf("%s: got %v, want %v", test.kind, got, test.want)
		}
	}
}
