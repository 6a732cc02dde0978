// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
)

const (
	// defaultCompilationCacheSize bounds the number of cached
	// compilations. Compiled programs can be large on the worker side,
	// so the cache is kept modest.
	defaultCompilationCacheSize = 1024

	// defaultMaxTransferBytes bounds the payload of one transfer
	// partition; larger transfer batches are split into multiple RPC
	// round trips.
	defaultMaxTransferBytes = 256 << 20

	// defaultReleaseFlushInterval is the periodic flush interval of
	// the handle releaser.
	defaultReleaseFlushInterval = 5 * time.Second

	// defaultReleaseThreshold is the pending-handle count beyond which
	// the releaser is woken immediately.
	defaultReleaseThreshold = 128
)

// Options is the process-wide client configuration. Options are set
// at construction and immutable afterward.
type Options struct {
	// DefaultDevice is the logical device resolved from the empty
	// device string.
	DefaultDevice string

	// GlobalDeviceMap maps a logical device id (e.g. "TPU:0") to the
	// fully qualified coordinate of the worker exposing that device
	// (e.g. "/job:tpu_worker/replica:0/task:0/device:TPU:0"). It
	// covers every device in the mesh.
	GlobalDeviceMap map[string]string

	// Devices is the set of logical devices this process is handling.
	// Every member has an entry in GlobalDeviceMap.
	Devices map[string]bool

	// Workers maps each worker to its endpoint address.
	Workers map[Worker]string

	// CompilationCacheSize bounds the compilation cache; 0 selects the
	// default.
	CompilationCacheSize int

	// MaxTransferBytes bounds the per-partition payload of
	// TransferToServer; 0 selects the default.
	MaxTransferBytes int

	// ReleaseFlushInterval is the periodic flush interval of the
	// handle releaser; 0 selects the default.
	ReleaseFlushInterval time.Duration

	// ReleaseThreshold is the pending-handle count that triggers an
	// immediate flush; 0 selects the default.
	ReleaseThreshold int

	// ChainedNative selects the native chained-execution primitive.
	// When false, chained executions are lowered into multiple
	// ordinary execute calls. This is a runtime capability decision,
	// made once at configuration time.
	ChainedNative bool

	// DumpPath, when nonempty, names a directory (local or s3://) to
	// which programs that fail compilation are dumped for diagnosis.
	DumpPath string
}

func (o Options) validate() error {
	if o.DefaultDevice == "" {
		return errors.E(errors.Invalid, "no default device configured")
	}
	if len(o.Devices) == 0 {
		return errors.E(errors.Invalid, "empty device set")
	}
	if !o.Devices[o.DefaultDevice] {
		return errors.E(errors.Invalid,
			fmt.Sprintf("default device %s not in device set", o.DefaultDevice))
	}
	for device := range o.Devices {
		xrtDevice, ok := o.GlobalDeviceMap[device]
		if !ok {
			return errors.E(errors.Invalid,
				fmt.Sprintf("device %s missing from global device map", device))
		}
		worker, _, err := parseXRTDevice(xrtDevice)
		if err != nil {
			return err
		}
		if _, ok := o.Workers[worker]; !ok {
			return errors.E(errors.Invalid,
				fmt.Sprintf("no endpoint for worker %s serving device %s", worker, device))
		}
	}
	return nil
}

// withDefaults returns o with zero-valued tunables replaced by their
// defaults.
func (o Options) withDefaults() Options {
	if o.CompilationCacheSize == 0 {
		o.CompilationCacheSize = defaultCompilationCacheSize
	}
	if o.MaxTransferBytes == 0 {
		o.MaxTransferBytes = defaultMaxTransferBytes
	}
	if o.ReleaseFlushInterval == 0 {
		o.ReleaseFlushInterval = defaultReleaseFlushInterval
	}
	if o.ReleaseThreshold == 0 {
		o.ReleaseThreshold = defaultReleaseThreshold
	}
	return o
}
