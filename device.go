// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// A DeviceID identifies one device kind and ordinal, e.g. "TPU:0".
type DeviceID struct {
	Kind    string
	Ordinal int
}

// ParseDeviceID parses a "KIND:ordinal" device string.
func ParseDeviceID(device string) (DeviceID, error) {
	i := strings.LastIndex(device, ":")
	if i <= 0 {
		return DeviceID{}, errors.E(errors.Invalid, fmt.Sprintf("malformed device %q", device))
	}
	ordinal, err := strconv.Atoi(device[i+1:])
	if err != nil || ordinal < 0 {
		return DeviceID{}, errors.E(errors.Invalid, fmt.Sprintf("malformed device ordinal %q", device))
	}
	return DeviceID{Kind: device[:i], Ordinal: ordinal}, nil
}

// String returns the "KIND:ordinal" form of the device id.
func (d DeviceID) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}

// A Worker identifies one physical accelerator-serving process by job
// name and task number. Workers are ordered by (TaskNo, Name).
type Worker struct {
	Name   string
	TaskNo int
}

// Less tells whether worker w orders before worker v.
func (w Worker) Less(v Worker) bool {
	if w.TaskNo != v.TaskNo {
		return w.TaskNo < v.TaskNo
	}
	return w.Name < v.Name
}

// String returns the "name:taskno" form of the worker.
func (w Worker) String() string {
	return fmt.Sprintf("%s:%d", w.Name, w.TaskNo)
}

// ParseWorker parses a "name:taskno" worker string.
func ParseWorker(worker string) (Worker, error) {
	i := strings.LastIndex(worker, ":")
	if i <= 0 {
		return Worker{}, errors.E(errors.Invalid, fmt.Sprintf("malformed worker %q", worker))
	}
	taskNo, err := strconv.Atoi(worker[i+1:])
	if err != nil || taskNo < 0 {
		return Worker{}, errors.E(errors.Invalid, fmt.Sprintf("malformed worker task %q", worker))
	}
	return Worker{Name: worker[:i], TaskNo: taskNo}, nil
}

// parseXRTDevice parses a fully qualified device coordinate of the
// form "/job:NAME/replica:0/task:N/device:KIND:ORDINAL" into its
// worker and device id.
func parseXRTDevice(xrtDevice string) (Worker, DeviceID, error) {
	malformed := func() error {
		return errors.E(errors.Invalid, fmt.Sprintf("malformed device coordinate %q", xrtDevice))
	}
	parts := strings.Split(xrtDevice, "/")
	if len(parts) != 5 || parts[0] != "" {
		return Worker{}, DeviceID{}, malformed()
	}
	var (
		worker Worker
		dev    DeviceID
		err    error
	)
	for i, prefix := range []string{"job:", "replica:", "task:", "device:"} {
		part := parts[i+1]
		if !strings.HasPrefix(part, prefix) {
			return Worker{}, DeviceID{}, malformed()
		}
		value := part[len(prefix):]
		switch i {
		case 0:
			worker.Name = value
		case 1:
			if value != "0" {
				return Worker{}, DeviceID{}, malformed()
			}
		case 2:
			if worker.TaskNo, err = strconv.Atoi(value); err != nil {
				return Worker{}, DeviceID{}, malformed()
			}
		case 3:
			if dev, err = ParseDeviceID(value); err != nil {
				return Worker{}, DeviceID{}, malformed()
			}
		}
	}
	return worker, dev, nil
}

// makeXRTDevice builds the fully qualified device coordinate for a
// device served by the provided worker.
func makeXRTDevice(worker Worker, dev DeviceID) string {
	return fmt.Sprintf("/job:%s/replica:0/task:%d/device:%s", worker.Name, worker.TaskNo, dev)
}

// GetMultiProcessingDevice returns the device configured for
// multi-process coordination via the XRT_MULTI_PROCESSING_DEVICE
// environment variable, or the empty string.
func GetMultiProcessingDevice() string {
	return os.Getenv("XRT_MULTI_PROCESSING_DEVICE")
}
