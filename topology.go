// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xrt

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A TopologyDevice is one device slot in a topology description: a
// device on a worker together with its coordinates in the accelerator
// mesh.
type TopologyDevice struct {
	Kind       string
	Ordinal    int
	MeshCoords []int
}

// A TopologyWorker describes the devices served by one worker task.
type TopologyWorker struct {
	Name    string
	TaskNo  int
	Devices []TopologyDevice
}

// A Topology describes the accelerator mesh: which worker serves
// which devices, and where each device sits in the mesh. Topologies
// are produced by the mesh coordination service or by static
// configuration; the client only consumes them.
type Topology struct {
	Workers []TopologyWorker
}

// initializeDevices builds the device mesh coordinate table from the
// topology description. Workers named in the topology must appear in
// the options worker map.
func (c *Client) initializeDevices(topology *Topology) error {
	if topology == nil {
		return nil
	}
	coords := make(map[string][]int)
	for _, tw := range topology.Workers {
		worker := Worker{Name: tw.Name, TaskNo: tw.TaskNo}
		if _, ok := c.opts.Workers[worker]; !ok {
			return errors.E(errors.Invalid,
				fmt.Sprintf("topology worker %s missing from workers map", worker))
		}
		for _, td := range tw.Devices {
			dev := DeviceID{Kind: td.Kind, Ordinal: td.Ordinal}
			coords[makeXRTDevice(worker, dev)] = td.MeshCoords
		}
	}
	c.mu.Lock()
	c.deviceMeshCoords = coords
	c.mu.Unlock()
	return nil
}

// GetDeviceMeshCoords returns the mesh coordinates of the provided
// fully qualified device. It fails with a NotExist error if the
// device is absent from the topology.
func (c *Client) GetDeviceMeshCoords(xrtDevice string) ([]int, error) {
	c.mu.Lock()
	coords, ok := c.deviceMeshCoords[xrtDevice]
	c.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("unknown device %s in topology", xrtDevice))
	}
	return coords, nil
}
