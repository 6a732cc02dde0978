// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mesh implements the client side of the mesh coordination
// service used when multiple client processes cooperate on one
// accelerator mesh. The service itself is external; this package is a
// thin pass-through that registers the local process and fetches the
// validated global topology.
package mesh

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
)

// ServiceName is the bigmachine service name of the mesh coordination
// service.
const ServiceName = "Mesh"

// A WorkerConfig describes one participating client process.
type WorkerConfig struct {
	ClientID string
	Address  string
	// Topology is the process-local topology contribution, opaque to
	// this client.
	Topology []byte
}

// A Config is the validated global mesh configuration returned by the
// service.
type Config struct {
	Workers []WorkerConfig
	// Topology is the merged global topology, opaque to this client.
	Topology []byte
}

// A Client talks to one mesh coordination service endpoint. Each
// client carries a unique identity used by the service to distinguish
// participants across reconnects.
type Client struct {
	id      string
	machine *bigmachine.Machine
}

// Dial connects to the mesh service at the provided address.
func Dial(ctx context.Context, b *bigmachine.B, addr string) (*Client, error) {
	machine, err := b.Dial(ctx, addr)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("mesh dial %s", addr), err)
	}
	return &Client{id: uuid.New().String(), machine: machine}, nil
}

// ID returns the client's unique identity.
func (c *Client) ID() string { return c.id }

// Join registers this process's address and local topology with the
// service.
func (c *Client) Join(ctx context.Context, address string, topology []byte) error {
	req := WorkerConfig{ClientID: c.id, Address: address, Topology: topology}
	return c.machine.Call(ctx, ServiceName+".Join", req, nil)
}

// Config fetches the merged global configuration. Config blocks until
// every expected participant has joined, as determined by the
// service.
func (c *Client) Config(ctx context.Context) (*Config, error) {
	var config Config
	if err := c.machine.Call(ctx, ServiceName+".Config", c.id, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// SetConfig publishes the merged global configuration to the service.
// Only the rendezvous leader calls SetConfig; other participants fetch
// the result with Config.
func (c *Client) SetConfig(ctx context.Context, config *Config) error {
	return c.machine.Call(ctx, ServiceName+".SetConfig", *config, nil)
}
