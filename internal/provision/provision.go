// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package provision creates and destroys the per-network devices on
// this host: the bridge with its VXLAN port, and the DHCP server that
// hands out addresses on the overlay.
package provision

import (
	"context"
	"fmt"
	"time"
)

// DHCPConfig holds the parameters that start-dhcp needs.
type DHCPConfig struct {
	Interface string
	Netmask   string
	Start     string
	End       string
	MaxLeases uint64
}

// Provisioner sets up the local devices for a network. All calls
// block until the device work is done or ctx expires.
type Provisioner interface {
	CreateBridge(ctx context.Context, bridge, vxlan string, vni uint32) error
	DeleteBridge(ctx context.Context, bridge, vxlan string) error
	StartDHCP(ctx context.Context, bridge, vxlan string, dhcp DHCPConfig) error
	StopDHCP(ctx context.Context, bridge, vxlan string) error
}

// Error is a failure reported by a provisioning backend.
type Error struct {
	Op      string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: errcode %d: %s: %v", e.Op, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: errcode %d: %s", e.Op, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithTimeout returns a Provisioner that bounds every call to p by d
// so a wedged script can't stall the caller forever.
func WithTimeout(p Provisioner, d time.Duration) Provisioner {
	return &timeout{p: p, d: d}
}

type timeout struct {
	p Provisioner
	d time.Duration
}

func (t *timeout) CreateBridge(ctx context.Context, bridge, vxlan string, vni uint32) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.p.CreateBridge(ctx, bridge, vxlan, vni)
}

func (t *timeout) DeleteBridge(ctx context.Context, bridge, vxlan string) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.p.DeleteBridge(ctx, bridge, vxlan)
}

func (t *timeout) StartDHCP(ctx context.Context, bridge, vxlan string, dhcp DHCPConfig) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.p.StartDHCP(ctx, bridge, vxlan, dhcp)
}

func (t *timeout) StopDHCP(ctx context.Context, bridge, vxlan string) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.p.StopDHCP(ctx, bridge, vxlan)
}
