// Copyright 2020 Acnodal Inc.
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

package provision

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
)

// NetlinkConfig controls how the netlink backend builds VXLAN
// devices.
type NetlinkConfig struct {
	// Group is the multicast group that VXLAN uses to flood BUM
	// traffic.
	Group net.IP

	// Port is the VXLAN UDP destination port.
	Port int

	// Device is the underlay interface. If it's empty we use the
	// interface with the default route.
	Device string
}

// Netlink builds the bridge and VXLAN devices directly with netlink
// instead of running create_bridge.sh and delete_bridge.sh. There's
// no netlink equivalent of a DHCP server so DHCP is still handled by
// the scripts.
type Netlink struct {
	*Script
	logger log.Logger
	config NetlinkConfig
}

// NewNetlink returns a Netlink backend that uses script for DHCP.
func NewNetlink(logger log.Logger, script *Script, config NetlinkConfig) *Netlink {
	return &Netlink{
		Script: script,
		logger: log.With(logger, "component", "provision"),
		config: config,
	}
}

func (n *Netlink) CreateBridge(ctx context.Context, bridge, vxlan string, vni uint32) (err error) {
	start := time.Now()
	defer func() { recordCall(opCreateBridge, time.Since(start), err != nil) }()

	br, err := addBridge(bridge)
	if err != nil {
		return &Error{Op: opCreateBridge, Code: -1, Message: "adding bridge", Err: err}
	}

	parent, err := n.underlay()
	if err != nil {
		return &Error{Op: opCreateBridge, Code: -1, Message: "finding underlay", Err: err}
	}

	vx, err := addVxlan(vxlanLink(vxlan, vni, parent.Attrs().Index, n.config))
	if err != nil {
		return &Error{Op: opCreateBridge, Code: -1, Message: "adding vxlan", Err: err}
	}

	if err := netlink.LinkSetMasterByIndex(vx, br.Attrs().Index); err != nil {
		return &Error{Op: opCreateBridge, Code: -1, Message: "enslaving vxlan", Err: err}
	}
	if err := netlink.LinkSetUp(vx); err != nil {
		return &Error{Op: opCreateBridge, Code: -1, Message: "setting vxlan up", Err: err}
	}

	level.Info(n.logger).Log("op", opCreateBridge, "bridge", bridge, "vxlan", vxlan, "vni", vni, "underlay", parent.Attrs().Name)
	return ctx.Err()
}

func (n *Netlink) DeleteBridge(ctx context.Context, bridge, vxlan string) (err error) {
	start := time.Now()
	defer func() { recordCall(opDeleteBridge, time.Since(start), err != nil) }()

	for _, name := range []string{vxlan, bridge} {
		if err := removeInterface(name); err != nil {
			return &Error{Op: opDeleteBridge, Code: -1, Message: "removing " + name, Err: err}
		}
	}

	level.Info(n.logger).Log("op", opDeleteBridge, "bridge", bridge, "vxlan", vxlan)
	return ctx.Err()
}

func (n *Netlink) underlay() (netlink.Link, error) {
	if n.config.Device != "" {
		return netlink.LinkByName(n.config.Device)
	}
	return DefaultInterface(nl.FAMILY_V4)
}

// vxlanLink describes the VXLAN device for a network.
func vxlanLink(name string, vni uint32, parentIndex int, config NetlinkConfig) *netlink.Vxlan {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	return &netlink.Vxlan{
		LinkAttrs:    attrs,
		VxlanId:      int(vni),
		VtepDevIndex: parentIndex,
		Group:        config.Group,
		Port:         config.Port,
		Learning:     true,
	}
}

// DefaultInterface finds the default interface (i.e., the one with
// the default route) for the given family, which should be either
// nl.FAMILY_V6 or nl.FAMILY_V4.
func DefaultInterface(family int) (netlink.Link, error) {
	var defaultifindex int = 0
	var defaultifmetric int = 0

	rt, _ := netlink.RouteList(nil, family)
	for _, r := range rt {
		// check each route to see if it's the default (i.e., no destination)
		if r.Dst == nil && defaultifindex == 0 {
			defaultifindex = r.LinkIndex
			defaultifmetric = r.Priority
		} else if r.Dst == nil && defaultifindex != 0 && r.Priority < defaultifmetric {
			// if there's another default route with a lower metric use it
			defaultifindex = r.LinkIndex
			defaultifmetric = r.Priority
		}
	}

	if defaultifindex == 0 {
		return nil, fmt.Errorf("no default interface can be determined")
	}

	return netlink.LinkByIndex(defaultifindex)
}

// DefaultRouteIP returns the first IPv4 address of the interface
// with the default route. It's the address that other nodes see our
// multicast traffic come from.
func DefaultRouteIP() (net.IP, error) {
	link, err := DefaultInterface(nl.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	addrs, err := netlink.AddrList(link, nl.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("listing addresses of %s: %w", link.Attrs().Name, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s has no IPv4 address", link.Attrs().Name)
	}
	return addrs[0].IP, nil
}

// addBridge creates a bridge called name if there isn't one already,
// and sets it up.
func addBridge(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		attrs := netlink.NewLinkAttrs()
		attrs.Name = name
		link = &netlink.Bridge{LinkAttrs: attrs}
		if err = netlink.LinkAdd(link); err != nil {
			return nil, fmt.Errorf("failed adding bridge %s: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return nil, err
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("failed setting %s up: %w", name, err)
	}
	return link, nil
}

// addVxlan creates vx if there isn't already a link with its name.
func addVxlan(vx *netlink.Vxlan) (netlink.Link, error) {
	if link, err := netlink.LinkByName(vx.Name); err == nil {
		return link, nil
	}
	if err := netlink.LinkAdd(vx); err != nil {
		return nil, fmt.Errorf("failed adding vxlan %s: %w", vx.Name, err)
	}
	return netlink.LinkByName(vx.Name)
}

// removeInterface removes the link called name. A link that's already
// gone is not an error.
func removeInterface(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	return netlink.LinkDel(link)
}
