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

package network

import (
	"slices"
	"time"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

// Flags record which devices for a network exist on this host. They
// are never sent to other nodes.
type Flags uint32

const (
	// FlagDevice means the bridge and VXLAN device exist here.
	FlagDevice Flags = 1 << iota
	// FlagDHCPServer means this host runs the network's DHCP server.
	FlagDHCPServer
)

// Record is everything this node knows about one overlay network.
type Record struct {
	ID            string   `codec:"id"`
	BridgeName    string   `codec:"bridge_name"`
	VxlanName     string   `codec:"vxlan_name"`
	VNI           uint32   `codec:"vxlan_vni"`
	IPCidr        string   `codec:"ip_cidr"`
	IPStart       string   `codec:"ip_start"`
	IPEnd         string   `codec:"ip_end"`
	DHCPInterface string   `codec:"dhcp_interface"`
	MachineID     string   `codec:"machine_id"`
	RentWallet    string   `codec:"rent_wallet"`
	Members       []string `codec:"members"`
	LastUseTime   int64    `codec:"last_use_time"`
	NativeFlags   Flags    `codec:"native_flags"`

	// LastUpdateTime is when we last heard about this network. It's
	// reset on load so it isn't persisted.
	LastUpdateTime time.Time `codec:"-"`
}

// Orphaned indicates whether the network has no owner.
func (r *Record) Orphaned() bool {
	return r.MachineID == ""
}

// HasIPRange indicates whether the network has a subnet, i.e.,
// whether it needs a DHCP server somewhere.
func (r *Record) HasIPRange() bool {
	return r.IPCidr != ""
}

func (r *Record) Has(f Flags) bool {
	return r.NativeFlags&f == f
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.Members = slices.Clone(r.Members)
	return r
}

// SameContent compares the fields that all nodes agree on. Local
// state (flags and freshness) is ignored, and nil Members equals
// empty Members.
func (r *Record) SameContent(o *Record) bool {
	return r.ID == o.ID &&
		r.BridgeName == o.BridgeName &&
		r.VxlanName == o.VxlanName &&
		r.VNI == o.VNI &&
		r.IPCidr == o.IPCidr &&
		r.IPStart == o.IPStart &&
		r.IPEnd == o.IPEnd &&
		r.DHCPInterface == o.DHCPInterface &&
		r.MachineID == o.MachineID &&
		r.RentWallet == o.RentWallet &&
		slices.Equal(r.Members, o.Members) &&
		r.LastUseTime == o.LastUseTime
}

// Info returns the wire form of r.
func (r *Record) Info() v1.NetworkInfo {
	return v1.NetworkInfo{
		NetworkName:   r.ID,
		BridgeName:    r.BridgeName,
		VxlanName:     r.VxlanName,
		VxlanVNI:      v1.Ptr(r.VNI),
		IPCidr:        r.IPCidr,
		IPStart:       r.IPStart,
		IPEnd:         r.IPEnd,
		DHCPInterface: r.DHCPInterface,
		RentWallet:    r.RentWallet,
		Members:       slices.Clone(r.Members),
		LastUseTime:   r.LastUseTime,
	}
}

// FromInfo builds a Record from its wire form. owner is the machine
// that sent it.
func FromInfo(info *v1.NetworkInfo, owner string) Record {
	r := Record{
		ID:            info.NetworkName,
		BridgeName:    info.BridgeName,
		VxlanName:     info.VxlanName,
		IPCidr:        info.IPCidr,
		IPStart:       info.IPStart,
		IPEnd:         info.IPEnd,
		DHCPInterface: info.DHCPInterface,
		MachineID:     owner,
		RentWallet:    info.RentWallet,
		Members:       slices.Clone(info.Members),
		LastUseTime:   info.LastUseTime,
	}
	if info.VxlanVNI != nil {
		r.VNI = *info.VxlanVNI
	}
	return r
}
