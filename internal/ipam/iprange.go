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

package ipam

import (
	"errors"
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
)

var (
	ErrInvalidCIDR  = errors.New("invalid ip cidr")
	ErrReservedCIDR = errors.New("ip cidr already exist")
)

// reserved is the libvirt default network. Every compute node already
// has it, so an overlay can't use it.
var reserved = mustParseCIDR("192.168.122.0/24")

// DHCPRange is the DHCP-assignable part of an IPv4 subnet: everything
// but the network and broadcast addresses.
type DHCPRange struct {
	CIDR      string
	Start     net.IP
	End       net.IP
	Netmask   net.IP
	MaxLeases uint64
}

// NewDHCPRange parses an IPv4 CIDR like "10.8.0.0/24" and returns
// its DHCP range. The prefix length must be between 1 and 30 so that
// the range holds at least two addresses. A host address inside the
// subnet ("10.8.0.7/24") is accepted; CIDR is always the normalized
// network form.
func NewDHCPRange(raw string) (DHCPRange, error) {
	ip, ipnet, err := net.ParseCIDR(raw)
	if err != nil || ip.To4() == nil {
		return DHCPRange{}, fmt.Errorf("%w %q", ErrInvalidCIDR, raw)
	}

	ones, bits := ipnet.Mask.Size()
	if bits != 32 || ones < 1 || ones > 30 {
		return DHCPRange{}, fmt.Errorf("%w %q: prefix length must be 1-30", ErrInvalidCIDR, raw)
	}

	if Overlaps(ipnet, reserved) {
		return DHCPRange{}, fmt.Errorf("%w: %w: %q overlaps %s", ErrInvalidCIDR, ErrReservedCIDR, raw, reserved)
	}

	network, broadcast := cidr.AddressRange(ipnet)
	return DHCPRange{
		CIDR:      ipnet.String(),
		Start:     cidr.Inc(network).To4(),
		End:       cidr.Dec(broadcast).To4(),
		Netmask:   net.IP(ipnet.Mask).To4(),
		MaxLeases: cidr.AddressCount(ipnet) - 2,
	}, nil
}

// Overlaps indicates whether the two networks have any addresses in
// common. Two CIDR blocks either nest or are disjoint, so it's enough
// to check whether either contains the other's first address.
func Overlaps(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}
