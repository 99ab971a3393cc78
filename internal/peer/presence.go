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

// Package peer tracks the other agents on the multicast LAN.
package peer

import (
	"net"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

// Record is what we know about one peer.
type Record struct {
	MachineID string      `json:"machine_id"`
	NetType   string      `json:"net_type"`
	NetFlag   int32       `json:"net_flag"`
	Address   net.IP      `json:"local_address"`
	LocalPort uint16      `json:"local_port"`
	NodeType  v1.NodeType `json:"node_type"`
	LastSeen  time.Time   `json:"last_seen"`
}

// Presence is the set of peers that have advertised themselves
// recently. It never contains this node.
type Presence struct {
	logger log.Logger
	clock  clock.Clock
	self   string

	mu      sync.RWMutex
	address net.IP
	peers   map[string]Record
}

func New(logger log.Logger, clk clock.Clock, self string) *Presence {
	return &Presence{
		logger: log.With(logger, "component", "peer"),
		clock:  clk,
		self:   self,
		peers:  map[string]Record{},
	}
}

// SetLocalAddress tells Presence which address our own traffic comes
// from. Peers at the same address are on this host.
func (p *Presence) SetLocalAddress(ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !ip.Equal(p.address) {
		level.Info(p.logger).Log("op", "localAddress", "address", ip)
	}
	p.address = ip
}

// LocalAddress returns the address set by SetLocalAddress.
func (p *Presence) LocalAddress() net.IP {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

// Upsert records a machine info advertisement that arrived from
// address from.
func (p *Presence) Upsert(info *v1.MachineInfo, from net.IP) {
	if info.MachineID == p.self {
		return
	}

	rec := Record{
		MachineID: info.MachineID,
		NetType:   info.NetType,
		NetFlag:   info.NetFlag,
		Address:   from,
		LocalPort: info.LocalPort,
		LastSeen:  p.clock.Now(),
	}
	if info.NodeType != nil {
		rec.NodeType = *info.NodeType
	}

	p.mu.Lock()
	_, known := p.peers[rec.MachineID]
	p.peers[rec.MachineID] = rec
	count := len(p.peers)
	p.mu.Unlock()

	if !known {
		level.Info(p.logger).Log("op", "upsert", "peer", rec.MachineID, "address", from, "type", rec.NodeType)
	}
	RecordPeers(count)
}

// Remove forgets a peer. It returns false if the peer wasn't known.
func (p *Presence) Remove(machineID string) bool {
	p.mu.Lock()
	_, known := p.peers[machineID]
	delete(p.peers, machineID)
	count := len(p.peers)
	p.mu.Unlock()

	if known {
		level.Info(p.logger).Log("op", "remove", "peer", machineID)
	}
	RecordPeers(count)
	return known
}

// Get returns one peer.
func (p *Presence) Get(machineID string) (Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.peers[machineID]
	return rec, ok
}

// Snapshot returns a copy of all known peers.
func (p *Presence) Snapshot() map[string]Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Record, len(p.peers))
	for id, rec := range p.peers {
		out[id] = rec
	}
	return out
}

// List returns all known peers, most recently seen first.
func (p *Presence) List() []Record {
	snap := p.Snapshot()
	out := make([]Record, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].MachineID < out[j].MachineID
	})
	return out
}

// IsSameHost indicates whether machineID is this node or a peer that
// runs on this host.
func (p *Presence) IsSameHost(machineID string) bool {
	if machineID == "" {
		return false
	}
	if machineID == p.self {
		return true
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.peers[machineID]
	return ok && p.address != nil && rec.Address.Equal(p.address)
}

// Sweep removes the peers that haven't been heard from in longer
// than timeout, and returns their ids.
func (p *Presence) Sweep(timeout time.Duration) []string {
	now := p.clock.Now()
	var expired []string

	p.mu.Lock()
	for id, rec := range p.peers {
		if now.Sub(rec.LastSeen) > timeout {
			delete(p.peers, id)
			expired = append(expired, id)
		}
	}
	count := len(p.peers)
	p.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		level.Info(p.logger).Log("op", "sweep", "peer", id, "msg", "no heartbeat received for a long time")
	}
	RecordPeers(count)
	RecordExpired(len(expired))
	return expired
}
