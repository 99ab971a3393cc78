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

package election

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/go-kit/log"

	"vxlanmesh.io/internal/multicast"
	"vxlanmesh.io/internal/network"
	"vxlanmesh.io/internal/peer"
	"vxlanmesh.io/internal/provision"
	"vxlanmesh.io/internal/timer"
	v1 "vxlanmesh.io/pkg/apis/v1"
)

const netFlag int32 = -236867335

var epoch = time.Unix(1700000000, 0)

type memStore struct {
	sync.Mutex
	records map[string]network.Record
}

func (s *memStore) Load() ([]network.Record, error) {
	s.Lock()
	defer s.Unlock()
	out := []network.Record{}
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *memStore) Put(r network.Record) error {
	s.Lock()
	defer s.Unlock()
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *memStore) Delete(id string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.records, id)
	return nil
}

type fakeProvisioner struct {
	sync.Mutex
	calls []string
}

func (p *fakeProvisioner) record(op string) error {
	p.Lock()
	defer p.Unlock()
	p.calls = append(p.calls, op)
	return nil
}

func (p *fakeProvisioner) CreateBridge(context.Context, string, string, uint32) error {
	return p.record("create_bridge")
}

func (p *fakeProvisioner) DeleteBridge(context.Context, string, string) error {
	return p.record("delete_bridge")
}

func (p *fakeProvisioner) StartDHCP(context.Context, string, string, provision.DHCPConfig) error {
	return p.record("start_dhcp")
}

func (p *fakeProvisioner) StopDHCP(context.Context, string, string) error {
	return p.record("stop_dhcp")
}

func (p *fakeProvisioner) ops() []string {
	p.Lock()
	defer p.Unlock()
	return append([]string{}, p.calls...)
}

// node is one agent on the bus.
type node struct {
	id    string
	ip    net.IP
	dir   *network.Directory
	peers *peer.Presence
	sched *timer.Scheduler
	coord *Coordinator
	prov  *fakeProvisioner
}

type sent struct {
	from string
	msg  v1.Message
}

// bus delivers every datagram to every node synchronously, the
// sender included, like a multicast group with loopback on.
type bus struct {
	t     *testing.T
	clock *fakeclock.FakeClock

	mu    sync.Mutex
	nodes []*node
	log   []sent
}

func newBus(t *testing.T) *bus {
	return &bus{t: t, clock: fakeclock.NewFakeClock(epoch)}
}

type busSender struct {
	b  *bus
	ip net.IP
}

func (s busSender) Send(data []byte) bool {
	s.b.deliver(data, s.ip)
	return true
}

func (b *bus) deliver(data []byte, src net.IP) {
	msg, err := v1.Decode(data)
	if err != nil {
		b.t.Errorf("undecodable datagram %q: %v", data, err)
		return
	}

	b.mu.Lock()
	b.log = append(b.log, sent{from: msg.Sender(), msg: msg})
	nodes := append([]*node{}, b.nodes...)
	b.mu.Unlock()

	for _, n := range nodes {
		n.coord.HandleDatagram(multicast.Datagram{Data: data, Src: src})
	}
}

// inject sends msg as if a node that isn't on the bus sent it.
func (b *bus) inject(msg v1.Message, src string) {
	data, err := v1.Encode(msg)
	if err != nil {
		b.t.Fatal(err)
	}
	b.deliver(data, net.ParseIP(src))
}

// sentBy returns the messages of one request type that a node sent.
func (b *bus) sentBy(from, request string) []v1.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []v1.Message
	for _, s := range b.log {
		if s.from == from && s.msg.RequestType() == request {
			out = append(out, s.msg)
		}
	}
	return out
}

func (b *bus) add(id, ip string, recs ...network.Record) *node {
	b.t.Helper()
	logger := log.NewNopLogger()
	store := &memStore{records: map[string]network.Record{}}
	for _, r := range recs {
		store.records[r.ID] = r
	}

	n := &node{id: id, ip: net.ParseIP(ip), prov: &fakeProvisioner{}}
	n.dir = network.New(logger, b.clock, id, store, n.prov)
	if err := n.dir.Load(); err != nil {
		b.t.Fatal(err)
	}
	n.peers = peer.New(logger, b.clock, id)
	n.dir.SetHostChecker(n.peers)
	n.sched = timer.New(logger, b.clock)
	n.coord = New(logger, Config{
		MachineID:           id,
		NetType:             "vxlan",
		NetFlag:             netFlag,
		NodeType:            v1.NodeCompute,
		LocalPort:           7445,
		AdvertiseInterval:   50 * time.Second,
		PeerTimeout:         300 * time.Second,
		NetworkListInterval: 30 * time.Second,
		GCInterval:          time.Hour,
		NetworkIdle:         24 * time.Hour,
		NetworkExpiry:       30 * 24 * time.Hour,
		ResumeDelay:         2 * time.Minute,
	}, n.dir, n.peers, n.sched, busSender{b: b, ip: n.ip})
	n.dir.SetAnnouncer(n.coord)

	ctx, cancel := context.WithCancel(context.Background())
	go n.sched.Run(ctx)
	b.t.Cleanup(cancel)

	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

func (n *node) owner(name string) string {
	rec, ok := n.dir.Get(name)
	if !ok {
		return "<none>"
	}
	return rec.MachineID
}

// record is a network owned by owner.
func record(name, owner string) network.Record {
	return network.Record{
		ID:            name,
		BridgeName:    "br" + name,
		VxlanName:     "vx" + name,
		VNI:           4242,
		IPCidr:        "10.9.0.0/24",
		IPStart:       "10.9.0.1",
		IPEnd:         "10.9.0.254",
		DHCPInterface: "tap" + strings.Repeat("0", 10),
		MachineID:     owner,
		RentWallet:    "wallet1",
		LastUseTime:   epoch.Unix(),
	}
}

// drain returns once everything already queued on the node's callback
// goroutine has run.
func (n *node) drain() {
	done := make(chan struct{})
	if !n.sched.Post(func() { close(done) }) {
		return
	}
	<-done
}

// settle drains every node. Applying a message can send another one,
// so it takes a few passes.
func (b *bus) settle() {
	b.mu.Lock()
	nodes := append([]*node{}, b.nodes...)
	b.mu.Unlock()

	for i := 0; i < 3; i++ {
		for _, n := range nodes {
			n.drain()
		}
	}
}
