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
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"vxlanmesh.io/internal/multicast"
	"vxlanmesh.io/internal/network"
	"vxlanmesh.io/internal/peer"
	"vxlanmesh.io/internal/timer"
	v1 "vxlanmesh.io/pkg/apis/v1"
)

const (
	// maxCandidates is the length of a move's candidate queue.
	maxCandidates = 3

	// claimAttempts is how many times a candidate tries to claim a
	// network before giving up.
	claimAttempts = 100

	// maxDatagram bounds the size of the list and query messages we
	// send.
	maxDatagram = 8192

	// queryChunk is the number of names per query message.
	queryChunk = 500
)

// rankDelays are the claim delays for each candidate rank. Later
// ranks only claim if the earlier ones fail.
var rankDelays = []time.Duration{time.Second, 30 * time.Second, 60 * time.Second}

func rankDelay(rank int) time.Duration {
	if rank >= len(rankDelays) {
		return rankDelays[len(rankDelays)-1]
	}
	return rankDelays[rank]
}

// Sender sends an encoded message to every node.
type Sender interface {
	Send(data []byte) bool
}

// Config holds what the Coordinator advertises and how often it does
// its periodic work.
type Config struct {
	MachineID string
	NetType   string
	NetFlag   int32
	NodeType  v1.NodeType
	LocalPort uint16

	AdvertiseInterval   time.Duration
	PeerTimeout         time.Duration
	NetworkListInterval time.Duration
	GCInterval          time.Duration
	NetworkIdle         time.Duration
	NetworkExpiry       time.Duration
	ResumeDelay         time.Duration
}

// Coordinator runs the ownership protocol for one node. It turns
// incoming datagrams into Directory and Presence operations and sends
// the Directory's announcements.
type Coordinator struct {
	logger log.Logger
	config Config
	dir    *network.Directory
	peers  *peer.Presence
	sched  *timer.Scheduler
	sender Sender
	ctx    context.Context

	mu     sync.Mutex
	claims map[string][]timer.ID // network -> pending claim timers
	timers []timer.ID
}

func New(logger log.Logger, config Config, dir *network.Directory, peers *peer.Presence, sched *timer.Scheduler, sender Sender) *Coordinator {
	return &Coordinator{
		logger: log.With(logger, "component", "election"),
		config: config,
		dir:    dir,
		peers:  peers,
		sched:  sched,
		sender: sender,
		ctx:    context.Background(),
		claims: map[string][]timer.ID{},
	}
}

// Start schedules the periodic work: advertisement, network lists,
// garbage collection and the one-time resume sweep. It also
// advertises and queries right away. ctx bounds the provisioning the
// timers do.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx = ctx

	c.mu.Lock()
	c.timers = append(c.timers,
		c.sched.AddTimer("advertise", c.config.AdvertiseInterval, c.config.AdvertiseInterval, timer.Forever, c.advertise),
		c.sched.AddTimer("network list", c.config.NetworkListInterval, c.config.NetworkListInterval, timer.Forever, c.broadcastList),
		c.sched.AddTimer("network gc", c.config.GCInterval, c.config.GCInterval, timer.Forever, c.collect),
		c.sched.AddTimer("network resume", c.config.ResumeDelay, c.config.ResumeDelay, 1, c.Resume),
	)
	c.mu.Unlock()

	c.sched.Post(func() {
		c.advertise()
		c.query(c.dir.Foreign())
	})
}

// Stop cancels the periodic timers and any pending claims.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	ids := c.timers
	c.timers = nil
	for name, pending := range c.claims {
		ids = append(ids, pending...)
		delete(c.claims, name)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.sched.RemoveTimer(id)
	}
}

// Announce encodes msg and sends it. It satisfies network.Announcer.
func (c *Coordinator) Announce(msg v1.Message) {
	data, err := v1.Encode(msg)
	if err != nil {
		level.Error(c.logger).Log("op", "announce", "request", msg.RequestType(), "error", err)
		return
	}
	if !c.sender.Send(data) {
		level.Warn(c.logger).Log("op", "announce", "request", msg.RequestType(), "msg", "not sent")
	}
}

// HandleDatagram processes one received datagram. Peer bookkeeping and
// query answers happen on the caller's receive loop. Everything that
// changes a network is posted to the scheduler, so those messages are
// applied one at a time in arrival order and the receive loop never
// blocks on provisioning.
func (c *Coordinator) HandleDatagram(d multicast.Datagram) {
	msg, err := v1.Decode(d.Data)
	if err != nil {
		if errors.Is(err, v1.ErrUnknownRequest) {
			multicast.RecordDropped("unknown_request")
		} else {
			multicast.RecordDropped("malformed")
		}
		level.Debug(c.logger).Log("op", "receive", "from", d.Src, "error", err)
		return
	}

	// Our own messages come back to us. The only thing they tell us is
	// which address we send from.
	if msg.Sender() == c.config.MachineID {
		if _, ok := msg.(*v1.MachineInfo); ok && d.Src != nil {
			c.peers.SetLocalAddress(d.Src)
		}
		return
	}

	switch m := msg.(type) {
	case *v1.MachineInfo:
		c.peers.Upsert(m, d.Src)

	case *v1.MachineExit:
		if c.peers.Remove(m.MachineID) {
			level.Info(c.logger).Log("op", "machineExit", "peer", m.MachineID)
		}

	case *v1.NetworkQuery:
		c.answer(m)

	default:
		c.sched.Post(func() { c.apply(msg) })
	}
}

// apply runs on the scheduler's callback goroutine.
func (c *Coordinator) apply(msg v1.Message) {
	switch m := msg.(type) {
	case *v1.NetworkCreate:
		c.merge(m.MachineID, m.NetworkInfo)

	case *v1.NetworkList:
		for _, info := range m.Networks {
			c.merge(m.MachineID, info)
		}

	case *v1.NetworkDelete:
		c.cancelClaim(m.NetworkName)
		if err := c.dir.DeleteNetworkFromMulticast(c.ctx, m.NetworkName, m.MachineID); err != nil {
			level.Error(c.logger).Log("op", "networkDelete", "network", m.NetworkName, "error", err)
		}

	case *v1.NetworkMove:
		c.onMove(m)

	case *v1.NetworkMoveAck:
		c.onMoveAck(m)

	case *v1.NetworkJoin:
		if err := c.dir.JoinNetworkFromMulticast(m.NetworkName, m.TaskID); err != nil {
			level.Error(c.logger).Log("op", "networkJoin", "network", m.NetworkName, "task", m.TaskID, "error", err)
		}

	case *v1.NetworkLeave:
		if err := c.dir.LeaveNetworkFromMulticast(m.NetworkName, m.TaskID); err != nil {
			level.Error(c.logger).Log("op", "networkLeave", "network", m.NetworkName, "task", m.TaskID, "error", err)
		}
	}
}

func (c *Coordinator) merge(owner string, info v1.NetworkInfo) {
	if err := c.dir.AddNetworkFromMulticast(network.FromInfo(&info, owner)); err != nil {
		level.Error(c.logger).Log("op", "merge", "network", info.NetworkName, "owner", owner, "error", err)
	}
}

// answer replies to a query with the named networks that we own.
func (c *Coordinator) answer(q *v1.NetworkQuery) {
	var infos []v1.NetworkInfo
	for _, name := range q.Networks {
		rec, ok := c.dir.Get(name)
		if !ok || rec.MachineID != c.config.MachineID || !rec.HasIPRange() {
			continue
		}
		infos = append(infos, rec.Info())
	}
	c.sendList(infos)
}

// onMove handles another node handing off a network. If we're one of
// the candidates we schedule a claim whose delay depends on our rank.
// A move for a network we've never heard of only sends a query.
func (c *Coordinator) onMove(m *v1.NetworkMove) {
	if err := c.dir.Orphan(m.NetworkName, m.MachineID); err != nil {
		if errors.Is(err, network.ErrNotFound) {
			c.query([]string{m.NetworkName})
			return
		}
		level.Error(c.logger).Log("op", "networkMove", "network", m.NetworkName, "error", err)
	}

	for rank, candidate := range m.CandidateQueue {
		if candidate != c.config.MachineID {
			continue
		}
		c.scheduleClaim(m.NetworkName, rank)
		return
	}
}

func (c *Coordinator) scheduleClaim(name string, rank int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.claims[name]) > 0 {
		return
	}

	delay := rankDelay(rank)
	attempts := 0
	id := c.sched.AddTimer("claim "+name, delay, delay, claimAttempts, func() {
		attempts++
		if c.claim(name) || attempts >= claimAttempts {
			c.cancelClaim(name)
		}
	})
	c.claims[name] = append(c.claims[name], id)
	level.Info(c.logger).Log("op", "scheduleClaim", "network", name, "rank", rank, "delay", delay)
}

// claim tries to take over a network. It returns true when there's
// nothing left to do, either because the claim worked or because it
// can never work.
func (c *Coordinator) claim(name string) bool {
	rec, ok := c.dir.Get(name)
	if !ok {
		return true
	}
	if !rec.Orphaned() {
		// Someone beat us to it.
		return true
	}

	err := c.dir.MoveNetwork(c.ctx, name, c.config.MachineID)
	RecordClaim(err == nil)
	if err != nil {
		level.Error(c.logger).Log("op", "claim", "network", name, "error", err)
		return errors.Is(err, network.ErrNotFound) || errors.Is(err, network.ErrInvalidCIDR)
	}
	return true
}

func (c *Coordinator) cancelClaim(name string) {
	c.mu.Lock()
	ids := c.claims[name]
	delete(c.claims, name)
	c.mu.Unlock()

	for _, id := range ids {
		c.sched.RemoveTimer(id)
	}
}

// pendingClaims returns the number of networks we're waiting to claim.
func (c *Coordinator) pendingClaims() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Coordinator) onMoveAck(m *v1.NetworkMoveAck) {
	RecordMoveAck()
	if m.NewMachineID != c.config.MachineID {
		c.cancelClaim(m.NetworkName)
	}
	if err := c.dir.MoveNetworkAck(c.ctx, m.NetworkName, m.NewMachineID); err != nil {
		level.Error(c.logger).Log("op", "moveAck", "network", m.NetworkName, "error", err)
	}
}

// Exit hands off every network we own and tells the others that
// we're leaving.
func (c *Coordinator) Exit(ctx context.Context) {
	c.Stop()

	for _, rec := range c.dir.Vacate(ctx) {
		queue := c.Candidates(c.config.MachineID)
		if len(queue) == 0 {
			level.Warn(c.logger).Log("op", "exit", "network", rec.ID, "msg", "no candidates, network stays orphaned")
			continue
		}
		c.Announce(&v1.NetworkMove{MachineID: c.config.MachineID, NetworkName: rec.ID, CandidateQueue: queue})
		RecordMoveSent()
		level.Info(c.logger).Log("op", "exit", "network", rec.ID, "candidates", len(queue))
	}

	c.Announce(&v1.MachineExit{MachineID: c.config.MachineID})
	RecordNetworksOwned(0)
}

// Candidates returns up to three peers that could take over a network
// from exclude, most recently seen first. Only peers in our overlay
// (same net flag) qualify.
func (c *Coordinator) Candidates(exclude string) []string {
	var queue []string
	for _, p := range c.peers.List() {
		if p.NetFlag != c.config.NetFlag || p.MachineID == c.config.MachineID || p.MachineID == exclude {
			continue
		}
		queue = append(queue, p.MachineID)
		if len(queue) == maxCandidates {
			break
		}
	}
	return queue
}

// Resume claims the orphaned networks whose owners went away without
// handing them off, and asks about every network we don't own.
func (c *Coordinator) Resume() {
	c.query(c.dir.Foreign())

	for _, rec := range c.dir.Orphaned() {
		if !rec.HasIPRange() {
			continue
		}
		if err := c.dir.MoveNetwork(c.ctx, rec.ID, c.config.MachineID); err != nil {
			level.Error(c.logger).Log("op", "resume", "network", rec.ID, "error", err)
			continue
		}
		c.cancelClaim(rec.ID)
		RecordResumeClaim()
	}
}

func (c *Coordinator) advertise() {
	c.Announce(&v1.MachineInfo{
		MachineID: c.config.MachineID,
		NetType:   c.config.NetType,
		NetFlag:   c.config.NetFlag,
		LocalPort: c.config.LocalPort,
		NodeType:  v1.Ptr(c.config.NodeType),
	})

	c.peers.Sweep(c.config.PeerTimeout)
}

// broadcastList announces every network we own that has a subnet.
func (c *Coordinator) broadcastList() {
	owned := c.dir.Owned()
	RecordNetworksOwned(len(owned))

	infos := make([]v1.NetworkInfo, 0, len(owned))
	for _, rec := range owned {
		if rec.HasIPRange() {
			infos = append(infos, rec.Info())
		}
	}
	c.sendList(infos)
}

func (c *Coordinator) collect() {
	cleared := c.dir.ClearEmptyNetwork(c.ctx, c.config.NetworkIdle)
	expired := c.dir.ClearExpiredNetwork(c.ctx, c.config.NetworkExpiry)
	if cleared > 0 || expired > 0 {
		level.Info(c.logger).Log("op", "gc", "idle", cleared, "expired", expired)
	}
}
