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

// Package network holds this node's view of every overlay network it
// has heard of, and applies the local side effects (devices, DHCP,
// persistence) when that view changes.
package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"vxlanmesh.io/internal/ipam"
	"vxlanmesh.io/internal/provision"
	v1 "vxlanmesh.io/pkg/apis/v1"
)

var (
	ErrInvalidName  = ipam.ErrInvalidName
	ErrInvalidCIDR  = ipam.ErrInvalidCIDR
	ErrVNIExhausted = ipam.ErrVNIExhausted

	ErrInvalidWallet  = errors.New("rent wallet can not be empty")
	ErrNameExists     = errors.New("network name already existed")
	ErrNotFound       = errors.New("network name not exist")
	ErrWalletMismatch = errors.New("wallet error, you are not the owner of the network")
	ErrInUse          = errors.New("network is in used, please delete task in the network first")
	ErrNotSelf        = errors.New("not my machine id")
	ErrProvision      = errors.New("device provisioning failed")

	// errNoChange tells modify() to leave the record alone.
	errNoChange = errors.New("no change")
)

const tapSuffixLen = 10

// Store persists network records.
type Store interface {
	Load() ([]Record, error)
	Put(Record) error
	Delete(id string) error
}

// Announcer broadcasts protocol messages to the other nodes.
type Announcer interface {
	Announce(msg v1.Message)
}

// HostChecker tells whether a machine id belongs to an agent on this
// host. Agents on the same host share devices.
type HostChecker interface {
	IsSameHost(machineID string) bool
}

type nopAnnouncer struct{}

func (nopAnnouncer) Announce(v1.Message) {}

type selfHost string

func (s selfHost) IsSameHost(id string) bool { return id == string(s) }

// Directory is the in-memory map of networks. Every change is written
// to the Store before it is applied to the map. The lock is never held
// while the Provisioner runs.
type Directory struct {
	logger log.Logger
	clock  clock.Clock
	self   string
	store  Store
	prov   provision.Provisioner

	mu       sync.RWMutex
	announce Announcer
	hosts    HostChecker
	networks map[string]*Record
	pending  map[string]uint32 // name -> VNI of creates that are still provisioning
	rng      *rand.Rand
}

// New returns an empty Directory for the node self. Call Load to fill
// it from the store.
func New(logger log.Logger, clk clock.Clock, self string, store Store, prov provision.Provisioner) *Directory {
	return &Directory{
		logger:   log.With(logger, "component", "network"),
		clock:    clk,
		self:     self,
		store:    store,
		prov:     prov,
		announce: nopAnnouncer{},
		hosts:    selfHost(self),
		networks: map[string]*Record{},
		pending:  map[string]uint32{},
		rng:      rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// SetAnnouncer configures where broadcasts go.
func (d *Directory) SetAnnouncer(a Announcer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.announce = a
}

// SetHostChecker configures the same-host test. The default only
// recognizes our own id.
func (d *Directory) SetHostChecker(h HostChecker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts = h
}

// Self returns this node's machine id.
func (d *Directory) Self() string {
	return d.self
}

// Load replaces the directory's contents with what's in the store.
// Loaded records count as fresh.
func (d *Directory) Load() error {
	recs, err := d.store.Load()
	if err != nil {
		return fmt.Errorf("loading networks: %w", err)
	}

	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.networks = make(map[string]*Record, len(recs))
	for i := range recs {
		rec := recs[i]
		rec.LastUpdateTime = now
		d.networks[rec.ID] = &rec
	}
	level.Info(d.logger).Log("op", "load", "networks", len(d.networks))
	return nil
}

// Get returns a copy of the named network.
func (d *Directory) Get(name string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.networks[name]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// List returns copies of all networks, sorted by name.
func (d *Directory) List() []Record {
	return d.filter(func(*Record) bool { return true })
}

// Owned returns the networks that this node owns.
func (d *Directory) Owned() []Record {
	return d.filter(func(r *Record) bool { return r.MachineID == d.self })
}

// Orphaned returns the networks that have no owner.
func (d *Directory) Orphaned() []Record {
	return d.filter(func(r *Record) bool { return r.Orphaned() })
}

// Foreign returns the names of the networks that this node doesn't
// own.
func (d *Directory) Foreign() []string {
	var names []string
	for _, r := range d.filter(func(r *Record) bool { return r.MachineID != d.self }) {
		names = append(names, r.ID)
	}
	return names
}

func (d *Directory) filter(keep func(*Record) bool) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []Record{}
	for _, rec := range d.networks {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateNetworkServer creates a network owned by this node: it
// allocates a VNI, brings up the bridge and the DHCP server, persists
// the record and tells the other nodes. On failure nothing is kept.
func (d *Directory) CreateNetworkServer(ctx context.Context, name, cidr, wallet string) (Record, error) {
	if err := ipam.ValidateName(name); err != nil {
		return Record{}, err
	}
	if wallet == "" {
		return Record{}, ErrInvalidWallet
	}
	dhcpRange, err := ipam.NewDHCPRange(cidr)
	if err != nil {
		return Record{}, err
	}

	rec, err := d.reserve(name, dhcpRange, wallet)
	if err != nil {
		return Record{}, err
	}
	defer d.release(name)

	if err := d.prov.CreateBridge(ctx, rec.BridgeName, rec.VxlanName, rec.VNI); err != nil {
		d.teardown(ctx, &rec, false)
		return Record{}, fmt.Errorf("%w: %w", ErrProvision, err)
	}
	if err := d.prov.StartDHCP(ctx, rec.BridgeName, rec.VxlanName, dhcpConfig(&rec, dhcpRange)); err != nil {
		d.teardown(ctx, &rec, true)
		return Record{}, fmt.Errorf("%w: %w", ErrProvision, err)
	}
	rec.NativeFlags = FlagDevice | FlagDHCPServer

	d.mu.Lock()
	if err := d.store.Put(rec); err != nil {
		d.mu.Unlock()
		d.teardown(ctx, &rec, true)
		return Record{}, fmt.Errorf("persisting network %s: %w", name, err)
	}
	rec.LastUpdateTime = d.clock.Now()
	stored := rec.Clone()
	d.networks[name] = &stored
	announce := d.announce
	d.mu.Unlock()

	announce.Announce(&v1.NetworkCreate{MachineID: d.self, NetworkInfo: rec.Info()})
	level.Info(d.logger).Log("op", "createServer", "network", name, "cidr", rec.IPCidr, "vni", rec.VNI)
	return rec, nil
}

// reserve claims name and a fresh VNI for a create that is in
// progress, and fills in the new record.
func (d *Directory) reserve(name string, dhcpRange ipam.DHCPRange, wallet string) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.networks[name]; exists {
		return Record{}, fmt.Errorf("%w: %s", ErrNameExists, name)
	}
	if _, exists := d.pending[name]; exists {
		return Record{}, fmt.Errorf("%w: %s", ErrNameExists, name)
	}

	vni, err := ipam.AllocateVNI(d.rng, d.vniInUse)
	if err != nil {
		return Record{}, err
	}
	d.pending[name] = vni

	return Record{
		ID:            name,
		BridgeName:    ipam.BridgeName(name),
		VxlanName:     ipam.VxlanName(name),
		VNI:           vni,
		IPCidr:        dhcpRange.CIDR,
		IPStart:       dhcpRange.Start.String(),
		IPEnd:         dhcpRange.End.String(),
		DHCPInterface: "tap" + ipam.RandomSuffix(d.rng, tapSuffixLen),
		MachineID:     d.self,
		RentWallet:    wallet,
		LastUseTime:   d.clock.Now().Unix(),
	}, nil
}

func (d *Directory) release(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, name)
}

// vniInUse must be called with the lock held.
func (d *Directory) vniInUse(vni uint32) bool {
	for _, rec := range d.networks {
		if rec.VNI == vni {
			return true
		}
	}
	for _, pending := range d.pending {
		if pending == vni {
			return true
		}
	}
	return false
}

// CreateNetworkClient makes sure that the bridge for a network that
// lives elsewhere exists here, so local VMs can attach to it. It does
// nothing if the device is already here.
func (d *Directory) CreateNetworkClient(ctx context.Context, name string) error {
	rec, ok := d.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if rec.Has(FlagDevice) || d.hostChecker().IsSameHost(rec.MachineID) {
		return nil
	}

	if err := d.prov.CreateBridge(ctx, rec.BridgeName, rec.VxlanName, rec.VNI); err != nil {
		d.teardown(ctx, &rec, false)
		return fmt.Errorf("%w: %w", ErrProvision, err)
	}

	if _, err := d.modify(name, func(r *Record) error {
		r.NativeFlags |= FlagDevice
		return nil
	}); err != nil {
		d.teardown(ctx, &rec, false)
		return err
	}

	level.Info(d.logger).Log("op", "createClient", "network", name)
	return nil
}

// AddNetworkFromMulticast merges a record that another node
// broadcast. A record that matches what we have only refreshes it;
// anything else replaces it, keeping only our local device flags.
func (d *Directory) AddNetworkFromMulticast(incoming Record) error {
	if incoming.MachineID == d.self {
		return nil
	}

	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if cur, ok := d.networks[incoming.ID]; ok {
		if cur.SameContent(&incoming) {
			cur.LastUpdateTime = now
			return nil
		}
		incoming.NativeFlags = cur.NativeFlags
	} else {
		incoming.NativeFlags = 0
	}

	if err := d.store.Put(incoming); err != nil {
		return fmt.Errorf("persisting network %s: %w", incoming.ID, err)
	}
	stored := incoming.Clone()
	stored.LastUpdateTime = now
	d.networks[incoming.ID] = &stored

	level.Debug(d.logger).Log("op", "addNetwork", "network", incoming.ID, "machine", incoming.MachineID)
	return nil
}

// DeleteNetwork deletes a network on behalf of its renter, and tells
// the other nodes to delete it too.
func (d *Directory) DeleteNetwork(ctx context.Context, name, wallet string) error {
	d.mu.RLock()
	cur, ok := d.networks[name]
	if !ok {
		d.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if cur.RentWallet != wallet {
		d.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrWalletMismatch, name)
	}
	if len(cur.Members) > 0 {
		d.mu.RUnlock()
		return fmt.Errorf("%w: %s has %d members", ErrInUse, name, len(cur.Members))
	}
	rec := cur.Clone()
	d.mu.RUnlock()

	d.teardown(ctx, &rec, true)
	if err := d.remove(name); err != nil {
		return err
	}

	d.announcer().Announce(&v1.NetworkDelete{MachineID: d.self, NetworkName: name})
	level.Info(d.logger).Log("op", "delete", "network", name)
	return nil
}

// DeleteNetworkFromMulticast deletes a network because another node
// said so. Unknown networks are ignored.
func (d *Directory) DeleteNetworkFromMulticast(ctx context.Context, name, machineID string) error {
	rec, ok := d.Get(name)
	if !ok {
		return nil
	}

	d.teardown(ctx, &rec, true)
	if err := d.remove(name); err != nil {
		return err
	}

	level.Info(d.logger).Log("op", "delete", "network", name, "machine", machineID)
	return nil
}

func (d *Directory) remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Delete(name); err != nil {
		return fmt.Errorf("deleting network %s: %w", name, err)
	}
	delete(d.networks, name)
	return nil
}

// MoveNetwork claims a network for this node: it brings up the
// devices and the DHCP server, takes ownership and broadcasts a move
// ack. If anything fails the record is left as it was.
func (d *Directory) MoveNetwork(ctx context.Context, name, newOwner string) error {
	if newOwner != d.self {
		return fmt.Errorf("%w: %s", ErrNotSelf, newOwner)
	}
	rec, ok := d.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	dhcpRange, err := ipam.NewDHCPRange(rec.IPCidr)
	if err != nil {
		return err
	}

	created := false
	if !d.hostChecker().IsSameHost(rec.MachineID) && !rec.Has(FlagDevice) {
		if err := d.prov.CreateBridge(ctx, rec.BridgeName, rec.VxlanName, rec.VNI); err != nil {
			d.teardown(ctx, &rec, false)
			return fmt.Errorf("%w: %w", ErrProvision, err)
		}
		created = true
	}

	undo := func() {
		bg := context.WithoutCancel(ctx)
		d.stopDHCP(bg, &rec)
		if created {
			d.deleteBridge(bg, &rec)
		}
	}

	if err := d.prov.StartDHCP(ctx, rec.BridgeName, rec.VxlanName, dhcpConfig(&rec, dhcpRange)); err != nil {
		undo()
		return fmt.Errorf("%w: %w", ErrProvision, err)
	}

	if _, err := d.modify(name, func(r *Record) error {
		r.MachineID = d.self
		r.NativeFlags |= FlagDevice | FlagDHCPServer
		return nil
	}); err != nil {
		undo()
		return err
	}

	d.announcer().Announce(&v1.NetworkMoveAck{MachineID: d.self, NetworkName: name, NewMachineID: d.self})
	level.Info(d.logger).Log("op", "move", "network", name, "from", rec.MachineID, "to", d.self)
	return nil
}

// MoveNetworkAck records that another node has claimed a network. If
// we were running its DHCP server we stop it.
func (d *Directory) MoveNetworkAck(ctx context.Context, name, newOwner string) error {
	if newOwner == d.self {
		return nil
	}
	rec, ok := d.Get(name)
	if !ok {
		return nil
	}

	if rec.Has(FlagDHCPServer) && !d.hostChecker().IsSameHost(newOwner) {
		d.stopDHCP(ctx, &rec)
	}

	_, err := d.modify(name, func(r *Record) error {
		if r.MachineID == newOwner && !r.Has(FlagDHCPServer) {
			return errNoChange
		}
		r.MachineID = newOwner
		r.NativeFlags &^= FlagDHCPServer
		return nil
	})
	if err != nil {
		return err
	}

	level.Info(d.logger).Log("op", "moveAck", "network", name, "to", newOwner)
	return nil
}

// Vacate gives up every network that this node owns and that has a
// subnet: the DHCP server stops and the owner becomes empty. It
// returns the vacated networks so their successors can be found.
func (d *Directory) Vacate(ctx context.Context) []Record {
	var vacated []Record
	for _, rec := range d.Owned() {
		if !rec.HasIPRange() {
			continue
		}
		d.stopDHCP(ctx, &rec)
		updated, err := d.modify(rec.ID, func(r *Record) error {
			r.MachineID = ""
			r.NativeFlags &^= FlagDHCPServer
			return nil
		})
		if err != nil {
			level.Error(d.logger).Log("op", "vacate", "network", rec.ID, "error", err)
			continue
		}
		vacated = append(vacated, updated)
	}
	return vacated
}

// Orphan clears the owner of a network if it is formerOwner.
func (d *Directory) Orphan(name, formerOwner string) error {
	_, err := d.modify(name, func(r *Record) error {
		if r.MachineID != formerOwner {
			return errNoChange
		}
		r.MachineID = ""
		return nil
	})
	return err
}

// JoinNetwork adds a task to a network. If another node owns the
// network it's told about the new member.
func (d *Directory) JoinNetwork(name, taskID string) error {
	now := d.clock.Now().Unix()
	rec, err := d.modify(name, func(r *Record) error {
		r.Members = append(r.Members, taskID)
		r.LastUseTime = now
		return nil
	})
	if err != nil {
		return err
	}

	if !rec.Orphaned() && rec.MachineID != d.self {
		d.announcer().Announce(&v1.NetworkJoin{MachineID: d.self, NetworkName: name, TaskID: taskID})
	}
	level.Info(d.logger).Log("op", "join", "network", name, "task", taskID)
	return nil
}

// LeaveNetwork removes a task from a network. If another node owns
// the network it's told about it.
func (d *Directory) LeaveNetwork(name, taskID string) error {
	now := d.clock.Now().Unix()
	rec, err := d.modify(name, func(r *Record) error {
		r.Members = slices.DeleteFunc(r.Members, func(m string) bool { return m == taskID })
		r.LastUseTime = now
		return nil
	})
	if err != nil {
		return err
	}

	if !rec.Orphaned() && rec.MachineID != d.self {
		d.announcer().Announce(&v1.NetworkLeave{MachineID: d.self, NetworkName: name, TaskID: taskID})
	}
	level.Info(d.logger).Log("op", "leave", "network", name, "task", taskID)
	return nil
}

// JoinNetworkFromMulticast applies another node's join to a network
// that we own. Anything else is ignored.
func (d *Directory) JoinNetworkFromMulticast(name, taskID string) error {
	now := d.clock.Now().Unix()
	_, err := d.modify(name, func(r *Record) error {
		if r.MachineID != d.self || slices.Contains(r.Members, taskID) {
			return errNoChange
		}
		r.Members = append(r.Members, taskID)
		r.LastUseTime = now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// LeaveNetworkFromMulticast applies another node's leave to a network
// that we own.
func (d *Directory) LeaveNetworkFromMulticast(name, taskID string) error {
	now := d.clock.Now().Unix()
	_, err := d.modify(name, func(r *Record) error {
		if r.MachineID != d.self || !slices.Contains(r.Members, taskID) {
			return errNoChange
		}
		r.Members = slices.DeleteFunc(r.Members, func(m string) bool { return m == taskID })
		r.LastUseTime = now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ClearEmptyNetwork deletes the networks that we own that have had no
// members for longer than idle. It returns how many it deleted.
func (d *Directory) ClearEmptyNetwork(ctx context.Context, idle time.Duration) int {
	now := d.clock.Now().Unix()
	cleared := 0
	for _, rec := range d.Owned() {
		if len(rec.Members) > 0 || now-rec.LastUseTime <= int64(idle.Seconds()) {
			continue
		}
		level.Info(d.logger).Log("op", "clearEmpty", "network", rec.ID, "msg", "network has been unused for a long time and will be deleted")
		if err := d.DeleteNetwork(ctx, rec.ID, rec.RentWallet); err != nil {
			level.Error(d.logger).Log("op", "clearEmpty", "network", rec.ID, "error", err)
			continue
		}
		cleared++
	}
	return cleared
}

// ClearExpiredNetwork forgets the networks owned by other nodes that
// nobody has mentioned for longer than expiry. Nothing is broadcast
// since they aren't ours.
func (d *Directory) ClearExpiredNetwork(ctx context.Context, expiry time.Duration) int {
	now := d.clock.Now()
	stale := d.filter(func(r *Record) bool {
		return r.MachineID != d.self && len(r.Members) == 0 && now.Sub(r.LastUpdateTime) > expiry
	})

	cleared := 0
	for _, rec := range stale {
		level.Info(d.logger).Log("op", "clearExpired", "network", rec.ID, "msg", "network has not been updated for a long time and will be deleted")
		if err := d.DeleteNetworkFromMulticast(ctx, rec.ID, ""); err != nil {
			level.Error(d.logger).Log("op", "clearExpired", "network", rec.ID, "error", err)
			continue
		}
		cleared++
	}
	return cleared
}

// modify applies fn to a copy of the named record, persists the copy
// and then installs it. If fn returns errNoChange nothing is written
// and the current record is returned.
func (d *Directory) modify(name string, fn func(r *Record) error) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.networks[name]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, errNoChange) {
			return cur.Clone(), nil
		}
		return Record{}, err
	}
	if err := d.store.Put(next); err != nil {
		return Record{}, fmt.Errorf("persisting network %s: %w", name, err)
	}
	d.networks[name] = &next
	return next.Clone(), nil
}

func (d *Directory) announcer() Announcer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.announce
}

func (d *Directory) hostChecker() HostChecker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hosts
}

// teardown removes whatever devices a network might have here. It
// keeps going after errors and only logs them.
func (d *Directory) teardown(ctx context.Context, rec *Record, dhcp bool) {
	ctx = context.WithoutCancel(ctx)
	if dhcp {
		d.stopDHCP(ctx, rec)
	}
	d.deleteBridge(ctx, rec)
}

func (d *Directory) stopDHCP(ctx context.Context, rec *Record) {
	if err := d.prov.StopDHCP(ctx, rec.BridgeName, rec.VxlanName); err != nil {
		level.Warn(d.logger).Log("op", "stopDHCP", "network", rec.ID, "error", err)
	}
}

func (d *Directory) deleteBridge(ctx context.Context, rec *Record) {
	if err := d.prov.DeleteBridge(ctx, rec.BridgeName, rec.VxlanName); err != nil {
		level.Warn(d.logger).Log("op", "deleteBridge", "network", rec.ID, "error", err)
	}
}

func dhcpConfig(rec *Record, r ipam.DHCPRange) provision.DHCPConfig {
	return provision.DHCPConfig{
		Interface: rec.DHCPInterface,
		Netmask:   r.Netmask.String(),
		Start:     rec.IPStart,
		End:       rec.IPEnd,
		MaxLeases: r.MaxLeases,
	}
}
