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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/go-kit/log"

	"vxlanmesh.io/internal/provision"
	v1 "vxlanmesh.io/pkg/apis/v1"
)

var errBoom = errors.New("boom")

type memStore struct {
	sync.Mutex
	records map[string]Record
	puts    int
	failPut bool
}

func newMemStore(recs ...Record) *memStore {
	s := &memStore{records: map[string]Record{}}
	for _, r := range recs {
		s.records[r.ID] = r.Clone()
	}
	return s
}

func (s *memStore) Load() ([]Record, error) {
	s.Lock()
	defer s.Unlock()
	out := []Record{}
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *memStore) Put(r Record) error {
	s.Lock()
	defer s.Unlock()
	if s.failPut {
		return errBoom
	}
	s.puts++
	r.LastUpdateTime = time.Time{}
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *memStore) Delete(id string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) get(id string) (Record, bool) {
	s.Lock()
	defer s.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// fakeProvisioner logs each call as "op arg arg..." and fails the ops
// named in fail.
type fakeProvisioner struct {
	sync.Mutex
	calls []string
	fail  map[string]bool
}

func (p *fakeProvisioner) record(op string, args ...any) error {
	p.Lock()
	defer p.Unlock()
	call := op
	for _, a := range args {
		call += fmt.Sprintf(" %v", a)
	}
	p.calls = append(p.calls, call)
	if p.fail[op] {
		return &provision.Error{Op: op, Code: 1, Message: "failed"}
	}
	return nil
}

func (p *fakeProvisioner) CreateBridge(_ context.Context, bridge, vxlan string, vni uint32) error {
	return p.record("create_bridge", bridge, vxlan, vni)
}

func (p *fakeProvisioner) DeleteBridge(_ context.Context, bridge, vxlan string) error {
	return p.record("delete_bridge", bridge, vxlan)
}

func (p *fakeProvisioner) StartDHCP(_ context.Context, bridge, vxlan string, dhcp provision.DHCPConfig) error {
	return p.record("start_dhcp", bridge, vxlan, dhcp.Interface, dhcp.Netmask, dhcp.Start, dhcp.End, dhcp.MaxLeases)
}

func (p *fakeProvisioner) StopDHCP(_ context.Context, bridge, vxlan string) error {
	return p.record("stop_dhcp", bridge, vxlan)
}

// ops returns just the op names of the calls so far.
func (p *fakeProvisioner) ops() []string {
	p.Lock()
	defer p.Unlock()
	out := []string{}
	for _, c := range p.calls {
		for i := range c {
			if c[i] == ' ' {
				c = c[:i]
				break
			}
		}
		out = append(out, c)
	}
	return out
}

type recordingAnnouncer struct {
	sync.Mutex
	sent []v1.Message
}

func (a *recordingAnnouncer) Announce(msg v1.Message) {
	a.Lock()
	defer a.Unlock()
	a.sent = append(a.sent, msg)
}

func (a *recordingAnnouncer) messages() []v1.Message {
	a.Lock()
	defer a.Unlock()
	return append([]v1.Message{}, a.sent...)
}

type hostSet map[string]bool

func (h hostSet) IsSameHost(id string) bool { return h[id] }

var epoch = time.Unix(1700000000, 0)

type fixture struct {
	dir   *Directory
	store *memStore
	prov  *fakeProvisioner
	ann   *recordingAnnouncer
	clock *fakeclock.FakeClock
}

func newFixture(t *testing.T, self string, recs ...Record) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(recs...),
		prov:  &fakeProvisioner{fail: map[string]bool{}},
		ann:   &recordingAnnouncer{},
		clock: fakeclock.NewFakeClock(epoch),
	}
	f.dir = New(log.NewNopLogger(), f.clock, self, f.store, f.prov)
	f.dir.SetAnnouncer(f.ann)
	if err := f.dir.Load(); err != nil {
		t.Fatal(err)
	}
	return f
}

// remoteRecord is a network owned by owner, as another node would
// have broadcast it.
func remoteRecord(name, owner string) Record {
	return Record{
		ID:            name,
		BridgeName:    "br" + name,
		VxlanName:     "vx" + name,
		VNI:           4242,
		IPCidr:        "10.9.0.0/24",
		IPStart:       "10.9.0.1",
		IPEnd:         "10.9.0.254",
		DHCPInterface: "tap0123456789",
		MachineID:     owner,
		RentWallet:    "wallet1",
		LastUseTime:   epoch.Unix() - 60,
	}
}
