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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vxlanmesh.io/internal/network"
	"vxlanmesh.io/internal/peer"
	"vxlanmesh.io/internal/provision"
	v1 "vxlanmesh.io/pkg/apis/v1"
)

type memStore struct {
	sync.Mutex
	records map[string]network.Record
	failPut bool
}

func (s *memStore) Load() ([]network.Record, error) { return nil, nil }

func (s *memStore) Put(r network.Record) error {
	s.Lock()
	defer s.Unlock()
	if s.failPut {
		return errors.New("disk full")
	}
	s.records[r.ID] = r
	return nil
}

func (s *memStore) Delete(id string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.records, id)
	return nil
}

type fakeProvisioner struct {
	failCreate bool
}

func (p *fakeProvisioner) CreateBridge(context.Context, string, string, uint32) error {
	if p.failCreate {
		return &provision.Error{Op: "create_bridge", Code: 3, Message: "no such device"}
	}
	return nil
}

func (p *fakeProvisioner) DeleteBridge(context.Context, string, string) error { return nil }

func (p *fakeProvisioner) StartDHCP(context.Context, string, string, provision.DHCPConfig) error {
	return nil
}

func (p *fakeProvisioner) StopDHCP(context.Context, string, string) error { return nil }

type fixture struct {
	dir   *network.Directory
	peers *peer.Presence
	store *memStore
	prov  *fakeProvisioner
	srv   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	f := &fixture{
		store: &memStore{records: map[string]network.Record{}},
		prov:  &fakeProvisioner{},
	}
	f.dir = network.New(log.NewNopLogger(), clk, "nodeX", f.store, f.prov)
	require.NoError(t, f.dir.Load())
	f.peers = peer.New(log.NewNopLogger(), clk, "nodeX")
	f.srv = New(log.NewNopLogger(), f.dir, f.peers).Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/networks", CreateNetworkRequest{Name: "abc123", CIDR: "10.8.0.0/24", Wallet: "wallet1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[Network](t, w)
	assert.Equal(t, "abc123", created.NetworkName)
	assert.Equal(t, "10.8.0.1", created.IPStart)
	assert.Equal(t, "10.8.0.254", created.IPEnd)
	assert.Equal(t, "nodeX", created.MachineID)
	assert.True(t, created.Device)
	assert.True(t, created.DHCPServer)

	w = f.do(t, http.MethodGet, "/networks/abc123", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.VxlanVNI, decode[Network](t, w).VxlanVNI)

	w = f.do(t, http.MethodGet, "/networks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]Network](t, w), 1)
}

func TestErrorStatus(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/networks", CreateNetworkRequest{Name: "abc123", CIDR: "10.8.0.0/24", Wallet: "wallet1"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/networks/abc123/members", JoinRequest{TaskID: "task1"}).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"bad name", http.MethodPost, "/networks", CreateNetworkRequest{Name: "ab", CIDR: "10.9.0.0/24", Wallet: "w"}, http.StatusBadRequest},
		{"bad cidr", http.MethodPost, "/networks", CreateNetworkRequest{Name: "def456", CIDR: "10.9.0.0/31", Wallet: "w"}, http.StatusBadRequest},
		{"reserved cidr", http.MethodPost, "/networks", CreateNetworkRequest{Name: "def456", CIDR: "192.168.122.0/24", Wallet: "w"}, http.StatusBadRequest},
		{"no wallet", http.MethodPost, "/networks", CreateNetworkRequest{Name: "def456", CIDR: "10.9.0.0/24"}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/networks", "nope", http.StatusBadRequest},
		{"exists", http.MethodPost, "/networks", CreateNetworkRequest{Name: "abc123", CIDR: "10.9.0.0/24", Wallet: "w"}, http.StatusConflict},
		{"missing", http.MethodGet, "/networks/nothere", nil, http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/networks/nothere?wallet=w", nil, http.StatusNotFound},
		{"wrong wallet", http.MethodDelete, "/networks/abc123?wallet=other", nil, http.StatusForbidden},
		{"in use", http.MethodDelete, "/networks/abc123?wallet=wallet1", nil, http.StatusConflict},
		{"join missing", http.MethodPost, "/networks/nothere/members", JoinRequest{TaskID: "t"}, http.StatusNotFound},
		{"join without task", http.MethodPost, "/networks/abc123/members", JoinRequest{}, http.StatusBadRequest},
		{"client missing", http.MethodPost, "/networks/nothere/client", nil, http.StatusNotFound},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := f.do(t, test.method, test.path, test.body)
			assert.Equal(t, test.status, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, w).Error)
		})
	}
}

func TestProvisionAndStoreFailures(t *testing.T) {
	f := newFixture(t)

	f.prov.failCreate = true
	w := f.do(t, http.MethodPost, "/networks", CreateNetworkRequest{Name: "abc123", CIDR: "10.8.0.0/24", Wallet: "wallet1"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	f.prov.failCreate = false
	f.store.failPut = true
	w = f.do(t, http.MethodPost, "/networks", CreateNetworkRequest{Name: "abc123", CIDR: "10.8.0.0/24", Wallet: "wallet1"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	assert.Empty(t, f.dir.List())
}

func TestMembersAndDelete(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/networks", CreateNetworkRequest{Name: "abc123", CIDR: "10.8.0.0/24", Wallet: "wallet1"}).Code)

	w := f.do(t, http.MethodPost, "/networks/abc123/members", JoinRequest{TaskID: "task1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"task1"}, decode[Network](t, w).Members)

	w = f.do(t, http.MethodDelete, "/networks/abc123/members/task1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	rec, _ := f.dir.Get("abc123")
	assert.Empty(t, rec.Members)

	w = f.do(t, http.MethodDelete, "/networks/abc123?wallet=wallet1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	_, ok := f.dir.Get("abc123")
	assert.False(t, ok)
}

func TestPeers(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]peer.Record](t, w))

	f.peers.Upsert(&v1.MachineInfo{MachineID: "nodeY", NetType: "mainnet", NetFlag: -236867335, LocalPort: 5001, NodeType: v1.Ptr(v1.NodeSeed)}, net.ParseIP("10.0.0.2"))
	w = f.do(t, http.MethodGet, "/peers", nil)
	peers := decode[[]peer.Record](t, w)
	require.Len(t, peers, 1)
	assert.Equal(t, "nodeY", peers[0].MachineID)
	assert.Equal(t, v1.NodeSeed, peers[0].NodeType)
	assert.Equal(t, "10.0.0.2", peers[0].Address.String())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, statusFor(fmt.Errorf("%w: %w", network.ErrProvision, &provision.Error{Op: "start_dhcp"})))
	assert.Equal(t, http.StatusConflict, statusFor(network.ErrVNIExhausted))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}
