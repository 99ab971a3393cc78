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

// Package api is the local HTTP interface that the task manager uses
// to create networks and to move tasks in and out of them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"vxlanmesh.io/internal/network"
	"vxlanmesh.io/internal/peer"
	v1 "vxlanmesh.io/pkg/apis/v1"
)

// Networks is the part of the network.Directory that the API uses.
type Networks interface {
	Get(name string) (network.Record, bool)
	List() []network.Record
	CreateNetworkServer(ctx context.Context, name, cidr, wallet string) (network.Record, error)
	CreateNetworkClient(ctx context.Context, name string) error
	DeleteNetwork(ctx context.Context, name, wallet string) error
	JoinNetwork(name, taskID string) error
	LeaveNetwork(name, taskID string) error
}

// Peers lists the nodes we've heard from.
type Peers interface {
	List() []peer.Record
}

// Network is a network as the API shows it: the shared record plus
// what this node has set up for it.
type Network struct {
	v1.NetworkInfo
	MachineID      string    `json:"machine_id"`
	Device         bool      `json:"device"`
	DHCPServer     bool      `json:"dhcp_server"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

type CreateNetworkRequest struct {
	Name   string `json:"name"`
	CIDR   string `json:"cidr"`
	Wallet string `json:"wallet"`
}

type JoinRequest struct {
	TaskID string `json:"task_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type API struct {
	logger   log.Logger
	networks Networks
	peers    Peers
}

func New(logger log.Logger, networks Networks, peers Peers) *API {
	return &API{
		logger:   log.With(logger, "component", "api"),
		networks: networks,
		peers:    peers,
	}
}

// Router returns the API's routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.instrument)

	r.Route("/networks", func(r chi.Router) {
		r.Get("/", a.listNetworks)
		r.Post("/", a.createNetwork)
		r.Get("/{name}", a.getNetwork)
		r.Delete("/{name}", a.deleteNetwork)
		r.Post("/{name}/client", a.createClient)
		r.Post("/{name}/members", a.join)
		r.Delete("/{name}/members/{task}", a.leave)
	})
	r.Get("/peers", a.listPeers)
	return r
}

// Serve runs the API on addr until ctx is done.
func (a *API) Serve(ctx context.Context, addr string) error {
	return serve(ctx, a.logger, addr, a.Router())
}

func (a *API) listNetworks(w http.ResponseWriter, r *http.Request) {
	recs := a.networks.List()
	out := make([]Network, 0, len(recs))
	for _, rec := range recs {
		out = append(out, view(rec))
	}
	a.respond(w, http.StatusOK, out)
}

func (a *API) getNetwork(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.networks.Get(chi.URLParam(r, "name"))
	if !ok {
		a.fail(w, network.ErrNotFound)
		return
	}
	a.respond(w, http.StatusOK, view(rec))
}

func (a *API) createNetwork(w http.ResponseWriter, r *http.Request) {
	var req CreateNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respond(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON"})
		return
	}

	rec, err := a.networks.CreateNetworkServer(r.Context(), req.Name, req.CIDR, req.Wallet)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusCreated, view(rec))
}

func (a *API) deleteNetwork(w http.ResponseWriter, r *http.Request) {
	if err := a.networks.DeleteNetwork(r.Context(), chi.URLParam(r, "name"), r.URL.Query().Get("wallet")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createClient(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.networks.CreateNetworkClient(r.Context(), name); err != nil {
		a.fail(w, err)
		return
	}
	rec, _ := a.networks.Get(name)
	a.respond(w, http.StatusOK, view(rec))
}

func (a *API) join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		a.respond(w, http.StatusBadRequest, ErrorResponse{Error: "task_id is required"})
		return
	}

	name := chi.URLParam(r, "name")
	if err := a.networks.JoinNetwork(name, req.TaskID); err != nil {
		a.fail(w, err)
		return
	}
	rec, _ := a.networks.Get(name)
	a.respond(w, http.StatusOK, view(rec))
}

func (a *API) leave(w http.ResponseWriter, r *http.Request) {
	if err := a.networks.LeaveNetwork(chi.URLParam(r, "name"), chi.URLParam(r, "task")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listPeers(w http.ResponseWriter, r *http.Request) {
	peers := a.peers.List()
	if peers == nil {
		peers = []peer.Record{}
	}
	a.respond(w, http.StatusOK, peers)
}

func view(rec network.Record) Network {
	return Network{
		NetworkInfo:    rec.Info(),
		MachineID:      rec.MachineID,
		Device:         rec.Has(network.FlagDevice),
		DHCPServer:     rec.Has(network.FlagDHCPServer),
		LastUpdateTime: rec.LastUpdateTime,
	}
}

// statusFor maps a directory error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, network.ErrInvalidName),
		errors.Is(err, network.ErrInvalidCIDR),
		errors.Is(err, network.ErrInvalidWallet):
		return http.StatusBadRequest
	case errors.Is(err, network.ErrWalletMismatch):
		return http.StatusForbidden
	case errors.Is(err, network.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, network.ErrNameExists),
		errors.Is(err, network.ErrInUse),
		errors.Is(err, network.ErrVNIExhausted):
		return http.StatusConflict
	case errors.Is(err, network.ErrProvision):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		level.Error(a.logger).Log("op", "request", "error", err)
	}
	a.respond(w, status, ErrorResponse{Error: err.Error()})
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		level.Warn(a.logger).Log("op", "respond", "error", err)
	}
}
