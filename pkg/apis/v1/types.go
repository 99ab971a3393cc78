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

package v1

import "encoding/json"

// Envelope is the outer JSON object of every multicast datagram.
type Envelope struct {
	Request string          `json:"request" validate:"required"`
	Data    json.RawMessage `json:"data" validate:"required"`
}

// Message is implemented by every request body.
type Message interface {
	// RequestType returns the "request" value that goes in the
	// Envelope.
	RequestType() string

	// Sender returns the machine_id of the node that sent the message.
	Sender() string
}

// NetFlag is a signed 32-bit number on the wire, so the usual
// 0xF1E1B0F9 travels as -236867335.
//
// Fields where zero is a legitimate value (node_type, vxlan_vni) are
// pointers so that decode can tell "missing" from "zero".

type MachineInfo struct {
	MachineID string    `json:"machine_id" validate:"required"`
	NetType   string    `json:"net_type" validate:"required"`
	NetFlag   int32     `json:"net_flag" validate:"required"`
	LocalPort uint16    `json:"local_port" validate:"required"`
	NodeType  *NodeType `json:"node_type" validate:"required,min=0,max=2"`
}

type MachineExit struct {
	MachineID string `json:"machine_id" validate:"required"`
}

// NetworkInfo is the network record as it travels on the wire. It
// never carries node-local state (device flags, freshness).
type NetworkInfo struct {
	NetworkName   string   `json:"network_name" validate:"required,alphanum,min=6,max=10"`
	BridgeName    string   `json:"bridge_name" validate:"required"`
	VxlanName     string   `json:"vxlan_name" validate:"required"`
	VxlanVNI      *uint32  `json:"vxlan_vni" validate:"required,max=16777215"`
	IPCidr        string   `json:"ip_cidr" validate:"required,cidrv4"`
	IPStart       string   `json:"ip_start" validate:"required,ipv4"`
	IPEnd         string   `json:"ip_end" validate:"required,ipv4"`
	DHCPInterface string   `json:"dhcp_interface" validate:"required"`
	RentWallet    string   `json:"rent_wallet" validate:"required"`
	Members       []string `json:"members,omitempty" validate:"dive,required"`
	LastUseTime   int64    `json:"lastUseTime" validate:"required"`
}

type NetworkCreate struct {
	MachineID string `json:"machine_id" validate:"required"`
	NetworkInfo
}

type NetworkDelete struct {
	MachineID   string `json:"machine_id" validate:"required"`
	NetworkName string `json:"network_name" validate:"required"`
}

type NetworkQuery struct {
	MachineID string   `json:"machine_id" validate:"required"`
	Networks  []string `json:"networks" validate:"required,min=1,dive,required"`
}

type NetworkList struct {
	MachineID string        `json:"machine_id" validate:"required"`
	Networks  []NetworkInfo `json:"networks" validate:"required,min=1,dive"`
}

// NetworkMove offers a network to CandidateQueue. Index 0 is the most
// preferred candidate.
type NetworkMove struct {
	MachineID      string   `json:"machine_id" validate:"required"`
	NetworkName    string   `json:"network_name" validate:"required"`
	CandidateQueue []string `json:"candidate_queue" validate:"required,min=1,dive,required"`
}

type NetworkMoveAck struct {
	MachineID    string `json:"machine_id" validate:"required"`
	NetworkName  string `json:"network_name" validate:"required"`
	NewMachineID string `json:"new_machine_id" validate:"required"`
}

type NetworkJoin struct {
	MachineID   string `json:"machine_id" validate:"required"`
	NetworkName string `json:"network_name" validate:"required"`
	TaskID      string `json:"task_id" validate:"required"`
}

type NetworkLeave struct {
	MachineID   string `json:"machine_id" validate:"required"`
	NetworkName string `json:"network_name" validate:"required"`
	TaskID      string `json:"task_id" validate:"required"`
}

func (*MachineInfo) RequestType() string    { return RequestMachineInfo }
func (*MachineExit) RequestType() string    { return RequestMachineExit }
func (*NetworkCreate) RequestType() string  { return RequestNetworkCreate }
func (*NetworkDelete) RequestType() string  { return RequestNetworkDelete }
func (*NetworkQuery) RequestType() string   { return RequestNetworkQuery }
func (*NetworkList) RequestType() string    { return RequestNetworkList }
func (*NetworkMove) RequestType() string    { return RequestNetworkMove }
func (*NetworkMoveAck) RequestType() string { return RequestNetworkMoveAck }
func (*NetworkJoin) RequestType() string    { return RequestNetworkJoin }
func (*NetworkLeave) RequestType() string   { return RequestNetworkLeave }

func (m *MachineInfo) Sender() string    { return m.MachineID }
func (m *MachineExit) Sender() string    { return m.MachineID }
func (m *NetworkCreate) Sender() string  { return m.MachineID }
func (m *NetworkDelete) Sender() string  { return m.MachineID }
func (m *NetworkQuery) Sender() string   { return m.MachineID }
func (m *NetworkList) Sender() string    { return m.MachineID }
func (m *NetworkMove) Sender() string    { return m.MachineID }
func (m *NetworkMoveAck) Sender() string { return m.MachineID }
func (m *NetworkJoin) Sender() string    { return m.MachineID }
func (m *NetworkLeave) Sender() string   { return m.MachineID }

// Ptr returns a pointer to v. It's handy for the optional-looking
// required fields above.
func Ptr[T any](v T) *T {
	return &v
}
