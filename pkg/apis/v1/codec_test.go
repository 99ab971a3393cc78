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

package v1_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

func testInfo() v1.NetworkInfo {
	return v1.NetworkInfo{
		NetworkName:   "abc123",
		BridgeName:    "brabc123",
		VxlanName:     "vxabc123",
		VxlanVNI:      v1.Ptr(uint32(0)),
		IPCidr:        "10.8.0.0/24",
		IPStart:       "10.8.0.1",
		IPEnd:         "10.8.0.254",
		DHCPInterface: "tapk3j2h1g0f9",
		RentWallet:    "wallet-1",
		LastUseTime:   1700000000,
	}
}

func TestEncodeEnvelope(t *testing.T) {
	raw, err := v1.Encode(&v1.NetworkMove{
		MachineID:      "node-x",
		NetworkName:    "abc123",
		CandidateQueue: []string{"node-y", "node-z"},
	})
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "network move", generic["request"])
	data := generic["data"].(map[string]interface{})
	assert.Equal(t, "node-x", data["machine_id"])
	assert.Equal(t, []interface{}{"node-y", "node-z"}, data["candidate_queue"])
}

func TestCreateIsFlat(t *testing.T) {
	raw, err := v1.Encode(&v1.NetworkCreate{MachineID: "node-x", NetworkInfo: testInfo()})
	require.NoError(t, err)

	var envelope struct {
		Request string                 `json:"request"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, "network create", envelope.Request)
	data := envelope.Data
	assert.Equal(t, "node-x", data["machine_id"])
	assert.Equal(t, "abc123", data["network_name"])
	assert.Equal(t, float64(0), data["vxlan_vni"], "zero VNI must still be sent")
	assert.NotContains(t, data, "members")
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want v1.Message
	}{
		{
			name: "machine info",
			raw:  `{"request":"machine info","data":{"machine_id":"m1","net_type":"mainnet","net_flag":-236867335,"local_port":5001,"node_type":0}}`,
			want: &v1.MachineInfo{MachineID: "m1", NetType: "mainnet", NetFlag: -236867335, LocalPort: 5001, NodeType: v1.Ptr(v1.NodeCompute)},
		},
		{
			name: "machine exit",
			raw:  `{"request":"machine exit","data":{"machine_id":"m1"}}`,
			want: &v1.MachineExit{MachineID: "m1"},
		},
		{
			name: "move ack",
			raw:  `{"request":"network move ack","data":{"machine_id":"m2","network_name":"abc123","new_machine_id":"m2"}}`,
			want: &v1.NetworkMoveAck{MachineID: "m2", NetworkName: "abc123", NewMachineID: "m2"},
		},
		{
			name: "join with unknown extra field",
			raw:  `{"request":"network join","data":{"machine_id":"m2","network_name":"abc123","task_id":"t1","extra":true}}`,
			want: &v1.NetworkJoin{MachineID: "m2", NetworkName: "abc123", TaskID: "t1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v1.Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"not json", `hello`, v1.ErrMalformed},
		{"no data", `{"request":"machine exit"}`, v1.ErrMalformed},
		{"null data", `{"request":"machine exit","data":null}`, v1.ErrMalformed},
		{"unknown type", `{"request":"network frobnicate","data":{"machine_id":"m1"}}`, v1.ErrUnknownRequest},
		{"missing node type", `{"request":"machine info","data":{"machine_id":"m1","net_type":"mainnet","net_flag":1,"local_port":5001}}`, v1.ErrMalformed},
		{"zero port", `{"request":"machine info","data":{"machine_id":"m1","net_type":"mainnet","net_flag":1,"local_port":0,"node_type":1}}`, v1.ErrMalformed},
		{"bad node type", `{"request":"machine info","data":{"machine_id":"m1","net_type":"mainnet","net_flag":1,"local_port":1,"node_type":7}}`, v1.ErrMalformed},
		{"string port", `{"request":"machine info","data":{"machine_id":"m1","net_type":"mainnet","net_flag":1,"local_port":"1","node_type":1}}`, v1.ErrMalformed},
		{"empty candidates", `{"request":"network move","data":{"machine_id":"m1","network_name":"abc123","candidate_queue":[]}}`, v1.ErrMalformed},
		{"missing vni", `{"request":"network create","data":{"machine_id":"m1","network_name":"abc123","bridge_name":"brabc123","vxlan_name":"vxabc123","ip_cidr":"10.8.0.0/24","ip_start":"10.8.0.1","ip_end":"10.8.0.254","dhcp_interface":"tap1","rent_wallet":"w","lastUseTime":1}}`, v1.ErrMalformed},
		{"vni too large", `{"request":"network create","data":{"machine_id":"m1","network_name":"abc123","bridge_name":"brabc123","vxlan_name":"vxabc123","vxlan_vni":16777216,"ip_cidr":"10.8.0.0/24","ip_start":"10.8.0.1","ip_end":"10.8.0.254","dhcp_interface":"tap1","rent_wallet":"w","lastUseTime":1}}`, v1.ErrMalformed},
		{"bad network name", `{"request":"network create","data":{"machine_id":"m1","network_name":"a-b","bridge_name":"br","vxlan_name":"vx","vxlan_vni":1,"ip_cidr":"10.8.0.0/24","ip_start":"10.8.0.1","ip_end":"10.8.0.254","dhcp_interface":"tap1","rent_wallet":"w","lastUseTime":1}}`, v1.ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := v1.Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, msg)
		})
	}
}

func TestListSurvivesTheWire(t *testing.T) {
	info := testInfo()
	info.Members = []string{"task1", "task2"}
	sent := &v1.NetworkList{MachineID: "node-x", Networks: []v1.NetworkInfo{info}}

	raw, err := v1.Encode(sent)
	require.NoError(t, err)
	got, err := v1.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := v1.Encode(&v1.NetworkMoveAck{MachineID: "m1", NetworkName: "abc123"})
	assert.ErrorIs(t, err, v1.ErrMalformed)
}
