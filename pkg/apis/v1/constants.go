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

const (
	// ============================================================================
	// Multicast request types
	// ============================================================================

	// RequestMachineInfo is the periodic self-advertisement of a node.
	RequestMachineInfo string = "machine info"

	// RequestMachineExit is sent once by a node that shuts down
	// gracefully.
	RequestMachineExit string = "machine exit"

	// RequestNetworkCreate announces a network that its owner has just
	// created.
	RequestNetworkCreate string = "network create"

	// RequestNetworkDelete announces that the owner deleted a network.
	RequestNetworkDelete string = "network delete"

	// RequestNetworkQuery asks owners to re-announce the named networks.
	RequestNetworkQuery string = "network query"

	// RequestNetworkList carries the full records of networks owned by
	// the sender.
	RequestNetworkList string = "network list"

	// RequestNetworkMove offers a vacated network to a ranked queue of
	// candidates.
	RequestNetworkMove string = "network move"

	// RequestNetworkMoveAck is broadcast by the candidate that claimed a
	// network.
	RequestNetworkMoveAck string = "network move ack"

	// RequestNetworkJoin and RequestNetworkLeave report task membership
	// changes to the network owner.
	RequestNetworkJoin  string = "network join"
	RequestNetworkLeave string = "network leave"

	// ============================================================================
	// Limits
	// ============================================================================

	// MaxVNI is the largest VXLAN network identifier (24 bits).
	MaxVNI uint32 = 1<<24 - 1

	// ============================================================================
	// Metrics
	// ============================================================================

	// MetricsNamespace is the Prometheus metrics namespace for the agent.
	MetricsNamespace string = "vxlanmesh"
)

// NodeType identifies the role a node plays in the fleet.
type NodeType int

const (
	NodeCompute NodeType = 0
	NodeClient  NodeType = 1
	NodeSeed    NodeType = 2
)

func (t NodeType) String() string {
	switch t {
	case NodeCompute:
		return "compute"
	case NodeClient:
		return "client"
	case NodeSeed:
		return "seed"
	}
	return "unknown"
}
