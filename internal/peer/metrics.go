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

package peer

import (
	"github.com/prometheus/client_golang/prometheus"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

const subsystem = "peer"

var (
	// peers tracks how many peers are currently known.
	peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "peers",
		Help:      "Number of peers currently seen on the multicast LAN",
	})

	// peersExpired counts peers dropped for lack of heartbeats.
	peersExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "peers_expired_total",
		Help:      "Total number of peers removed because their heartbeat timed out",
	})
)

func init() {
	prometheus.MustRegister(peers)
	prometheus.MustRegister(peersExpired)
}

// RecordPeers sets the current peer count.
func RecordPeers(count int) {
	peers.Set(float64(count))
}

// RecordExpired adds to the expired peer counter.
func RecordExpired(count int) {
	peersExpired.Add(float64(count))
}
