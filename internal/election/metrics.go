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
	"github.com/prometheus/client_golang/prometheus"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

const subsystem = "election"

var (
	// networksOwned is the number of networks this node owns.
	networksOwned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "networks_owned",
		Help:      "Number of networks owned by this node.",
	})

	// movesSent counts move messages, i.e., networks handed off.
	movesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "moves_sent_total",
		Help:      "Total number of network move messages sent.",
	})

	// claims counts attempts to take over a network.
	// Labels: result (success, failure)
	claims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "claims_total",
		Help:      "Total number of attempts to claim a moved network.",
	}, []string{"result"})

	// moveAcksReceived counts other nodes' successful claims.
	moveAcksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "move_acks_received_total",
		Help:      "Total number of move acks received from other nodes.",
	})

	// resumeClaims counts orphaned networks claimed by the resume sweep.
	resumeClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "resume_claims_total",
		Help:      "Total number of orphaned networks claimed by the resume sweep.",
	})
)

func init() {
	prometheus.MustRegister(networksOwned)
	prometheus.MustRegister(movesSent)
	prometheus.MustRegister(claims)
	prometheus.MustRegister(moveAcksReceived)
	prometheus.MustRegister(resumeClaims)
}

// RecordNetworksOwned sets the owned network count.
func RecordNetworksOwned(count int) {
	networksOwned.Set(float64(count))
}

// RecordMoveSent increments the move counter.
func RecordMoveSent() {
	movesSent.Inc()
}

// RecordClaim counts a claim attempt.
func RecordClaim(ok bool) {
	if ok {
		claims.WithLabelValues("success").Inc()
	} else {
		claims.WithLabelValues("failure").Inc()
	}
}

// RecordMoveAck increments the move ack counter.
func RecordMoveAck() {
	moveAcksReceived.Inc()
}

// RecordResumeClaim increments the resume claim counter.
func RecordResumeClaim() {
	resumeClaims.Inc()
}
