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

package multicast

import (
	"github.com/prometheus/client_golang/prometheus"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

const subsystem = "multicast"

var (
	received = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "datagrams_received_total",
		Help:      "Total number of multicast datagrams received",
	})

	sent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "datagrams_sent_total",
		Help:      "Total number of multicast datagrams sent",
	})

	// dropped counts datagrams that were lost on our side.
	// Labels: reason (outbox_full, send_error, malformed)
	dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "datagrams_dropped_total",
		Help:      "Total number of multicast datagrams dropped",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(received)
	prometheus.MustRegister(sent)
	prometheus.MustRegister(dropped)
}

// RecordReceived increments the received counter.
func RecordReceived() {
	received.Inc()
}

// RecordSent increments the sent counter.
func RecordSent() {
	sent.Inc()
}

// RecordDropped increments the dropped counter for reason.
func RecordDropped(reason string) {
	dropped.WithLabelValues(reason).Inc()
}
