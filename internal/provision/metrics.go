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

package provision

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

const subsystem = "provision"

var (
	// calls counts backend operations.
	// Labels: op (create_bridge, start_dhcp, ...), result (ok, error)
	calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "calls_total",
		Help:      "Total number of device provisioning operations",
	}, []string{"op", "result"})

	// callDuration tracks how long each operation takes. Scripts are
	// slow so the buckets go up to a minute.
	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "call_duration_seconds",
		Help:      "Duration of device provisioning operations",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(calls)
	prometheus.MustRegister(callDuration)
}

func recordCall(op string, d time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	calls.WithLabelValues(op, result).Inc()
	callDuration.WithLabelValues(op).Observe(d.Seconds())
}
