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
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

const subsystem = "api"

var (
	requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Number of API requests, by route and status code.",
	}, []string{"method", "route", "code"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: v1.MetricsNamespace,
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "Time spent serving API requests.",
		Buckets:   []float64{.005, .05, .25, 1, 5, 30, 60},
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(requests)
	prometheus.MustRegister(requestDuration)
}

// instrument counts requests by route pattern so that network names
// don't end up in label values.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
