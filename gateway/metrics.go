// Copyright 2025 Tollgate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_requests_total",
			Help: "Proxied requests by terminal outcome",
		},
		[]string{"outcome"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_request_duration_milliseconds",
			Help:    "End to end request duration in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		},
		[]string{"phase"},
	)
	promPolicyBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_policy_blocks_total",
			Help: "Requests blocked by policy, by action kind",
		},
		[]string{"kind"},
	)
	promShadowViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_shadow_violations_total",
			Help: "Violations recorded by shadow-mode policies",
		},
	)
	promApprovalsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_approvals_created_total",
			Help: "Human approval requests created",
		},
	)
	promApprovalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_hitl_pending",
			Help: "Approval requests currently holding a proxied call",
		},
	)
	promApprovalsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_approvals_resolved_total",
			Help: "Human approval requests resolved, by terminal status",
		},
		[]string{"status"},
	)
	promUpstreamSpendUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_upstream_spend_usd_total",
			Help: "Accumulated upstream spend in USD",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promPolicyBlocks)
	prometheus.MustRegister(promShadowViolations)
	prometheus.MustRegister(promApprovalsCreated)
	prometheus.MustRegister(promApprovalsPending)
	prometheus.MustRegister(promApprovalsResolved)
	prometheus.MustRegister(promUpstreamSpendUSD)
}
