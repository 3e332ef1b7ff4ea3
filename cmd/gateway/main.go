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

// Package main is the entry point for the Tollgate gateway.
//
// The gateway is a policy-driven reverse proxy between agents and
// upstream LLM providers:
// - Resolves opaque virtual tokens to real provider credentials
// - Evaluates governance policies (deny, rate limit, spend cap,
//   redact, transform, human approval, webhook)
// - Suspends flagged requests on human-in-the-loop approval
// - Tracks windowed request and spend usage
// - Emits one audit record per proxied call
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	ADMIN_JWT_SECRET - secret guarding the admin API (empty disables auth)
//	DATABASE_URL - PostgreSQL connection string (empty runs in memory)
//	REDIS_URL - Redis connection string (empty runs in memory)
//	UPSTREAM_TIMEOUT - upstream round-trip budget (default: 60s)
//	BOOTSTRAP_CONFIG - YAML file seeding policies and tokens at startup
package main

import (
	"tollgate/platform/gateway"
)

func main() {
	gateway.Run()
}
