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

/*
Package logger provides structured JSON logging for Tollgate components.

Each log entry is a single JSON line on stdout carrying the component name,
instance/container identity, the caller's virtual token ID, and a request ID
for correlation, so logs are directly consumable by CloudWatch, Loki, or an
ELK stack without extra parsing.

Create a logger per component:

	log := logger.New("gateway")

Log with token and request context:

	log.Info("tg_abc123", "req-456", "request forwarded", map[string]interface{}{
	    "upstream_status": 200,
	})

Environment variables:

  - INSTANCE_ID: deployment instance identifier

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
