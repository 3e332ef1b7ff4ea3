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
Package policy implements the gateway's policy document model and the
evaluation engine that runs on the hot path of every proxied request.

# Documents

A policy is an ordered list of rules; a rule is a condition plus one or
more actions. Two JSON encodings are accepted and unify into the same
internal representation: flat rules

	{"type": "rate_limit", "window": "1m", "max_requests": 60}

and nested rules

	{"when": {"field": "body.model", "op": "glob", "value": "gpt-4*"},
	 "then": {"type": "deny", "message": "model not allowed", "status": 403}}

Unknown rule types, operators, modes, windows, and patterns are rejected
when the policy is saved, so request handling never has to interpret a
malformed document.

# Evaluation

Policies run in the order they are attached to a token, rules in
declared order. In enforce mode the first blocking action (deny, rate
limit breach, spend cap breach, approval hold) wins and later rules are
skipped. In shadow mode the same matching runs, but would-be blocks are
recorded as violation strings and traffic flows untouched.

Redact, transform, and webhook actions never block. The engine returns
them as directives; the proxy pipeline executes redactions through the
sanitize package and webhooks through the webhook dispatcher.
*/
package policy
