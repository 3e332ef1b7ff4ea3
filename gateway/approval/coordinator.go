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

// Package approval implements the human-in-the-loop pause/resume state
// machine. A held request is parked as a pending approval; the proxy
// goroutine blocks on Wait until a reviewer decides, the timeout fires,
// or the caller disconnects. Transitions out of pending are one-shot:
// the first of {approve, reject, expire} wins and later attempts are
// reported as no-ops, never errors.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tollgate/platform/shared/logger"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusTimeout marks the gateway's own wait giving up: the timer
	// fired while the proxied request was still suspended.
	StatusTimeout Status = "timeout"
	// StatusExpired marks a record that lapsed with nobody waiting,
	// for example after the caller disconnected.
	StatusExpired Status = "expired"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusTimeout, StatusExpired:
		return true
	}
	return false
}

// DefaultTimeout applies when the policy action does not set one.
const DefaultTimeout = 5 * time.Minute

// Request is one held proxy call awaiting a human decision.
type Request struct {
	ID         string    `json:"id"`
	TokenID    string    `json:"token_id"`
	AgentName  string    `json:"agent_name,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	RequestID  string    `json:"request_id"`
	PolicyName string    `json:"policy_name"`
	Message    string    `json:"message,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Approvers  []string  `json:"approvers,omitempty"`
	Fallback   string    `json:"fallback,omitempty"`
	Status     Status    `json:"status"`
	DecidedBy  string    `json:"decided_by,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Outcome is what Wait hands back to the proxy pipeline once the
// request leaves pending.
type Outcome struct {
	Status    Status
	DecidedBy string
	Comment   string

	// FallbackAllow is set when the request expired and the policy's
	// fallback says to let the call through anyway.
	FallbackAllow bool

	// LatencyMS is the time the request spent held, creation to
	// resolution.
	LatencyMS int64
}

// CreateParams captures the held request's identity for reviewers.
type CreateParams struct {
	TokenID    string
	AgentName  string
	SessionID  string
	RequestID  string
	PolicyName string
	Message    string
	Method     string
	Path       string
	Approvers  []string
	Fallback   string
	Timeout    time.Duration
}

type entry struct {
	req     *Request
	done    chan struct{}
	timer   *time.Timer
	waiting bool
}

// Coordinator owns all in-flight approval requests. State lives in
// memory: an approval is only meaningful while the held connection is
// alive, so there is nothing to recover after a restart.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*entry

	now func() time.Time
	log *logger.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.New("approval")
	}
	return &Coordinator{
		pending: make(map[string]*entry),
		now:     time.Now,
		log:     log,
	}
}

// Create registers a new pending request and arms its expiry timer.
func (c *Coordinator) Create(p CreateParams) *Request {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	now := c.now()
	req := &Request{
		ID:         uuid.New().String(),
		TokenID:    p.TokenID,
		AgentName:  p.AgentName,
		SessionID:  p.SessionID,
		RequestID:  p.RequestID,
		PolicyName: p.PolicyName,
		Message:    p.Message,
		Method:     p.Method,
		Path:       p.Path,
		Approvers:  p.Approvers,
		Fallback:   p.Fallback,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(timeout),
	}
	e := &entry{req: req, done: make(chan struct{})}
	e.timer = time.AfterFunc(timeout, func() {
		c.expire(req.ID)
	})
	c.pending[req.ID] = e
	c.mu.Unlock()

	c.log.Info(p.TokenID, p.RequestID, "approval request created",
		map[string]interface{}{
			"approval_id": req.ID,
			"policy":      p.PolicyName,
			"expires_at":  req.ExpiresAt.Format(time.RFC3339),
		})
	return req
}

// Resolve records a reviewer decision. The returned flag is false when
// the request had already reached a terminal state, which the admin API
// surfaces as a conflict rather than an error.
func (c *Coordinator) Resolve(id string, status Status, decidedBy, comment string) (*Request, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("invalid approval decision %q", status)
	}
	c.mu.Lock()
	e, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return nil, false, fmt.Errorf("approval request %s not found", id)
	}
	if e.req.Status.Terminal() {
		snap := *e.req
		c.mu.Unlock()
		return &snap, false, nil
	}

	resolvedAt := c.now()
	e.req.Status = status
	e.req.DecidedBy = decidedBy
	e.req.Comment = comment
	e.req.ResolvedAt = &resolvedAt
	e.timer.Stop()
	close(e.done)
	snap := *e.req
	c.mu.Unlock()

	c.log.Info(snap.TokenID, snap.RequestID, "approval request resolved",
		map[string]interface{}{
			"approval_id": id,
			"status":      string(status),
			"decided_by":  decidedBy,
		})
	return &snap, true, nil
}

// expire is the timer path; losing the race against Resolve is fine.
// A live waiter makes the outcome a timeout; a lapsed record with no
// waiter merely expires.
func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	status := StatusExpired
	if e, ok := c.pending[id]; ok && e.waiting {
		status = StatusTimeout
	}
	c.mu.Unlock()
	c.Resolve(id, status, "", "approval window elapsed") //nolint:errcheck
}

// Get returns a snapshot of one request.
func (c *Coordinator) Get(id string) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	snap := *e.req
	return &snap, true
}

// List returns snapshots, optionally filtered by status, newest first.
func (c *Coordinator) List(status Status) []*Request {
	c.mu.Lock()
	out := make([]*Request, 0, len(c.pending))
	for _, e := range c.pending {
		if status != "" && e.req.Status != status {
			continue
		}
		snap := *e.req
		out = append(out, &snap)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the request leaves pending or ctx is cancelled.
// On cancellation the request stays registered: the timer still fires
// and a later reviewer decision still lands, so the audit trail records
// how the request would have been decided even though nobody is
// listening anymore.
func (c *Coordinator) Wait(ctx context.Context, id string) (*Outcome, error) {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		e.waiting = true
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("approval request %s not found", id)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		e.waiting = false
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-e.done:
	}

	c.mu.Lock()
	snap := *e.req
	c.mu.Unlock()

	out := &Outcome{
		Status:    snap.Status,
		DecidedBy: snap.DecidedBy,
		Comment:   snap.Comment,
	}
	if snap.ResolvedAt != nil {
		out.LatencyMS = snap.ResolvedAt.Sub(snap.CreatedAt).Milliseconds()
	}
	if (snap.Status == StatusTimeout || snap.Status == StatusExpired) && snap.Fallback == "allow" {
		out.FallbackAllow = true
	}
	return out, nil
}

// Close stops every expiry timer. Held waiters are left blocked on
// their contexts; callers shut down the HTTP server first.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.pending {
		e.timer.Stop()
	}
}
