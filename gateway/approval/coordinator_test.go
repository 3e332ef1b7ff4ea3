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

package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := NewCoordinator(nil)
	t.Cleanup(c.Close)
	return c
}

func pendingParams() CreateParams {
	return CreateParams{
		TokenID:    "tok-1",
		RequestID:  "req-1",
		PolicyName: "hitl",
		Method:     "POST",
		Path:       "/v1/chat/completions",
		Timeout:    time.Minute,
	}
}

func TestCreatePending(t *testing.T) {
	c := newCoordinator(t)
	req := c.Create(pendingParams())

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, req.CreatedAt.Add(time.Minute), req.ExpiresAt)

	got, ok := c.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, req.ID, got.ID)
}

func TestResolveApproved(t *testing.T) {
	c := newCoordinator(t)
	req := c.Create(pendingParams())

	resolved, updated, err := c.Resolve(req.ID, StatusApproved, "reviewer@example.com", "looks fine")
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.Equal(t, "reviewer@example.com", resolved.DecidedBy)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestTerminalStatusIsSticky(t *testing.T) {
	c := newCoordinator(t)
	req := c.Create(pendingParams())

	_, updated, err := c.Resolve(req.ID, StatusRejected, "first", "")
	require.NoError(t, err)
	assert.True(t, updated)

	// A second decision is a no-op, not an error, and the original
	// decision survives.
	snap, updated, err := c.Resolve(req.ID, StatusApproved, "second", "")
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, StatusRejected, snap.Status)
	assert.Equal(t, "first", snap.DecidedBy)
}

func TestResolveUnknownID(t *testing.T) {
	c := newCoordinator(t)
	_, _, err := c.Resolve("nope", StatusApproved, "r", "")
	assert.Error(t, err)
}

func TestResolveRejectsNonTerminalStatus(t *testing.T) {
	c := newCoordinator(t)
	req := c.Create(pendingParams())
	_, _, err := c.Resolve(req.ID, StatusPending, "r", "")
	assert.Error(t, err)
}

func TestWaitUnblocksOnDecision(t *testing.T) {
	c := newCoordinator(t)
	req := c.Create(pendingParams())

	var wg sync.WaitGroup
	wg.Add(1)
	var out *Outcome
	var waitErr error
	go func() {
		defer wg.Done()
		out, waitErr = c.Wait(context.Background(), req.ID)
	}()

	time.Sleep(10 * time.Millisecond)
	_, _, err := c.Resolve(req.ID, StatusApproved, "reviewer", "ok")
	require.NoError(t, err)
	wg.Wait()

	require.NoError(t, waitErr)
	assert.Equal(t, StatusApproved, out.Status)
	assert.Equal(t, "reviewer", out.DecidedBy)
	assert.GreaterOrEqual(t, out.LatencyMS, int64(0))
}

func TestWaitTimeout(t *testing.T) {
	c := newCoordinator(t)
	p := pendingParams()
	p.Timeout = 20 * time.Millisecond
	req := c.Create(p)

	out, err := c.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, out.Status, "a live waiter times out rather than expires")
	assert.False(t, out.FallbackAllow)
}

func TestWaitTimeoutFallbackAllow(t *testing.T) {
	c := newCoordinator(t)
	p := pendingParams()
	p.Timeout = 20 * time.Millisecond
	p.Fallback = "allow"
	req := c.Create(p)

	out, err := c.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, out.Status)
	assert.True(t, out.FallbackAllow)
}

func TestExpiryWithoutWaiter(t *testing.T) {
	c := newCoordinator(t)
	p := pendingParams()
	p.Timeout = 20 * time.Millisecond
	req := c.Create(p)

	// Nobody ever waits on this request.
	time.Sleep(60 * time.Millisecond)
	got, ok := c.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestWaitCallerDisconnect(t *testing.T) {
	c := newCoordinator(t)
	req := c.Create(pendingParams())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Wait(ctx, req.ID)
	assert.ErrorIs(t, err, context.Canceled)

	// The request survives the disconnect so a late decision still
	// lands for the audit trail.
	_, updated, err := c.Resolve(req.ID, StatusApproved, "reviewer", "")
	require.NoError(t, err)
	assert.True(t, updated)
}

func TestDecisionBeatsTimer(t *testing.T) {
	c := newCoordinator(t)
	p := pendingParams()
	p.Timeout = time.Hour
	req := c.Create(p)

	_, updated, err := c.Resolve(req.ID, StatusApproved, "reviewer", "")
	require.NoError(t, err)
	assert.True(t, updated)

	got, ok := c.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestListFiltersByStatus(t *testing.T) {
	c := newCoordinator(t)
	a := c.Create(pendingParams())
	b := c.Create(pendingParams())
	_, _, err := c.Resolve(b.ID, StatusRejected, "reviewer", "")
	require.NoError(t, err)

	pending := c.List(StatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	all := c.List("")
	assert.Len(t, all, 2)
}

func TestConcurrentResolveSingleWinner(t *testing.T) {
	c := newCoordinator(t)
	req := c.Create(pendingParams())

	const n = 50
	wins := make(chan Status, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		status := StatusApproved
		if i%2 == 1 {
			status = StatusRejected
		}
		wg.Add(1)
		go func(s Status) {
			defer wg.Done()
			if _, updated, err := c.Resolve(req.ID, s, "racer", ""); err == nil && updated {
				wins <- s
			}
		}(status)
	}
	wg.Wait()
	close(wins)

	var winners []Status
	for s := range wins {
		winners = append(winners, s)
	}
	require.Len(t, winners, 1, "exactly one decision must win")

	got, _ := c.Get(req.ID)
	assert.Equal(t, winners[0], got.Status)
}
