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

package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchDeliversEvent(t *testing.T) {
	var mu sync.Mutex
	var received []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, ev.Type, r.Header.Get("X-Tollgate-Event"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(nil, nil)
	d.Dispatch(srv.URL, nil, 0, Event{
		Type:       EventPolicyTriggered,
		PolicyName: "notify",
		TokenID:    "tok-1",
		RequestID:  "req-1",
		Data:       map[string]interface{}{"decision": "deny"},
	})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, EventPolicyTriggered, received[0].Type)
	assert.Equal(t, "notify", received[0].PolicyName)
	assert.NotEmpty(t, received[0].ID)
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestDispatchFiltersSubscribedEvents(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	d := NewDispatcher(nil, nil)
	subscribed := []string{EventApprovalResolved}
	d.Dispatch(srv.URL, subscribed, 0, Event{Type: EventPolicyTriggered})
	d.Dispatch(srv.URL, subscribed, 0, Event{Type: EventApprovalResolved})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits, "only subscribed events are delivered")
}

func TestDispatchRetriesFailedDeliveryOnce(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		first := hits == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(nil, nil)
	d.Dispatch(srv.URL, nil, 0, Event{Type: EventPolicyTriggered})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestDispatchSurvivesDeadReceiver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	d := NewDispatcher(nil, nil)
	d.Dispatch(srv.URL, nil, 100*time.Millisecond, Event{Type: EventApprovalCreated})
	d.Wait() // must return despite the failure
}

func TestDispatchDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := NewDispatcher(nil, nil)
	start := time.Now()
	d.Dispatch(srv.URL, nil, time.Second, Event{Type: EventPolicyTriggered})
	assert.Less(t, time.Since(start), 100*time.Millisecond, "dispatch must return immediately")
}
