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

// Package webhook delivers policy notification events to external
// receivers. Delivery is asynchronous and best-effort: a slow or dead
// receiver never delays the proxied request. A failed delivery gets one
// retry, then the event is dropped with a log line.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"tollgate/platform/shared/logger"
)

// Event names emitted by the gateway.
const (
	EventPolicyTriggered  = "policy.triggered"
	EventApprovalCreated  = "approval.created"
	EventApprovalResolved = "approval.resolved"
)

// DefaultTimeout bounds one delivery attempt when the policy action
// sets no timeout_ms.
const DefaultTimeout = 5 * time.Second

// retryDelay is the pause before the single redelivery attempt.
const retryDelay = 100 * time.Millisecond

// Event is the JSON payload posted to a receiver.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	PolicyName string                 `json:"policy_name,omitempty"`
	TokenID    string                 `json:"token_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Dispatcher posts events to receivers from its own goroutines.
type Dispatcher struct {
	client *http.Client
	log    *logger.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher; pass a nil client to use the
// default one.
func NewDispatcher(client *http.Client, log *logger.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logger.New("webhook")
	}
	return &Dispatcher{client: client, log: log}
}

// Dispatch sends the event to url in the background. A subscribed
// event list limits what the receiver gets; an empty list means every
// event. timeout <= 0 falls back to DefaultTimeout.
func (d *Dispatcher) Dispatch(url string, events []string, timeout time.Duration, ev Event) {
	if len(events) > 0 && !contains(events, ev.Type) {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deliver(url, timeout, ev); err != nil {
			time.Sleep(retryDelay)
			if err := d.deliver(url, timeout, ev); err != nil {
				d.log.Warn(ev.TokenID, ev.RequestID, "webhook delivery failed",
					map[string]interface{}{"url": url, "event": ev.Type, "error": err.Error()})
			}
		}
	}()
}

func (d *Dispatcher) deliver(url string, timeout time.Duration, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tollgate-Event", ev.Type)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("receiver answered %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until all in-flight deliveries finish. Used in shutdown
// and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
