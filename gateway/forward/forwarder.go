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

// Package forward performs the outbound provider call. The contract
// toward the caller is a single attempt: upstream statuses pass through
// unchanged, connection failures map to 502, and the one internal retry
// on a failed connection stays inside a fixed sub-second budget so the
// caller never observes multiplied latency.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tollgate/platform/gateway/token"
	"tollgate/platform/shared/logger"
)

// ErrUpstreamUnavailable means no upstream response was obtained.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// DefaultTimeout bounds one upstream round trip.
const DefaultTimeout = 60 * time.Second

// retryDelay is the pause before the single internal reconnect attempt.
const retryDelay = 50 * time.Millisecond

// Result is the upstream's reply, whatever its status.
type Result struct {
	Status   int
	Header   http.Header
	Body     []byte
	Duration time.Duration
}

// Forwarder issues the proxied call with the token's real credential
// injected.
type Forwarder struct {
	client *http.Client
	log    *logger.Logger
}

// NewForwarder creates a forwarder; pass a nil client to use one with
// DefaultTimeout.
func NewForwarder(client *http.Client, log *logger.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if log == nil {
		log = logger.New("forwarder")
	}
	return &Forwarder{client: client, log: log}
}

// hopHeaders are never copied toward the upstream. Authorization is in
// the list because it carries the virtual token, which must not leak.
var hopHeaders = map[string]bool{
	"Authorization":     true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"X-Session-Id":      true,
	"X-Properties":      true,
}

// Forward sends body to the token's upstream at pathAndQuery. Upstream
// error statuses are results, not errors; an error return means no
// response was obtained at all.
func (f *Forwarder) Forward(ctx context.Context, tok *token.Token, method, pathAndQuery string, header http.Header, body []byte) (*Result, error) {
	url := strings.TrimRight(tok.UpstreamURL, "/") + pathAndQuery
	start := time.Now()

	resp, err := f.attempt(ctx, tok, method, url, header, body)
	if err != nil {
		// One reconnect absorbs transient dial failures. Nothing
		// reached the upstream, so repeating the call is safe.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
		case <-time.After(retryDelay):
		}
		resp, err = f.attempt(ctx, tok, method, url, header, body)
		if err != nil {
			f.log.Error(tok.ID, "", "upstream unreachable",
				map[string]interface{}{"url": url, "error": err.Error()})
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamUnavailable, err)
	}

	return &Result{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     respBody,
		Duration: time.Since(start),
	}, nil
}

func (f *Forwarder) attempt(ctx context.Context, tok *token.Token, method, url string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for name, values := range header {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	switch tok.Credential.Mode {
	case token.CredentialModeHeader:
		req.Header.Set(tok.Credential.Header, tok.Credential.Secret)
	default:
		req.Header.Set("Authorization", "Bearer "+tok.Credential.Secret)
	}

	return f.client.Do(req)
}
