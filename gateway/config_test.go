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
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("UPSTREAM_TIMEOUT", "")

	cfg := ConfigFromEnv()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.UpstreamTimeout)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("UPSTREAM_TIMEOUT", "15s")
	t.Setenv("ADMIN_JWT_SECRET", "hunter2")

	cfg := ConfigFromEnv()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, "hunter2", cfg.AdminJWTSecret)
}

func TestConfigFromEnvBadDuration(t *testing.T) {
	t.Setenv("UPSTREAM_TIMEOUT", "soon")
	assert.Equal(t, 60*time.Second, ConfigFromEnv().UpstreamTimeout)
}

func writeBootstrap(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBootstrapSeedsPoliciesAndTokens(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, upstreamReply)

	path := writeBootstrap(t, `
policies:
  - id: pol-deny-gpt4
    name: no-gpt4
    mode: enforce
    rules:
      - type: deny
        message: model not allowed
        condition:
          field: body.model
          op: glob
          value: "gpt-4*"
tokens:
  - secret: tg_bootstrap_secret_for_tests
    name: seeded-agent
    upstream_url: `+up.srv.URL+`
    policies: [pol-deny-gpt4]
    credential:
      mode: bearer
      secret: sk-real-provider-key
`)

	svc, err := NewService(Config{BootstrapPath: path, UpstreamTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	rec := proxyCall(svc, "tg_bootstrap_secret_for_tests", chatBody, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "seeded policy must bind to seeded token")

	rec = proxyCall(svc, "tg_bootstrap_secret_for_tests", `{"model":"claude-3-5-haiku"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBootstrapRejectsInvalidPolicy(t *testing.T) {
	path := writeBootstrap(t, `
policies:
  - name: broken
    mode: sometimes
    rules:
      - type: deny
`)
	_, err := NewService(Config{BootstrapPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid policy mode")
}

func TestBootstrapRejectsTokenWithoutSecret(t *testing.T) {
	path := writeBootstrap(t, `
tokens:
  - name: incomplete
    upstream_url: http://up.example
`)
	_, err := NewService(Config{BootstrapPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret required")
}

func TestLoadBootstrapMissingFile(t *testing.T) {
	_, err := LoadBootstrap("/nonexistent/bootstrap.yaml")
	require.Error(t, err)
}
