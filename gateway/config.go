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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tollgate/platform/gateway/policy"
	"tollgate/platform/gateway/token"
)

// Config is the service configuration, read from the environment the
// 12-factor way. Postgres and Redis are optional: without them the
// gateway runs on in-memory stores, which suits local and test runs.
type Config struct {
	Port            string
	AdminJWTSecret  string
	DatabaseURL     string
	RedisURL        string
	UpstreamTimeout time.Duration
	BootstrapPath   string
}

// ConfigFromEnv reads the configuration with defaults.
func ConfigFromEnv() Config {
	return Config{
		Port:            getEnv("PORT", "8080"),
		AdminJWTSecret:  os.Getenv("ADMIN_JWT_SECRET"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second),
		BootstrapPath:   os.Getenv("BOOTSTRAP_CONFIG"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Bootstrap seeds policies and tokens from a YAML file for self-hosted
// runs that have no admin driving the API yet.
type Bootstrap struct {
	Policies []map[string]interface{} `yaml:"policies"`
	Tokens   []BootstrapToken         `yaml:"tokens"`
}

// BootstrapToken declares one pre-provisioned virtual token. The
// secret is given in the file rather than generated, so agents can be
// configured before the gateway first starts.
type BootstrapToken struct {
	Secret      string              `yaml:"secret"`
	Name        string              `yaml:"name"`
	ProjectID   string              `yaml:"project_id"`
	UpstreamURL string              `yaml:"upstream_url"`
	Scopes      []string            `yaml:"scopes"`
	Policies    []string            `yaml:"policies"`
	Credential  BootstrapCredential `yaml:"credential"`
}

// BootstrapCredential is the upstream credential for a seeded token.
type BootstrapCredential struct {
	Mode   string `yaml:"mode"`
	Header string `yaml:"header"`
	Secret string `yaml:"secret"`
}

// LoadBootstrap parses a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap config: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bootstrap config: %w", err)
	}
	return &b, nil
}

// policyDocuments converts the YAML policy entries into validated
// policy documents via the same path the admin API uses.
func (b *Bootstrap) policyDocuments() ([]*policy.Policy, error) {
	out := make([]*policy.Policy, 0, len(b.Policies))
	for i, raw := range b.Policies {
		doc, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("bootstrap policy %d: %w", i, err)
		}
		p, err := policy.ParsePolicy(doc)
		if err != nil {
			return nil, fmt.Errorf("bootstrap policy %d: %w", i, err)
		}
		if id, ok := raw["id"].(string); ok && id != "" {
			p.ID = id
		} else {
			p.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		p.CreatedAt = now
		p.UpdatedAt = now
		out = append(out, p)
	}
	return out, nil
}

// tokenRecords converts the YAML token entries.
func (b *Bootstrap) tokenRecords() ([]*token.Token, []string, error) {
	tokens := make([]*token.Token, 0, len(b.Tokens))
	secrets := make([]string, 0, len(b.Tokens))
	for i, bt := range b.Tokens {
		if bt.Secret == "" {
			return nil, nil, fmt.Errorf("bootstrap token %d: secret required", i)
		}
		if bt.UpstreamURL == "" {
			return nil, nil, fmt.Errorf("bootstrap token %d: upstream_url required", i)
		}
		cred := token.Credential{Mode: bt.Credential.Mode, Header: bt.Credential.Header, Secret: bt.Credential.Secret}
		if err := cred.Validate(); err != nil {
			return nil, nil, fmt.Errorf("bootstrap token %d: %w", i, err)
		}
		tok := token.New(bt.Name, bt.ProjectID, bt.UpstreamURL, cred, bt.Policies)
		tok.Scopes = bt.Scopes
		tokens = append(tokens, tok)
		secrets = append(secrets, bt.Secret)
	}
	return tokens, secrets, nil
}
