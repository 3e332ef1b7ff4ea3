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

// Package token maps caller-facing virtual tokens onto upstream
// provider credentials. The plaintext secret is shown once at creation;
// stores keep only its SHA-256 hash, and resolution fails closed on
// anything unknown, inactive, or revoked.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTokenNotFound means the presented secret matches no token.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenRevoked means the token exists but has been deactivated.
	ErrTokenRevoked = errors.New("token revoked")
)

// CredentialModeBearer injects the upstream secret as an
// "Authorization: Bearer" header; CredentialModeHeader injects it under
// a custom header name (for example "x-api-key").
const (
	CredentialModeBearer = "bearer"
	CredentialModeHeader = "header"
)

// Credential is the real upstream secret a virtual token stands in for.
type Credential struct {
	Mode   string `json:"mode"`
	Header string `json:"header,omitempty"`
	Secret string `json:"-"`
}

// Validate checks the injection mode.
func (c Credential) Validate() error {
	switch c.Mode {
	case "", CredentialModeBearer:
		return nil
	case CredentialModeHeader:
		if c.Header == "" {
			return fmt.Errorf("credential mode %q requires a header name", CredentialModeHeader)
		}
		return nil
	default:
		return fmt.Errorf("unknown credential mode %q", c.Mode)
	}
}

// Token is the server-side record behind one virtual token. Everything
// except Active, RevokedAt, and PolicyIDs is immutable after creation.
type Token struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ProjectID   string     `json:"project_id,omitempty"`
	UpstreamURL string     `json:"upstream_url"`
	Scopes      []string   `json:"scopes,omitempty"`
	PolicyIDs   []string   `json:"policy_ids"`
	Credential  Credential `json:"credential"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Store is the persistence surface for virtual tokens. Resolve is the
// hot path; everything else serves the admin API.
type Store interface {
	// Resolve looks up the token behind a plaintext secret. Unknown
	// secrets return ErrTokenNotFound, deactivated tokens
	// ErrTokenRevoked.
	Resolve(ctx context.Context, secret string) (*Token, error)

	// Create persists a new token under the given plaintext secret.
	Create(ctx context.Context, tok *Token, secret string) error

	// Get fetches a token by ID.
	Get(ctx context.Context, id string) (*Token, error)

	// List returns every token, newest first.
	List(ctx context.Context) ([]*Token, error)

	// Revoke deactivates a token. The boolean reports whether anything
	// was actually revoked; a missing ID is not an error.
	Revoke(ctx context.Context, id string) (bool, error)

	// SetPolicies replaces the token's ordered policy attachment.
	SetPolicies(ctx context.Context, id string, policyIDs []string) error
}

// GenerateSecret returns a fresh opaque virtual-token secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return "tg_" + hex.EncodeToString(buf), nil
}

// HashSecret is the lookup key derivation shared by all stores.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// New fills in the generated fields of a token record.
func New(name, projectID, upstreamURL string, cred Credential, policyIDs []string) *Token {
	if cred.Mode == "" {
		cred.Mode = CredentialModeBearer
	}
	return &Token{
		ID:          uuid.New().String(),
		Name:        name,
		ProjectID:   projectID,
		UpstreamURL: upstreamURL,
		PolicyIDs:   policyIDs,
		Credential:  cred,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
}
