// Package auth defines connection authentication for the signaling server.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
)

// DefaultAPIKeyHeader is the header the default provider inspects.
const DefaultAPIKeyHeader = "x-api-key"

// ErrAuthFailed is returned for every rejected connection. The reason is
// deliberately uniform; details go to the server log only.
var ErrAuthFailed = errors.New("auth: authentication failed")

// Provider decides whether a connecting peer is admitted. Implementations
// see the HTTP upgrade headers and the connect frame's auth payload.
type Provider interface {
	Authenticate(header http.Header, payload json.RawMessage) error
}

// APIKeyProvider is the default Provider: it compares a configurable header
// (falling back to an "api_key" field of the auth payload) against the
// admin secret. The secret may be configured directly or as an argon2id
// hash produced by the hash-key subcommand.
type APIKeyProvider struct {
	Header     string
	Secret     string
	SecretHash string
}

// NewAPIKeyProvider builds a provider for a plaintext secret.
func NewAPIKeyProvider(secret string) *APIKeyProvider {
	return &APIKeyProvider{Header: DefaultAPIKeyHeader, Secret: secret}
}

// NewHashedAPIKeyProvider builds a provider for an argon2id-hashed secret.
func NewHashedAPIKeyProvider(hash string) *APIKeyProvider {
	return &APIKeyProvider{Header: DefaultAPIKeyHeader, SecretHash: hash}
}

// Authenticate implements Provider.
func (p *APIKeyProvider) Authenticate(header http.Header, payload json.RawMessage) error {
	key := header.Get(p.headerName())
	if key == "" {
		key = payloadAPIKey(payload)
	}
	if key == "" {
		return fmt.Errorf("%w: no api key presented", ErrAuthFailed)
	}

	if p.SecretHash != "" {
		match, err := argon2id.ComparePasswordAndHash(key, p.SecretHash)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		if !match {
			return ErrAuthFailed
		}
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(key), []byte(p.Secret)) != 1 {
		return ErrAuthFailed
	}
	return nil
}

func (p *APIKeyProvider) headerName() string {
	if p.Header == "" {
		return DefaultAPIKeyHeader
	}
	return strings.ToLower(p.Header)
}

func payloadAPIKey(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.APIKey
}

// HashKey produces an argon2id hash of a key for storage in config files.
func HashKey(key string) (string, error) {
	return argon2id.CreateHash(key, argon2id.DefaultParams)
}

// AllowAll admits every connection. For tests and trusted-network
// deployments only.
type AllowAll struct{}

// Authenticate implements Provider.
func (AllowAll) Authenticate(http.Header, json.RawMessage) error { return nil }
