package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// APIKeyAuthenticator accepts keys from X-API-Key or an Authorization
// bearer header. Only hashes of the keys are kept.
type APIKeyAuthenticator struct {
	hashes [][sha256.Size]byte
}

// NewAPIKeyAuthenticator builds an authenticator for cfg.APIKeys. Empty keys
// are ignored.
func NewAPIKeyAuthenticator(cfg *Config) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{}
	for _, key := range cfg.APIKeys {
		if key == "" {
			continue
		}
		a.hashes = append(a.hashes, sha256.Sum256([]byte(key)))
	}
	return a
}

// Authenticate validates the key carried by r.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*Caller, error) {
	key := extractAPIKey(r)
	if key == "" {
		return nil, ErrMissingCredentials
	}

	sum := sha256.Sum256([]byte(key))
	matched := 0
	for _, h := range a.hashes {
		matched |= subtle.ConstantTimeCompare(sum[:], h[:])
	}
	if matched != 1 {
		return nil, ErrInvalidCredentials
	}

	return &Caller{ID: hex.EncodeToString(sum[:])[:16]}, nil
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	const bearerPrefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix)
	}
	return ""
}
