// Package auth guards the loadd HTTP endpoints with static API keys.
package auth

import (
	"context"
	"net/http"
)

// Mode selects how HTTP requests are authenticated.
type Mode string

const (
	// ModeNone serves every request.
	ModeNone Mode = "none"
	// ModeAPIKey requires a configured key on every non-skipped path.
	ModeAPIKey Mode = "api_key"
)

// Config holds authentication settings for the scrape router.
type Config struct {
	Mode    Mode
	APIKeys []string
	// SkipPaths are served without credentials. /healthz is always skipped.
	SkipPaths []string
}

// DefaultConfig returns a configuration with authentication disabled.
func DefaultConfig() *Config {
	return &Config{
		Mode:      ModeNone,
		SkipPaths: []string{"/healthz"},
	}
}

// ConfigForKeys enables API key mode when keys is non-empty.
func ConfigForKeys(keys []string) *Config {
	cfg := DefaultConfig()
	if len(keys) > 0 {
		cfg.Mode = ModeAPIKey
		cfg.APIKeys = keys
	}
	return cfg
}

// Caller identifies an authenticated client by a truncated key hash.
type Caller struct {
	ID string
}

// Authenticator validates credentials and returns the caller.
type Authenticator interface {
	Authenticate(r *http.Request) (*Caller, error)
}

type contextKey struct{ name string }

var callerContextKey = &contextKey{"caller"}

// WithCaller stores the caller in ctx.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

// CallerFromContext returns the authenticated caller, or nil.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerContextKey).(*Caller)
	return c
}
