package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Error is an authentication failure rendered as a JSON body.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrMissingCredentials = &Error{
		StatusCode: http.StatusUnauthorized,
		Code:       "MISSING_CREDENTIALS",
		Message:    "Missing authentication credentials",
	}
	ErrInvalidCredentials = &Error{
		StatusCode: http.StatusUnauthorized,
		Code:       "INVALID_CREDENTIALS",
		Message:    "Invalid authentication credentials",
	}
)

// Middleware enforces Config on an http.Handler.
type Middleware struct {
	mode          Mode
	authenticator Authenticator
	skipPaths     map[string]bool
}

// NewMiddleware creates the middleware. A nil authenticator in API key mode
// rejects every guarded request.
func NewMiddleware(cfg *Config, authenticator Authenticator) *Middleware {
	skip := map[string]bool{"/healthz": true}
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	return &Middleware{
		mode:          cfg.Mode,
		authenticator: authenticator,
		skipPaths:     skip,
	}
}

// New builds the middleware for cfg using the matching authenticator.
func New(cfg *Config) *Middleware {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var a Authenticator
	if cfg.Mode == ModeAPIKey {
		a = NewAPIKeyAuthenticator(cfg)
	}
	return NewMiddleware(cfg, a)
}

// Handler wraps next with authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.mode != ModeAPIKey || m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if m.authenticator == nil {
			writeError(w, &Error{
				StatusCode: http.StatusInternalServerError,
				Code:       "INVALID_AUTH_MODE",
				Message:    "Authentication is misconfigured",
			})
			return
		}

		caller, err := m.authenticator.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (m *Middleware) shouldSkip(path string) bool {
	if m.skipPaths[path] {
		return true
	}
	for p := range m.skipPaths {
		if strings.HasPrefix(path, p) && path[len(p)] == '/' {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, err error) {
	var authErr *Error
	if !errors.As(err, &authErr) {
		authErr = &Error{
			StatusCode: http.StatusInternalServerError,
			Code:       "INTERNAL_ERROR",
			Message:    "Internal authentication error",
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.StatusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"error_code":    authErr.Code,
		"error_message": authErr.Message,
	})
}
