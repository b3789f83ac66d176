// Package security authenticates API callers and rate limits them.
package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"
)

var (
	// ErrUnauthenticated is returned when a request carries no usable identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidToken is returned for unknown API keys.
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Principal is an authenticated caller.
type Principal struct {
	ID       string
	Name     string
	Metadata map[string]string
}

// AuthContext is attached to the request context after authentication.
type AuthContext struct {
	Principal   *Principal
	IPAddress   string
	UserAgent   string
	RequestTime time.Time
}

// Authenticator validates a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// APIKeyAuthenticator maps API keys to principals.
type APIKeyAuthenticator struct {
	keys map[string]*Principal
	mu   sync.RWMutex
}

// NewAPIKeyAuthenticator creates an empty authenticator.
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: make(map[string]*Principal)}
}

// AddKey registers apiKey for principal.
func (a *APIKeyAuthenticator) AddKey(apiKey string, principal *Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[apiKey] = principal
}

// Len returns the number of registered keys.
func (a *APIKeyAuthenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Authenticate implements Authenticator. Every key is compared in
// constant time.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var found *Principal
	for key, principal := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			found = principal
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	return found, nil
}

type contextKey string

const authContextKey contextKey = "auth_context"

// WithAuthContext adds authentication context to ctx.
func WithAuthContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// GetAuthContext retrieves authentication context from ctx.
func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	authCtx, ok := ctx.Value(authContextKey).(*AuthContext)
	return authCtx, ok && authCtx != nil
}

// GetPrincipal retrieves the principal from ctx.
func GetPrincipal(ctx context.Context) (*Principal, bool) {
	authCtx, ok := GetAuthContext(ctx)
	if !ok {
		return nil, false
	}
	return authCtx.Principal, authCtx.Principal != nil
}

// MaskSecret masks a secret for logging.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
