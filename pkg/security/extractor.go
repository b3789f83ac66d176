package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

// userIDPattern bounds identities taken from headers.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9@._+\-:]{1,256}$`)

// AuthExtractor identifies the caller of an HTTP request.
type AuthExtractor interface {
	ExtractAuth(ctx context.Context, r *http.Request) (*Principal, error)
}

// DisabledAuthExtractor trusts the X-User-ID header and otherwise returns a
// fixed development user.
type DisabledAuthExtractor struct {
	defaultUser string
}

// NewDisabledAuthExtractor creates a disabled-mode extractor. An empty
// defaultUser uses DefaultDevUserID.
func NewDisabledAuthExtractor(defaultUser string) *DisabledAuthExtractor {
	if defaultUser == "" {
		defaultUser = DefaultDevUserID
	}
	return &DisabledAuthExtractor{defaultUser: defaultUser}
}

// ExtractAuth implements AuthExtractor.
func (e *DisabledAuthExtractor) ExtractAuth(_ context.Context, r *http.Request) (*Principal, error) {
	id := strings.TrimSpace(r.Header.Get(DefaultUserHeader))
	if id == "" {
		id = e.defaultUser
	} else if !userIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: malformed %s header", ErrUnauthenticated, DefaultUserHeader)
	}
	return &Principal{ID: id, Name: id, Metadata: map[string]string{"auth_mode": string(AuthModeDisabled)}}, nil
}

// DelegatedAuthExtractor trusts an identity header set by the proxy in
// front of the service.
type DelegatedAuthExtractor struct {
	header string
}

// NewDelegatedAuthExtractor creates a delegated-mode extractor. An empty
// header uses DefaultIdentityHeader.
func NewDelegatedAuthExtractor(header string) *DelegatedAuthExtractor {
	if header == "" {
		header = DefaultIdentityHeader
	}
	return &DelegatedAuthExtractor{header: header}
}

// ExtractAuth implements AuthExtractor. IAP style values
// ("accounts.google.com:user@example.com") are reduced to the email.
func (e *DelegatedAuthExtractor) ExtractAuth(_ context.Context, r *http.Request) (*Principal, error) {
	identity := strings.TrimSpace(r.Header.Get(e.header))
	if identity == "" {
		return nil, fmt.Errorf("%w: missing identity header %s", ErrUnauthenticated, e.header)
	}
	if _, email, ok := strings.Cut(identity, ":"); ok {
		identity = email
	}
	if !userIDPattern.MatchString(identity) {
		return nil, fmt.Errorf("%w: malformed identity header", ErrUnauthenticated)
	}
	return &Principal{ID: identity, Name: identity, Metadata: map[string]string{"auth_mode": string(AuthModeDelegated)}}, nil
}

// APIKeyAuthExtractor validates Bearer API keys.
type APIKeyAuthExtractor struct {
	authenticator Authenticator
}

// NewAPIKeyAuthExtractor creates an extractor backed by authenticator.
func NewAPIKeyAuthExtractor(authenticator Authenticator) *APIKeyAuthExtractor {
	return &APIKeyAuthExtractor{authenticator: authenticator}
}

// ExtractAuth implements AuthExtractor.
func (e *APIKeyAuthExtractor) ExtractAuth(ctx context.Context, r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("%w: missing Authorization header", ErrUnauthenticated)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, fmt.Errorf("%w: expected Bearer token", ErrUnauthenticated)
	}
	principal, err := e.authenticator.Authenticate(ctx, strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return principal, nil
}

// NewAuthExtractor builds the extractor for cfg.Mode.
func NewAuthExtractor(cfg AuthConfig) (AuthExtractor, error) {
	switch cfg.Mode {
	case AuthModeDisabled, "":
		return NewDisabledAuthExtractor(cfg.DevUserID), nil
	case AuthModeDelegated:
		return NewDelegatedAuthExtractor(cfg.IdentityHeader), nil
	case AuthModeAPIKey:
		auth := apiKeysFromConfig(cfg, os.Environ())
		if auth.Len() == 0 {
			return nil, fmt.Errorf("api_key auth mode requires at least one key")
		}
		return NewAPIKeyAuthExtractor(auth), nil
	}
	return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
}

// apiKeysFromConfig collects keys from cfg and from PREFIX<USER>=<key>
// entries of environ.
func apiKeysFromConfig(cfg AuthConfig, environ []string) *APIKeyAuthenticator {
	auth := NewAPIKeyAuthenticator()
	for key, userID := range cfg.APIKeys {
		if key != "" && userID != "" {
			auth.AddKey(key, &Principal{ID: userID, Name: userID, Metadata: map[string]string{"source": "config"}})
		}
	}

	prefix := cfg.APIKeyEnvPrefix
	if prefix == "" {
		prefix = DefaultAPIKeyEnvPrefix
	}
	for _, env := range environ {
		name, key, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		userID := strings.ToLower(strings.TrimPrefix(name, prefix))
		if userID == "" || key == "" {
			continue
		}
		auth.AddKey(key, &Principal{ID: userID, Name: userID, Metadata: map[string]string{"source": "environment"}})
	}
	return auth
}

// Authenticate returns middleware that attaches an AuthContext to each
// request. Failures are passed to onError, which writes the response.
func Authenticate(extractor AuthExtractor, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := extractor.ExtractAuth(r.Context(), r)
			if err != nil {
				onError(w, r, err)
				return
			}
			authCtx := &AuthContext{
				Principal:   principal,
				IPAddress:   ClientIP(r),
				UserAgent:   r.UserAgent(),
				RequestTime: time.Now(),
			}
			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), authCtx)))
		})
	}
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
