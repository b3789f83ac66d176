package security

import (
	"fmt"
	"time"
)

// AuthMode defines how callers are identified.
type AuthMode string

const (
	// AuthModeDisabled trusts an X-User-ID header or falls back to a fixed
	// development user. Local use only.
	AuthModeDisabled AuthMode = "disabled"
	// AuthModeAPIKey requires a Bearer API key mapped to a user id.
	AuthModeAPIKey AuthMode = "api_key"
	// AuthModeDelegated trusts an identity header set by a proxy such as IAP.
	AuthModeDelegated AuthMode = "delegated"
)

// Defaults.
const (
	DefaultDevUserID       = "dev-user"
	DefaultUserHeader      = "X-User-ID"
	DefaultIdentityHeader  = "X-Goog-Authenticated-User-Email"
	DefaultAPIKeyEnvPrefix = "PROMPTLY_API_KEY_"
)

// AuthConfig configures caller identification.
type AuthConfig struct {
	Mode AuthMode `yaml:"mode"`

	// DevUserID is the user of unauthenticated requests in disabled mode.
	DevUserID string `yaml:"dev_user_id,omitempty"`

	// IdentityHeader carries the user identity in delegated mode.
	IdentityHeader string `yaml:"identity_header,omitempty"`

	// APIKeys maps API keys to user ids.
	APIKeys map[string]string `yaml:"api_keys,omitempty"`
	// APIKeyEnvPrefix names environment variables PREFIX<USER>=<key>.
	APIKeyEnvPrefix string `yaml:"api_key_env_prefix,omitempty"`
}

// Validate checks the auth mode.
func (c AuthConfig) Validate() error {
	switch c.Mode {
	case AuthModeDisabled, AuthModeAPIKey, AuthModeDelegated:
		return nil
	}
	return fmt.Errorf("unsupported auth mode: %q", c.Mode)
}

// RateLimitBackend selects where rate limit counters live.
type RateLimitBackend string

const (
	RateLimitMemory RateLimitBackend = "memory"
	RateLimitRedis  RateLimitBackend = "redis"
)

// RateLimitConfig configures per-client request limits.
type RateLimitConfig struct {
	Enabled bool             `yaml:"enabled"`
	Rate    string           `yaml:"rate"`
	Backend RateLimitBackend `yaml:"backend"`

	// IdleTTL is how long an idle in-memory client entry is kept.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// PruneSchedule is the cron spec of the idle entry janitor.
	PruneSchedule string `yaml:"prune_schedule"`
}

// Validate checks the rate and backend.
func (c RateLimitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := ParseRate(c.Rate); err != nil {
		return err
	}
	switch c.Backend {
	case RateLimitMemory, RateLimitRedis:
		return nil
	}
	return fmt.Errorf("unsupported rate limit backend: %q", c.Backend)
}
