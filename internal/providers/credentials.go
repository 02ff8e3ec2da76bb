package providers

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Secret is a credential served by a CredentialProvider. OAuth-style bearer
// tokens require vendor-specific companion headers; those ship with the
// secret so clients never branch on vendor identity themselves.
type Secret struct {
	Value   string
	OAuth   bool
	Headers map[string]string // extra headers to attach when OAuth
}

// CredentialProvider serves API credentials per provider name. The gateway
// never stores credentials; clients consult the provider on every call so a
// refreshed bearer token takes effect immediately.
type CredentialProvider interface {
	APIKey(provider string) (Secret, error)
}

// oauthPrefixes identify short-lived bearer tokens by their well-known
// prefixes, distinguished from long-lived API keys.
var oauthPrefixes = []string{
	"sk-ant-oat", // anthropic OAuth access token
	"ya29.",      // google OAuth2 access token
}

// oauthHeaders is the per-vendor identity header table applied when the
// credential is a bearer token. Data, not branches.
var oauthHeaders = map[string]map[string]string{
	"anthropic": {
		"anthropic-beta": "oauth-2025-04-20",
	},
	"openai": {},
	"google": {},
}

// IsOAuthToken reports whether a secret value is an OAuth-style bearer.
func IsOAuthToken(value string) bool {
	for _, p := range oauthPrefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

// EnvCredentials resolves credentials from environment variables
// (SEACLAW_<PROVIDER>_API_KEY, falling back to the vendor's canonical name),
// with optional static overrides from config.
type EnvCredentials struct {
	mu        sync.RWMutex
	overrides map[string]string
}

// envFallbacks maps provider names to the vendor's canonical env var.
var envFallbacks = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
}

func NewEnvCredentials() *EnvCredentials {
	return &EnvCredentials{overrides: make(map[string]string)}
}

// SetOverride installs a static key for a provider (from config). Empty
// value removes the override.
func (c *EnvCredentials) SetOverride(provider, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == "" {
		delete(c.overrides, provider)
		return
	}
	c.overrides[provider] = value
}

func (c *EnvCredentials) APIKey(provider string) (Secret, error) {
	c.mu.RLock()
	value := c.overrides[provider]
	c.mu.RUnlock()

	if value == "" {
		value = os.Getenv("SEACLAW_" + strings.ToUpper(provider) + "_API_KEY")
	}
	if value == "" {
		if fallback, ok := envFallbacks[provider]; ok {
			value = os.Getenv(fallback)
		}
	}
	if value == "" {
		return Secret{}, fmt.Errorf("%w: provider %q", ErrMissingAPIKey, provider)
	}

	secret := Secret{Value: value}
	if IsOAuthToken(value) {
		secret.OAuth = true
		secret.Headers = oauthHeaders[provider]
	}
	return secret, nil
}
