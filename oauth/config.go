// Package oauth holds the shared configuration and authorization-server
// discovery used by the proxy endpoints and the resource-server gate.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/viant/scy/cred/secret"
)

// Operating modes for the resource-server gate.
const (
	// ModeProxy validates bearer tokens against the proxy's own token
	// mappings.
	ModeProxy = "proxy"
	// ModeExternal validates bearer tokens by introspecting them at the
	// external authorization server.
	ModeExternal = "external"
)

// Default lifetimes.
const (
	DefaultStateTTL              = 600 * time.Second
	DefaultCodeTTL               = 600 * time.Second
	DefaultIntrospectionCacheTTL = 300 * time.Second
)

// MinStateSecretLen is the shortest accepted HS256 state signing key.
const MinStateSecretLen = 32

// ProtectedResourceMetadata is the document served under
// /.well-known/oauth-protected-resource (RFC 9728).
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// Config carries the upstream authorization-server coordinates, the proxy's
// own client credentials and the state signing material.
type Config struct {
	// Mode selects how the gate validates bearer tokens; defaults to proxy.
	Mode string

	// Issuer is the external authorization server base URL, used for
	// endpoint discovery when explicit endpoints are not configured.
	Issuer string
	// AuthorizationEndpoint receives browser redirects from /oauth/authorize.
	AuthorizationEndpoint string
	// TokenEndpoint receives forwarded token requests.
	TokenEndpoint string
	// IntrospectionEndpoint receives forwarded introspection requests;
	// discovered from Issuer when empty.
	IntrospectionEndpoint string
	// RevocationEndpoint receives forwarded revocation requests.
	RevocationEndpoint string

	// ClientID and ClientSecret are the proxy's own credentials at the
	// external authorization server. They replace downstream client
	// credentials on every forwarded request.
	ClientID     string
	ClientSecret string

	// CallbackURL is the proxy's externally visible /oauth/callback URL,
	// registered at the external authorization server. When empty it is
	// derived from the incoming request.
	CallbackURL string

	// StateSecret signs the ProxyState JWT; at least MinStateSecretLen bytes.
	StateSecret string
	// StateSecretResource optionally names a scy secret holding the state
	// secret; loaded by LoadSecrets when StateSecret is empty.
	StateSecretResource secret.Resource
	// StateTTL bounds the authorize-to-callback window; defaults to 600s.
	StateTTL time.Duration

	// AllowedScopes, when set, restricts the scopes clients may register
	// and request.
	AllowedScopes []string

	// ResourceMetadata overrides the served protected-resource document.
	ResourceMetadata *ProtectedResourceMetadata

	// IntrospectionCacheTTL bounds how long the gate trusts a cached
	// introspection result; defaults to 300s.
	IntrospectionCacheTTL time.Duration
}

// Init fills defaulted fields in place and returns the config.
func (c *Config) Init() *Config {
	if c.Mode == "" {
		c.Mode = ModeProxy
	}
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	if c.IntrospectionCacheTTL <= 0 {
		c.IntrospectionCacheTTL = DefaultIntrospectionCacheTTL
	}
	return c
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var failures []error
	switch c.Mode {
	case ModeProxy, ModeExternal:
	case "":
		failures = append(failures, errors.New("mode is required"))
	default:
		failures = append(failures, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if len(c.StateSecret) < MinStateSecretLen && c.StateSecretResource == "" {
		failures = append(failures, fmt.Errorf("state secret must be at least %d bytes, got %d", MinStateSecretLen, len(c.StateSecret)))
	}
	if c.AuthorizationEndpoint == "" {
		failures = append(failures, errors.New("authorization endpoint is required"))
	}
	if c.TokenEndpoint == "" {
		failures = append(failures, errors.New("token endpoint is required"))
	}
	if c.ClientID == "" {
		failures = append(failures, errors.New("upstream client id is required"))
	}
	if c.ClientSecret == "" {
		failures = append(failures, errors.New("upstream client secret is required"))
	}
	if c.Mode == ModeExternal && c.IntrospectionEndpoint == "" && c.Issuer == "" {
		failures = append(failures, errors.New("external mode needs an introspection endpoint or an issuer to discover it from"))
	}
	return errors.Join(failures...)
}

// LoadSecrets resolves the state secret from its scy resource when it was not
// configured inline.
func (c *Config) LoadSecrets(ctx context.Context) error {
	if c.StateSecret != "" || c.StateSecretResource == "" {
		return nil
	}
	secrets := secret.New()
	credentials, err := secrets.GetCredentials(ctx, string(c.StateSecretResource))
	if err != nil {
		return fmt.Errorf("failed to load state secret %v: %w", c.StateSecretResource, err)
	}
	c.StateSecret = credentials.Password
	if len(c.StateSecret) < MinStateSecretLen {
		return fmt.Errorf("state secret %v is %d bytes, need at least %d", c.StateSecretResource, len(c.StateSecret), MinStateSecretLen)
	}
	return nil
}
