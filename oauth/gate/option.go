package gate

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/viant/mcp/oauth"
	"github.com/viant/mcp/oauth/store"
)

// Option customizes the gate.
type Option func(*Gate)

// WithRequiredScopes sets the scopes every token must carry.
func WithRequiredScopes(scopes ...string) Option {
	return func(g *Gate) {
		g.required = scopes
	}
}

// WithTokenStore sets the token mapping store consulted in proxy mode.
func WithTokenStore(tokens store.TokenStore) Option {
	return func(g *Gate) {
		g.tokens = tokens
	}
}

// WithClientStore sets the registration store used to resolve client scopes
// when a token mapping carries none.
func WithClientStore(clients store.ClientStore) Option {
	return func(g *Gate) {
		g.clients = clients
	}
}

// WithHTTPClient sets the client used to reach the authorization server.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gate) {
		g.client = client
	}
}

// WithDiscovery overrides the authorization server metadata resolver.
func WithDiscovery(discovery *oauth.Discovery) Option {
	return func(g *Gate) {
		g.discovery = discovery
	}
}

// WithLogger sets the gate logger; the default discards output.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}
