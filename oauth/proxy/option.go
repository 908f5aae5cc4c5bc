package proxy

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/viant/mcp/oauth"
	"github.com/viant/mcp/oauth/store"
	"golang.org/x/time/rate"
)

// Option customizes the proxy handler.
type Option func(*Handler)

// WithClientStore overrides the client registration store.
func WithClientStore(clients store.ClientStore) Option {
	return func(h *Handler) {
		h.clients = clients
	}
}

// WithCodeStore overrides the authorization code store.
func WithCodeStore(codes store.CodeStore) Option {
	return func(h *Handler) {
		h.codes = codes
	}
}

// WithTokenStore overrides the token mapping store.
func WithTokenStore(tokens store.TokenStore) Option {
	return func(h *Handler) {
		h.tokens = tokens
	}
}

// WithHTTPClient sets the client used to reach the authorization server.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Handler) {
		h.client = client
	}
}

// WithDiscovery overrides the authorization server metadata resolver.
func WithDiscovery(discovery *oauth.Discovery) Option {
	return func(h *Handler) {
		h.discovery = discovery
	}
}

// WithLogger sets the handler logger; the default discards output.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithRateLimit adjusts per-address throttling of registration and token
// requests. A non-positive limit disables throttling.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(h *Handler) {
		h.rateLimit = limit
		h.rateBurst = burst
	}
}
