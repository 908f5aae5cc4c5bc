package client

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/retry"
	"github.com/viant/mcp/schema"
	"github.com/viant/mcp/transport"
)

// Option mutates Connector.
type Option func(*Connector)

// WithHTTPClient allows a custom http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithHandler sets the handler answering server initiated requests and
// observing notifications.
func WithHandler(handler transport.Handler) Option {
	return func(c *Connector) {
		c.handler = handler
	}
}

// WithNewHandler sets a handler factory invoked during Connect with the
// connector itself as the transport, so the handler can issue follow-up
// requests through the session it serves.
func WithNewHandler(factory transport.NewHandler) Option {
	return func(c *Connector) {
		c.newHandler = factory
	}
}

// WithListener sets a listener observing every message crossing the transport.
func WithListener(listener jsonrpc.Listener) Option {
	return func(c *Connector) {
		c.listener = listener
	}
}

// WithInterceptor registers a post-response hook for method.
func WithInterceptor(method string, interceptor transport.Interceptor) Option {
	return func(c *Connector) {
		c.interceptors[method] = interceptor
	}
}

// WithAuthRefresher sets the hook invoked on 401 challenges; the returned
// token is used as the bearer on the one retry.
func WithAuthRefresher(refresher AuthRefresher) Option {
	return func(c *Connector) {
		c.refresher = refresher
	}
}

// WithBearerToken sets the initial bearer token.
func WithBearerToken(token string) Option {
	return func(c *Connector) {
		c.bearer = token
	}
}

// WithClientInfo sets the implementation advertised during the handshake.
func WithClientInfo(name, version string) Option {
	return func(c *Connector) {
		c.clientInfo = schema.Implementation{Name: name, Version: version}
	}
}

// WithCapabilities sets the client capabilities advertised during the handshake.
func WithCapabilities(capabilities schema.ClientCapabilities) Option {
	return func(c *Connector) {
		c.capabilities = capabilities
	}
}

// WithProtocolVersion sets the protocol revision requested during the
// handshake. The server may negotiate it down.
func WithProtocolVersion(version string) Option {
	return func(c *Connector) {
		if version != "" {
			c.requestedVersion = version
		}
	}
}

// WithSessionHeaderName sets a custom HTTP header name carrying the session
// id. Defaults to "Mcp-Session-Id".
func WithSessionHeaderName(name string) Option {
	return func(c *Connector) {
		if name != "" {
			c.sessionHeader = name
		}
	}
}

// WithHandshakeTimeout overrides the default handshake timeout.
func WithHandshakeTimeout(duration time.Duration) Option {
	return func(c *Connector) {
		if duration > 0 {
			c.handshakeTimeout = duration
		}
	}
}

// WithRequestTimeout bounds how long Send waits for a correlated response.
func WithRequestTimeout(duration time.Duration) Option {
	return func(c *Connector) {
		if duration > 0 {
			c.requestTimeout = duration
		}
	}
}

// WithStreamRetry sets the retry budget of the event stream ingest loop.
func WithStreamRetry(config retry.Config) Option {
	return func(c *Connector) {
		c.streamRetry = config
	}
}

// WithStreamGetter replaces the dialer of the standing event stream.
func WithStreamGetter(getter StreamGetter) Option {
	return func(c *Connector) {
		c.getStream = getter
	}
}

// WithListCache shares an existing cache between connectors; entries are
// keyed by server, so connectors to different servers never collide.
func WithListCache(cache *ListCache) Option {
	return func(c *Connector) {
		c.cache = cache
	}
}

// WithListCacheTTL sets how long uncursored list results stay cached. A
// non-positive value disables the cache.
func WithListCacheTTL(ttl time.Duration) Option {
	return func(c *Connector) {
		c.cache = NewListCache(ttl)
	}
}

// WithLogger sets the connector logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}
