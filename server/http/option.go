package http

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Option mutates handler configuration.
type Option func(*Handler)

// WithURI restricts the handler to paths ending with uri.
func WithURI(uri string) Option {
	return func(h *Handler) {
		h.URI = uri
	}
}

// WithSessionHeader overrides the session id header name.
func WithSessionHeader(name string) Option {
	return func(h *Handler) {
		h.SessionHeader = name
	}
}

// WithProtocolHeader overrides the protocol version header name.
func WithProtocolHeader(name string) Option {
	return func(h *Handler) {
		h.ProtocolHeader = name
	}
}

// WithStreaming toggles SSE support. When disabled GET answers 405 and POST
// always replies with plain JSON.
func WithStreaming(enabled bool) Option {
	return func(h *Handler) {
		h.Streaming = enabled
	}
}

// WithHeartbeatInterval sets the comment heartbeat period on open streams,
// zero disables heartbeats.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(h *Handler) {
		h.HeartbeatInterval = interval
	}
}

// WithRetryHint advises clients how long to wait before reconnecting a
// dropped stream.
func WithRetryHint(hint time.Duration) Option {
	return func(h *Handler) {
		h.RetryHint = hint
	}
}

// WithAllowedOrigins sets the exact origin allow list.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		h.AllowedOrigins = origins
	}
}

// WithAllowCredentials toggles credentialed CORS.
func WithAllowCredentials(allow bool) Option {
	return func(h *Handler) {
		h.AllowCredentials = allow
	}
}

// WithCheckOrigin enables origin validation on POST and GET.
func WithCheckOrigin(check bool) Option {
	return func(h *Handler) {
		h.CheckOrigin = check
	}
}

// WithAuthorizer sets the request authorizer. The resolved identity becomes
// the session owner; errors produce 401 with a WWW-Authenticate challenge.
func WithAuthorizer(authorizer func(r *http.Request) (string, error)) Option {
	return func(h *Handler) {
		h.Authorizer = authorizer
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}
