// Package gate enforces bearer token authorization in front of protected
// endpoints, validating tokens either against the proxy's token mappings or
// by introspecting them at the external authorization server.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/oauth"
	"github.com/viant/mcp/oauth/store"
)

// Paths that stay reachable without a token so clients can bootstrap
// authorization and operators can probe liveness.
var openPrefixes = []string{"/oauth/", "/.well-known/", "/health", "/management/"}

// Gate validates bearer tokens for protected requests.
type Gate struct {
	config    *oauth.Config
	tokens    store.TokenStore
	clients   store.ClientStore
	discovery *oauth.Discovery
	client    *http.Client
	logger    zerolog.Logger
	required  []string

	mux   sync.RWMutex
	cache map[string]*introspection

	now func() time.Time
}

// introspection is a cached validation outcome; failures are cached with the
// same TTL as successes.
type introspection struct {
	active    bool
	scope     string
	clientID  string
	expiresAt time.Time
}

type authFailure struct {
	status      int
	code        string
	description string
}

// New returns a gate for the configured mode. Proxy mode requires the token
// store shared with the proxy handler; external mode requires upstream
// credentials and an introspection endpoint or an issuer to discover it from.
func New(config *oauth.Config, options ...Option) (*Gate, error) {
	if config == nil {
		return nil, errors.New("config was nil")
	}
	config.Init()
	g := &Gate{
		config: config,
		client: http.DefaultClient,
		logger: zerolog.Nop(),
		cache:  map[string]*introspection{},
		now:    time.Now,
	}
	for _, option := range options {
		option(g)
	}
	switch config.Mode {
	case oauth.ModeProxy:
		if g.tokens == nil {
			return nil, errors.New("proxy mode requires a token store")
		}
	case oauth.ModeExternal:
		if config.IntrospectionEndpoint == "" && config.Issuer == "" {
			return nil, errors.New("external mode needs an introspection endpoint or an issuer to discover it from")
		}
		if config.ClientID == "" || config.ClientSecret == "" {
			return nil, errors.New("external mode needs client credentials for introspection")
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", config.Mode)
	}
	if g.discovery == nil {
		g.discovery = oauth.NewDiscovery(g.client)
	}
	return g, nil
}

// Middleware wraps next with bearer token enforcement. The authenticated
// client id is injected into the request context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		clientID, failure := g.check(r.Context(), bearerToken(r))
		if failure != nil {
			g.writeFailure(w, failure)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
	})
}

// Authorizer adapts the gate to the HTTP handler's authorization hook. The
// hook reports every failure as 401 with the gate's challenge, so proxy mode
// scope failures lose their 403 status on this path.
func (g *Gate) Authorizer() func(r *http.Request) (string, error) {
	return func(r *http.Request) (string, error) {
		if skipAuth(r.URL.Path) {
			return "", nil
		}
		clientID, failure := g.check(r.Context(), bearerToken(r))
		if failure != nil {
			return "", jsonrpc.NewUnauthorizedError(failure.status, g.challenge(failure.code), nil)
		}
		return clientID, nil
	}
}

// check validates the token and resolves the downstream client id.
func (g *Gate) check(ctx context.Context, token string) (string, *authFailure) {
	if token == "" {
		return "", &authFailure{status: http.StatusUnauthorized, description: "missing bearer token"}
	}
	if g.config.Mode == oauth.ModeExternal {
		return g.checkExternal(ctx, token)
	}
	return g.checkProxy(ctx, token)
}

func (g *Gate) checkProxy(ctx context.Context, token string) (string, *authFailure) {
	mapping, err := g.tokens.Token(ctx, store.HashToken(token))
	if err != nil {
		return "", &authFailure{status: http.StatusUnauthorized, code: "invalid_token", description: "token is unknown or expired"}
	}
	if len(g.required) > 0 {
		scope := mapping.Scope
		if scope == "" && g.clients != nil {
			if client, err := g.clients.Client(ctx, mapping.ClientID); err == nil {
				scope = client.Scope
			}
		}
		if !oauth.ScopeSubset(g.required, oauth.SplitScope(scope)) {
			return "", &authFailure{status: http.StatusForbidden, code: "insufficient_scope", description: "token lacks a required scope"}
		}
	}
	return mapping.ClientID, nil
}

func (g *Gate) checkExternal(ctx context.Context, token string) (string, *authFailure) {
	result := g.introspect(ctx, token)
	if !result.active {
		return "", &authFailure{status: http.StatusUnauthorized, code: "invalid_token", description: "token introspection failed"}
	}
	if len(g.required) > 0 && !oauth.ScopeSubset(g.required, oauth.SplitScope(result.scope)) {
		return "", &authFailure{status: http.StatusUnauthorized, code: "insufficient_scope", description: "token lacks a required scope"}
	}
	return result.clientID, nil
}

// introspect consults the cache before asking the authorization server.
func (g *Gate) introspect(ctx context.Context, token string) *introspection {
	key := store.HashToken(token)
	now := g.now()
	g.mux.RLock()
	cached, ok := g.cache[key]
	g.mux.RUnlock()
	if ok && cached.expiresAt.After(now) {
		return cached
	}
	result := g.introspectUpstream(ctx, token)
	result.expiresAt = now.Add(g.config.IntrospectionCacheTTL)
	g.mux.Lock()
	g.cache[key] = result
	g.mux.Unlock()
	return result
}

func (g *Gate) introspectUpstream(ctx context.Context, token string) *introspection {
	endpoint := g.config.IntrospectionEndpoint
	if endpoint == "" {
		var err error
		endpoint, err = g.discovery.IntrospectionEndpoint(ctx, g.config.Issuer)
		if err != nil {
			g.logger.Warn().Err(err).Msg("introspection endpoint unavailable")
			return &introspection{}
		}
	}
	form := url.Values{"token": {token}}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &introspection{}
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.SetBasicAuth(g.config.ClientID, g.config.ClientSecret)
	response, err := g.client.Do(request)
	if err != nil {
		g.logger.Warn().Err(err).Msg("introspection request failed")
		return &introspection{}
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		g.logger.Warn().Int("status", response.StatusCode).Msg("introspection request rejected")
		return &introspection{}
	}
	var result struct {
		Active   bool   `json:"active"`
		Scope    string `json:"scope"`
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return &introspection{}
	}
	return &introspection{active: result.Active, scope: result.Scope, clientID: result.ClientID}
}

func (g *Gate) writeFailure(w http.ResponseWriter, failure *authFailure) {
	w.Header().Set("WWW-Authenticate", g.challenge(failure.code))
	if failure.code == "" {
		w.WriteHeader(failure.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(failure.status)
	data, err := json.Marshal(map[string]string{"error": failure.code, "error_description": failure.description})
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

// challenge builds the WWW-Authenticate value (RFC 6750 section 3). A bare
// challenge carries no error code.
func (g *Gate) challenge(code string) string {
	var builder strings.Builder
	builder.WriteString(`Bearer realm="MCP Server"`)
	if code != "" {
		fmt.Fprintf(&builder, ", error=%q", code)
	}
	if len(g.required) > 0 {
		fmt.Fprintf(&builder, ", scope=%q", strings.Join(g.required, " "))
	}
	if g.config.Issuer != "" {
		fmt.Fprintf(&builder, ", authz_server=%q", g.config.Issuer)
	}
	return builder.String()
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func skipAuth(path string) bool {
	for _, prefix := range openPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
