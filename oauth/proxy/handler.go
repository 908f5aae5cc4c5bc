// Package proxy implements the authorization proxy endpoints. Downstream
// clients register and authorize against the proxy, which fronts a single
// set of credentials at the external authorization server and keeps the
// mapping between upstream artifacts and downstream clients.
package proxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/viant/mcp/oauth"
	"github.com/viant/mcp/oauth/state"
	"github.com/viant/mcp/oauth/store"
	"golang.org/x/time/rate"
)

// Token endpoint client authentication methods.
const (
	authMethodBasic = "client_secret_basic"
	authMethodPost  = "client_secret_post"
	authMethodNone  = "none"
)

// Handler serves the proxy's OAuth endpoints.
type Handler struct {
	config    *oauth.Config
	clients   store.ClientStore
	codes     store.CodeStore
	tokens    store.TokenStore
	state     *state.Codec
	discovery *oauth.Discovery
	client    *http.Client
	logger    zerolog.Logger

	mux       sync.RWMutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int

	now func() time.Time
}

// New validates the configuration, loads the state secret when it is held in
// a scy resource and returns a handler ready to Register.
func New(config *oauth.Config, options ...Option) (*Handler, error) {
	if config == nil {
		return nil, errors.New("config was nil")
	}
	config.Init()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := config.LoadSecrets(context.Background()); err != nil {
		return nil, err
	}
	codec, err := state.NewCodec([]byte(config.StateSecret), config.StateTTL)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		config:    config,
		state:     codec,
		client:    http.DefaultClient,
		logger:    zerolog.Nop(),
		limiters:  map[string]*rate.Limiter{},
		rateLimit: defaultRateLimit,
		rateBurst: defaultRateBurst,
		now:       time.Now,
	}
	for _, option := range options {
		option(h)
	}
	var fallback *store.Memory
	shared := func() *store.Memory {
		if fallback == nil {
			fallback = store.NewMemory()
		}
		return fallback
	}
	if h.clients == nil {
		h.clients = shared()
	}
	if h.codes == nil {
		h.codes = shared()
	}
	if h.tokens == nil {
		h.tokens = shared()
	}
	if h.discovery == nil {
		h.discovery = oauth.NewDiscovery(h.client)
	}
	return h, nil
}

// Register mounts the proxy endpoints on the supplied mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /oauth/register", h.handleRegister)
	mux.HandleFunc("GET /oauth/authorize", h.handleAuthorize)
	mux.HandleFunc("GET /oauth/callback", h.handleCallback)
	mux.HandleFunc("POST /oauth/token", h.handleToken)
	mux.HandleFunc("POST /oauth/introspect", h.handleIntrospect)
	mux.HandleFunc("POST /oauth/revoke", h.handleRevoke)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.handleResourceMetadata)
}

// authenticateClient resolves the caller's registration from basic auth or
// form credentials. Clients registered with the "none" method may omit the
// secret; any supplied secret is still verified.
func (h *Handler) authenticateClient(r *http.Request) (*store.ClientRegistration, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}
	if clientID == "" {
		return nil, errors.New("missing client credentials")
	}
	client, err := h.clients.Client(r.Context(), clientID)
	if err != nil {
		return nil, fmt.Errorf("unknown client %v", clientID)
	}
	if clientSecret == "" {
		if client.AuthMethod == authMethodNone {
			return client, nil
		}
		return nil, errors.New("missing client secret")
	}
	if subtle.ConstantTimeCompare([]byte(store.HashToken(clientSecret)), []byte(client.SecretHash)) != 1 {
		return nil, errors.New("client secret mismatch")
	}
	return client, nil
}

func (h *Handler) writeUnauthorizedClient(w http.ResponseWriter, err error) {
	h.logger.Debug().Err(err).Msg("client authentication failed")
	w.Header().Set("WWW-Authenticate", `Basic realm="oauth proxy"`)
	writeError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
}

// forward posts the form to the endpoint and returns the raw response.
// withProxyAuth selects basic auth with the proxy's upstream credentials;
// otherwise the form is expected to carry them.
func (h *Handler) forward(ctx context.Context, endpoint string, form url.Values, withProxyAuth bool) (int, string, []byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", nil, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if withProxyAuth {
		request.SetBasicAuth(h.config.ClientID, h.config.ClientSecret)
	}
	response, err := h.client.Do(request)
	if err != nil {
		return 0, "", nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return 0, "", nil, err
	}
	return response.StatusCode, response.Header.Get("Content-Type"), body, nil
}

// callbackURL returns the proxy's externally visible callback, derived from
// the incoming request unless configured explicitly.
func (h *Handler) callbackURL(r *http.Request) string {
	if h.config.CallbackURL != "" {
		return h.config.CallbackURL
	}
	return h.baseURL(r) + "/oauth/callback"
}

func (h *Handler) baseURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host
}

func (h *Handler) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	metadata := h.config.ResourceMetadata
	if metadata == nil {
		metadata = &oauth.ProtectedResourceMetadata{
			Resource:               h.baseURL(r),
			BearerMethodsSupported: []string{"header"},
			ScopesSupported:        h.config.AllowedScopes,
		}
		if h.config.Issuer != "" {
			metadata.AuthorizationServers = []string{h.config.Issuer}
		}
	}
	writeJSON(w, http.StatusOK, metadata)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

// relay passes an upstream response through unchanged.
func relay(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
