package proxy

import (
	"net/http"
	"net/url"

	"github.com/viant/mcp/oauth"
	"github.com/viant/mcp/oauth/state"
	"github.com/viant/mcp/oauth/store"
)

// handleAuthorize validates the downstream request and redirects the browser
// to the external authorization server under the proxy's own client id. The
// downstream context travels in the signed state token.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := query.Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing client_id parameter")
		return
	}
	client, err := h.clients.Client(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_client", "unknown client")
		return
	}
	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" || !registeredRedirect(client, redirectURI) {
		// The redirect target is not trusted, so the error cannot be
		// delivered there.
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}
	originalState := query.Get("state")
	if responseType := query.Get("response_type"); responseType != "code" {
		redirectWithError(w, r, redirectURI, "unsupported_response_type", "only the code response type is supported", originalState)
		return
	}
	scope := query.Get("scope")
	if scope != "" {
		allowed := oauth.SplitScope(client.Scope)
		if len(allowed) == 0 {
			allowed = h.config.AllowedScopes
		}
		if len(allowed) > 0 && !oauth.ScopeSubset(oauth.SplitScope(scope), allowed) {
			redirectWithError(w, r, redirectURI, "invalid_scope", "requested scope exceeds the client grant", originalState)
			return
		}
	}
	claims := &state.Claims{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		OriginalState:       originalState,
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Scope:               scope,
	}
	stateToken, err := h.state.Encode(claims)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode state token")
		redirectWithError(w, r, redirectURI, "server_error", "failed to prepare authorization request", originalState)
		return
	}
	authorizeURL, err := url.Parse(h.config.AuthorizationEndpoint)
	if err != nil {
		redirectWithError(w, r, redirectURI, "server_error", "authorization endpoint is misconfigured", originalState)
		return
	}
	params := authorizeURL.Query()
	params.Set("client_id", h.config.ClientID)
	params.Set("redirect_uri", h.callbackURL(r))
	params.Set("response_type", "code")
	params.Set("state", stateToken)
	if scope != "" {
		params.Set("scope", scope)
	}
	if claims.CodeChallenge != "" {
		params.Set("code_challenge", claims.CodeChallenge)
		if claims.CodeChallengeMethod != "" {
			params.Set("code_challenge_method", claims.CodeChallengeMethod)
		}
	}
	authorizeURL.RawQuery = params.Encode()
	h.logger.Debug().Str("clientId", clientID).Msg("redirecting to authorization server")
	http.Redirect(w, r, authorizeURL.String(), http.StatusFound)
}

// handleCallback resumes the flow after the external authorization server
// redirects back, recording which downstream client the upstream code
// belongs to before passing it along.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	stateToken := query.Get("state")
	if stateToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing state parameter")
		return
	}
	claims, err := h.state.Decode(stateToken)
	if err != nil {
		h.logger.Debug().Err(err).Msg("rejected callback state")
		writeError(w, http.StatusBadRequest, "invalid_request", "state parameter is invalid or expired")
		return
	}
	if upstreamError := query.Get("error"); upstreamError != "" {
		redirectWithError(w, r, claims.RedirectURI, upstreamError, query.Get("error_description"), claims.OriginalState)
		return
	}
	code := query.Get("code")
	if code == "" {
		redirectWithError(w, r, claims.RedirectURI, "server_error", "authorization server returned no code", claims.OriginalState)
		return
	}
	now := h.now()
	mapping := &store.AuthCodeMapping{
		Code:                code,
		ClientID:            claims.ClientID,
		RedirectURI:         claims.RedirectURI,
		CodeChallenge:       claims.CodeChallenge,
		CodeChallengeMethod: claims.CodeChallengeMethod,
		Scope:               claims.Scope,
		IssuedAt:            now,
		ExpiresAt:           now.Add(oauth.DefaultCodeTTL),
	}
	if err := h.codes.SaveCode(r.Context(), mapping); err != nil {
		redirectWithError(w, r, claims.RedirectURI, "server_error", "failed to persist authorization code", claims.OriginalState)
		return
	}
	target, err := url.Parse(claims.RedirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect uri is malformed")
		return
	}
	params := target.Query()
	params.Set("code", code)
	if claims.OriginalState != "" {
		params.Set("state", claims.OriginalState)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func registeredRedirect(client *store.ClientRegistration, redirectURI string) bool {
	for _, candidate := range client.RedirectURIs {
		if candidate == redirectURI {
			return true
		}
	}
	return false
}

// redirectWithError delivers an error to a trusted redirect target per
// RFC 6749 section 4.1.2.1.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, code, description, originalState string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, code, description)
		return
	}
	params := target.Query()
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if originalState != "" {
		params.Set("state", originalState)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
