package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/viant/mcp/oauth/store"
)

type issuedTokens struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    float64 `json:"expires_in"`
	Scope        string  `json:"scope"`
}

// handleToken authenticates the downstream client, settles the grant locally
// and forwards the exchange upstream under the proxy's credentials. The
// upstream response passes through verbatim.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r) {
		h.writeTooManyRequests(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	client, err := h.authenticateClient(r)
	if err != nil {
		h.writeUnauthorizedClient(w, err)
		return
	}
	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		h.exchangeCode(w, r, client)
	case "refresh_token":
		h.refreshToken(w, r, client)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (h *Handler) exchangeCode(w http.ResponseWriter, r *http.Request, client *store.ClientRegistration) {
	code := r.PostForm.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing code parameter")
		return
	}
	mapping, err := h.codes.ConsumeCode(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or expired")
		return
	}
	if mapping.ClientID != client.ClientID {
		writeError(w, http.StatusBadRequest, "invalid_grant", "authorization code was issued to another client")
		return
	}
	if mapping.CodeChallenge != "" {
		verifier := r.PostForm.Get("code_verifier")
		if verifier == "" {
			writeError(w, http.StatusBadRequest, "invalid_grant", "missing code_verifier parameter")
			return
		}
		if !verifyCodeChallenge(mapping.CodeChallenge, mapping.CodeChallengeMethod, verifier) {
			writeError(w, http.StatusBadRequest, "invalid_grant", "code verifier does not match the challenge")
			return
		}
	}
	form := cloneForm(r.PostForm)
	form.Set("client_id", h.config.ClientID)
	form.Set("client_secret", h.config.ClientSecret)
	// The upstream server bound the code to the proxy's callback, not to the
	// downstream redirect.
	form.Set("redirect_uri", h.callbackURL(r))
	status, contentType, body, err := h.forward(r.Context(), h.config.TokenEndpoint, form, false)
	if err != nil {
		h.logger.Warn().Err(err).Msg("token exchange forward failed")
		writeError(w, http.StatusBadGateway, "server_error", "authorization server is unreachable")
		return
	}
	if status == http.StatusOK {
		h.recordTokens(r.Context(), client, body, mapping.Scope)
	}
	relay(w, status, contentType, body)
}

func (h *Handler) refreshToken(w http.ResponseWriter, r *http.Request, client *store.ClientRegistration) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token parameter")
		return
	}
	form := cloneForm(r.PostForm)
	form.Set("client_id", h.config.ClientID)
	form.Set("client_secret", h.config.ClientSecret)
	status, contentType, body, err := h.forward(r.Context(), h.config.TokenEndpoint, form, false)
	if err != nil {
		h.logger.Warn().Err(err).Msg("token refresh forward failed")
		writeError(w, http.StatusBadGateway, "server_error", "authorization server is unreachable")
		return
	}
	if status == http.StatusOK {
		issued := h.recordTokens(r.Context(), client, body, "")
		if issued != nil && issued.RefreshToken != "" && issued.RefreshToken != refreshToken {
			// Upstream rotated the refresh token.
			_ = h.tokens.DeleteToken(r.Context(), store.HashToken(refreshToken))
		}
	}
	relay(w, status, contentType, body)
}

// recordTokens maps freshly issued upstream tokens back to the downstream
// client. Tokens are stored hashed.
func (h *Handler) recordTokens(ctx context.Context, client *store.ClientRegistration, body []byte, fallbackScope string) *issuedTokens {
	issued := &issuedTokens{}
	if err := json.Unmarshal(body, issued); err != nil {
		h.logger.Warn().Err(err).Msg("failed to parse token response")
		return nil
	}
	scope := issued.Scope
	if scope == "" {
		scope = fallbackScope
	}
	now := h.now()
	if issued.AccessToken != "" {
		mapping := &store.TokenMapping{ClientID: client.ClientID, TokenType: store.TokenTypeAccess, Scope: scope, IssuedAt: now}
		if issued.ExpiresIn > 0 {
			mapping.ExpiresAt = now.Add(time.Duration(issued.ExpiresIn) * time.Second)
		}
		if err := h.tokens.SaveToken(ctx, store.HashToken(issued.AccessToken), mapping); err != nil {
			h.logger.Warn().Err(err).Msg("failed to persist access token mapping")
		}
	}
	if issued.RefreshToken != "" {
		mapping := &store.TokenMapping{ClientID: client.ClientID, TokenType: store.TokenTypeRefresh, Scope: scope, IssuedAt: now}
		if err := h.tokens.SaveToken(ctx, store.HashToken(issued.RefreshToken), mapping); err != nil {
			h.logger.Warn().Err(err).Msg("failed to persist refresh token mapping")
		}
	}
	return issued
}

// verifyCodeChallenge checks a PKCE verifier against the challenge recorded
// at authorization time. An empty method means plain (RFC 7636).
func verifyCodeChallenge(challenge, method, verifier string) bool {
	switch method {
	case "S256":
		digest := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(digest[:]) == challenge
	case "", "plain":
		return verifier == challenge
	default:
		return false
	}
}

func cloneForm(form url.Values) url.Values {
	clone := url.Values{}
	for key, values := range form {
		clone[key] = append([]string(nil), values...)
	}
	return clone
}
