package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/viant/mcp/oauth"
	"github.com/viant/mcp/oauth/store"
)

// clientIDPrefix marks identifiers minted by the proxy.
const clientIDPrefix = "proxy_"

type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
}

// handleRegister implements dynamic client registration (RFC 7591). The
// plaintext secret appears only in the response; the store keeps its hash.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r) {
		h.writeTooManyRequests(w)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_client_metadata", "failed to read registration document")
		return
	}
	request := &registrationRequest{}
	if err := json.Unmarshal(data, request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed registration document")
		return
	}
	if len(request.RedirectURIs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_redirect_uri", "at least one redirect uri is required")
		return
	}
	for _, redirectURI := range request.RedirectURIs {
		if err := validateRedirectURI(redirectURI); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_redirect_uri", err.Error())
			return
		}
	}
	if len(request.GrantTypes) == 0 {
		request.GrantTypes = []string{"authorization_code"}
	}
	for _, grantType := range request.GrantTypes {
		if grantType != "authorization_code" && grantType != "refresh_token" {
			writeError(w, http.StatusBadRequest, "invalid_client_metadata", fmt.Sprintf("unsupported grant type %q", grantType))
			return
		}
	}
	if len(request.ResponseTypes) == 0 {
		request.ResponseTypes = []string{"code"}
	}
	for _, responseType := range request.ResponseTypes {
		if responseType != "code" {
			writeError(w, http.StatusBadRequest, "invalid_client_metadata", fmt.Sprintf("unsupported response type %q", responseType))
			return
		}
	}
	if request.TokenEndpointAuthMethod == "" {
		request.TokenEndpointAuthMethod = authMethodBasic
	}
	switch request.TokenEndpointAuthMethod {
	case authMethodBasic, authMethodPost, authMethodNone:
	default:
		writeError(w, http.StatusBadRequest, "invalid_client_metadata", fmt.Sprintf("unsupported token endpoint auth method %q", request.TokenEndpointAuthMethod))
		return
	}
	if len(h.config.AllowedScopes) > 0 && request.Scope != "" {
		if !oauth.ScopeSubset(oauth.SplitScope(request.Scope), h.config.AllowedScopes) {
			writeError(w, http.StatusBadRequest, "invalid_client_metadata", fmt.Sprintf("scope %q is not allowed", request.Scope))
			return
		}
	}

	clientID := clientIDPrefix + hex.EncodeToString(newClientUUID())
	clientSecret, err := newClientSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to generate client secret")
		return
	}
	now := h.now()
	registration := &store.ClientRegistration{
		ClientID:      clientID,
		SecretHash:    store.HashToken(clientSecret),
		RedirectURIs:  request.RedirectURIs,
		GrantTypes:    request.GrantTypes,
		ResponseTypes: request.ResponseTypes,
		AuthMethod:    request.TokenEndpointAuthMethod,
		Scope:         request.Scope,
		CreatedAt:     now,
	}
	if request.ClientName != "" || request.ClientURI != "" {
		registration.Metadata = map[string]string{}
		if request.ClientName != "" {
			registration.Metadata["client_name"] = request.ClientName
		}
		if request.ClientURI != "" {
			registration.Metadata["client_uri"] = request.ClientURI
		}
	}
	if err := h.clients.SaveClient(r.Context(), registration); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to persist registration")
		return
	}
	h.logger.Info().Str("clientId", clientID).Msg("registered client")
	writeJSON(w, http.StatusCreated, &registrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            request.RedirectURIs,
		GrantTypes:              request.GrantTypes,
		ResponseTypes:           request.ResponseTypes,
		TokenEndpointAuthMethod: request.TokenEndpointAuthMethod,
		Scope:                   request.Scope,
		ClientName:              request.ClientName,
	})
}

// validateRedirectURI enforces https redirects, excepting loopback hosts,
// and rejects fragments.
func validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed redirect uri %q", raw)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect uri %q must not contain a fragment", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("redirect uri %q has no host", raw)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return fmt.Errorf("http redirect uri %q is only allowed for loopback hosts", raw)
		}
	default:
		return fmt.Errorf("redirect uri %q must use https", raw)
	}
	return nil
}

func newClientUUID() []byte {
	id := uuid.New()
	return id[:]
}

func newClientSecret() (string, error) {
	buffer := make([]byte, 32)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}
