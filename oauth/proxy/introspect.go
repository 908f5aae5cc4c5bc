package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/viant/mcp/oauth/store"
)

// handleIntrospect forwards introspection upstream and enriches active
// results with the downstream client the token maps to. After the caller has
// authenticated, every failure degrades to an inactive result rather than an
// error (RFC 7662).
func (h *Handler) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if _, err := h.authenticateClient(r); err != nil {
		h.writeUnauthorizedClient(w, err)
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeInactive(w)
		return
	}
	endpoint, err := h.introspectionEndpoint(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("introspection endpoint unavailable")
		writeInactive(w)
		return
	}
	form := url.Values{"token": {token}}
	if hint := r.PostForm.Get("token_type_hint"); hint != "" {
		form.Set("token_type_hint", hint)
	}
	status, _, body, err := h.forward(r.Context(), endpoint, form, true)
	if err != nil || status != http.StatusOK {
		h.logger.Warn().Err(err).Int("status", status).Msg("introspection forward failed")
		writeInactive(w)
		return
	}
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		writeInactive(w)
		return
	}
	if active, _ := result["active"].(bool); active {
		if mapping, err := h.tokens.Token(r.Context(), store.HashToken(token)); err == nil {
			result["client_id"] = mapping.ClientID
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRevoke drops the local mapping and forwards revocation upstream on a
// best effort basis. Revocation always reports success (RFC 7009).
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if _, err := h.authenticateClient(r); err != nil {
		h.writeUnauthorizedClient(w, err)
		return
	}
	token := r.PostForm.Get("token")
	if token != "" {
		_ = h.tokens.DeleteToken(r.Context(), store.HashToken(token))
		if endpoint := h.config.RevocationEndpoint; endpoint != "" {
			form := url.Values{"token": {token}}
			if hint := r.PostForm.Get("token_type_hint"); hint != "" {
				form.Set("token_type_hint", hint)
			}
			if _, _, _, err := h.forward(r.Context(), endpoint, form, true); err != nil {
				h.logger.Warn().Err(err).Msg("revocation forward failed")
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) introspectionEndpoint(ctx context.Context) (string, error) {
	if endpoint := h.config.IntrospectionEndpoint; endpoint != "" {
		return endpoint, nil
	}
	if h.config.Issuer == "" {
		return "", errors.New("no introspection endpoint configured and no issuer to discover one from")
	}
	return h.discovery.IntrospectionEndpoint(ctx, h.config.Issuer)
}

func writeInactive(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
}
