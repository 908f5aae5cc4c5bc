package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/viant/mcp/oauth"
	"github.com/viant/mcp/oauth/state"
	"github.com/viant/mcp/oauth/store"
	"golang.org/x/time/rate"
)

const testRedirect = "https://app.example.com/callback"
const basicRegistration = `{"redirect_uris":["https://app.example.com/callback"],"scope":"mcp:read","client_name":"Test App"}`

// fakeAS stands in for the external authorization server, recording every
// forwarded request.
type fakeAS struct {
	URL string

	mux             sync.Mutex
	tokenStatus     int
	tokenBody       string
	tokenRequests   []url.Values
	introspectBody  string
	introspectCreds []string
	introspectForms []url.Values
	revokeForms     []url.Values
}

func newFakeAS(t *testing.T) *fakeAS {
	f := &fakeAS{
		tokenStatus:    http.StatusOK,
		tokenBody:      `{"access_token":"upstream-access","refresh_token":"upstream-refresh","token_type":"Bearer","expires_in":3600,"scope":"mcp:read"}`,
		introspectBody: `{"active":true,"scope":"mcp:read","exp":4102444800}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mux.Lock()
		f.tokenRequests = append(f.tokenRequests, cloneForm(r.PostForm))
		status, body := f.tokenStatus, f.tokenBody
		f.mux.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("POST /introspect", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		user, pass, _ := r.BasicAuth()
		f.mux.Lock()
		f.introspectCreds = append(f.introspectCreds, user+":"+pass)
		f.introspectForms = append(f.introspectForms, cloneForm(r.PostForm))
		body := f.introspectBody
		f.mux.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("POST /revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mux.Lock()
		f.revokeForms = append(f.revokeForms, cloneForm(r.PostForm))
		f.mux.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	f.URL = ts.URL
	return f
}

func (f *fakeAS) setTokenResponse(status int, body string) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.tokenStatus, f.tokenBody = status, body
}

func (f *fakeAS) setIntrospectBody(body string) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.introspectBody = body
}

func (f *fakeAS) lastTokenRequest(t *testing.T) url.Values {
	t.Helper()
	f.mux.Lock()
	defer f.mux.Unlock()
	if len(f.tokenRequests) == 0 {
		t.Fatalf("no token requests reached the authorization server")
	}
	return f.tokenRequests[len(f.tokenRequests)-1]
}

func newTestConfig(upstream *fakeAS) *oauth.Config {
	return &oauth.Config{
		Mode:                  oauth.ModeProxy,
		Issuer:                upstream.URL,
		AuthorizationEndpoint: upstream.URL + "/authorize",
		TokenEndpoint:         upstream.URL + "/token",
		IntrospectionEndpoint: upstream.URL + "/introspect",
		RevocationEndpoint:    upstream.URL + "/revoke",
		ClientID:              "upstream-client",
		ClientSecret:          "upstream-secret",
		CallbackURL:           "https://proxy.example.com/oauth/callback",
		StateSecret:           strings.Repeat("s", 32),
	}
}

func newTestProxy(t *testing.T, config *oauth.Config, options ...Option) (*Handler, *store.Memory, *httptest.Server) {
	t.Helper()
	memory := store.NewMemory()
	options = append([]Option{
		WithClientStore(memory),
		WithCodeStore(memory),
		WithTokenStore(memory),
		WithRateLimit(0, 0),
	}, options...)
	handler, err := New(config, options...)
	if err != nil {
		t.Fatalf("failed to create proxy: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return handler, memory, ts
}

func registerClient(t *testing.T, ts *httptest.Server, document string) *registrationResponse {
	t.Helper()
	response, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(document))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read register response: %v", err)
	}
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("register returned %v: %s", response.StatusCode, body)
	}
	registered := &registrationResponse{}
	if err := json.Unmarshal(body, registered); err != nil {
		t.Fatalf("failed to decode register response: %v", err)
	}
	return registered
}

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func postForm(t *testing.T, target string, form url.Values, clientID, clientSecret string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		request.SetBasicAuth(clientID, clientSecret)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func readJSON(t *testing.T, response *http.Response) map[string]interface{} {
	t.Helper()
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	payload := map[string]interface{}{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("failed to decode response %s: %v", data, err)
	}
	return payload
}

func pkcePair() (string, string) {
	verifier := "test-verifier-0123456789-0123456789-0123456789"
	digest := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(digest[:])
}

func TestHandler_Register(t *testing.T) {
	upstream := newFakeAS(t)
	_, memory, ts := newTestProxy(t, newTestConfig(upstream))

	response, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(basicRegistration))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	if err != nil {
		t.Fatalf("failed to read register response: %v", err)
	}
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("register returned %v: %s", response.StatusCode, body)
	}

	registered := &registrationResponse{}
	if err := json.Unmarshal(body, registered); err != nil {
		t.Fatalf("failed to decode register response: %v", err)
	}
	if !strings.HasPrefix(registered.ClientID, "proxy_") {
		t.Errorf("expected a proxy_ prefixed client id, got %v", registered.ClientID)
	}
	if got := len(strings.TrimPrefix(registered.ClientID, "proxy_")); got != 32 {
		t.Errorf("expected a 128 bit hex id, got %d characters", got)
	}
	if len(registered.ClientSecret) != 64 {
		t.Errorf("expected a 256 bit hex secret, got %d characters", len(registered.ClientSecret))
	}
	if _, err := hex.DecodeString(registered.ClientSecret); err != nil {
		t.Errorf("expected a hex secret, got %v", registered.ClientSecret)
	}
	if registered.TokenEndpointAuthMethod != authMethodBasic {
		t.Errorf("expected the basic auth default, got %v", registered.TokenEndpointAuthMethod)
	}
	if len(registered.GrantTypes) != 1 || registered.GrantTypes[0] != "authorization_code" {
		t.Errorf("expected the authorization_code default, got %v", registered.GrantTypes)
	}
	if len(registered.ResponseTypes) != 1 || registered.ResponseTypes[0] != "code" {
		t.Errorf("expected the code default, got %v", registered.ResponseTypes)
	}

	raw := map[string]interface{}{}
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("failed to decode raw response: %v", err)
	}
	expires, present := raw["client_secret_expires_at"]
	if !present {
		t.Errorf("expected client_secret_expires_at to be present")
	} else if number, _ := expires.(float64); number != 0 {
		t.Errorf("expected a non expiring secret, got %v", expires)
	}

	stored, err := memory.Client(context.Background(), registered.ClientID)
	if err != nil {
		t.Fatalf("expected the registration to be persisted: %v", err)
	}
	if stored.SecretHash != store.HashToken(registered.ClientSecret) {
		t.Errorf("expected the stored hash to match the issued secret")
	}
	if stored.SecretHash == registered.ClientSecret {
		t.Errorf("client secret must not be stored in plaintext")
	}
	if stored.Scope != "mcp:read" || stored.Metadata["client_name"] != "Test App" {
		t.Errorf("unexpected stored registration: %+v", stored)
	}
}

func TestHandler_RegisterValidation(t *testing.T) {
	upstream := newFakeAS(t)
	_, _, ts := newTestProxy(t, newTestConfig(upstream))

	testCases := []struct {
		name     string
		document string
		wantCode string
	}{
		{name: "missing redirect uris", document: `{}`, wantCode: "invalid_redirect_uri"},
		{name: "fragment in redirect", document: `{"redirect_uris":["https://app.example.com/cb#frag"]}`, wantCode: "invalid_redirect_uri"},
		{name: "http outside loopback", document: `{"redirect_uris":["http://app.example.com/cb"]}`, wantCode: "invalid_redirect_uri"},
		{name: "custom scheme", document: `{"redirect_uris":["myapp://callback"]}`, wantCode: "invalid_redirect_uri"},
		{name: "unsupported grant", document: `{"redirect_uris":["https://app.example.com/cb"],"grant_types":["client_credentials"]}`, wantCode: "invalid_client_metadata"},
		{name: "unsupported response type", document: `{"redirect_uris":["https://app.example.com/cb"],"response_types":["token"]}`, wantCode: "invalid_client_metadata"},
		{name: "unsupported auth method", document: `{"redirect_uris":["https://app.example.com/cb"],"token_endpoint_auth_method":"private_key_jwt"}`, wantCode: "invalid_client_metadata"},
		{name: "malformed document", document: `{"redirect_uris":`, wantCode: "invalid_client_metadata"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			response, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(testCase.document))
			if err != nil {
				t.Fatalf("register request failed: %v", err)
			}
			if response.StatusCode != http.StatusBadRequest {
				response.Body.Close()
				t.Fatalf("expected 400, got %v", response.StatusCode)
			}
			payload := readJSON(t, response)
			if payload["error"] != testCase.wantCode {
				t.Errorf("expected error %v, got %v", testCase.wantCode, payload["error"])
			}
		})
	}
}

func TestHandler_RegisterScopePolicy(t *testing.T) {
	upstream := newFakeAS(t)
	config := newTestConfig(upstream)
	config.AllowedScopes = []string{"mcp:read", "mcp:write"}
	_, _, ts := newTestProxy(t, config)

	registered := registerClient(t, ts, `{"redirect_uris":["http://localhost:8085/cb","http://127.0.0.1:9090/cb"],"scope":"mcp:read"}`)
	if registered.Scope != "mcp:read" {
		t.Errorf("expected the requested scope to be granted, got %v", registered.Scope)
	}

	response, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(`{"redirect_uris":["https://app.example.com/cb"],"scope":"mcp:admin"}`))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	if response.StatusCode != http.StatusBadRequest {
		response.Body.Close()
		t.Fatalf("expected 400, got %v", response.StatusCode)
	}
	payload := readJSON(t, response)
	if payload["error"] != "invalid_client_metadata" {
		t.Errorf("expected invalid_client_metadata, got %v", payload["error"])
	}
}

func TestHandler_Authorize(t *testing.T) {
	upstream := newFakeAS(t)
	config := newTestConfig(upstream)
	handler, _, ts := newTestProxy(t, config)
	registered := registerClient(t, ts, basicRegistration)

	params := url.Values{
		"client_id":             {registered.ClientID},
		"redirect_uri":          {testRedirect},
		"response_type":         {"code"},
		"scope":                 {"mcp:read"},
		"state":                 {"client-state-123"},
		"code_challenge":        {"challenge-abc"},
		"code_challenge_method": {"S256"},
	}
	response, err := noRedirectClient().Get(ts.URL + "/oauth/authorize?" + params.Encode())
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %v", response.StatusCode)
	}
	location, err := url.Parse(response.Header.Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect location: %v", err)
	}
	if got := location.Scheme + "://" + location.Host + location.Path; got != upstream.URL+"/authorize" {
		t.Errorf("expected a redirect to the authorization endpoint, got %v", got)
	}
	query := location.Query()
	if query.Get("client_id") != "upstream-client" {
		t.Errorf("expected the proxy's upstream client id, got %v", query.Get("client_id"))
	}
	if query.Get("redirect_uri") != config.CallbackURL {
		t.Errorf("expected the proxy callback, got %v", query.Get("redirect_uri"))
	}
	if query.Get("response_type") != "code" {
		t.Errorf("expected the code response type, got %v", query.Get("response_type"))
	}
	if query.Get("scope") != "mcp:read" {
		t.Errorf("expected the scope to pass through, got %v", query.Get("scope"))
	}
	if query.Get("code_challenge") != "challenge-abc" || query.Get("code_challenge_method") != "S256" {
		t.Errorf("expected the code challenge to pass through, got %v/%v", query.Get("code_challenge"), query.Get("code_challenge_method"))
	}
	stateToken := query.Get("state")
	if stateToken == "" || stateToken == "client-state-123" {
		t.Fatalf("expected a fresh signed state, got %q", stateToken)
	}
	claims, err := handler.state.Decode(stateToken)
	if err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	if claims.ClientID != registered.ClientID {
		t.Errorf("expected the registering client in the state, got %v", claims.ClientID)
	}
	if claims.RedirectURI != testRedirect || claims.OriginalState != "client-state-123" {
		t.Errorf("expected the downstream context in the state, got %+v", claims)
	}
	if claims.CodeChallenge != "challenge-abc" || claims.CodeChallengeMethod != "S256" || claims.Scope != "mcp:read" {
		t.Errorf("expected challenge and scope in the state, got %+v", claims)
	}
}

func TestHandler_AuthorizeRejectsUntrustedRedirect(t *testing.T) {
	upstream := newFakeAS(t)
	_, _, ts := newTestProxy(t, newTestConfig(upstream))
	registered := registerClient(t, ts, basicRegistration)

	params := url.Values{
		"client_id":     {registered.ClientID},
		"redirect_uri":  {"https://evil.example.com/callback"},
		"response_type": {"code"},
	}
	response, err := noRedirectClient().Get(ts.URL + "/oauth/authorize?" + params.Encode())
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	if response.StatusCode != http.StatusBadRequest {
		response.Body.Close()
		t.Fatalf("expected 400 for an unregistered redirect, got %v", response.StatusCode)
	}
	payload := readJSON(t, response)
	if payload["error"] != "invalid_request" {
		t.Errorf("expected invalid_request, got %v", payload["error"])
	}

	params.Set("client_id", "proxy_unknown")
	params.Set("redirect_uri", testRedirect)
	response, err = noRedirectClient().Get(ts.URL + "/oauth/authorize?" + params.Encode())
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	if response.StatusCode != http.StatusBadRequest {
		response.Body.Close()
		t.Fatalf("expected 400 for an unknown client, got %v", response.StatusCode)
	}
	payload = readJSON(t, response)
	if payload["error"] != "invalid_client" {
		t.Errorf("expected invalid_client, got %v", payload["error"])
	}
}

func TestHandler_AuthorizeRedirectsProtocolErrors(t *testing.T) {
	upstream := newFakeAS(t)
	_, _, ts := newTestProxy(t, newTestConfig(upstream))
	registered := registerClient(t, ts, basicRegistration)

	base := url.Values{
		"client_id":    {registered.ClientID},
		"redirect_uri": {testRedirect},
		"state":        {"abc"},
	}

	implicit := cloneForm(base)
	implicit.Set("response_type", "token")
	response, err := noRedirectClient().Get(ts.URL + "/oauth/authorize?" + implicit.Encode())
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected a redirect, got %v", response.StatusCode)
	}
	location, err := url.Parse(response.Header.Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect location: %v", err)
	}
	if location.Host != "app.example.com" {
		t.Errorf("expected the error at the client redirect, got %v", location.Host)
	}
	if location.Query().Get("error") != "unsupported_response_type" || location.Query().Get("state") != "abc" {
		t.Errorf("unexpected error redirect %v", location)
	}

	excessive := cloneForm(base)
	excessive.Set("response_type", "code")
	excessive.Set("scope", "mcp:admin")
	response, err = noRedirectClient().Get(ts.URL + "/oauth/authorize?" + excessive.Encode())
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected a redirect, got %v", response.StatusCode)
	}
	location, err = url.Parse(response.Header.Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect location: %v", err)
	}
	if location.Query().Get("error") != "invalid_scope" || location.Query().Get("state") != "abc" {
		t.Errorf("unexpected error redirect %v", location)
	}
}

func TestHandler_Callback(t *testing.T) {
	upstream := newFakeAS(t)
	handler, memory, ts := newTestProxy(t, newTestConfig(upstream))

	stateToken, err := handler.state.Encode(&state.Claims{
		ClientID:            "proxy_abc",
		RedirectURI:         testRedirect,
		OriginalState:       "client-state-123",
		CodeChallenge:       "challenge-abc",
		CodeChallengeMethod: "S256",
		Scope:               "mcp:read",
	})
	if err != nil {
		t.Fatalf("failed to encode state: %v", err)
	}

	before := time.Now()
	response, err := noRedirectClient().Get(ts.URL + "/oauth/callback?" + url.Values{"code": {"upstream-code-1"}, "state": {stateToken}}.Encode())
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	response.Body.Close()
	after := time.Now()
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %v", response.StatusCode)
	}
	location, err := url.Parse(response.Header.Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect location: %v", err)
	}
	if location.Host != "app.example.com" || location.Path != "/callback" {
		t.Errorf("expected the downstream redirect, got %v", location)
	}
	if location.Query().Get("code") != "upstream-code-1" || location.Query().Get("state") != "client-state-123" {
		t.Errorf("expected the code and original state, got %v", location)
	}

	mapping, err := memory.ConsumeCode(context.Background(), "upstream-code-1")
	if err != nil {
		t.Fatalf("expected the code mapping to be stored: %v", err)
	}
	if mapping.ClientID != "proxy_abc" || mapping.Scope != "mcp:read" {
		t.Errorf("unexpected code mapping %+v", mapping)
	}
	if mapping.CodeChallenge != "challenge-abc" || mapping.CodeChallengeMethod != "S256" {
		t.Errorf("expected the challenge to be recorded, got %+v", mapping)
	}
	if mapping.ExpiresAt.Before(before.Add(oauth.DefaultCodeTTL-time.Second)) || mapping.ExpiresAt.After(after.Add(oauth.DefaultCodeTTL+time.Second)) {
		t.Errorf("expected roughly a %v code window, got %v", oauth.DefaultCodeTTL, mapping.ExpiresAt)
	}
}

func TestHandler_CallbackFailures(t *testing.T) {
	upstream := newFakeAS(t)
	handler, _, ts := newTestProxy(t, newTestConfig(upstream))

	// Without a valid state there is no trusted redirect to deliver to.
	response, err := noRedirectClient().Get(ts.URL + "/oauth/callback?code=x")
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	if response.StatusCode != http.StatusBadRequest {
		response.Body.Close()
		t.Fatalf("expected 400 for a missing state, got %v", response.StatusCode)
	}
	payload := readJSON(t, response)
	if payload["error"] != "invalid_request" {
		t.Errorf("expected invalid_request, got %v", payload["error"])
	}

	response, err = noRedirectClient().Get(ts.URL + "/oauth/callback?" + url.Values{"code": {"x"}, "state": {"not-a-token"}}.Encode())
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad state, got %v", response.StatusCode)
	}

	stateToken, err := handler.state.Encode(&state.Claims{ClientID: "proxy_abc", RedirectURI: testRedirect, OriginalState: "s1"})
	if err != nil {
		t.Fatalf("failed to encode state: %v", err)
	}
	response, err = noRedirectClient().Get(ts.URL + "/oauth/callback?" + url.Values{
		"state":             {stateToken},
		"error":             {"access_denied"},
		"error_description": {"user declined"},
	}.Encode())
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected the upstream error to redirect, got %v", response.StatusCode)
	}
	location, err := url.Parse(response.Header.Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect location: %v", err)
	}
	query := location.Query()
	if query.Get("error") != "access_denied" || query.Get("error_description") != "user declined" || query.Get("state") != "s1" {
		t.Errorf("unexpected error redirect %v", location)
	}

	response, err = noRedirectClient().Get(ts.URL + "/oauth/callback?" + url.Values{"state": {stateToken}}.Encode())
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected a redirect, got %v", response.StatusCode)
	}
	location, err = url.Parse(response.Header.Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect location: %v", err)
	}
	if location.Query().Get("error") != "server_error" {
		t.Errorf("expected server_error when no code arrives, got %v", location)
	}
}

func TestHandler_TokenExchange(t *testing.T) {
	upstream := newFakeAS(t)
	config := newTestConfig(upstream)
	_, memory, ts := newTestProxy(t, config)
	registered := registerClient(t, ts, basicRegistration)

	verifier, challenge := pkcePair()
	ctx := context.Background()
	if err := memory.SaveCode(ctx, &store.AuthCodeMapping{
		Code:                "code-1",
		ClientID:            registered.ClientID,
		RedirectURI:         testRedirect,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Scope:               "mcp:read",
		IssuedAt:            time.Now(),
		ExpiresAt:           time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("failed to seed code: %v", err)
	}

	before := time.Now()
	response := postForm(t, ts.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"code_verifier": {verifier},
		"redirect_uri":  {testRedirect},
	}, registered.ClientID, registered.ClientSecret)
	after := time.Now()
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	if err != nil {
		t.Fatalf("failed to read token response: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("token exchange returned %v: %s", response.StatusCode, body)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "application/json" {
		t.Errorf("expected the upstream content type, got %v", contentType)
	}
	payload := map[string]interface{}{}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if payload["access_token"] != "upstream-access" || payload["refresh_token"] != "upstream-refresh" {
		t.Errorf("expected the upstream response verbatim, got %s", body)
	}

	forwarded := upstream.lastTokenRequest(t)
	if forwarded.Get("client_id") != "upstream-client" || forwarded.Get("client_secret") != "upstream-secret" {
		t.Errorf("expected the proxy credentials upstream, got %v/%v", forwarded.Get("client_id"), forwarded.Get("client_secret"))
	}
	if forwarded.Get("redirect_uri") != config.CallbackURL {
		t.Errorf("expected the proxy callback upstream, got %v", forwarded.Get("redirect_uri"))
	}
	if forwarded.Get("code") != "code-1" || forwarded.Get("code_verifier") != verifier {
		t.Errorf("expected the code and verifier to be forwarded, got %v", forwarded)
	}

	access, err := memory.Token(ctx, store.HashToken("upstream-access"))
	if err != nil {
		t.Fatalf("expected an access token mapping: %v", err)
	}
	if access.ClientID != registered.ClientID || access.TokenType != store.TokenTypeAccess || access.Scope != "mcp:read" {
		t.Errorf("unexpected access mapping %+v", access)
	}
	if access.ExpiresAt.Before(before.Add(3599*time.Second)) || access.ExpiresAt.After(after.Add(3601*time.Second)) {
		t.Errorf("expected a one hour expiry, got %v", access.ExpiresAt)
	}
	refresh, err := memory.Token(ctx, store.HashToken("upstream-refresh"))
	if err != nil {
		t.Fatalf("expected a refresh token mapping: %v", err)
	}
	if refresh.TokenType != store.TokenTypeRefresh || !refresh.ExpiresAt.IsZero() {
		t.Errorf("refresh mappings do not expire locally, got %+v", refresh)
	}

	if _, err := memory.ConsumeCode(ctx, "code-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected the code to be consumed, got %v", err)
	}
}

func TestHandler_TokenInvalidGrants(t *testing.T) {
	upstream := newFakeAS(t)
	_, memory, ts := newTestProxy(t, newTestConfig(upstream))
	registered := registerClient(t, ts, basicRegistration)
	ctx := context.Background()

	assertTokenError := func(form url.Values, wantCode string) {
		t.Helper()
		response := postForm(t, ts.URL+"/oauth/token", form, registered.ClientID, registered.ClientSecret)
		if response.StatusCode != http.StatusBadRequest {
			response.Body.Close()
			t.Fatalf("expected 400, got %v", response.StatusCode)
		}
		payload := readJSON(t, response)
		if payload["error"] != wantCode {
			t.Errorf("expected error %v, got %v", wantCode, payload["error"])
		}
	}

	assertTokenError(url.Values{"grant_type": {"authorization_code"}, "code": {"missing"}}, "invalid_grant")

	_ = memory.SaveCode(ctx, &store.AuthCodeMapping{Code: "foreign", ClientID: "proxy_other", ExpiresAt: time.Now().Add(time.Minute)})
	assertTokenError(url.Values{"grant_type": {"authorization_code"}, "code": {"foreign"}}, "invalid_grant")

	verifier, challenge := pkcePair()
	_ = memory.SaveCode(ctx, &store.AuthCodeMapping{Code: "pkce-1", ClientID: registered.ClientID, CodeChallenge: challenge, CodeChallengeMethod: "S256", ExpiresAt: time.Now().Add(time.Minute)})
	assertTokenError(url.Values{"grant_type": {"authorization_code"}, "code": {"pkce-1"}}, "invalid_grant")

	_ = memory.SaveCode(ctx, &store.AuthCodeMapping{Code: "pkce-2", ClientID: registered.ClientID, CodeChallenge: challenge, CodeChallengeMethod: "S256", ExpiresAt: time.Now().Add(time.Minute)})
	assertTokenError(url.Values{"grant_type": {"authorization_code"}, "code": {"pkce-2"}, "code_verifier": {"wrong-" + verifier}}, "invalid_grant")

	_ = memory.SaveCode(ctx, &store.AuthCodeMapping{Code: "once", ClientID: registered.ClientID, ExpiresAt: time.Now().Add(time.Minute)})
	response := postForm(t, ts.URL+"/oauth/token", url.Values{"grant_type": {"authorization_code"}, "code": {"once"}}, registered.ClientID, registered.ClientSecret)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected the first redemption to pass, got %v", response.StatusCode)
	}
	assertTokenError(url.Values{"grant_type": {"authorization_code"}, "code": {"once"}}, "invalid_grant")

	assertTokenError(url.Values{"grant_type": {"password"}}, "unsupported_grant_type")
}

func TestHandler_TokenClientAuthentication(t *testing.T) {
	upstream := newFakeAS(t)
	_, memory, ts := newTestProxy(t, newTestConfig(upstream))
	registered := registerClient(t, ts, basicRegistration)
	ctx := context.Background()

	response := postForm(t, ts.URL+"/oauth/token", url.Values{"grant_type": {"authorization_code"}, "code": {"x"}}, registered.ClientID, "wrong-secret")
	if response.StatusCode != http.StatusUnauthorized {
		response.Body.Close()
		t.Fatalf("expected 401 for a wrong secret, got %v", response.StatusCode)
	}
	if challenge := response.Header.Get("WWW-Authenticate"); !strings.HasPrefix(challenge, "Basic") {
		t.Errorf("expected a Basic challenge, got %q", challenge)
	}
	payload := readJSON(t, response)
	if payload["error"] != "invalid_client" {
		t.Errorf("expected invalid_client, got %v", payload["error"])
	}

	response = postForm(t, ts.URL+"/oauth/token", url.Values{"grant_type": {"authorization_code"}, "code": {"x"}}, "", "")
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %v", response.StatusCode)
	}

	// Form credentials (client_secret_post).
	_ = memory.SaveCode(ctx, &store.AuthCodeMapping{Code: "form-auth", ClientID: registered.ClientID, ExpiresAt: time.Now().Add(time.Minute)})
	response = postForm(t, ts.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"form-auth"},
		"client_id":     {registered.ClientID},
		"client_secret": {registered.ClientSecret},
	}, "", "")
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("expected form credentials to authenticate, got %v", response.StatusCode)
	}

	// A public client proves possession through PKCE instead of a secret.
	public := registerClient(t, ts, `{"redirect_uris":["http://localhost:8085/cb"],"token_endpoint_auth_method":"none"}`)
	verifier, challenge := pkcePair()
	_ = memory.SaveCode(ctx, &store.AuthCodeMapping{Code: "public-1", ClientID: public.ClientID, CodeChallenge: challenge, CodeChallengeMethod: "S256", ExpiresAt: time.Now().Add(time.Minute)})
	response = postForm(t, ts.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"public-1"},
		"client_id":     {public.ClientID},
		"code_verifier": {verifier},
	}, "", "")
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("expected the public client to redeem with PKCE, got %v", response.StatusCode)
	}
}

func TestHandler_TokenUpstreamErrorPassesThrough(t *testing.T) {
	upstream := newFakeAS(t)
	upstream.setTokenResponse(http.StatusBadRequest, `{"error":"invalid_grant","error_description":"code expired upstream"}`)
	_, memory, ts := newTestProxy(t, newTestConfig(upstream))
	registered := registerClient(t, ts, basicRegistration)
	ctx := context.Background()
	_ = memory.SaveCode(ctx, &store.AuthCodeMapping{Code: "doomed", ClientID: registered.ClientID, ExpiresAt: time.Now().Add(time.Minute)})

	response := postForm(t, ts.URL+"/oauth/token", url.Values{"grant_type": {"authorization_code"}, "code": {"doomed"}}, registered.ClientID, registered.ClientSecret)
	if response.StatusCode != http.StatusBadRequest {
		response.Body.Close()
		t.Fatalf("expected the upstream status, got %v", response.StatusCode)
	}
	payload := readJSON(t, response)
	if payload["error"] != "invalid_grant" || payload["error_description"] != "code expired upstream" {
		t.Errorf("expected the upstream error verbatim, got %v", payload)
	}
	if _, err := memory.Token(ctx, store.HashToken("upstream-access")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no token mapping on failure, got %v", err)
	}
}

func TestHandler_RefreshToken(t *testing.T) {
	upstream := newFakeAS(t)
	upstream.setTokenResponse(http.StatusOK, `{"access_token":"upstream-access-2","refresh_token":"upstream-refresh-2","token_type":"Bearer","expires_in":1800,"scope":"mcp:read"}`)
	_, memory, ts := newTestProxy(t, newTestConfig(upstream))
	registered := registerClient(t, ts, basicRegistration)
	ctx := context.Background()
	_ = memory.SaveToken(ctx, store.HashToken("upstream-refresh"), &store.TokenMapping{ClientID: registered.ClientID, TokenType: store.TokenTypeRefresh})

	response := postForm(t, ts.URL+"/oauth/token", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"upstream-refresh"}}, registered.ClientID, registered.ClientSecret)
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		t.Fatalf("refresh returned %v", response.StatusCode)
	}
	payload := readJSON(t, response)
	if payload["access_token"] != "upstream-access-2" {
		t.Errorf("expected the upstream response, got %v", payload)
	}

	forwarded := upstream.lastTokenRequest(t)
	if forwarded.Get("refresh_token") != "upstream-refresh" {
		t.Errorf("expected the refresh token to be forwarded, got %v", forwarded)
	}
	if forwarded.Get("client_id") != "upstream-client" || forwarded.Get("client_secret") != "upstream-secret" {
		t.Errorf("expected the proxy credentials upstream, got %v", forwarded)
	}
	if forwarded.Get("redirect_uri") != "" {
		t.Errorf("refresh forwards carry no redirect uri, got %v", forwarded.Get("redirect_uri"))
	}

	if _, err := memory.Token(ctx, store.HashToken("upstream-access-2")); err != nil {
		t.Errorf("expected the new access mapping: %v", err)
	}
	if _, err := memory.Token(ctx, store.HashToken("upstream-refresh-2")); err != nil {
		t.Errorf("expected the rotated refresh mapping: %v", err)
	}
	if _, err := memory.Token(ctx, store.HashToken("upstream-refresh")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected the rotated out refresh mapping to be dropped, got %v", err)
	}

	response = postForm(t, ts.URL+"/oauth/token", url.Values{"grant_type": {"refresh_token"}}, registered.ClientID, registered.ClientSecret)
	if response.StatusCode != http.StatusBadRequest {
		response.Body.Close()
		t.Fatalf("expected 400 without a refresh token, got %v", response.StatusCode)
	}
	payload = readJSON(t, response)
	if payload["error"] != "invalid_request" {
		t.Errorf("expected invalid_request, got %v", payload["error"])
	}
}

func TestHandler_Introspect(t *testing.T) {
	upstream := newFakeAS(t)
	_, memory, ts := newTestProxy(t, newTestConfig(upstream))
	registered := registerClient(t, ts, basicRegistration)
	ctx := context.Background()
	_ = memory.SaveToken(ctx, store.HashToken("upstream-access"), &store.TokenMapping{ClientID: "proxy_known", TokenType: store.TokenTypeAccess})

	response := postForm(t, ts.URL+"/oauth/introspect", url.Values{"token": {"upstream-access"}}, registered.ClientID, registered.ClientSecret)
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		t.Fatalf("introspect returned %v", response.StatusCode)
	}
	payload := readJSON(t, response)
	if payload["active"] != true {
		t.Fatalf("expected an active result, got %v", payload)
	}
	if payload["client_id"] != "proxy_known" {
		t.Errorf("expected the downstream client id, got %v", payload["client_id"])
	}

	upstream.mux.Lock()
	creds := append([]string(nil), upstream.introspectCreds...)
	forms := append([]url.Values(nil), upstream.introspectForms...)
	upstream.mux.Unlock()
	if len(creds) != 1 || creds[0] != "upstream-client:upstream-secret" {
		t.Errorf("expected the proxy to authenticate upstream, got %v", creds)
	}
	if len(forms) != 1 || forms[0].Get("token") != "upstream-access" {
		t.Errorf("expected the token to be forwarded, got %v", forms)
	}

	// Tokens the proxy never issued keep the upstream verdict, unenriched.
	response = postForm(t, ts.URL+"/oauth/introspect", url.Values{"token": {"foreign-token"}}, registered.ClientID, registered.ClientSecret)
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		t.Fatalf("introspect returned %v", response.StatusCode)
	}
	payload = readJSON(t, response)
	if payload["active"] != true {
		t.Errorf("expected the upstream verdict, got %v", payload)
	}
	if _, present := payload["client_id"]; present {
		t.Errorf("expected no enrichment for an unmapped token, got %v", payload["client_id"])
	}

	// A missing token parameter degrades to inactive.
	response = postForm(t, ts.URL+"/oauth/introspect", url.Values{}, registered.ClientID, registered.ClientSecret)
	payload = readJSON(t, response)
	if payload["active"] != false {
		t.Errorf("expected an inactive result, got %v", payload)
	}

	// So does an unparseable upstream response.
	upstream.setIntrospectBody(`not-json`)
	response = postForm(t, ts.URL+"/oauth/introspect", url.Values{"token": {"upstream-access"}}, registered.ClientID, registered.ClientSecret)
	payload = readJSON(t, response)
	if payload["active"] != false {
		t.Errorf("expected an inactive result, got %v", payload)
	}

	// Callers must authenticate before any verdict.
	response = postForm(t, ts.URL+"/oauth/introspect", url.Values{"token": {"upstream-access"}}, "", "")
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %v", response.StatusCode)
	}
}

func TestHandler_Revoke(t *testing.T) {
	upstream := newFakeAS(t)
	_, memory, ts := newTestProxy(t, newTestConfig(upstream))
	registered := registerClient(t, ts, basicRegistration)
	ctx := context.Background()
	_ = memory.SaveToken(ctx, store.HashToken("doomed-token"), &store.TokenMapping{ClientID: registered.ClientID, TokenType: store.TokenTypeAccess})

	response := postForm(t, ts.URL+"/oauth/revoke", url.Values{"token": {"doomed-token"}}, registered.ClientID, registered.ClientSecret)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("revoke returned %v", response.StatusCode)
	}
	if _, err := memory.Token(ctx, store.HashToken("doomed-token")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected the local mapping to be dropped, got %v", err)
	}
	upstream.mux.Lock()
	revoked := len(upstream.revokeForms)
	upstream.mux.Unlock()
	if revoked != 1 {
		t.Errorf("expected the revocation to be forwarded, got %d", revoked)
	}

	// Revoking an already revoked token still reports success.
	response = postForm(t, ts.URL+"/oauth/revoke", url.Values{"token": {"doomed-token"}}, registered.ClientID, registered.ClientSecret)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("expected repeated revocation to pass, got %v", response.StatusCode)
	}

	response = postForm(t, ts.URL+"/oauth/revoke", url.Values{"token": {"doomed-token"}}, "", "")
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %v", response.StatusCode)
	}
}

func TestHandler_RevokeSurvivesUpstreamOutage(t *testing.T) {
	upstream := newFakeAS(t)
	config := newTestConfig(upstream)
	config.RevocationEndpoint = "http://127.0.0.1:1/revoke"
	_, memory, ts := newTestProxy(t, config)
	registered := registerClient(t, ts, basicRegistration)
	ctx := context.Background()
	_ = memory.SaveToken(ctx, store.HashToken("stranded"), &store.TokenMapping{ClientID: registered.ClientID, TokenType: store.TokenTypeAccess})

	response := postForm(t, ts.URL+"/oauth/revoke", url.Values{"token": {"stranded"}}, registered.ClientID, registered.ClientSecret)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("expected revocation to succeed despite the outage, got %v", response.StatusCode)
	}
	if _, err := memory.Token(ctx, store.HashToken("stranded")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected the local mapping to be dropped, got %v", err)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	upstream := newFakeAS(t)
	_, _, ts := newTestProxy(t, newTestConfig(upstream), WithRateLimit(rate.Every(time.Hour), 2))

	for i := 0; i < 2; i++ {
		response, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("register request failed: %v", err)
		}
		response.Body.Close()
		if response.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected the burst to reach validation, got %v", response.StatusCode)
		}
	}
	response, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	if response.StatusCode != http.StatusTooManyRequests {
		response.Body.Close()
		t.Fatalf("expected 429, got %v", response.StatusCode)
	}
	if response.Header.Get("Retry-After") == "" {
		t.Errorf("expected a Retry-After hint")
	}
	payload := readJSON(t, response)
	if payload["error"] != "slow_down" {
		t.Errorf("expected slow_down, got %v", payload["error"])
	}
}

func TestHandler_ProtectedResourceMetadata(t *testing.T) {
	upstream := newFakeAS(t)
	config := newTestConfig(upstream)
	config.AllowedScopes = []string{"mcp:read"}
	_, _, ts := newTestProxy(t, config)

	response, err := http.Get(ts.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("metadata request failed: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		t.Fatalf("metadata returned %v", response.StatusCode)
	}
	payload := readJSON(t, response)
	if payload["resource"] != ts.URL {
		t.Errorf("expected the resource to default to the request base, got %v", payload["resource"])
	}
	servers, _ := payload["authorization_servers"].([]interface{})
	if len(servers) != 1 || servers[0] != upstream.URL {
		t.Errorf("expected the issuer to be advertised, got %v", payload["authorization_servers"])
	}

	explicit := newTestConfig(upstream)
	explicit.ResourceMetadata = &oauth.ProtectedResourceMetadata{
		Resource:             "https://mcp.example.com",
		AuthorizationServers: []string{"https://as.example.com"},
		ScopesSupported:      []string{"mcp:read"},
	}
	_, _, ts2 := newTestProxy(t, explicit)
	response, err = http.Get(ts2.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("metadata request failed: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		t.Fatalf("metadata returned %v", response.StatusCode)
	}
	payload = readJSON(t, response)
	if payload["resource"] != "https://mcp.example.com" {
		t.Errorf("expected the explicit document, got %v", payload)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Errorf("expected a nil config to fail")
	}
	if _, err := New(&oauth.Config{}); err == nil {
		t.Errorf("expected an incomplete config to fail")
	}
	config := &oauth.Config{
		AuthorizationEndpoint: "https://as.example.com/authorize",
		TokenEndpoint:         "https://as.example.com/token",
		ClientID:              "upstream-client",
		ClientSecret:          "upstream-secret",
		StateSecret:           "short",
	}
	if _, err := New(config); err == nil {
		t.Errorf("expected a short state secret to fail")
	}
}
