package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// ServerMetadata is the subset of RFC 8414 authorization-server metadata the
// proxy and gate consume.
type ServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
}

// Discovery resolves authorization-server metadata from well-known documents
// and caches it per issuer.
type Discovery struct {
	client *http.Client
	mux    sync.RWMutex
	cache  map[string]*ServerMetadata
}

// NewDiscovery returns a discovery client; a nil httpClient selects
// http.DefaultClient.
func NewDiscovery(httpClient *http.Client) *Discovery {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Discovery{client: httpClient, cache: map[string]*ServerMetadata{}}
}

// Metadata fetches the issuer's metadata, trying the OAuth document first and
// falling back to the OpenID Connect one. Results are cached for the lifetime
// of the process.
func (d *Discovery) Metadata(ctx context.Context, issuer string) (*ServerMetadata, error) {
	d.mux.RLock()
	cached, ok := d.cache[issuer]
	d.mux.RUnlock()
	if ok {
		return cached, nil
	}
	base := strings.TrimSuffix(issuer, "/")
	var failure error
	for _, wellKnown := range []string{"/.well-known/oauth-authorization-server", "/.well-known/openid-configuration"} {
		metadata, err := d.fetch(ctx, base+wellKnown)
		if err != nil {
			failure = err
			continue
		}
		d.mux.Lock()
		d.cache[issuer] = metadata
		d.mux.Unlock()
		return metadata, nil
	}
	return nil, fmt.Errorf("failed to discover authorization server metadata for %v: %w", issuer, failure)
}

// IntrospectionEndpoint resolves the issuer's introspection endpoint.
func (d *Discovery) IntrospectionEndpoint(ctx context.Context, issuer string) (string, error) {
	metadata, err := d.Metadata(ctx, issuer)
	if err != nil {
		return "", err
	}
	if metadata.IntrospectionEndpoint == "" {
		return "", fmt.Errorf("authorization server %v does not advertise an introspection endpoint", issuer)
	}
	return metadata.IntrospectionEndpoint, nil
}

func (d *Discovery) fetch(ctx context.Context, URL string) (*ServerMetadata, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, URL, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	response, err := d.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request %v returned status %v", URL, response.StatusCode)
	}
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	metadata := &ServerMetadata{}
	if err := json.Unmarshal(data, metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata from %v: %w", URL, err)
	}
	return metadata, nil
}
