package http

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ClientHost returns the browser visible host, honoring Forwarded and
// X-Forwarded-Host set by proxies.
func ClientHost(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("Forwarded"); forwarded != "" {
		for _, part := range strings.Split(forwarded, ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(strings.ToLower(part), "host=") {
				value := strings.Trim(strings.TrimPrefix(part, "host="), "\"")
				if value != "" {
					return stripPort(value)
				}
			}
		}
	}
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		value := strings.TrimSpace(strings.Split(forwardedHost, ",")[0])
		if value != "" {
			return stripPort(value)
		}
	}
	return stripPort(r.Host)
}

// TopDomain returns the registrable domain (eTLD+1) for a host, e.g.
// app.example.co.uk yields example.co.uk. IPs, localhost and bare public
// suffixes yield an empty string.
func TopDomain(host string) (string, error) {
	if host == "" || isIP(host) || isLocalhost(host) {
		return "", nil
	}
	host = stripPort(host)
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", err
	}
	if domain == host && strings.IndexByte(host, '.') == -1 {
		return "", nil
	}
	return domain, nil
}

// allowOrigin accepts requests without an Origin header, same origin requests,
// exact allow list matches and origins sharing the request's registrable domain.
func (h *Handler) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	originTop, err := TopDomain(parsed.Hostname())
	if err != nil || originTop == "" {
		return false
	}
	hostTop, err := TopDomain(ClientHost(r))
	if err != nil {
		return false
	}
	return originTop == hostTop
}

// setCORSHeaders reflects the allowed origin for credentialed deployments and
// falls back to the wildcard otherwise.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if h.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		for _, allowed := range h.AllowedOrigins {
			if allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				return
			}
		}
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func isIP(host string) bool {
	return net.ParseIP(stripPort(host)) != nil
}

func isLocalhost(host string) bool {
	host = strings.ToLower(stripPort(host))
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}

func stripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i > -1 {
		return host[:i]
	}
	return host
}
