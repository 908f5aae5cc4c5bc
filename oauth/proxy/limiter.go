package proxy

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Registration and token requests are throttled per client address.
const (
	defaultRateBurst = 10
)

var defaultRateLimit = rate.Every(6 * time.Second)

// allow reports whether the caller is within its rate budget. A non-positive
// limit disables throttling.
func (h *Handler) allow(r *http.Request) bool {
	if h.rateLimit <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return h.limiter(host).Allow()
}

func (h *Handler) limiter(key string) *rate.Limiter {
	h.mux.RLock()
	limiter, ok := h.limiters[key]
	h.mux.RUnlock()
	if ok {
		return limiter
	}
	h.mux.Lock()
	defer h.mux.Unlock()
	if limiter, ok = h.limiters[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(h.rateLimit, h.rateBurst)
	h.limiters[key] = limiter
	return limiter
}

func (h *Handler) writeTooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Retry-After", retryAfter(h.rateLimit))
	writeError(w, http.StatusTooManyRequests, "slow_down", "too many requests, retry later")
}

// retryAfter approximates the steady state spacing between permitted
// requests in whole seconds.
func retryAfter(limit rate.Limit) string {
	if limit <= 0 {
		return "1"
	}
	seconds := int(math.Ceil(1 / float64(limit)))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
