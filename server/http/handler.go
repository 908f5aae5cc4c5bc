// Package http serves the streamable HTTP endpoint: one URI multiplexing the
// MCP handshake, message exchange, per-request SSE streaming, the standing
// server channel and session termination, switched on HTTP method and headers.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/viant/mcp/internal/metrics"
	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/server"
	"github.com/viant/mcp/session"
	"github.com/viant/mcp/sse"
)

const (
	defaultSessionHeader  = "Mcp-Session-Id"
	defaultProtocolHeader = "MCP-Protocol-Version"
	lastEventIdHeader     = "Last-Event-ID"
	sseMime               = "text/event-stream"
	jsonMime              = "application/json"
)

// Options configures the endpoint surface.
type Options struct {
	// URI restricts the handler to paths ending with it; empty matches any path.
	URI string
	// SessionHeader carries the session id, Mcp-Session-Id unless overridden.
	SessionHeader string
	// ProtocolHeader carries the negotiated protocol revision on follow-up requests.
	ProtocolHeader string
	// Streaming enables SSE responses. When false GET returns 405 and POST
	// always replies with plain JSON.
	Streaming bool
	// HeartbeatInterval is the comment heartbeat period on open streams, zero disables.
	HeartbeatInterval time.Duration
	// RetryHint, when positive, advises clients how long to wait before reconnecting.
	RetryHint time.Duration
	// AllowedOrigins is the exact origin allow list for CORS and origin checks.
	AllowedOrigins []string
	// AllowCredentials toggles credentialed CORS; requires explicit origins.
	AllowCredentials bool
	// CheckOrigin enables origin validation on POST and GET, rejecting with 403.
	CheckOrigin bool
	// Authorizer resolves the caller identity; an error produces 401 with a
	// WWW-Authenticate challenge.
	Authorizer func(r *http.Request) (string, error)
}

// Handler implements the server side of the streamable HTTP transport.
//
// POST without a session header must carry initialize; the reply sets the
// header. POST with a session header routes one JSON-RPC frame or batch:
// notifications answer 202, requests answer JSON, or stream over SSE when the
// client accepts text/event-stream. GET opens the standing server channel,
// resuming from Last-Event-ID when given. DELETE terminates the session.
type Handler struct {
	Options
	engine *server.Engine
	router *server.Router
	logger zerolog.Logger
}

// New builds a handler serving engine.
func New(engine *server.Engine, options ...Option) *Handler {
	ret := &Handler{
		Options: Options{
			SessionHeader:     defaultSessionHeader,
			ProtocolHeader:    defaultProtocolHeader,
			Streaming:         true,
			HeartbeatInterval: 30 * time.Second,
		},
		engine: engine,
		router: engine.Router(),
		logger: zerolog.Nop(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.URI != "" && !strings.HasSuffix(r.URL.Path, h.URI) {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r)
	case http.MethodGet:
		h.handleGET(w, r)
	case http.MethodOptions:
		h.handleOPTIONS(w, r)
	case http.MethodDelete:
		h.handleDELETE(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connFor(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()
	if len(data) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	flush := NewFlushWriter(w)
	var channel *session.Channel
	if h.Streaming && acceptsSSE(r.Header) && !jsonrpc.IsBatch(data) && jsonrpc.MessageTypeOf(data) == jsonrpc.MessageTypeRequest {
		// the attach runs right before dispatch, so replies that never reach a
		// handler fall through to the plain JSON path below
		conn.ChannelId = session.GenerateId()
		conn.Attach = func(sess *session.Session, requestId jsonrpc.RequestId) {
			h.startStream(w, r)
			channel = sess.AttachRequest(ctx, requestId, newEventWriter(flush))
			metrics.OpenChannels.Inc()
		}
	}
	handled := h.router.HandleMessage(ctx, conn, data)
	if conn.SessionId == "" && handled.Session != nil {
		w.Header().Set(h.SessionHeader, handled.Session.Id())
	}
	if handled.Streamed && channel != nil {
		defer metrics.OpenChannels.Dec()
		h.pump(ctx, flush, channel)
		return
	}
	h.setCORSHeaders(w, r)
	switch {
	case handled.Accepted:
		w.WriteHeader(http.StatusAccepted)
	case handled.Batch != nil:
		h.writeJSON(w, handled.Status, handled.Batch)
	case handled.Response != nil:
		h.writeJSON(w, handled.Status, handled.Response)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	if !h.Streaming {
		http.Error(w, "streaming is disabled on this endpoint", http.StatusMethodNotAllowed)
		return
	}
	if !acceptsSSE(r.Header) {
		http.Error(w, "Accept must include text/event-stream", http.StatusMethodNotAllowed)
		return
	}
	conn, ok := h.connFor(w, r)
	if !ok {
		return
	}
	if conn.SessionId == "" {
		http.Error(w, fmt.Sprintf("missing %s header", h.SessionHeader), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	sess, _, jerr := h.router.ResumeMessage(ctx, conn)
	if jerr != nil {
		h.writeError(w, r, jerr)
		return
	}
	if conn.ProtocolVersion != "" && conn.ProtocolVersion != sess.ProtocolVersion() {
		http.Error(w, fmt.Sprintf("protocol version mismatch: session negotiated %v", sess.ProtocolVersion()), http.StatusBadRequest)
		return
	}
	h.startStream(w, r)
	flush := NewFlushWriter(w)
	if h.RetryHint > 0 {
		if err := sse.WriteRetry(flush, int(h.RetryHint/time.Millisecond)); err != nil {
			return
		}
	}
	writer := newEventWriter(flush)
	channelId := session.GenerateId()
	var channel *session.Channel
	if lastEventId := strings.TrimSpace(r.Header.Get(lastEventIdHeader)); lastEventId != "" {
		channel = sess.AttachResume(ctx, channelId, lastEventId, writer)
		metrics.ChannelResumes.Inc()
	} else {
		channel = sess.AttachStanding(ctx, channelId, writer)
	}
	metrics.OpenChannels.Inc()
	defer metrics.OpenChannels.Dec()
	if err := sess.RecordChannelStarted(ctx, channel.Id()); err != nil {
		h.logger.Warn().Err(err).Str("session", sess.Id()).Msg("failed to record channel start")
	}
	h.pump(ctx, flush, channel)
	sess.Detach(channel.Id())
	// the request context is gone once the client left
	if err := sess.RecordChannelEnded(context.Background(), channel.Id()); err != nil {
		h.logger.Warn().Err(err).Str("session", sess.Id()).Msg("failed to record channel end")
	}
}

func (h *Handler) handleDELETE(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connFor(w, r)
	if !ok {
		return
	}
	if conn.SessionId == "" {
		http.Error(w, fmt.Sprintf("missing %s header", h.SessionHeader), http.StatusBadRequest)
		return
	}
	if jerr := h.router.TerminateSession(r.Context(), conn); jerr != nil {
		h.writeError(w, r, jerr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleOPTIONS answers CORS preflight requests.
func (h *Handler) handleOPTIONS(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w, r)
	if method := r.Header.Get("Access-Control-Request-Method"); method != "" {
		w.Header().Set("Access-Control-Allow-Methods", method)
	}
	if headers := r.Header.Get("Access-Control-Request-Headers"); headers != "" {
		w.Header().Set("Access-Control-Allow-Headers", headers)
	}
	w.WriteHeader(http.StatusNoContent)
}

// pump keeps a stream open until its channel drains or the client leaves,
// emitting comment heartbeats in between.
func (h *Handler) pump(ctx context.Context, flush *FlushWriter, channel *session.Channel) {
	var heartbeat <-chan time.Time
	if h.HeartbeatInterval > 0 {
		ticker := time.NewTicker(h.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	for {
		select {
		case <-channel.Done():
			return
		case <-ctx.Done():
			channel.Close()
			return
		case <-heartbeat:
			if err := sse.WriteComment(flush, "ping"); err != nil {
				channel.Close()
				return
			}
		}
	}
}

// connFor validates the origin, authenticates the caller and collects the
// routing facts from headers.
func (h *Handler) connFor(w http.ResponseWriter, r *http.Request) (*server.Conn, bool) {
	if h.CheckOrigin && !h.allowOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return nil, false
	}
	userId := ""
	if h.Authorizer != nil {
		resolved, err := h.Authorizer(r)
		if err != nil {
			h.writeUnauthorized(w, err)
			return nil, false
		}
		userId = resolved
	}
	return &server.Conn{
		SessionId:       r.Header.Get(h.SessionHeader),
		UserId:          userId,
		ProtocolVersion: r.Header.Get(h.ProtocolHeader),
	}, true
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, err error) {
	challenge := "Bearer"
	var unauthorized *jsonrpc.UnauthorizedError
	if errors.As(err, &unauthorized) && unauthorized.Challenge != "" {
		challenge = unauthorized.Challenge
	}
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// writeError maps a wire error to its HTTP status and sends the envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, jerr *jsonrpc.Error) {
	h.setCORSHeaders(w, r)
	status := server.HTTPStatus(jerr)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, jsonrpc.NewErrorResponse(nil, jerr))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsonMime)
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// startStream commits the SSE response headers right away so clients observe
// the open stream before the first event exists.
func (h *Handler) startStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", sseMime)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	h.setCORSHeaders(w, r)
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func acceptsSSE(header http.Header) bool {
	for _, value := range header.Values("Accept") {
		if strings.Contains(value, sseMime) {
			return true
		}
	}
	return false
}
