package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/viant/mcp/internal/metrics"
	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/schema"
	"github.com/viant/mcp/session"
)

// Conn carries the transport facts of one inbound exchange: who is calling,
// which session and protocol revision the caller claims, and the channel id
// the transport assigned to this exchange. Attach, when set, is invoked right
// before a request is dispatched so the transport can start streaming that
// request's events.
type Conn struct {
	SessionId       string
	UserId          string
	ProtocolVersion string
	ChannelId       string
	Attach          func(sess *session.Session, requestId jsonrpc.RequestId)
}

// Handled is a routing outcome. Exactly one of Response, Batch or Accepted is
// meaningful; Streamed marks replies already delivered through an attached
// channel. A non-zero Status overrides the transport's HTTP status code.
type Handled struct {
	Session  *session.Session
	Response *jsonrpc.Response
	Batch    jsonrpc.BatchResponse
	Accepted bool
	Streamed bool
	Status   int
}

// Router validates, records and dispatches inbound frames against the engine.
type Router struct {
	engine *Engine
	logger zerolog.Logger
}

// NewRouter creates a router bound to engine.
func NewRouter(engine *Engine) *Router {
	return &Router{engine: engine, logger: engine.logger}
}

type requestIdKey struct{}

// ContextWithRequestId tags ctx with the inbound request id so notifications
// emitted while handling it ride the request's own channel.
func ContextWithRequestId(ctx context.Context, requestId jsonrpc.RequestId) context.Context {
	return context.WithValue(ctx, requestIdKey{}, requestId)
}

// RequestIdFromContext returns the inbound request id tagged on ctx.
func RequestIdFromContext(ctx context.Context) (jsonrpc.RequestId, bool) {
	value := ctx.Value(requestIdKey{})
	if value == nil {
		return nil, false
	}
	return value, true
}

// HandleMessage routes a single frame or a batch.
func (r *Router) HandleMessage(ctx context.Context, conn *Conn, data []byte) Handled {
	if jsonrpc.IsBatch(data) {
		return r.handleBatch(ctx, conn, data)
	}
	return r.handleOne(ctx, conn, data, conn.Attach)
}

// ResumeMessage resolves the caller's session for a standing stream attachment.
func (r *Router) ResumeMessage(ctx context.Context, conn *Conn) (*session.Session, bool, *jsonrpc.Error) {
	return r.engine.Resume(ctx, conn)
}

// TerminateSession ends the caller's session and drops its record.
func (r *Router) TerminateSession(ctx context.Context, conn *Conn) *jsonrpc.Error {
	return r.engine.Terminate(ctx, conn)
}

func (r *Router) handleOne(ctx context.Context, conn *Conn, data []byte, attach func(sess *session.Session, requestId jsonrpc.RequestId)) Handled {
	if jerr := schema.EarliestValidator().ValidateEnvelope(data); jerr != nil {
		return Handled{Response: jsonrpc.NewErrorResponse(rawId(data), jerr)}
	}
	switch jsonrpc.MessageTypeOf(data) {
	case jsonrpc.MessageTypeRequest:
		return r.handleRequest(ctx, conn, data, attach)
	case jsonrpc.MessageTypeNotification:
		return r.handleNotification(ctx, conn, data)
	case jsonrpc.MessageTypeResponse, jsonrpc.MessageTypeError:
		return r.handleResponse(ctx, conn, data)
	}
	return Handled{Response: jsonrpc.NewErrorResponse(rawId(data), jsonrpc.NewInvalidRequest("unrecognized message", data))}
}

func (r *Router) handleRequest(ctx context.Context, conn *Conn, data []byte, attach func(sess *session.Session, requestId jsonrpc.RequestId)) Handled {
	started := time.Now()
	request := &jsonrpc.Request{}
	if err := json.Unmarshal(data, request); err != nil {
		return Handled{Response: jsonrpc.NewErrorResponse(rawId(data), jsonrpc.NewParsingError(fmt.Sprintf("failed to parse request: %v", err), data))}
	}
	// ping answers without a session and leaves no trace in any event log
	if request.Method == schema.MethodPing {
		metrics.RecordRequest(request.Method, "ok", time.Since(started).Seconds())
		return Handled{Response: jsonrpc.NewResponse(request.Id, []byte("{}"))}
	}
	if request.Method == schema.MethodInitialize {
		return r.handleInitialize(ctx, conn, data, request, started)
	}
	sess, hydrated, jerr := r.engine.Resume(ctx, conn)
	if jerr != nil {
		metrics.RecordRequest(request.Method, "error", time.Since(started).Seconds())
		return Handled{Response: jsonrpc.NewErrorResponse(request.Id, jerr), Status: HTTPStatus(jerr)}
	}
	if hydrated && conn.ChannelId != "" {
		if err := sess.RecordChannelStarted(ctx, conn.ChannelId); err != nil {
			r.logger.Warn().Err(err).Str("session", sess.Id()).Msg("failed to record channel start")
		}
	}
	if conn.ProtocolVersion != "" && conn.ProtocolVersion != sess.ProtocolVersion() {
		jerr := jsonrpc.NewInvalidRequest(fmt.Sprintf("protocol version mismatch: session negotiated %v, request carries %v", sess.ProtocolVersion(), conn.ProtocolVersion), nil)
		metrics.RecordRequest(request.Method, "error", time.Since(started).Seconds())
		return Handled{Session: sess, Response: jsonrpc.NewErrorResponse(request.Id, jerr), Status: http.StatusBadRequest}
	}
	r.record(ctx, sess, conn.ChannelId, data, jsonrpc.IdKey(request.Id))
	requestCtx, complete, ok := sess.BeginRequest(ctx, request.Id, request.Method)
	if !ok {
		// the reply to the original use of this id is the one on record, so
		// the rejection goes back directly without touching the log
		metrics.RecordRequest(request.Method, "error", time.Since(started).Seconds())
		jerr := jsonrpc.NewInvalidRequest(fmt.Sprintf("duplicate request id: %v", jsonrpc.IdKey(request.Id)), nil)
		return Handled{Session: sess, Response: jsonrpc.NewErrorResponse(request.Id, jerr)}
	}
	defer complete()
	if jerr := schema.NewValidator(sess.ProtocolVersion()).ValidateRequest(request); jerr != nil {
		return r.reply(ctx, sess, request, nil, jerr, false, started)
	}
	requestCtx = ContextWithRequestId(requestCtx, request.Id)
	requestCtx = context.WithValue(requestCtx, jsonrpc.SessionKey, sess)
	streamed := false
	if attach != nil {
		attach(sess, request.Id)
		streamed = true
	}
	result, jerr := r.dispatch(requestCtx, sess, request)
	return r.reply(ctx, sess, request, result, jerr, streamed, started)
}

func (r *Router) handleInitialize(ctx context.Context, conn *Conn, data []byte, request *jsonrpc.Request, started time.Time) Handled {
	// initialize must accept members drafted after the client's revision, so
	// it validates against the earliest supported revision tolerantly
	if jerr := schema.EarliestValidator().ValidateRequest(request); jerr != nil {
		metrics.RecordRequest(request.Method, "error", time.Since(started).Seconds())
		return Handled{Response: jsonrpc.NewErrorResponse(request.Id, jerr)}
	}
	params := &schema.InitializeRequestParams{}
	if jerr := bindParams(request.Params, params); jerr != nil {
		metrics.RecordRequest(request.Method, "error", time.Since(started).Seconds())
		return Handled{Response: jsonrpc.NewErrorResponse(request.Id, jerr)}
	}
	negotiated := schema.Negotiate(params.ProtocolVersion)
	sess, jerr := r.engine.InitializeSession(ctx, conn, params, negotiated)
	if jerr != nil {
		metrics.RecordRequest(request.Method, "error", time.Since(started).Seconds())
		return Handled{Response: jsonrpc.NewErrorResponse(request.Id, jerr)}
	}
	r.record(ctx, sess, conn.ChannelId, data, jsonrpc.IdKey(request.Id))
	requestCtx, complete, ok := sess.BeginRequest(ctx, request.Id, request.Method)
	if !ok {
		metrics.RecordRequest(request.Method, "error", time.Since(started).Seconds())
		jerr := jsonrpc.NewInvalidRequest(fmt.Sprintf("duplicate request id: %v", jsonrpc.IdKey(request.Id)), nil)
		return Handled{Session: sess, Response: jsonrpc.NewErrorResponse(request.Id, jerr)}
	}
	defer complete()
	requestCtx = ContextWithRequestId(requestCtx, request.Id)
	requestCtx = context.WithValue(requestCtx, jsonrpc.SessionKey, sess)
	if jerr := r.engine.handlers.Initialize(requestCtx, sess, params); jerr != nil {
		r.engine.evict(ctx, sess, "rejected")
		metrics.RecordRequest(request.Method, "error", time.Since(started).Seconds())
		return Handled{Response: jsonrpc.NewErrorResponse(request.Id, jerr)}
	}
	snapshot := sess.Data()
	result := &schema.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    snapshot.ServerCapabilities,
		ServerInfo:      snapshot.ServerInfo,
		Instructions:    r.engine.instructions,
	}
	return r.reply(ctx, sess, request, result, nil, false, started)
}

func (r *Router) handleNotification(ctx context.Context, conn *Conn, data []byte) Handled {
	notification := &jsonrpc.Notification{}
	if err := json.Unmarshal(data, notification); err != nil {
		r.logger.Warn().Err(err).Msg("failed to parse notification")
		return Handled{Accepted: true}
	}
	switch notification.Method {
	case schema.NotificationInitialized:
	case schema.NotificationCancelled:
		params := &schema.CancelledParams{}
		if jerr := bindParams(notification.Params, params); jerr != nil {
			r.logger.Warn().Str("method", notification.Method).Msg("invalid cancellation params")
			break
		}
		sess, jerr := r.engine.activeSession(conn)
		if jerr != nil {
			r.logger.Warn().Int("code", jerr.Code).Str("message", jerr.Message).Msg("cannot resolve session for cancellation")
			break
		}
		if sess.CancelRequest(params.RequestId) {
			r.logger.Debug().Str("session", sess.Id()).Str("request", jsonrpc.IdKey(params.RequestId)).Str("reason", params.Reason).Msg("request cancelled")
		}
	case schema.NotificationSessionTerminated:
		if jerr := r.engine.Terminate(ctx, conn); jerr != nil {
			r.logger.Warn().Int("code", jerr.Code).Str("message", jerr.Message).Msg("failed to terminate session")
		}
	default:
		// notifications are never answered, the failure only reaches the log
		jerr := jsonrpc.NewMethodNotFound(fmt.Sprintf("Unknown notification: %v", notification.Method), nil)
		r.logger.Warn().Int("code", jerr.Code).Str("message", jerr.Message).Msg("notification dropped")
	}
	return Handled{Accepted: true}
}

func (r *Router) handleResponse(ctx context.Context, conn *Conn, data []byte) Handled {
	response := &jsonrpc.Response{}
	if err := json.Unmarshal(data, response); err != nil {
		r.logger.Warn().Err(err).Msg("failed to parse response")
		return Handled{Accepted: true}
	}
	sess, hydrated, jerr := r.engine.Resume(ctx, conn)
	if jerr != nil {
		r.logger.Warn().Int("code", jerr.Code).Str("message", jerr.Message).Msg("cannot resolve session for response")
		return Handled{Accepted: true}
	}
	if hydrated && conn.ChannelId != "" {
		if err := sess.RecordChannelStarted(ctx, conn.ChannelId); err != nil {
			r.logger.Warn().Err(err).Str("session", sess.Id()).Msg("failed to record channel start")
		}
	}
	r.record(ctx, sess, conn.ChannelId, data, jsonrpc.IdKey(response.Id))
	trip, err := sess.Trips().Match(response.Id)
	if err != nil {
		r.logger.Warn().Err(err).Str("session", sess.Id()).Str("request", jsonrpc.IdKey(response.Id)).Msg("uncorrelated response")
		return Handled{Session: sess, Accepted: true}
	}
	trip.SetResponse(response)
	return Handled{Session: sess, Accepted: true}
}

func (r *Router) handleBatch(ctx context.Context, conn *Conn, data []byte) Handled {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return Handled{Response: jsonrpc.NewErrorResponse(nil, jsonrpc.NewParsingError(fmt.Sprintf("failed to parse batch: %v", err), data))}
	}
	if len(elements) == 0 {
		return Handled{Response: jsonrpc.NewErrorResponse(nil, jsonrpc.NewInvalidRequest("empty batch", nil))}
	}
	var responses []*jsonrpc.Response
	var sess *session.Session
	for _, element := range elements {
		if methodOf(element) == schema.MethodInitialize {
			responses = append(responses, jsonrpc.NewErrorResponse(rawId(element), jsonrpc.NewInvalidRequest("initialize must not be batched", nil)))
			continue
		}
		handled := r.handleOne(ctx, conn, element, nil)
		if handled.Session != nil {
			sess = handled.Session
		}
		if handled.Response != nil {
			responses = append(responses, handled.Response)
		}
	}
	if len(responses) == 0 {
		return Handled{Session: sess, Accepted: true}
	}
	return Handled{Session: sess, Batch: jsonrpc.NewBatchResponse(responses)}
}

func (r *Router) dispatch(ctx context.Context, sess *session.Session, request *jsonrpc.Request) (result interface{}, jerr *jsonrpc.Error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("session", sess.Id()).Str("method", request.Method).Msg("handler panicked")
			result = nil
			jerr = jsonrpc.NewInternalError(fmt.Sprintf("handler panic: %v", rec), nil)
		}
	}()
	handlers := r.engine.handlers
	switch request.Method {
	case schema.MethodResourcesList:
		params := &schema.PaginatedParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		return handlers.ListResources(ctx, sess, params)
	case schema.MethodResourceTemplatesList:
		params := &schema.PaginatedParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		return handlers.ListResourceTemplates(ctx, sess, params)
	case schema.MethodResourcesRead:
		params := &schema.ReadResourceParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		return handlers.ReadResource(ctx, sess, params)
	case schema.MethodResourcesSubscribe:
		params := &schema.SubscribeParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		if jerr := handlers.Subscribe(ctx, sess, params); jerr != nil {
			return nil, jerr
		}
		return emptyResult{}, nil
	case schema.MethodResourcesUnsubscribe:
		params := &schema.UnsubscribeParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		if jerr := handlers.Unsubscribe(ctx, sess, params); jerr != nil {
			return nil, jerr
		}
		return emptyResult{}, nil
	case schema.MethodPromptsList:
		params := &schema.PaginatedParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		return handlers.ListPrompts(ctx, sess, params)
	case schema.MethodPromptsGet:
		params := &schema.GetPromptParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		return handlers.GetPrompt(ctx, sess, params)
	case schema.MethodToolsList:
		params := &schema.PaginatedParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		return handlers.ListTools(ctx, sess, params)
	case schema.MethodToolsCall:
		params := &schema.CallToolParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		return handlers.CallTool(ctx, sess, params)
	case schema.MethodComplete:
		params := &schema.CompleteParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		return handlers.Complete(ctx, sess, params)
	case schema.MethodLoggingSetLevel:
		params := &schema.SetLevelParams{}
		if jerr := bindParams(request.Params, params); jerr != nil {
			return nil, jerr
		}
		if jerr := handlers.SetLevel(ctx, sess, params); jerr != nil {
			return nil, jerr
		}
		return emptyResult{}, nil
	}
	return nil, jsonrpc.NewMethodNotFound(fmt.Sprintf("Unknown request: %v", request.Method), nil)
}

// reply records the terminal response in the session log and reports it to the
// transport. Streamed replies reach the client through the attached channel;
// the transport only writes the body itself for plain exchanges.
func (r *Router) reply(ctx context.Context, sess *session.Session, request *jsonrpc.Request, result interface{}, jerr *jsonrpc.Error, streamed bool, started time.Time) Handled {
	var response *jsonrpc.Response
	if jerr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			jerr = jsonrpc.NewInternalError(fmt.Sprintf("failed to marshal result: %v", err), nil)
		} else {
			response = jsonrpc.NewResponse(request.Id, data)
		}
	}
	if jerr != nil {
		response = jsonrpc.NewErrorResponse(request.Id, jerr)
	}
	if err := sess.SendResponse(ctx, response); err != nil {
		r.logger.Warn().Err(err).Str("session", sess.Id()).Str("request", jsonrpc.IdKey(request.Id)).Msg("failed to record response")
	} else {
		metrics.EventsAppended.Inc()
	}
	status := "ok"
	if response.Error != nil {
		status = "error"
	}
	metrics.RecordRequest(request.Method, status, time.Since(started).Seconds())
	return Handled{Session: sess, Response: response, Streamed: streamed}
}

func (r *Router) record(ctx context.Context, sess *session.Session, channelId string, data []byte, responseToRequestId string) {
	if err := sess.RecordClientMessage(ctx, channelId, data, responseToRequestId); err != nil {
		r.logger.Warn().Err(err).Str("session", sess.Id()).Msg("failed to record inbound message")
		return
	}
	metrics.EventsAppended.Inc()
}

// emptyResult marshals to {} for operations defined to return an empty object.
type emptyResult struct{}

func bindParams(data json.RawMessage, target interface{}) *jsonrpc.Error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, target); err != nil {
		return jsonrpc.NewInvalidParamsError(fmt.Sprintf("failed to parse params: %v", err), data)
	}
	return nil
}

// HTTPStatus maps a protocol error to the HTTP status a transport should pair
// with it. Errors without a transport level meaning map to zero, i.e. the
// transport's default.
func HTTPStatus(jerr *jsonrpc.Error) int {
	if jerr == nil {
		return 0
	}
	switch jerr.Code {
	case jsonrpc.ResourceNotFound:
		return http.StatusNotFound
	case jsonrpc.AuthorizationFailed:
		return http.StatusForbidden
	case jsonrpc.InternalError:
		return http.StatusInternalServerError
	case jsonrpc.InvalidRequest:
		return http.StatusBadRequest
	}
	return 0
}

func rawId(data []byte) jsonrpc.RequestId {
	probe := struct {
		Id jsonrpc.RequestId `json:"id"`
	}{}
	_ = json.Unmarshal(data, &probe)
	return probe.Id
}

func methodOf(data []byte) string {
	probe := struct {
		Method string `json:"method"`
	}{}
	_ = json.Unmarshal(data, &probe)
	return probe.Method
}
