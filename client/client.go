// Package client implements the consumer side of the streamable HTTP
// transport: a connector that performs the initialize handshake, correlates
// outbound requests, ingests the standing event stream and caches list
// results until the server announces a change.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/viant/afs/url"

	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/retry"
	"github.com/viant/mcp/schema"
	"github.com/viant/mcp/transport"
)

const (
	defaultSessionHeader  = "Mcp-Session-Id"
	defaultProtocolHeader = "MCP-Protocol-Version"
	lastEventIdHeader     = "Last-Event-ID"
	sseMime               = "text/event-stream"
	jsonMime              = "application/json"
)

// InitializeRequestId is the reserved id carried by the handshake request.
const InitializeRequestId = "init"

// ErrDisconnected fails pending requests when the connector shuts down.
var ErrDisconnected = errors.New("connector disconnected")

// ErrNoStream marks a server that offers no standing event stream.
var ErrNoStream = errors.New("server offers no event stream")

// State is the connector lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the phase name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// AuthRefresher exchanges a WWW-Authenticate challenge for a fresh bearer
// token after the server answered 401.
type AuthRefresher func(ctx context.Context, challenge string) (string, error)

// StreamGetter dials one attempt of the standing event stream. Returning a
// nil stream with a nil error means the server offers no stream at all and
// ends the ingest loop for good.
type StreamGetter func(ctx context.Context, lastEventId string) (io.ReadCloser, error)

// Connector talks to a single streamable HTTP endpoint.
type Connector struct {
	endpointURL string
	cacheServer string
	httpClient  *http.Client
	logger      zerolog.Logger

	sessionHeader    string
	requestedVersion string
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	streamRetry      retry.Config

	clientInfo   schema.Implementation
	capabilities schema.ClientCapabilities

	requests     *RequestManager
	cache        *ListCache
	handler      transport.Handler
	newHandler   transport.NewHandler
	listener     jsonrpc.Listener
	interceptors map[string]transport.Interceptor
	refresher    AuthRefresher
	getStream    StreamGetter

	mux          sync.Mutex
	state        State
	sessionId    string
	version      string
	bearer       string
	initResult   *schema.InitializeResult
	lastEventId  string
	serverRetry  time.Duration
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

// New creates a connector for endpointURL. The connector stays Disconnected
// until Connect performs the handshake.
func New(endpointURL string, options ...Option) (*Connector, error) {
	host := url.Host(endpointURL)
	if host == "" {
		return nil, fmt.Errorf("invalid endpoint URL %q: missing host", endpointURL)
	}
	scheme := url.Scheme(endpointURL, "http")
	jar, _ := cookiejar.New(nil)
	c := &Connector{
		endpointURL:      endpointURL,
		cacheServer:      fmt.Sprintf("%s://%s", scheme, host),
		httpClient:       &http.Client{Jar: jar},
		logger:           zerolog.Nop(),
		sessionHeader:    defaultSessionHeader,
		requestedVersion: schema.LatestVersion,
		handshakeTimeout: 30 * time.Second,
		requestTimeout:   2 * time.Minute,
		streamRetry:      retry.Config{MaxRetries: 5},
		clientInfo:       schema.Implementation{Name: "mcp-client", Version: "1.0"},
		interceptors:     make(map[string]transport.Interceptor),
	}
	for _, option := range options {
		option(c)
	}
	c.requests = NewRequestManager(c.logger)
	if c.cache == nil {
		c.cache = NewListCache(5 * time.Minute)
	}
	if c.handler == nil && c.newHandler == nil {
		c.handler = &DefaultHandler{}
	}
	if c.getStream == nil {
		c.getStream = c.openHTTPStream
	}
	return c, nil
}

// Connect performs the initialize handshake, announces initialized and opens
// the standing event stream. The supplied context bounds the handshake only;
// the stream outlives it.
func (c *Connector) Connect(ctx context.Context) error {
	c.mux.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mux.Unlock()
		return fmt.Errorf("cannot connect: connector is %v", state)
	}
	c.state = StateConnecting
	c.mux.Unlock()

	if err := c.handshake(ctx); err != nil {
		c.mux.Lock()
		c.state = StateDisconnected
		c.sessionId = ""
		c.version = ""
		c.initResult = nil
		c.mux.Unlock()
		return err
	}

	if c.newHandler != nil {
		c.handler = c.newHandler(ctx, c)
	}
	if err := c.notifyInitialized(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to announce initialized")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mux.Lock()
	c.streamCancel = cancel
	c.streamDone = done
	c.state = StateConnected
	c.mux.Unlock()
	go c.runStream(streamCtx, done)
	return nil
}

func (c *Connector) handshake(ctx context.Context) error {
	c.requests.Reset()
	params := &schema.InitializeRequestParams{
		ProtocolVersion: c.requestedVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.clientInfo,
	}
	request, err := jsonrpc.NewRequest(schema.MethodInitialize, params)
	if err != nil {
		return err
	}
	request.Id = InitializeRequestId
	trip, err := c.requests.Track(request)
	if err != nil {
		return err
	}
	data, err := json.Marshal(request)
	if err != nil {
		c.requests.Discard(request.Id)
		return fmt.Errorf("failed to marshal initialize request: %w", err)
	}
	c.observe(jsonrpc.NewRequestMessage(request))
	if err := c.post(ctx, data); err != nil {
		c.requests.Discard(request.Id)
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := trip.Wait(ctx, c.handshakeTimeout); err != nil {
		c.requests.Discard(request.Id)
		return fmt.Errorf("initialize timed out: %w", err)
	}
	response := trip.Response
	if response.Error != nil {
		return fmt.Errorf("initialize rejected: %w", response.Error)
	}
	result := &schema.InitializeResult{}
	if err := json.Unmarshal(response.Result, result); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}
	c.mux.Lock()
	c.version = result.ProtocolVersion
	c.initResult = result
	assigned := c.sessionId
	c.mux.Unlock()
	if assigned == "" {
		return fmt.Errorf("handshake missing %s header", c.sessionHeader)
	}
	c.logger.Debug().Str("session", assigned).Str("version", result.ProtocolVersion).Msg("connected")
	return nil
}

func (c *Connector) notifyInitialized(ctx context.Context) error {
	notification, err := jsonrpc.NewNotification(schema.NotificationInitialized, nil)
	if err != nil {
		return err
	}
	return c.Notify(ctx, notification)
}

// Disconnect announces termination to the server on a best effort basis,
// stops the event stream and fails every pending request.
func (c *Connector) Disconnect(ctx context.Context) error {
	return c.disconnect(ctx, schema.TerminationGraceful)
}

func (c *Connector) disconnect(ctx context.Context, reason string) error {
	c.mux.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mux.Unlock()
		return fmt.Errorf("cannot disconnect: connector is %v", state)
	}
	c.state = StateDisconnecting
	cancel := c.streamCancel
	done := c.streamDone
	c.mux.Unlock()

	params := &schema.SessionTerminatedParams{
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if notification, err := jsonrpc.NewNotification(schema.NotificationSessionTerminated, params); err == nil {
		if err := c.Notify(ctx, notification); err != nil {
			c.logger.Debug().Err(err).Msg("termination notice not delivered")
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.requests.FailAll(ErrDisconnected)

	c.mux.Lock()
	c.state = StateDisconnected
	c.sessionId = ""
	c.version = ""
	c.initResult = nil
	c.lastEventId = ""
	c.serverRetry = 0
	c.streamCancel = nil
	c.streamDone = nil
	c.mux.Unlock()
	return nil
}

// Send issues a request and waits for the correlated response. The request id
// is assigned by the connector.
func (c *Connector) Send(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	if state := c.State(); state != StateConnected {
		return nil, fmt.Errorf("cannot send %v: connector is %v", request.Method, state)
	}
	if request.Jsonrpc == "" {
		request.Jsonrpc = jsonrpc.Version
	}
	trip, err := c.requests.Register(request)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(request)
	if err != nil {
		c.requests.Discard(request.Id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	c.observe(jsonrpc.NewRequestMessage(request))
	if err := c.post(ctx, data); err != nil {
		c.requests.Discard(request.Id)
		return nil, err
	}
	if err := trip.Wait(ctx, c.requestTimeout); err != nil {
		c.requests.Discard(request.Id)
		return nil, err
	}
	response := trip.Response
	if interceptor, ok := c.interceptors[request.Method]; ok {
		followUp, err := interceptor.Intercept(ctx, request, response)
		if err != nil {
			c.logger.Warn().Err(err).Str("method", request.Method).Msg("interceptor failed")
		} else if followUp != nil {
			if _, err := c.Send(ctx, followUp); err != nil {
				c.logger.Warn().Err(err).Str("method", followUp.Method).Msg("follow-up request failed")
			}
		}
	}
	return response, nil
}

// Notify sends a notification; the server acknowledges it without a body.
func (c *Connector) Notify(ctx context.Context, notification *jsonrpc.Notification) error {
	if state := c.State(); state != StateConnected && state != StateConnecting && state != StateDisconnecting {
		return fmt.Errorf("cannot notify %v: connector is %v", notification.Method, state)
	}
	if notification.Jsonrpc == "" {
		notification.Jsonrpc = jsonrpc.Version
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	c.observe(jsonrpc.NewNotificationMessage(notification))
	return c.post(ctx, data)
}

// SendBatch posts several requests as one JSON-RPC batch envelope. Responses
// settle through the shared correlation map, so they come back in request
// order regardless of the order the server answered them in.
func (c *Connector) SendBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if state := c.State(); state != StateConnected {
		return nil, fmt.Errorf("cannot send batch: connector is %v", state)
	}
	if len(requests) == 0 {
		return nil, errors.New("empty batch")
	}
	trips := make([]*transport.RoundTrip, len(requests))
	for i, request := range requests {
		if request.Jsonrpc == "" {
			request.Jsonrpc = jsonrpc.Version
		}
		trip, err := c.requests.Register(request)
		if err != nil {
			for _, registered := range trips[:i] {
				c.requests.Discard(registered.Request.Id)
			}
			return nil, err
		}
		trips[i] = trip
		c.observe(jsonrpc.NewRequestMessage(request))
	}
	data, err := json.Marshal(jsonrpc.BatchRequest(requests))
	if err != nil {
		for _, trip := range trips {
			c.requests.Discard(trip.Request.Id)
		}
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	if err := c.post(ctx, data); err != nil {
		for _, trip := range trips {
			c.requests.Discard(trip.Request.Id)
		}
		return nil, err
	}
	responses := make([]*jsonrpc.Response, len(trips))
	for i, trip := range trips {
		if err := trip.Wait(ctx, c.requestTimeout); err != nil {
			c.requests.Discard(trip.Request.Id)
			return nil, err
		}
		responses[i] = trip.Response
	}
	return responses, nil
}

// post delivers one outbound frame, refreshing the bearer token once when the
// server challenges with 401 and a refresher is configured.
func (c *Connector) post(ctx context.Context, data []byte) error {
	err := c.postOnce(ctx, data)
	var unauthorized *jsonrpc.UnauthorizedError
	if errors.As(err, &unauthorized) && c.refresher != nil {
		token, refreshErr := c.refresher(ctx, unauthorized.Challenge)
		if refreshErr != nil {
			return fmt.Errorf("auth refresh failed: %w", refreshErr)
		}
		c.setBearer(token)
		return c.postOnce(ctx, data)
	}
	return err
}

func (c *Connector) postOnce(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", jsonMime)
	req.Header.Set("Accept", jsonMime+", "+sseMime)
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if sessionId := resp.Header.Get(c.sessionHeader); sessionId != "" {
		c.mux.Lock()
		c.sessionId = sessionId
		c.mux.Unlock()
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	case http.StatusUnauthorized:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return jsonrpc.NewUnauthorizedError(resp.StatusCode, resp.Header.Get("WWW-Authenticate"), body)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return fmt.Errorf("invalid status code: %d: %s", resp.StatusCode, string(body))
	}
	if strings.Contains(resp.Header.Get("Content-Type"), sseMime) {
		c.consumeStream(ctx, resp.Body, false)
		_ = resp.Body.Close()
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if jsonrpc.IsBatch(body) {
		var elements []json.RawMessage
		if err := json.Unmarshal(body, &elements); err != nil {
			return fmt.Errorf("failed to parse batch response: %w", err)
		}
		for _, element := range elements {
			c.dispatch(ctx, element)
		}
		return nil
	}
	c.dispatch(ctx, body)
	return nil
}

func (c *Connector) setCommonHeaders(req *http.Request) {
	c.mux.Lock()
	sessionId := c.sessionId
	version := c.version
	bearer := c.bearer
	c.mux.Unlock()
	if sessionId != "" {
		req.Header.Set(c.sessionHeader, sessionId)
	}
	if version != "" {
		req.Header.Set(defaultProtocolHeader, version)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
}

// dispatch classifies one inbound frame and routes it: responses settle the
// correlation map, notifications invalidate caches and reach the handler,
// server requests are served on their own goroutine so the stream keeps
// flowing while the handler works.
func (c *Connector) dispatch(ctx context.Context, data []byte) {
	switch jsonrpc.MessageTypeOf(data) {
	case jsonrpc.MessageTypeResponse, jsonrpc.MessageTypeError:
		response := &jsonrpc.Response{}
		if err := json.Unmarshal(data, response); err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse response")
			return
		}
		c.observe(jsonrpc.NewResponseMessage(response))
		c.requests.Settle(response)
	case jsonrpc.MessageTypeNotification:
		notification := &jsonrpc.Notification{}
		if err := json.Unmarshal(data, notification); err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse notification")
			return
		}
		c.observe(jsonrpc.NewNotificationMessage(notification))
		c.onNotification(ctx, notification)
	case jsonrpc.MessageTypeRequest:
		request := &jsonrpc.Request{}
		if err := json.Unmarshal(data, request); err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse server request")
			return
		}
		c.observe(jsonrpc.NewRequestMessage(request))
		go c.serveRequest(ctx, request)
	}
}

func (c *Connector) onNotification(ctx context.Context, notification *jsonrpc.Notification) {
	switch notification.Method {
	case schema.NotificationToolsListChanged:
		c.cache.Invalidate(c.cacheServer, KindTools)
	case schema.NotificationPromptsListChanged:
		c.cache.Invalidate(c.cacheServer, KindPrompts)
	case schema.NotificationResourcesListChanged:
		c.cache.Invalidate(c.cacheServer, KindResources)
		c.cache.Invalidate(c.cacheServer, KindResourceTemplates)
	}
	handler := c.currentHandler()
	if handler == nil {
		return
	}
	if jerr := handler.OnNotification(ctx, notification); jerr != nil {
		c.logger.Warn().Int("code", jerr.Code).Str("method", notification.Method).Str("message", jerr.Message).Msg("notification handler failed")
	}
}

// serveRequest answers a server initiated request and posts the reply back.
func (c *Connector) serveRequest(ctx context.Context, request *jsonrpc.Request) {
	response := &jsonrpc.Response{Id: request.Id, Jsonrpc: jsonrpc.Version}
	handler := c.currentHandler()
	if handler == nil {
		handler = &DefaultHandler{}
	}
	if jerr := handler.Serve(ctx, request, response); jerr != nil {
		response = jsonrpc.NewErrorResponse(request.Id, jerr)
	}
	data, err := json.Marshal(response)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", request.Method).Msg("failed to marshal reply")
		return
	}
	c.observe(jsonrpc.NewResponseMessage(response))
	if err := c.post(ctx, data); err != nil {
		c.logger.Warn().Err(err).Str("method", request.Method).Msg("failed to deliver reply")
	}
}

func (c *Connector) currentHandler() transport.Handler {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.handler
}

func (c *Connector) observe(message *jsonrpc.Message) {
	if c.listener == nil {
		return
	}
	c.listener(message)
}

func (c *Connector) setBearer(token string) {
	c.mux.Lock()
	c.bearer = token
	c.mux.Unlock()
}

// State returns the current lifecycle phase.
func (c *Connector) State() State {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.state
}

// SessionId returns the session id assigned during the handshake.
func (c *Connector) SessionId() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.sessionId
}

// ProtocolVersion returns the negotiated protocol revision.
func (c *Connector) ProtocolVersion() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.version
}

// InitializeResult returns the server's handshake reply.
func (c *Connector) InitializeResult() *schema.InitializeResult {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.initResult
}

// LastEventId returns the id of the newest event seen on the standing stream.
func (c *Connector) LastEventId() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.lastEventId
}

// DefaultHandler rejects server requests and ignores notifications. It stands
// in when no handler was configured.
type DefaultHandler struct{}

// Serve answers every request with method not found.
func (h *DefaultHandler) Serve(ctx context.Context, request *jsonrpc.Request, response *jsonrpc.Response) *jsonrpc.Error {
	return jsonrpc.NewMethodNotFound(fmt.Sprintf("Unknown request: %v", request.Method), nil)
}

// OnNotification ignores the notification.
func (h *DefaultHandler) OnNotification(ctx context.Context, notification *jsonrpc.Notification) *jsonrpc.Error {
	return nil
}

// OnError ignores the error.
func (h *DefaultHandler) OnError(ctx context.Context, error *jsonrpc.Error) *jsonrpc.Error {
	return nil
}
