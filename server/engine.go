package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/viant/mcp/internal/collection"
	"github.com/viant/mcp/internal/metrics"
	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/schema"
	"github.com/viant/mcp/session"
)

const (
	// DefaultInactivityTimeout evicts sessions idle longer than this under
	// RemovalAfterIdle.
	DefaultInactivityTimeout = 300 * time.Second
	// DefaultSweepInterval is the cadence of the background session sweeper.
	DefaultSweepInterval = 30 * time.Second
	// DefaultReconnectGrace keeps a detached session resumable under
	// RemovalAfterGrace.
	DefaultReconnectGrace = 30 * time.Second
)

// RemovalPolicy controls when the sweeper evicts sessions.
type RemovalPolicy int

const (
	// RemovalAfterIdle evicts sessions with no activity for the inactivity timeout.
	RemovalAfterIdle RemovalPolicy = iota
	// RemovalOnDisconnect evicts sessions as soon as no channel is attached.
	RemovalOnDisconnect
	// RemovalAfterGrace evicts detached sessions after the reconnect grace period.
	RemovalAfterGrace
	// RemovalManual leaves eviction to the operator.
	RemovalManual
)

var (
	// ErrSessionTerminated is the round trip failure cause on client initiated termination.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrSessionEvicted is the round trip failure cause on sweeper eviction.
	ErrSessionEvicted = errors.New("session evicted")
)

// DefaultCapabilities advertises every feature the default handlers implement.
func DefaultCapabilities() schema.ServerCapabilities {
	return schema.ServerCapabilities{
		Logging:     &schema.LoggingCapability{},
		Completions: &schema.CompletionsCapability{},
		Prompts:     &schema.PromptsCapability{ListChanged: true},
		Resources:   &schema.ResourcesCapability{Subscribe: true, ListChanged: true},
		Tools:       &schema.ToolsCapability{ListChanged: true},
	}
}

// Engine owns the session lifecycle and the feature registries shared by all
// sessions. Registry mutations propagate to every active session and then to
// its durable record, so lists stay consistent across resumes.
type Engine struct {
	logger        zerolog.Logger
	store         session.Store
	active        *collection.SyncMap[string, *session.Session]
	subscriptions *session.Subscriptions
	idGenerator   session.IdGenerator
	handlers      Handlers
	router        *Router

	serverInfo   schema.Implementation
	capabilities schema.ServerCapabilities
	instructions string

	resumeTimeout     time.Duration
	pullInterval      time.Duration
	requestTimeout    time.Duration
	inactivityTimeout time.Duration
	sweepInterval     time.Duration
	reconnectGrace    time.Duration
	maxLifetime       time.Duration
	removalPolicy     RemovalPolicy
	pageSize          int

	onSessionInitialized func(sessionId, userId string)

	mux         sync.Mutex
	tools       []schema.Tool
	toolFns     map[string]ToolFunc
	prompts     []schema.Prompt
	promptFns   map[string]PromptFunc
	resources   []schema.Resource
	resourceFns map[string]ResourceFunc
	templates   []schema.ResourceTemplate
	completion  CompleteFunc

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates an engine with an in-memory store unless overridden.
func New(options ...Option) *Engine {
	ret := &Engine{
		logger:            zerolog.Nop(),
		store:             session.NewMemoryStore(),
		active:            collection.NewSyncMap[string, *session.Session](),
		subscriptions:     session.NewSubscriptions(),
		serverInfo:        schema.Implementation{Name: "mcp", Version: "0.1.0"},
		capabilities:      DefaultCapabilities(),
		resumeTimeout:     session.DefaultResumeTimeout,
		pullInterval:      session.DefaultPullInterval,
		requestTimeout:    session.DefaultRequestTimeout,
		inactivityTimeout: DefaultInactivityTimeout,
		sweepInterval:     DefaultSweepInterval,
		reconnectGrace:    DefaultReconnectGrace,
		removalPolicy:     RemovalAfterIdle,
		toolFns:           map[string]ToolFunc{},
		promptFns:         map[string]PromptFunc{},
		resourceFns:       map[string]ResourceFunc{},
	}
	for _, option := range options {
		option(ret)
	}
	if ret.handlers == nil {
		ret.handlers = NewDefaultHandlers(ret)
	}
	ret.router = NewRouter(ret)
	if ret.sweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(context.Background())
		ret.sweepCancel = cancel
		ret.sweepDone = make(chan struct{})
		go ret.runSweeper(sweepCtx)
	}
	return ret
}

// Router returns the engine's message router.
func (e *Engine) Router() *Router {
	return e.router
}

// Logger returns the engine logger.
func (e *Engine) Logger() zerolog.Logger {
	return e.logger
}

// Session returns the active session with the given id.
func (e *Engine) Session(id string) (*session.Session, bool) {
	return e.active.Get(id)
}

func (e *Engine) sessionOptions() []session.Option {
	return []session.Option{
		session.WithLogger(e.logger),
		session.WithResumeTimeout(e.resumeTimeout),
		session.WithPullInterval(e.pullInterval),
		session.WithRequestTimeout(e.requestTimeout),
	}
}

// InitializeSession creates, persists and activates a session for a completed
// handshake. The negotiated version and the current registry snapshot become
// part of the durable record.
func (e *Engine) InitializeSession(ctx context.Context, conn *Conn, params *schema.InitializeRequestParams, negotiated string) (*session.Session, *jsonrpc.Error) {
	id := session.NewId(e.idGenerator, e.logger)
	clientInfo := params.ClientInfo
	clientCapabilities := params.Capabilities
	e.mux.Lock()
	data := &session.Data{
		Id:                 id,
		UserId:             conn.UserId,
		ProtocolVersion:    negotiated,
		ClientInfo:         &clientInfo,
		ClientCapabilities: &clientCapabilities,
		ServerInfo:         e.serverInfo,
		ServerCapabilities: e.capabilities,
		Tools:              append([]schema.Tool(nil), e.tools...),
		Prompts:            append([]schema.Prompt(nil), e.prompts...),
		Resources:          append([]schema.Resource(nil), e.resources...),
		ResourceTemplates:  append([]schema.ResourceTemplate(nil), e.templates...),
		CreatedAt:          time.Now(),
	}
	e.mux.Unlock()
	if err := e.store.Put(ctx, data); err != nil {
		return nil, jsonrpc.NewInternalError(fmt.Sprintf("failed to persist session: %v", err), nil)
	}
	sess := session.New(data, e.store, e.sessionOptions()...)
	sess.Activate()
	e.active.Put(id, sess)
	if conn.ChannelId != "" {
		if err := sess.RecordChannelStarted(ctx, conn.ChannelId); err != nil {
			e.logger.Warn().Err(err).Str("session", id).Msg("failed to record channel start")
		}
	}
	metrics.RecordSessionStart()
	e.logger.Info().Str("session", id).Str("user", conn.UserId).Str("version", negotiated).Msg("session initialized")
	if hook := e.onSessionInitialized; hook != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Interface("panic", r).Str("session", id).Msg("session hook panicked")
				}
			}()
			hook(id, conn.UserId)
		}()
	}
	return sess, nil
}

// Resume returns the caller's session, rehydrating it from the store when it
// is not active. The second result reports whether a hydration happened, so
// transports can record the channel attachment exactly once.
func (e *Engine) Resume(ctx context.Context, conn *Conn) (*session.Session, bool, *jsonrpc.Error) {
	if conn.SessionId == "" {
		return nil, false, jsonrpc.NewInvalidRequest("session id is required", nil)
	}
	if sess, ok := e.active.Get(conn.SessionId); ok {
		if err := checkOwnership(sess.UserId(), conn.UserId); err != nil {
			return nil, false, err
		}
		return sess, false, nil
	}
	data, err := e.store.Get(ctx, conn.SessionId)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, false, jsonrpc.NewResourceNotFound(fmt.Sprintf("session %q not found", conn.SessionId), nil)
		}
		return nil, false, jsonrpc.NewInternalError(fmt.Sprintf("failed to load session: %v", err), nil)
	}
	if err := checkOwnership(data.UserId, conn.UserId); err != nil {
		return nil, false, err
	}
	candidate := session.New(data, e.store, e.sessionOptions()...)
	actual, loaded := e.active.GetOrPut(conn.SessionId, candidate)
	if loaded {
		// lost the hydration race, the winner did the bookkeeping
		return actual, false, nil
	}
	candidate.Activate()
	for _, uri := range data.Subscriptions {
		e.subscriptions.Add(uri, conn.SessionId)
	}
	metrics.ActiveSessions.Inc()
	e.logger.Info().Str("session", conn.SessionId).Msg("session resumed")
	return candidate, true, nil
}

// checkOwnership enforces that a session is only touched by the identity that
// created it. Anonymous and authenticated are distinct identities, so an
// anonymous session cannot be adopted after login.
func checkOwnership(owner, caller string) *jsonrpc.Error {
	if owner == caller {
		return nil
	}
	return jsonrpc.NewAuthorizationFailed("session belongs to a different user", nil)
}

// Pause deactivates a session while keeping its durable record, so a later
// request can resume it. The subscription index forgets the session; its own
// subscription set survives in the record and is restored on resume.
func (e *Engine) Pause(ctx context.Context, sess *session.Session, channelId string) {
	e.active.Delete(sess.Id())
	e.subscriptions.RemoveSession(sess.Id())
	if channelId != "" {
		if err := sess.RecordChannelEnded(ctx, channelId); err != nil {
			e.logger.Warn().Err(err).Str("session", sess.Id()).Msg("failed to record channel end")
		}
	}
	sess.Deactivate()
	metrics.ActiveSessions.Dec()
	e.logger.Info().Str("session", sess.Id()).Msg("session paused")
}

// Terminate ends the caller's session and drops its durable record.
func (e *Engine) Terminate(ctx context.Context, conn *Conn) *jsonrpc.Error {
	sess, _, jerr := e.Resume(ctx, conn)
	if jerr != nil {
		return jerr
	}
	e.active.Delete(sess.Id())
	e.subscriptions.RemoveSession(sess.Id())
	if conn.ChannelId != "" {
		if err := sess.RecordChannelEnded(ctx, conn.ChannelId); err != nil {
			e.logger.Warn().Err(err).Str("session", sess.Id()).Msg("failed to record channel end")
		}
	}
	sess.Terminate(ErrSessionTerminated)
	metrics.RecordSessionEnd("terminated")
	if err := e.store.Delete(ctx, sess.Id()); err != nil && !errors.Is(err, session.ErrNotFound) {
		e.logger.Warn().Err(err).Str("session", sess.Id()).Msg("failed to delete session record")
		return jsonrpc.NewInternalError(fmt.Sprintf("failed to delete session: %v", err), nil)
	}
	e.logger.Info().Str("session", sess.Id()).Msg("session terminated")
	return nil
}

func (e *Engine) evict(ctx context.Context, sess *session.Session, reason string) {
	e.active.Delete(sess.Id())
	e.subscriptions.RemoveSession(sess.Id())
	sess.Terminate(ErrSessionEvicted)
	if err := e.store.Delete(ctx, sess.Id()); err != nil && !errors.Is(err, session.ErrNotFound) {
		e.logger.Warn().Err(err).Str("session", sess.Id()).Msg("failed to delete session record")
	}
	metrics.RecordSessionEnd(reason)
	e.logger.Info().Str("session", sess.Id()).Str("reason", reason).Msg("session evicted")
}

// CleanupInactiveSessions evicts sessions whose last event is older than
// threshold and returns how many were removed. Sessions without events age
// from their creation time.
func (e *Engine) CleanupInactiveSessions(ctx context.Context, threshold time.Duration) int {
	now := time.Now()
	var victims []*session.Session
	e.active.Range(func(id string, sess *session.Session) bool {
		last, ok := sess.LastActivity()
		if !ok {
			last = sess.Data().CreatedAt
		}
		if now.Sub(last) > threshold {
			victims = append(victims, sess)
		}
		return true
	})
	for _, sess := range victims {
		e.evict(ctx, sess, "idle")
	}
	return len(victims)
}

func (e *Engine) runSweeper(ctx context.Context) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	if e.maxLifetime > 0 {
		var expired []*session.Session
		e.active.Range(func(id string, sess *session.Session) bool {
			if time.Since(sess.Data().CreatedAt) > e.maxLifetime {
				expired = append(expired, sess)
			}
			return true
		})
		for _, sess := range expired {
			e.evict(ctx, sess, "expired")
		}
	}
	switch e.removalPolicy {
	case RemovalAfterIdle:
		e.CleanupInactiveSessions(ctx, e.inactivityTimeout)
	case RemovalOnDisconnect:
		e.evictDetached(ctx, 0)
	case RemovalAfterGrace:
		e.evictDetached(ctx, e.reconnectGrace)
	case RemovalManual:
	}
}

func (e *Engine) evictDetached(ctx context.Context, grace time.Duration) {
	now := time.Now()
	var victims []*session.Session
	e.active.Range(func(id string, sess *session.Session) bool {
		if sess.ChannelCount() > 0 {
			return true
		}
		last, ok := sess.LastActivity()
		if !ok {
			last = sess.Data().CreatedAt
		}
		if now.Sub(last) >= grace {
			victims = append(victims, sess)
		}
		return true
	})
	for _, sess := range victims {
		e.evict(ctx, sess, "disconnected")
	}
}

// Shutdown stops the sweeper and pauses every active session, leaving their
// records resumable by a restarted server sharing the store.
func (e *Engine) Shutdown(ctx context.Context) {
	if e.sweepCancel != nil {
		e.sweepCancel()
		<-e.sweepDone
		e.sweepCancel = nil
	}
	var active []*session.Session
	e.active.Range(func(id string, sess *session.Session) bool {
		active = append(active, sess)
		return true
	})
	for _, sess := range active {
		e.Pause(ctx, sess, "")
	}
}

// Request sends a server to client request on an active session and waits for
// the correlated response.
func (e *Engine) Request(ctx context.Context, sessionId string, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	sess, ok := e.active.Get(sessionId)
	if !ok {
		return nil, fmt.Errorf("session %v is not active", sessionId)
	}
	return sess.Send(ctx, request)
}

// Notify sends an untagged notification on an active session's standing channel.
func (e *Engine) Notify(ctx context.Context, sessionId string, method string, params interface{}) error {
	sess, ok := e.active.Get(sessionId)
	if !ok {
		return fmt.Errorf("session %v is not active", sessionId)
	}
	notification, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := sess.Notify(ctx, notification); err != nil {
		return err
	}
	metrics.RecordNotification(method)
	return nil
}

// NotifyProgress reports tool progress. When ctx carries the originating
// request id the update rides that request's channel, otherwise it goes out on
// the standing channel.
func (e *Engine) NotifyProgress(ctx context.Context, sess *session.Session, params *schema.ProgressParams) error {
	notification, err := jsonrpc.NewNotification(schema.NotificationProgress, params)
	if err != nil {
		return err
	}
	if requestId, ok := RequestIdFromContext(ctx); ok {
		err = sess.NotifyFor(ctx, requestId, notification)
	} else {
		err = sess.Notify(ctx, notification)
	}
	if err != nil {
		return err
	}
	metrics.RecordNotification(schema.NotificationProgress)
	return nil
}

// NotifyResourceUpdated fans notifications/resources/updated out to every
// active subscriber of uri. Deliveries run concurrently and all settle; the
// returned error aggregates individual failures.
func (e *Engine) NotifyResourceUpdated(ctx context.Context, uri string) error {
	subscribers := e.subscriptions.Subscribers(uri)
	if len(subscribers) == 0 {
		return nil
	}
	notification, err := jsonrpc.NewNotification(schema.NotificationResourceUpdated, &schema.ResourceUpdatedParams{URI: uri})
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	failures := make([]error, len(subscribers))
	for i, sessionId := range subscribers {
		sess, ok := e.active.Get(sessionId)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, sess *session.Session) {
			defer wg.Done()
			if err := sess.Notify(ctx, notification); err != nil {
				e.logger.Warn().Err(err).Str("session", sess.Id()).Str("uri", uri).Msg("failed to deliver resource update")
				failures[i] = fmt.Errorf("session %v: %w", sess.Id(), err)
			} else {
				metrics.RecordNotification(schema.NotificationResourceUpdated)
			}
		}(i, sess)
	}
	wg.Wait()
	return errors.Join(failures...)
}

func (e *Engine) broadcast(ctx context.Context, method string, eligible func(data *session.Data) bool) {
	notification, err := jsonrpc.NewNotification(method, nil)
	if err != nil {
		e.logger.Error().Err(err).Str("method", method).Msg("failed to build notification")
		return
	}
	e.active.Range(func(id string, sess *session.Session) bool {
		if eligible != nil && !eligible(sess.Data()) {
			return true
		}
		if err := sess.Notify(ctx, notification); err != nil {
			e.logger.Warn().Err(err).Str("session", id).Str("method", method).Msg("failed to deliver notification")
			return true
		}
		metrics.RecordNotification(method)
		return true
	})
}

// NotifyToolsListChanged notifies sessions whose handshake advertised tool
// list change support.
func (e *Engine) NotifyToolsListChanged(ctx context.Context) {
	e.broadcast(ctx, schema.NotificationToolsListChanged, func(data *session.Data) bool {
		return data.ServerCapabilities.Tools != nil && data.ServerCapabilities.Tools.ListChanged
	})
}

// NotifyPromptsListChanged notifies sessions whose handshake advertised prompt
// list change support.
func (e *Engine) NotifyPromptsListChanged(ctx context.Context) {
	e.broadcast(ctx, schema.NotificationPromptsListChanged, func(data *session.Data) bool {
		return data.ServerCapabilities.Prompts != nil && data.ServerCapabilities.Prompts.ListChanged
	})
}

// NotifyResourcesListChanged notifies sessions whose handshake advertised
// resource list change support.
func (e *Engine) NotifyResourcesListChanged(ctx context.Context) {
	e.broadcast(ctx, schema.NotificationResourcesListChanged, func(data *session.Data) bool {
		return data.ServerCapabilities.Resources != nil && data.ServerCapabilities.Resources.ListChanged
	})
}

// LogMessage emits notifications/message on a session, honoring the minimum
// level the client requested through logging/setLevel. Messages below the
// minimum are dropped silently.
func (e *Engine) LogMessage(ctx context.Context, sessionId string, params *schema.LoggingMessageParams) error {
	sess, ok := e.active.Get(sessionId)
	if !ok {
		return fmt.Errorf("session %v is not active", sessionId)
	}
	if min := sess.LoggingLevel(); min != "" && params.Level.Severity() < min.Severity() {
		return nil
	}
	notification, err := jsonrpc.NewNotification(schema.NotificationMessage, params)
	if err != nil {
		return err
	}
	if err := sess.Notify(ctx, notification); err != nil {
		return err
	}
	metrics.RecordNotification(schema.NotificationMessage)
	return nil
}

// eachActive applies mutate to every active session's record, keeping the
// projections and the store in step with the engine registries.
func (e *Engine) eachActive(ctx context.Context, mutate func(data *session.Data)) error {
	var failures []error
	e.active.Range(func(id string, sess *session.Session) bool {
		if err := sess.UpdateData(ctx, mutate); err != nil {
			failures = append(failures, fmt.Errorf("session %v: %w", id, err))
		}
		return true
	})
	return errors.Join(failures...)
}

// AddTool registers or replaces a tool, propagates it to active sessions and
// announces the list change.
func (e *Engine) AddTool(ctx context.Context, tool schema.Tool, fn ToolFunc) error {
	e.mux.Lock()
	replaceTool(&e.tools, tool)
	e.toolFns[tool.Name] = fn
	e.mux.Unlock()
	err := e.eachActive(ctx, func(data *session.Data) {
		replaceTool(&data.Tools, tool)
	})
	e.NotifyToolsListChanged(ctx)
	return err
}

// RemoveTool unregisters a tool and announces the list change.
func (e *Engine) RemoveTool(ctx context.Context, name string) error {
	e.mux.Lock()
	removeTool(&e.tools, name)
	delete(e.toolFns, name)
	e.mux.Unlock()
	err := e.eachActive(ctx, func(data *session.Data) {
		removeTool(&data.Tools, name)
	})
	e.NotifyToolsListChanged(ctx)
	return err
}

// AddPrompt registers or replaces a prompt, propagates it to active sessions
// and announces the list change.
func (e *Engine) AddPrompt(ctx context.Context, prompt schema.Prompt, fn PromptFunc) error {
	e.mux.Lock()
	replacePrompt(&e.prompts, prompt)
	e.promptFns[prompt.Name] = fn
	e.mux.Unlock()
	err := e.eachActive(ctx, func(data *session.Data) {
		replacePrompt(&data.Prompts, prompt)
	})
	e.NotifyPromptsListChanged(ctx)
	return err
}

// RemovePrompt unregisters a prompt and announces the list change.
func (e *Engine) RemovePrompt(ctx context.Context, name string) error {
	e.mux.Lock()
	removePrompt(&e.prompts, name)
	delete(e.promptFns, name)
	e.mux.Unlock()
	err := e.eachActive(ctx, func(data *session.Data) {
		removePrompt(&data.Prompts, name)
	})
	e.NotifyPromptsListChanged(ctx)
	return err
}

// AddResource registers or replaces a resource, propagates it to active
// sessions and announces the list change.
func (e *Engine) AddResource(ctx context.Context, resource schema.Resource, fn ResourceFunc) error {
	e.mux.Lock()
	replaceResource(&e.resources, resource)
	e.resourceFns[resource.URI] = fn
	e.mux.Unlock()
	err := e.eachActive(ctx, func(data *session.Data) {
		replaceResource(&data.Resources, resource)
	})
	e.NotifyResourcesListChanged(ctx)
	return err
}

// RemoveResource unregisters a resource and announces the list change.
func (e *Engine) RemoveResource(ctx context.Context, uri string) error {
	e.mux.Lock()
	removeResource(&e.resources, uri)
	delete(e.resourceFns, uri)
	e.mux.Unlock()
	err := e.eachActive(ctx, func(data *session.Data) {
		removeResource(&data.Resources, uri)
	})
	e.NotifyResourcesListChanged(ctx)
	return err
}

// AddResourceTemplate registers or replaces a resource template and announces
// the resource list change.
func (e *Engine) AddResourceTemplate(ctx context.Context, template schema.ResourceTemplate) error {
	e.mux.Lock()
	replaceTemplate(&e.templates, template)
	e.mux.Unlock()
	err := e.eachActive(ctx, func(data *session.Data) {
		replaceTemplate(&data.ResourceTemplates, template)
	})
	e.NotifyResourcesListChanged(ctx)
	return err
}

// RemoveResourceTemplate unregisters a resource template and announces the
// resource list change.
func (e *Engine) RemoveResourceTemplate(ctx context.Context, name string) error {
	e.mux.Lock()
	removeTemplate(&e.templates, name)
	e.mux.Unlock()
	err := e.eachActive(ctx, func(data *session.Data) {
		removeTemplate(&data.ResourceTemplates, name)
	})
	e.NotifyResourcesListChanged(ctx)
	return err
}

// SetCompletion installs the completion/complete implementation.
func (e *Engine) SetCompletion(fn CompleteFunc) {
	e.mux.Lock()
	e.completion = fn
	e.mux.Unlock()
}

func (e *Engine) toolFunc(name string) ToolFunc {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.toolFns[name]
}

func (e *Engine) promptFunc(name string) PromptFunc {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.promptFns[name]
}

func (e *Engine) resourceFunc(uri string) ResourceFunc {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.resourceFns[uri]
}

func (e *Engine) completeFunc() CompleteFunc {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.completion
}

// subscribe records uri on both the session's subscription set and the global
// index. Adding an existing subscription is a no-op on both sides.
func (e *Engine) subscribe(ctx context.Context, sess *session.Session, uri string) error {
	if err := sess.Subscribe(ctx, uri); err != nil {
		return err
	}
	e.subscriptions.Add(uri, sess.Id())
	return nil
}

// unsubscribe removes uri from both sides. Removing an absent subscription is
// a no-op on both sides.
func (e *Engine) unsubscribe(ctx context.Context, sess *session.Session, uri string) error {
	if err := sess.Unsubscribe(ctx, uri); err != nil {
		return err
	}
	e.subscriptions.Remove(uri, sess.Id())
	return nil
}

// activeSession resolves conn against the active map only, without touching
// the store. Used on paths that must not rehydrate, e.g. cancellation.
func (e *Engine) activeSession(conn *Conn) (*session.Session, *jsonrpc.Error) {
	if conn.SessionId == "" {
		return nil, jsonrpc.NewInvalidRequest("session id is required", nil)
	}
	sess, ok := e.active.Get(conn.SessionId)
	if !ok {
		return nil, jsonrpc.NewResourceNotFound(fmt.Sprintf("session %q not found", conn.SessionId), nil)
	}
	if err := checkOwnership(sess.UserId(), conn.UserId); err != nil {
		return nil, err
	}
	return sess, nil
}

// Stats is a point in time snapshot of engine state.
type Stats struct {
	ActiveSessions  int `json:"activeSessions"`
	SubscribedURIs  int `json:"subscribedURIs"`
	PendingRequests int `json:"pendingRequests"`
	OpenChannels    int `json:"openChannels"`
}

// Stats reports active session, subscription, pending request and channel counts.
func (e *Engine) Stats() Stats {
	stats := Stats{SubscribedURIs: e.subscriptions.Size()}
	e.active.Range(func(id string, sess *session.Session) bool {
		stats.ActiveSessions++
		stats.PendingRequests += sess.PendingCount()
		stats.OpenChannels += sess.ChannelCount()
		return true
	})
	return stats
}

func replaceTool(items *[]schema.Tool, tool schema.Tool) {
	for i := range *items {
		if (*items)[i].Name == tool.Name {
			(*items)[i] = tool
			return
		}
	}
	*items = append(*items, tool)
}

func removeTool(items *[]schema.Tool, name string) {
	for i := range *items {
		if (*items)[i].Name == name {
			*items = append((*items)[:i], (*items)[i+1:]...)
			return
		}
	}
}

func replacePrompt(items *[]schema.Prompt, prompt schema.Prompt) {
	for i := range *items {
		if (*items)[i].Name == prompt.Name {
			(*items)[i] = prompt
			return
		}
	}
	*items = append(*items, prompt)
}

func removePrompt(items *[]schema.Prompt, name string) {
	for i := range *items {
		if (*items)[i].Name == name {
			*items = append((*items)[:i], (*items)[i+1:]...)
			return
		}
	}
}

func replaceResource(items *[]schema.Resource, resource schema.Resource) {
	for i := range *items {
		if (*items)[i].URI == resource.URI {
			(*items)[i] = resource
			return
		}
	}
	*items = append(*items, resource)
}

func removeResource(items *[]schema.Resource, uri string) {
	for i := range *items {
		if (*items)[i].URI == uri {
			*items = append((*items)[:i], (*items)[i+1:]...)
			return
		}
	}
}

func replaceTemplate(items *[]schema.ResourceTemplate, template schema.ResourceTemplate) {
	for i := range *items {
		if (*items)[i].Name == template.Name {
			(*items)[i] = template
			return
		}
	}
	*items = append(*items, template)
}

func removeTemplate(items *[]schema.ResourceTemplate, name string) {
	for i := range *items {
		if (*items)[i].Name == name {
			*items = append((*items)[:i], (*items)[i+1:]...)
			return
		}
	}
}
