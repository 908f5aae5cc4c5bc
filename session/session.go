package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/schema"
	"github.com/viant/mcp/transport"
)

const (
	// DefaultResumeTimeout bounds how long a resumed channel waits for the
	// terminal response of its in-flight request.
	DefaultResumeTimeout = 30 * time.Second
	// DefaultPullInterval is the store poll cadence when push is unavailable.
	DefaultPullInterval = time.Second
	// DefaultRequestTimeout bounds a server to client round trip.
	DefaultRequestTimeout = 30 * time.Second

	defaultTripCapacity = 20
)

// Session is the in-memory projection of a durable session record. All event
// appends flow through the store, which assigns ids; the projection merges
// them back in order through a single sync loop, so attached channels observe
// a totally ordered log.
type Session struct {
	id             string
	store          Store
	logger         zerolog.Logger
	resumeTimeout  time.Duration
	pullInterval   time.Duration
	requestTimeout time.Duration
	tripCapacity   int

	requestSeq uint64

	mux        sync.Mutex
	data       *Data
	lastMerged uint64
	channels   map[string]*Channel
	pending    map[string]*PendingRequest
	seen       map[string]struct{}
	trips      *transport.RoundTrips
	syncCancel context.CancelFunc
	syncDone   chan struct{}
	syncNudge  chan struct{}
}

// Option represents option
type Option func(s *Session)

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithResumeTimeout overrides DefaultResumeTimeout.
func WithResumeTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.resumeTimeout = timeout
		}
	}
}

// WithPullInterval overrides DefaultPullInterval.
func WithPullInterval(interval time.Duration) Option {
	return func(s *Session) {
		if interval > 0 {
			s.pullInterval = interval
		}
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.requestTimeout = timeout
		}
	}
}

// WithTripCapacity sets the pending server to client request capacity.
func WithTripCapacity(capacity int) Option {
	return func(s *Session) {
		if capacity > 0 {
			s.tripCapacity = capacity
		}
	}
}

// New hydrates a session projection from data.
func New(data *Data, store Store, options ...Option) *Session {
	ret := &Session{
		id:             data.Id,
		store:          store,
		logger:         zerolog.Nop(),
		resumeTimeout:  DefaultResumeTimeout,
		pullInterval:   DefaultPullInterval,
		requestTimeout: DefaultRequestTimeout,
		tripCapacity:   defaultTripCapacity,
		data:           data.Clone(),
		channels:       map[string]*Channel{},
		pending:        map[string]*PendingRequest{},
		seen:           map[string]struct{}{},
		syncNudge:      make(chan struct{}, 1),
	}
	for _, option := range options {
		option(ret)
	}
	ret.trips = transport.NewRoundTrips(ret.tripCapacity)
	ret.lastMerged = ret.data.LastEventSeq()
	// Replayed inbound requests keep their ids burned so a resumed session
	// enforces the same single use rule as the original. Client replies to
	// server requests share the id space and must not count.
	for _, event := range ret.data.Events {
		if event.Kind != EventClientMessage || event.ResponseToRequestId == "" {
			continue
		}
		if jsonrpc.MessageTypeOf(event.Envelope) == jsonrpc.MessageTypeRequest {
			ret.seen[event.ResponseToRequestId] = struct{}{}
		}
	}
	return ret
}

// Id returns the session id.
func (s *Session) Id() string {
	return s.id
}

// UserId returns the owning user, empty for anonymous sessions.
func (s *Session) UserId() string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.data.UserId
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.data.ProtocolVersion
}

// LoggingLevel returns the minimum logging level requested by the client,
// empty when logging/setLevel was never called.
func (s *Session) LoggingLevel() schema.LoggingLevel {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.data.LoggingLevel
}

// Data returns a snapshot of the durable record.
func (s *Session) Data() *Data {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.data.Clone()
}

// Tools returns the session's tool collection in insertion order.
func (s *Session) Tools() []schema.Tool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]schema.Tool(nil), s.data.Tools...)
}

// Prompts returns the session's prompt collection in insertion order.
func (s *Session) Prompts() []schema.Prompt {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]schema.Prompt(nil), s.data.Prompts...)
}

// Resources returns the session's resource collection in insertion order.
func (s *Session) Resources() []schema.Resource {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]schema.Resource(nil), s.data.Resources...)
}

// ResourceTemplates returns the session's resource template collection.
func (s *Session) ResourceTemplates() []schema.ResourceTemplate {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]schema.ResourceTemplate(nil), s.data.ResourceTemplates...)
}

// Subscriptions returns the session's resource subscription set.
func (s *Session) Subscriptions() []string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]string(nil), s.data.Subscriptions...)
}

// Events returns a snapshot of the merged event log.
func (s *Session) Events() []*Event {
	s.mux.Lock()
	defer s.mux.Unlock()
	result := make([]*Event, len(s.data.Events))
	for i, event := range s.data.Events {
		result[i] = cloneEvent(event)
	}
	return result
}

// FirstActivity returns the earliest event timestamp.
func (s *Session) FirstActivity() (time.Time, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	var first time.Time
	for _, event := range s.data.Events {
		if first.IsZero() || event.OccurredAt.Before(first) {
			first = event.OccurredAt
		}
	}
	return first, !first.IsZero()
}

// LastActivity returns the latest event timestamp.
func (s *Session) LastActivity() (time.Time, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	var last time.Time
	for _, event := range s.data.Events {
		if event.OccurredAt.After(last) {
			last = event.OccurredAt
		}
	}
	return last, !last.IsZero()
}

// NextRequestID implements transport.Sequencer.
func (s *Session) NextRequestID() jsonrpc.RequestId {
	return int(atomic.AddUint64(&s.requestSeq, 1))
}

// LastRequestID returns the most recently generated request id without
// mutating the underlying sequence counter.
func (s *Session) LastRequestID() jsonrpc.RequestId {
	return int(atomic.LoadUint64(&s.requestSeq))
}

// Trips exposes the pending server to client round trips.
func (s *Session) Trips() *transport.RoundTrips {
	return s.trips
}

// UpdateData applies mutate to both the projection and the durable record.
// mutate must be deterministic as it runs once per copy.
func (s *Session) UpdateData(ctx context.Context, mutate func(data *Data)) error {
	s.mux.Lock()
	mutate(s.data)
	s.mux.Unlock()
	return s.store.Update(ctx, s.id, mutate)
}

// Subscribe adds uri to the session's resource subscription set.
func (s *Session) Subscribe(ctx context.Context, uri string) error {
	return s.UpdateData(ctx, func(data *Data) {
		data.AddSubscription(uri)
	})
}

// Unsubscribe removes uri from the session's resource subscription set.
func (s *Session) Unsubscribe(ctx context.Context, uri string) error {
	return s.UpdateData(ctx, func(data *Data) {
		data.RemoveSubscription(uri)
	})
}

// Activate starts the store sync loop. Idempotent.
func (s *Session) Activate() {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.syncCancel != nil {
		return
	}
	syncCtx, cancel := context.WithCancel(context.Background())
	s.syncCancel = cancel
	s.syncDone = make(chan struct{})
	go s.runSync(syncCtx, s.syncDone)
}

// Deactivate stops the sync loop and detaches every channel. Pending requests
// keep running so a resumed client can still collect late replies.
func (s *Session) Deactivate() {
	s.mux.Lock()
	cancel := s.syncCancel
	done := s.syncDone
	s.syncCancel = nil
	s.syncDone = nil
	channels := make([]*Channel, 0, len(s.channels))
	for _, channel := range s.channels {
		channels = append(channels, channel)
	}
	s.mux.Unlock()
	for _, channel := range channels {
		channel.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

// Terminate cancels all pending requests, fails outstanding round trips and
// detaches every channel.
func (s *Session) Terminate(cause error) {
	s.CancelAllRequests()
	s.trips.CloseWithError(cause)
	s.Deactivate()
}

func (s *Session) runSync(ctx context.Context, done chan struct{}) {
	defer close(done)
	events, cancelWatch, pushed := s.store.Watch(ctx, s.id)
	if pushed {
		defer cancelWatch()
	}
	ticker := time.NewTicker(s.pullInterval)
	defer ticker.Stop()
	// catch up on anything appended before the watch registration
	s.pull(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			s.merge([]*Event{event})
		case <-s.syncNudge:
			s.pull(ctx)
		case <-ticker.C:
			s.pull(ctx)
		}
	}
}

func (s *Session) pull(ctx context.Context) {
	s.mux.Lock()
	after := ""
	if s.lastMerged > 0 {
		after = formatSeq(s.lastMerged)
	}
	s.mux.Unlock()
	events, err := s.store.Events(ctx, s.id, after)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("session", s.id).Msg("failed to pull session events")
		}
		return
	}
	s.merge(events)
}

func (s *Session) merge(events []*Event) {
	if len(events) == 0 {
		return
	}
	s.mux.Lock()
	appended := false
	gap := false
	for _, event := range events {
		seq := event.Seq()
		if seq == 0 || seq <= s.lastMerged {
			continue
		}
		// store sequence numbers are contiguous; a jump means a pushed event
		// was dropped by a full watch buffer and must be refetched from the
		// log rather than skipped
		if seq != s.lastMerged+1 {
			gap = true
			break
		}
		s.data.Events = append(s.data.Events, cloneEvent(event))
		s.lastMerged = seq
		appended = true
	}
	channels := make([]*Channel, 0, len(s.channels))
	for _, channel := range s.channels {
		channels = append(channels, channel)
	}
	s.mux.Unlock()
	if gap {
		s.nudgeSync()
	}
	if !appended {
		return
	}
	for _, channel := range channels {
		channel.wake()
	}
}

func (s *Session) nudgeSync() {
	select {
	case s.syncNudge <- struct{}{}:
	default:
	}
}

// AttachStanding attaches a channel receiving untagged server traffic from now on.
func (s *Session) AttachStanding(ctx context.Context, channelId string, writer Writer) *Channel {
	if channelId == "" {
		channelId = GenerateId()
	}
	channel := newChannel(channelId, writer, "", false)
	s.attach(ctx, channel, s.currentSeq())
	return channel
}

// AttachRequest attaches a channel scoped to requestId. It delivers events
// tagged with that request and closes after its terminal response.
func (s *Session) AttachRequest(ctx context.Context, requestId jsonrpc.RequestId, writer Writer) *Channel {
	channel := newChannel(GenerateId(), writer, jsonrpc.IdKey(requestId), true)
	s.attach(ctx, channel, s.currentSeq())
	return channel
}

// AttachResume attaches a channel resuming from lastEventId. When the event is
// found, the suffix tagged with the same request id is replayed and the channel
// follows that request until its terminal response or the resume timeout. An
// unknown lastEventId degrades to a standing attachment.
func (s *Session) AttachResume(ctx context.Context, channelId, lastEventId string, writer Writer) *Channel {
	if channelId == "" {
		channelId = GenerateId()
	}
	located, from := s.locate(lastEventId)
	if located == nil {
		return s.AttachStanding(ctx, channelId, writer)
	}
	filter := located.ResponseToRequestId
	channel := newChannel(channelId, writer, filter, filter != "")
	if channel.scoped {
		channel.deadline = time.Now().Add(s.resumeTimeout)
	}
	s.attach(ctx, channel, from)
	return channel
}

func (s *Session) currentSeq() uint64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.lastMerged
}

func (s *Session) locate(eventId string) (*Event, uint64) {
	if eventId == "" {
		return nil, 0
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	for _, event := range s.data.Events {
		if event.Id == eventId {
			return cloneEvent(event), event.Seq()
		}
	}
	return nil, 0
}

func (s *Session) attach(ctx context.Context, channel *Channel, from uint64) {
	channel.lastDelivered = from
	s.mux.Lock()
	s.channels[channel.id] = channel
	s.mux.Unlock()
	go s.forward(ctx, channel)
}

// Detach closes the channel with the given id.
func (s *Session) Detach(channelId string) bool {
	s.mux.Lock()
	channel, ok := s.channels[channelId]
	s.mux.Unlock()
	if !ok {
		return false
	}
	channel.Close()
	return true
}

// ChannelCount returns the number of attached channels.
func (s *Session) ChannelCount() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.channels)
}

func (s *Session) forward(ctx context.Context, channel *Channel) {
	defer func() {
		channel.Close()
		s.mux.Lock()
		delete(s.channels, channel.id)
		s.mux.Unlock()
	}()
	var deadline <-chan time.Time
	if channel.scoped && !channel.deadline.IsZero() {
		timer := time.NewTimer(time.Until(channel.deadline))
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		for _, event := range s.deliverable(channel) {
			if err := channel.writer.WriteEvent(event); err != nil {
				s.logger.Debug().Err(err).Str("session", s.id).Str("channel", channel.id).Msg("channel write failed, detaching")
				channel.fail(err)
				return
			}
			channel.lastDelivered = event.Seq()
			if channel.scoped && event.IsTerminalResponse() {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-channel.done:
			return
		case <-deadline:
			return
		case <-channel.notify:
		}
	}
}

func (s *Session) deliverable(channel *Channel) []*Event {
	s.mux.Lock()
	defer s.mux.Unlock()
	events := s.data.Events
	start := sort.Search(len(events), func(i int) bool {
		return events[i].Seq() > channel.lastDelivered
	})
	var result []*Event
	for _, event := range events[start:] {
		if channel.matches(event) {
			result = append(result, cloneEvent(event))
		}
	}
	return result
}

func (s *Session) appendServerMessage(ctx context.Context, envelope []byte, responseToRequestId string) error {
	event := NewServerMessage("", envelope, responseToRequestId)
	if _, err := s.store.AppendEvent(ctx, s.id, event); err != nil {
		return fmt.Errorf("failed to append session event: %w", err)
	}
	s.nudgeSync()
	return nil
}

// RecordClientMessage appends an inbound envelope to the event log.
func (s *Session) RecordClientMessage(ctx context.Context, channelId string, envelope []byte, responseToRequestId string) error {
	event := NewClientMessage(channelId, envelope, responseToRequestId)
	if _, err := s.store.AppendEvent(ctx, s.id, event); err != nil {
		return fmt.Errorf("failed to append session event: %w", err)
	}
	s.nudgeSync()
	return nil
}

// RecordChannelStarted appends a channel attachment marker.
func (s *Session) RecordChannelStarted(ctx context.Context, channelId string) error {
	if _, err := s.store.AppendEvent(ctx, s.id, NewChannelStarted(channelId)); err != nil {
		return fmt.Errorf("failed to append session event: %w", err)
	}
	s.nudgeSync()
	return nil
}

// RecordChannelEnded appends a channel detachment marker.
func (s *Session) RecordChannelEnded(ctx context.Context, channelId string) error {
	if _, err := s.store.AppendEvent(ctx, s.id, NewChannelEnded(channelId)); err != nil {
		return fmt.Errorf("failed to append session event: %w", err)
	}
	s.nudgeSync()
	return nil
}

// SendResponse appends a response envelope tagged with the request it completes.
func (s *Session) SendResponse(ctx context.Context, response *jsonrpc.Response) error {
	if response.Jsonrpc == "" {
		response.Jsonrpc = jsonrpc.Version
	}
	if response.Error != nil {
		response.Result = nil
	}
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return s.appendServerMessage(ctx, data, jsonrpc.IdKey(response.Id))
}

// Notify implements transport.Notifier by appending an untagged notification
// delivered on the standing channel.
func (s *Session) Notify(ctx context.Context, notification *jsonrpc.Notification) error {
	if notification.Jsonrpc == "" {
		notification.Jsonrpc = jsonrpc.Version
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return s.appendServerMessage(ctx, data, "")
}

// NotifyFor appends a notification tagged with requestId so it is delivered on
// that request's channel, e.g. progress updates.
func (s *Session) NotifyFor(ctx context.Context, requestId jsonrpc.RequestId, notification *jsonrpc.Notification) error {
	if notification.Jsonrpc == "" {
		notification.Jsonrpc = jsonrpc.Version
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return s.appendServerMessage(ctx, data, jsonrpc.IdKey(requestId))
}

// SendRequest registers a server to client request and appends its envelope.
// The returned trip completes when the client replies.
func (s *Session) SendRequest(ctx context.Context, request *jsonrpc.Request) (*transport.RoundTrip, error) {
	if request.Jsonrpc == "" {
		request.Jsonrpc = jsonrpc.Version
	}
	if request.Id == nil {
		request.Id = s.NextRequestID()
	}
	trip, err := s.trips.Add(request)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(request)
	if err != nil {
		_, _ = s.trips.Match(request.Id)
		return nil, err
	}
	if err := s.appendServerMessage(ctx, data, ""); err != nil {
		_, _ = s.trips.Match(request.Id)
		return nil, err
	}
	return trip, nil
}

// Send implements transport.Transport: it issues a server to client request
// and waits for the correlated response.
func (s *Session) Send(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	trip, err := s.SendRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if err := trip.Wait(ctx, s.requestTimeout); err != nil {
		return nil, err
	}
	return trip.Response, nil
}
