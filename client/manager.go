package client

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/transport"
)

// RequestManager correlates outbound request ids with their pending round
// trips. Register assigns a monotonic numeric id and injects a matching
// _meta.progressToken so progress notifications emitted by the server can be
// tied back to the originating call.
type RequestManager struct {
	mux     sync.Mutex
	counter uint64
	pending map[string]*transport.RoundTrip
	err     error
	logger  zerolog.Logger
}

// NewRequestManager creates an empty manager.
func NewRequestManager(logger zerolog.Logger) *RequestManager {
	return &RequestManager{
		pending: make(map[string]*transport.RoundTrip),
		logger:  logger,
	}
}

// Register assigns the next id to request, injects the progress token and
// returns the trip future that settles on the matching response.
func (m *RequestManager) Register(request *jsonrpc.Request) (*transport.RoundTrip, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.counter++
	request.Id = m.counter
	request.Params = injectProgressToken(request.Params, m.counter)
	trip := transport.NewRoundTrip(request)
	m.pending[jsonrpc.IdKey(request.Id)] = trip
	return trip, nil
}

// Track registers request under the id it already carries, without assigning
// a new one or touching its params. The initialize handshake uses this with
// its reserved id.
func (m *RequestManager) Track(request *jsonrpc.Request) (*transport.RoundTrip, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	key := jsonrpc.IdKey(request.Id)
	if _, ok := m.pending[key]; ok {
		m.logger.Warn().Str("request", key).Msg("duplicate request id")
		return nil, &duplicateIdError{id: key}
	}
	trip := transport.NewRoundTrip(request)
	m.pending[key] = trip
	return trip, nil
}

// Settle resolves the pending trip matching the response id. Responses with
// no pending counterpart are logged and dropped.
func (m *RequestManager) Settle(response *jsonrpc.Response) bool {
	key := jsonrpc.IdKey(response.Id)
	m.mux.Lock()
	trip, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mux.Unlock()
	if !ok {
		m.logger.Warn().Str("request", key).Msg("uncorrelated response")
		return false
	}
	trip.SetResponse(response)
	return true
}

// Discard drops the pending entry for id without settling it. Callers use it
// when the send itself failed and no response can ever arrive.
func (m *RequestManager) Discard(id jsonrpc.RequestId) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.pending, jsonrpc.IdKey(id))
}

// FailAll fails every pending trip with err and rejects registrations until
// Reset is called.
func (m *RequestManager) FailAll(err error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.err = err
	for key, trip := range m.pending {
		trip.Fail(err)
		delete(m.pending, key)
	}
}

// Reset clears the terminal error so the manager accepts registrations again.
func (m *RequestManager) Reset() {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.err = nil
}

// Pending returns the number of requests still awaiting a response.
func (m *RequestManager) Pending() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.pending)
}

type duplicateIdError struct {
	id string
}

func (e *duplicateIdError) Error() string {
	return "duplicate request id: " + e.id
}

// injectProgressToken sets params._meta.progressToken to id. A token already
// supplied by the caller wins; params that fail to decode pass through
// untouched so the server reports the malformed payload instead.
func injectProgressToken(params json.RawMessage, id uint64) json.RawMessage {
	values := map[string]interface{}{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &values); err != nil {
			return params
		}
	}
	meta, _ := values["_meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if _, ok := meta["progressToken"]; ok {
		return params
	}
	meta["progressToken"] = id
	values["_meta"] = meta
	data, err := json.Marshal(values)
	if err != nil {
		return params
	}
	return data
}
