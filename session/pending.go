package session

import (
	"context"
	"sync"
	"time"

	"github.com/viant/mcp/jsonrpc"
)

// PendingRequest describes an in-flight inbound request and owns its
// cancellation token.
type PendingRequest struct {
	Id        string
	Method    string
	StartedAt time.Time
	cancel    context.CancelFunc
}

// BeginRequest registers requestId and returns a derived context cancelled by
// CancelRequest plus a completion func removing the registration. Request ids
// are single use for the session lifetime so the event log holds at most one
// terminal response per id; a reused id returns false and registers nothing.
// The completion func is idempotent.
func (s *Session) BeginRequest(ctx context.Context, requestId jsonrpc.RequestId, method string) (context.Context, func(), bool) {
	key := jsonrpc.IdKey(requestId)
	s.mux.Lock()
	if _, used := s.seen[key]; used {
		s.mux.Unlock()
		s.logger.Warn().Str("session", s.id).Str("request", key).Msg("request id already used, rejecting")
		return nil, nil, false
	}
	requestCtx, cancel := context.WithCancel(ctx)
	entry := &PendingRequest{Id: key, Method: method, StartedAt: time.Now(), cancel: cancel}
	s.seen[key] = struct{}{}
	s.pending[key] = entry
	s.mux.Unlock()
	var once sync.Once
	complete := func() {
		once.Do(func() {
			s.mux.Lock()
			if s.pending[key] == entry {
				delete(s.pending, key)
			}
			s.mux.Unlock()
			cancel()
		})
	}
	return requestCtx, complete, true
}

// CancelRequest triggers the cancellation token of the given in-flight request.
func (s *Session) CancelRequest(requestId jsonrpc.RequestId) bool {
	key := jsonrpc.IdKey(requestId)
	s.mux.Lock()
	pending, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mux.Unlock()
	if !ok {
		return false
	}
	pending.cancel()
	return true
}

// CancelAllRequests cancels every in-flight request, e.g. on termination.
func (s *Session) CancelAllRequests() {
	s.mux.Lock()
	cancelled := make([]*PendingRequest, 0, len(s.pending))
	for key, pending := range s.pending {
		cancelled = append(cancelled, pending)
		delete(s.pending, key)
	}
	s.mux.Unlock()
	for _, pending := range cancelled {
		pending.cancel()
	}
}

// Pending returns a snapshot of in-flight requests.
func (s *Session) Pending() []PendingRequest {
	s.mux.Lock()
	defer s.mux.Unlock()
	result := make([]PendingRequest, 0, len(s.pending))
	for _, pending := range s.pending {
		result = append(result, PendingRequest{Id: pending.Id, Method: pending.Method, StartedAt: pending.StartedAt})
	}
	return result
}

// PendingCount returns the number of in-flight requests.
func (s *Session) PendingCount() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.pending)
}
