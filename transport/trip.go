package transport

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/viant/mcp/jsonrpc"
)

// ErrTimeout is returned by Wait when the per call timeout elapses first.
var ErrTimeout = errors.New("timeout")

// RoundTrip represents an in-flight request awaiting its response.
type RoundTrip struct {
	Request   *jsonrpc.Request
	Response  *jsonrpc.Response
	err       error
	startedAt time.Time
	done      chan struct{}
	once      sync.Once
}

// NewRoundTrip creates a new round trip
func NewRoundTrip(request *jsonrpc.Request) *RoundTrip {
	return &RoundTrip{
		Request:   request,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Method returns the request method.
func (t *RoundTrip) Method() string {
	if t.Request == nil {
		return ""
	}
	return t.Request.Method
}

// StartedAt returns the time the request was registered.
func (t *RoundTrip) StartedAt() time.Time {
	return t.startedAt
}

// Wait waits for the trip to finish
func (t *RoundTrip) Wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrTimeout
	case <-t.done:
		return t.err
	}
}

// SetError completes the trip with a protocol error response.
func (t *RoundTrip) SetError(error *jsonrpc.Error) {
	t.once.Do(func() {
		t.Response = &jsonrpc.Response{Id: t.Request.Id, Jsonrpc: jsonrpc.Version, Error: error}
		close(t.done)
	})
}

// Fail completes the trip with a transport level error.
func (t *RoundTrip) Fail(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// SetResponse completes the trip with the matched response.
func (t *RoundTrip) SetResponse(response *jsonrpc.Response) {
	t.once.Do(func() {
		t.Response = response
		close(t.done)
	})
}

// RoundTrips correlates request ids with pending round trips. The backing ring
// has a fixed capacity; completed slots are reused.
type RoundTrips struct {
	mux      sync.Mutex
	ring     []*RoundTrip
	capacity int
	err      error
}

// NewRoundTrips creates a new round trips
func NewRoundTrips(capacity int) *RoundTrips {
	return &RoundTrips{
		ring:     make([]*RoundTrip, capacity),
		capacity: capacity,
	}
}

// CloseWithError fails every pending trip and rejects future use.
func (r *RoundTrips) CloseWithError(err error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.err = err
	for i, trip := range r.ring {
		if trip == nil {
			continue
		}
		trip.Fail(err)
		r.ring[i] = nil
	}
}

// Add registers a new trip for request.
func (r *RoundTrips) Add(request *jsonrpc.Request) (*RoundTrip, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for i := 0; i < r.capacity; i++ {
		if r.ring[i] == nil {
			trip := NewRoundTrip(request)
			r.ring[i] = trip
			return trip, nil
		}
	}
	return nil, fmt.Errorf("failed to add request, ring is full")
}

// Match removes and returns the trip matching id.
func (r *RoundTrips) Match(id any) (*RoundTrip, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for i := 0; i < r.capacity; i++ {
		if r.ring[i] != nil && equals(r.ring[i].Request.Id, id) {
			trip := r.ring[i]
			r.ring[i] = nil
			return trip, nil
		}
	}
	return nil, fmt.Errorf("trip not found")
}

// Size returns the number of pending trips.
func (r *RoundTrips) Size() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	count := 0
	for _, trip := range r.ring {
		if trip != nil {
			count++
		}
	}
	return count
}

func equals(id1 jsonrpc.RequestId, id2 any) bool {
	id1Type := reflect.TypeOf(id1)
	id2Type := reflect.TypeOf(id2)
	if id1Type == nil || id2Type == nil {
		return id1 == id2
	}
	if id1Type.Kind() == id2Type.Kind() {
		return id1 == id2
	}
	switch id1Type.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return asInt(id1) == asInt(id2)
	}
	return false
}

func asInt(v interface{}) int {
	switch val := v.(type) {
	case int:
		return val
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint:
		return int(val)
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case uint64:
		return int(val)
	case float32:
		return int(val)
	case float64:
		return int(val)
	}
	return -1
}
