package session

import (
	"sync"
	"time"
)

// Writer delivers a single event to a connected client. Implementations frame
// the event envelope for their transport, e.g. as an SSE block carrying the
// event id for later resumption.
type Writer interface {
	WriteEvent(event *Event) error
}

// WriterFunc adapts a function to the Writer interface.
type WriterFunc func(event *Event) error

// WriteEvent implements Writer.
func (f WriterFunc) WriteEvent(event *Event) error {
	return f(event)
}

// Channel is a transport attachment delivering a slice of the session log to a
// client. A scoped channel forwards only events tagged with one request id and
// closes once that request's terminal response is delivered; a standing
// channel forwards untagged server traffic until detached.
type Channel struct {
	id            string
	writer        Writer
	filter        string
	scoped        bool
	deadline      time.Time
	lastDelivered uint64
	notify        chan struct{}
	done          chan struct{}
	closeOnce     sync.Once

	mux sync.Mutex
	err error
}

func newChannel(id string, writer Writer, filter string, scoped bool) *Channel {
	return &Channel{
		id:     id,
		writer: writer,
		filter: filter,
		scoped: scoped,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Id returns the channel id.
func (c *Channel) Id() string {
	return c.id
}

// Done is closed once the channel has been detached.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the write error that detached the channel, if any.
func (c *Channel) Err() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.err
}

// Close detaches the channel.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Channel) fail(err error) {
	c.mux.Lock()
	c.err = err
	c.mux.Unlock()
	c.Close()
}

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Deliver frames event on the underlying writer, bypassing the forwarder and
// the event log. Used for replies that are never recorded, such as ping.
func (c *Channel) Deliver(event *Event) error {
	return c.writer.WriteEvent(event)
}

// matches reports whether the event belongs on this channel.
func (c *Channel) matches(event *Event) bool {
	return event.Deliverable() && event.ResponseToRequestId == c.filter
}
