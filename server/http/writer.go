package http

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/viant/mcp/session"
	"github.com/viant/mcp/sse"
)

// FlushWriter serializes writes to the response and flushes each one so frames
// reach the client immediately. The channel forwarder and the heartbeat write
// concurrently, hence the lock.
type FlushWriter struct {
	mux     sync.Mutex
	writer  http.ResponseWriter
	flusher http.Flusher
}

// NewFlushWriter wraps rw, detecting flush support.
func NewFlushWriter(rw http.ResponseWriter) *FlushWriter {
	flusher, _ := rw.(http.Flusher)
	return &FlushWriter{writer: rw, flusher: flusher}
}

// Write implements io.Writer.
func (w *FlushWriter) Write(p []byte) (int, error) {
	w.mux.Lock()
	defer w.mux.Unlock()
	if w.flusher == nil {
		return 0, fmt.Errorf("streaming not supported: %T does not flush", w.writer)
	}
	n, err := w.writer.Write(p)
	if err == nil {
		w.flusher.Flush()
	}
	return n, err
}

// eventWriter frames session events as SSE blocks carrying the event id, which
// clients send back as Last-Event-ID to resume.
type eventWriter struct {
	writer io.Writer
}

func newEventWriter(writer io.Writer) *eventWriter {
	return &eventWriter{writer: writer}
}

// WriteEvent implements session.Writer.
func (w *eventWriter) WriteEvent(event *session.Event) error {
	return sse.WriteEvent(w.writer, event.Id, sse.DefaultEvent, string(event.Envelope))
}
