// Package session implements durable, resumable conversation state. A session
// is an append-only event log plus an in-memory projection that tracks the
// negotiated protocol, server collections, subscriptions and in-flight
// requests. Channels attach to a session to deliver events to a connected
// client and may detach and resume without losing messages.
package session

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/viant/mcp/jsonrpc"
)

// EventKind discriminates the event variants kept in a session log.
type EventKind string

const (
	// EventClientMessage is an inbound request or notification.
	EventClientMessage EventKind = "client-message"
	// EventServerMessage is an outbound request, notification or response.
	EventServerMessage EventKind = "server-message"
	// EventChannelStarted marks a transport attachment.
	EventChannelStarted EventKind = "channel-started"
	// EventChannelEnded marks a transport detachment.
	EventChannelEnded EventKind = "channel-ended"
)

// Event is a single entry of the session log. Ids are store assigned decimal
// sequence numbers, unique and sortable within a session.
type Event struct {
	Id                  string          `json:"id"`
	Kind                EventKind       `json:"kind"`
	OccurredAt          time.Time       `json:"occurredAt"`
	RecordedAt          *time.Time      `json:"recordedAt,omitempty"`
	ChannelId           string          `json:"channelId,omitempty"`
	Envelope            json.RawMessage `json:"envelope,omitempty"`
	ResponseToRequestId string          `json:"responseToRequestId,omitempty"`
}

// Seq returns the numeric value of the event id, zero when unset or foreign.
func (e *Event) Seq() uint64 {
	if e.Id == "" {
		return 0
	}
	seq, err := strconv.ParseUint(e.Id, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// IsTerminalResponse reports whether the envelope is a response, i.e. the
// terminal message for the request the event is tagged with.
func (e *Event) IsTerminalResponse() bool {
	if e.Kind != EventServerMessage || len(e.Envelope) == 0 {
		return false
	}
	switch jsonrpc.MessageTypeOf(e.Envelope) {
	case jsonrpc.MessageTypeResponse, jsonrpc.MessageTypeError:
		return true
	}
	return false
}

// Deliverable reports whether the event carries an envelope addressed to the client.
func (e *Event) Deliverable() bool {
	return e.Kind == EventServerMessage && len(e.Envelope) > 0
}

// NewClientMessage builds an inbound message event.
func NewClientMessage(channelId string, envelope []byte, responseToRequestId string) *Event {
	return &Event{
		Kind:                EventClientMessage,
		OccurredAt:          time.Now(),
		ChannelId:           channelId,
		Envelope:            append([]byte(nil), envelope...),
		ResponseToRequestId: responseToRequestId,
	}
}

// NewServerMessage builds an outbound message event.
func NewServerMessage(channelId string, envelope []byte, responseToRequestId string) *Event {
	return &Event{
		Kind:                EventServerMessage,
		OccurredAt:          time.Now(),
		ChannelId:           channelId,
		Envelope:            append([]byte(nil), envelope...),
		ResponseToRequestId: responseToRequestId,
	}
}

// NewChannelStarted builds a channel attachment marker.
func NewChannelStarted(channelId string) *Event {
	return &Event{Kind: EventChannelStarted, OccurredAt: time.Now(), ChannelId: channelId}
}

// NewChannelEnded builds a channel detachment marker.
func NewChannelEnded(channelId string) *Event {
	return &Event{Kind: EventChannelEnded, OccurredAt: time.Now(), ChannelId: channelId}
}

func cloneEvent(event *Event) *Event {
	clone := *event
	if event.Envelope != nil {
		clone.Envelope = append([]byte(nil), event.Envelope...)
	}
	if event.RecordedAt != nil {
		recordedAt := *event.RecordedAt
		clone.RecordedAt = &recordedAt
	}
	return &clone
}
