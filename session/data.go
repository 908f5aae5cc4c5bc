package session

import (
	"time"

	"github.com/viant/mcp/schema"
)

// Data is the durable session record persisted by a Store. UserId is empty for
// anonymous sessions. Subscriptions holds the session's own resource URIs so a
// resume can restore the global index.
type Data struct {
	Id                 string                     `json:"id"`
	UserId             string                     `json:"userId,omitempty"`
	ProtocolVersion    string                     `json:"protocolVersion"`
	ClientInfo         *schema.Implementation     `json:"clientInfo,omitempty"`
	ClientCapabilities *schema.ClientCapabilities `json:"clientCapabilities,omitempty"`
	ServerInfo         schema.Implementation      `json:"serverInfo"`
	ServerCapabilities schema.ServerCapabilities  `json:"serverCapabilities"`
	Tools              []schema.Tool              `json:"tools,omitempty"`
	Prompts            []schema.Prompt            `json:"prompts,omitempty"`
	Resources          []schema.Resource          `json:"resources,omitempty"`
	ResourceTemplates  []schema.ResourceTemplate  `json:"resourceTemplates,omitempty"`
	Subscriptions      []string                   `json:"subscriptions,omitempty"`
	LoggingLevel       schema.LoggingLevel        `json:"loggingLevel,omitempty"`
	CreatedAt          time.Time                  `json:"createdAt"`
	Events             []*Event                   `json:"events,omitempty"`
}

// Clone deep-copies the record so store internals never alias caller state.
func (d *Data) Clone() *Data {
	clone := *d
	if d.ClientInfo != nil {
		clientInfo := *d.ClientInfo
		clone.ClientInfo = &clientInfo
	}
	if d.ClientCapabilities != nil {
		capabilities := *d.ClientCapabilities
		clone.ClientCapabilities = &capabilities
	}
	clone.Tools = append([]schema.Tool(nil), d.Tools...)
	clone.Prompts = append([]schema.Prompt(nil), d.Prompts...)
	clone.Resources = append([]schema.Resource(nil), d.Resources...)
	clone.ResourceTemplates = append([]schema.ResourceTemplate(nil), d.ResourceTemplates...)
	clone.Subscriptions = append([]string(nil), d.Subscriptions...)
	if d.Events != nil {
		clone.Events = make([]*Event, len(d.Events))
		for i, event := range d.Events {
			clone.Events[i] = cloneEvent(event)
		}
	}
	return &clone
}

// LastEventSeq returns the highest event sequence present in the record.
func (d *Data) LastEventSeq() uint64 {
	var max uint64
	for _, event := range d.Events {
		if seq := event.Seq(); seq > max {
			max = seq
		}
	}
	return max
}

// HasSubscription reports whether uri is in the session's subscription set.
func (d *Data) HasSubscription(uri string) bool {
	for _, candidate := range d.Subscriptions {
		if candidate == uri {
			return true
		}
	}
	return false
}

// AddSubscription adds uri to the subscription set if absent.
func (d *Data) AddSubscription(uri string) {
	if d.HasSubscription(uri) {
		return
	}
	d.Subscriptions = append(d.Subscriptions, uri)
}

// RemoveSubscription removes uri from the subscription set.
func (d *Data) RemoveSubscription(uri string) {
	for i, candidate := range d.Subscriptions {
		if candidate == uri {
			d.Subscriptions = append(d.Subscriptions[:i], d.Subscriptions[i+1:]...)
			return
		}
	}
}
