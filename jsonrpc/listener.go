package jsonrpc

// Listener observes messages flowing through a transport. It is invoked for
// every inbound and outbound message and must not mutate the message.
type Listener func(message *Message)
