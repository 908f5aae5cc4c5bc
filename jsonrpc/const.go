package jsonrpc

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// MCP extension error codes. The integers are stable and part of the wire contract.
const (
	// AuthorizationFailed indicates a session ownership or bearer authorization violation.
	AuthorizationFailed = -32001
	// ResourceNotFound indicates an unknown session or resource.
	ResourceNotFound = -32002
)

type sessionKey string

// SessionKey is the key used to store the session in the context.
const SessionKey = sessionKey("jsonrpc-session")
