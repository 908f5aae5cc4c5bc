package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// MessageType is an enumeration of the types of messages in the JSON-RPC protocol.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeResponse     MessageType = "response"
	MessageTypeError        MessageType = "error"
)

// Message is a wrapper around the different types of JSON-RPC messages (Request, Notification, Response).
// A response carrying an error member is tagged MessageTypeError.
type Message struct {
	Type                MessageType
	JsonRpcRequest      *Request
	JsonRpcNotification *Notification
	JsonRpcResponse     *Response
}

// Method returns the method of request or notification messages.
func (m *Message) Method() string {
	switch m.Type {
	case MessageTypeRequest:
		return m.JsonRpcRequest.Method
	case MessageTypeNotification:
		return m.JsonRpcNotification.Method
	default:
		return ""
	}
}

// MarshalJSON is a custom JSON marshaler for the Message type.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeRequest:
		return json.Marshal(m.JsonRpcRequest)
	case MessageTypeNotification:
		return json.Marshal(m.JsonRpcNotification)
	case MessageTypeResponse, MessageTypeError:
		return json.Marshal(m.JsonRpcResponse)
	default:
		return nil, errors.New("unknown message type, couldn't marshal")
	}
}

// NewNotificationMessage creates a new JSON-RPC message of type Notification.
func NewNotificationMessage(notification *Notification) *Message {
	return &Message{
		Type:                MessageTypeNotification,
		JsonRpcNotification: notification,
	}
}

// NewRequestMessage creates a new JSON-RPC message of type Request.
func NewRequestMessage(request *Request) *Message {
	return &Message{
		Type:           MessageTypeRequest,
		JsonRpcRequest: request,
	}
}

// NewResponseMessage creates a new JSON-RPC message of type Response or Error.
func NewResponseMessage(response *Response) *Message {
	messageType := MessageTypeResponse
	if response.Error != nil {
		messageType = MessageTypeError
	}
	return &Message{
		Type:            messageType,
		JsonRpcResponse: response,
	}
}

type probe struct {
	Id     RequestId `json:"id"`
	Error  *Error    `json:"error"`
	Method string    `json:"method"`
}

// MessageTypeOf classifies raw frame data without fully decoding it.
func MessageTypeOf(data []byte) MessageType {
	aProbe := &probe{}
	_ = gojson.Unmarshal(data, aProbe)
	if aProbe.Id == nil {
		return MessageTypeNotification
	}
	if aProbe.Method != "" {
		return MessageTypeRequest
	}
	if aProbe.Error != nil {
		return MessageTypeError
	}
	return MessageTypeResponse
}

// NewRequest creates a request for the supplied method and parameters.
func NewRequest(method string, parameters interface{}) (*Request, error) {
	req := &Request{Jsonrpc: Version, Method: method}
	var err error
	req.Params, err = asParameters(method, parameters)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// NewNotification creates a notification for the supplied method and parameters.
func NewNotification(method string, parameters interface{}) (*Notification, error) {
	notification := &Notification{Jsonrpc: Version, Method: method}
	var err error
	notification.Params, err = asParameters(method, parameters)
	if err != nil {
		return nil, err
	}
	return notification, nil
}

func asParameters(method string, parameters interface{}) (json.RawMessage, error) {
	switch actual := parameters.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(actual), nil
	case []byte:
		return actual, nil
	case json.RawMessage:
		return actual, nil
	default:
		data, err := json.Marshal(actual)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jsonrpc request parameter: [method:%v, parameters: %+v] %w", method, parameters, err)
		}
		return data, nil
	}
}
