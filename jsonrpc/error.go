package jsonrpc

import "fmt"

// Error returns the error message
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("code: %d, message: %s, data: %v", e.Code, e.Message, e.Data)
}

// NewError creates a new error with the given code, message and data.
// Data is carried as a string so that non-JSON payloads (e.g. the unparseable
// input of a parse error) survive marshaling.
func NewError(code int, message string, data []byte) *Error {
	ret := &Error{Code: code, Message: message}
	if len(data) > 0 {
		ret.Data = string(data)
	}
	return ret
}

// NewParsingError creates a new parsing error
func NewParsingError(message string, data []byte) *Error {
	return NewError(ParseError, message, data)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, data []byte) *Error {
	return NewError(InternalError, message, data)
}

// NewInvalidRequest creates a new invalid request error
func NewInvalidRequest(message string, data []byte) *Error {
	return NewError(InvalidRequest, message, data)
}

// NewInvalidParamsError creates a new invalid params error
func NewInvalidParamsError(message string, data []byte) *Error {
	return NewError(InvalidParams, message, data)
}

// NewMethodNotFound creates a new method not found error
func NewMethodNotFound(message string, data []byte) *Error {
	return NewError(MethodNotFound, message, data)
}

// NewAuthorizationFailed creates a new authorization failed error
func NewAuthorizationFailed(message string, data []byte) *Error {
	return NewError(AuthorizationFailed, message, data)
}

// NewResourceNotFound creates a new resource not found error
func NewResourceNotFound(message string, data []byte) *Error {
	return NewError(ResourceNotFound, message, data)
}
