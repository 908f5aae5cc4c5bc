package jsonrpc

import (
	"encoding/json"
	"errors"
)

// BatchRequest represents a JSON-RPC 2.0 batch request as per specs
type BatchRequest []*Request

// BatchResponse represents a JSON-RPC 2.0 batch response as per specs
type BatchResponse []*Response

// IsBatch returns true if raw data is a JSON array.
func IsBatch(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// UnmarshalJSON is a custom JSON unmarshaler for the BatchRequest type
func (b *BatchRequest) UnmarshalJSON(data []byte) error {
	// First check if it's an empty array which is not allowed as per the specs
	if string(data) == "[]" {
		return errors.New("invalid batch request: empty array")
	}

	// Try to unmarshal as an array
	var elements []json.RawMessage
	err := json.Unmarshal(data, &elements)
	if err != nil {
		return err
	}

	if len(elements) == 0 {
		return errors.New("invalid batch request: empty array")
	}

	// Elements without an id are notifications; their Id stays nil.
	requests := make([]*Request, 0, len(elements))
	for _, element := range elements {
		parsed := struct {
			Id      RequestId       `json:"id" yaml:"id" mapstructure:"id"`
			Jsonrpc *string         `json:"jsonrpc" yaml:"jsonrpc" mapstructure:"jsonrpc"`
			Method  *string         `json:"method" yaml:"method" mapstructure:"method"`
			Params  json.RawMessage `json:"params" yaml:"params" mapstructure:"params"`
		}{}
		if err := json.Unmarshal(element, &parsed); err != nil {
			return err
		}
		if parsed.Jsonrpc == nil {
			return errors.New("field jsonrpc in Request: required")
		}
		if parsed.Method == nil {
			return errors.New("field method in Request: required")
		}
		requests = append(requests, &Request{
			Id:      parsed.Id,
			Jsonrpc: *parsed.Jsonrpc,
			Method:  *parsed.Method,
			Params:  parsed.Params,
		})
	}

	*b = requests
	return nil
}

// MarshalJSON is a custom JSON marshaler for BatchResponse
func (b BatchResponse) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal([]*Response(b))
}

// NewBatchResponse creates a new BatchResponse from a slice of responses
func NewBatchResponse(responses []*Response) BatchResponse {
	result := make(BatchResponse, len(responses))
	copy(result, responses)
	return result
}
