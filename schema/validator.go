package schema

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/viant/mcp/jsonrpc"
)

// Validator checks envelopes and request parameters against a protocol revision.
// The zero value is not usable; construct with NewValidator or EarliestValidator.
type Validator struct {
	version string
	strict  bool
}

// NewValidator returns a strict validator for the given protocol revision.
// Unknown parameter members are rejected.
func NewValidator(version string) *Validator {
	return &Validator{version: version, strict: true}
}

// EarliestValidator returns a tolerant validator bound to the earliest supported
// revision. It is used for initialize, where members unknown to older revisions
// must be accepted.
func EarliestValidator() *Validator {
	return &Validator{version: EarliestVersion, strict: false}
}

// Version returns the protocol revision this validator checks against.
func (v *Validator) Version() string {
	return v.version
}

// envelope members allowed per message kind
var envelopeMembers = map[jsonrpc.MessageType]map[string]bool{
	jsonrpc.MessageTypeRequest:      {"jsonrpc": true, "id": true, "method": true, "params": true},
	jsonrpc.MessageTypeNotification: {"jsonrpc": true, "method": true, "params": true},
	jsonrpc.MessageTypeResponse:     {"jsonrpc": true, "id": true, "result": true, "error": true},
	jsonrpc.MessageTypeError:        {"jsonrpc": true, "id": true, "result": true, "error": true},
}

// ValidateEnvelope rejects frames with members outside the JSON-RPC 2.0 envelope
// and frames not declaring protocol version 2.0.
func (v *Validator) ValidateEnvelope(data []byte) *jsonrpc.Error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return jsonrpc.NewParsingError(fmt.Sprintf("failed to parse envelope: %v", err), data)
	}
	allowed := envelopeMembers[jsonrpc.MessageTypeOf(data)]
	for member := range members {
		if !allowed[member] {
			return jsonrpc.NewInvalidRequest(fmt.Sprintf("unknown envelope member: %s", member), data)
		}
	}
	version, ok := members["jsonrpc"]
	if !ok || string(version) != `"`+jsonrpc.Version+`"` {
		return jsonrpc.NewInvalidRequest(fmt.Sprintf("jsonrpc version must be %q", jsonrpc.Version), data)
	}
	return nil
}

// ValidateRequest checks the method against the closed set and the negotiated
// revision, then validates parameters.
func (v *Validator) ValidateRequest(request *jsonrpc.Request) *jsonrpc.Error {
	if request.Jsonrpc != jsonrpc.Version {
		return jsonrpc.NewInvalidRequest(fmt.Sprintf("jsonrpc version must be %q", jsonrpc.Version), nil)
	}
	if !IsRequestMethod(request.Method) {
		return jsonrpc.NewMethodNotFound(fmt.Sprintf("Unknown request: %v", request.Method), nil)
	}
	if !MethodAvailable(request.Method, v.version) {
		return jsonrpc.NewMethodNotFound(fmt.Sprintf("method %v is not available in protocol version %v", request.Method, v.version), nil)
	}
	if err := v.validateParams(request.Method, request.Params); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateParams(method string, params []byte) *jsonrpc.Error {
	if isEmptyParams(params) {
		switch method {
		case MethodResourcesRead, MethodResourcesSubscribe, MethodResourcesUnsubscribe,
			MethodPromptsGet, MethodToolsCall, MethodComplete, MethodLoggingSetLevel, MethodInitialize:
			return jsonrpc.NewInvalidParamsError(fmt.Sprintf("method %v requires params", method), nil)
		}
		return nil
	}
	switch method {
	case MethodInitialize:
		parameters := &InitializeRequestParams{}
		if err := v.decode(params, parameters); err != nil {
			return err
		}
		if parameters.ProtocolVersion == "" {
			return jsonrpc.NewInvalidParamsError("protocolVersion is required", params)
		}
		if parameters.ClientInfo.Name == "" {
			return jsonrpc.NewInvalidParamsError("clientInfo.name is required", params)
		}
	case MethodResourcesRead:
		parameters := &ReadResourceParams{}
		if err := v.decode(params, parameters); err != nil {
			return err
		}
		if parameters.URI == "" {
			return jsonrpc.NewInvalidParamsError("uri is required", params)
		}
	case MethodResourcesSubscribe:
		parameters := &SubscribeParams{}
		if err := v.decode(params, parameters); err != nil {
			return err
		}
		if parameters.URI == "" {
			return jsonrpc.NewInvalidParamsError("uri is required", params)
		}
	case MethodResourcesUnsubscribe:
		parameters := &UnsubscribeParams{}
		if err := v.decode(params, parameters); err != nil {
			return err
		}
		if parameters.URI == "" {
			return jsonrpc.NewInvalidParamsError("uri is required", params)
		}
	case MethodPromptsGet:
		parameters := &GetPromptParams{}
		if err := v.decode(params, parameters); err != nil {
			return err
		}
		if parameters.Name == "" {
			return jsonrpc.NewInvalidParamsError("name is required", params)
		}
	case MethodToolsCall:
		parameters := &CallToolParams{}
		if err := v.decode(params, parameters); err != nil {
			return err
		}
		if parameters.Name == "" {
			return jsonrpc.NewInvalidParamsError("name is required", params)
		}
	case MethodComplete:
		parameters := &CompleteParams{}
		if err := v.decode(params, parameters); err != nil {
			return err
		}
		if parameters.Ref.Type == "" {
			return jsonrpc.NewInvalidParamsError("ref.type is required", params)
		}
		if parameters.Argument.Name == "" {
			return jsonrpc.NewInvalidParamsError("argument.name is required", params)
		}
	case MethodLoggingSetLevel:
		parameters := &SetLevelParams{}
		if err := v.decode(params, parameters); err != nil {
			return err
		}
		if !parameters.Level.Valid() {
			return jsonrpc.NewInvalidParamsError(fmt.Sprintf("unknown logging level: %v", parameters.Level), params)
		}
	case MethodResourcesList, MethodResourceTemplatesList, MethodPromptsList, MethodToolsList:
		parameters := &PaginatedParams{}
		if err := v.decode(params, parameters); err != nil {
			return err
		}
	case MethodPing:
		// accepts empty object
	}
	return nil
}

func (v *Validator) decode(data []byte, target interface{}) *jsonrpc.Error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	if v.strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(target); err != nil {
		return jsonrpc.NewInvalidParamsError(fmt.Sprintf("failed to parse params: %v", err), data)
	}
	return nil
}

func isEmptyParams(params []byte) bool {
	trimmed := bytes.TrimSpace(params)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// ValidateToolArguments checks raw call arguments against the tool's declared
// input schema. Tools without a schema accept anything.
func ValidateToolArguments(tool *Tool, arguments []byte) error {
	if tool == nil || tool.InputSchema == nil {
		return nil
	}
	resolved, err := tool.InputSchema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("failed to resolve input schema for tool %v: %w", tool.Name, err)
	}
	var value interface{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &value); err != nil {
			return fmt.Errorf("failed to parse arguments for tool %v: %w", tool.Name, err)
		}
	} else {
		value = map[string]interface{}{}
	}
	if err := resolved.Validate(value); err != nil {
		return fmt.Errorf("arguments for tool %v do not match input schema: %w", tool.Name, err)
	}
	return nil
}
