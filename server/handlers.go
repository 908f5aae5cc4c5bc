package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/schema"
	"github.com/viant/mcp/session"
)

// Handlers is the server side feature surface, one method per protocol
// request. The router parses and validates envelopes before calling in, so
// implementations receive typed parameters only. Returning *jsonrpc.Error
// produces a protocol error reply; every other outcome is marshalled as the
// request's result.
type Handlers interface {
	// Initialize runs after a session is created but before the initialize
	// result is sent. A returned error aborts the handshake and evicts the
	// just created session.
	Initialize(ctx context.Context, sess *session.Session, params *schema.InitializeRequestParams) *jsonrpc.Error
	ListResources(ctx context.Context, sess *session.Session, params *schema.PaginatedParams) (*schema.ListResourcesResult, *jsonrpc.Error)
	ListResourceTemplates(ctx context.Context, sess *session.Session, params *schema.PaginatedParams) (*schema.ListResourceTemplatesResult, *jsonrpc.Error)
	ReadResource(ctx context.Context, sess *session.Session, params *schema.ReadResourceParams) (*schema.ReadResourceResult, *jsonrpc.Error)
	Subscribe(ctx context.Context, sess *session.Session, params *schema.SubscribeParams) *jsonrpc.Error
	Unsubscribe(ctx context.Context, sess *session.Session, params *schema.UnsubscribeParams) *jsonrpc.Error
	ListPrompts(ctx context.Context, sess *session.Session, params *schema.PaginatedParams) (*schema.ListPromptsResult, *jsonrpc.Error)
	GetPrompt(ctx context.Context, sess *session.Session, params *schema.GetPromptParams) (*schema.GetPromptResult, *jsonrpc.Error)
	ListTools(ctx context.Context, sess *session.Session, params *schema.PaginatedParams) (*schema.ListToolsResult, *jsonrpc.Error)
	CallTool(ctx context.Context, sess *session.Session, params *schema.CallToolParams) (*schema.CallToolResult, *jsonrpc.Error)
	Complete(ctx context.Context, sess *session.Session, params *schema.CompleteParams) (*schema.CompleteResult, *jsonrpc.Error)
	SetLevel(ctx context.Context, sess *session.Session, params *schema.SetLevelParams) *jsonrpc.Error
}

// ToolFunc implements a single tool. A plain error becomes a tool level
// failure result; return a *jsonrpc.Error to fail the request itself.
type ToolFunc func(ctx context.Context, sess *session.Session, params *schema.CallToolParams) (*schema.CallToolResult, error)

// ResourceFunc produces the contents of a registered resource.
type ResourceFunc func(ctx context.Context, sess *session.Session, params *schema.ReadResourceParams) (*schema.ReadResourceResult, error)

// PromptFunc renders a registered prompt.
type PromptFunc func(ctx context.Context, sess *session.Session, params *schema.GetPromptParams) (*schema.GetPromptResult, error)

// CompleteFunc serves completion/complete for prompt and resource arguments.
type CompleteFunc func(ctx context.Context, sess *session.Session, params *schema.CompleteParams) (*schema.CompleteResult, error)

// DefaultHandlers serves every feature request from the engine registries and
// the session's own collections. Embed it to override selected methods.
type DefaultHandlers struct {
	engine *Engine
}

// NewDefaultHandlers returns handlers backed by engine.
func NewDefaultHandlers(engine *Engine) *DefaultHandlers {
	return &DefaultHandlers{engine: engine}
}

// Initialize accepts every handshake.
func (h *DefaultHandlers) Initialize(ctx context.Context, sess *session.Session, params *schema.InitializeRequestParams) *jsonrpc.Error {
	return nil
}

// ListResources pages the session's resource collection.
func (h *DefaultHandlers) ListResources(ctx context.Context, sess *session.Session, params *schema.PaginatedParams) (*schema.ListResourcesResult, *jsonrpc.Error) {
	items, next := schema.Page(sess.Resources(), params.Cursor, h.engine.pageSize, func(item schema.Resource) string { return item.URI })
	return &schema.ListResourcesResult{Resources: items, NextCursor: next}, nil
}

// ListResourceTemplates pages the session's resource template collection.
func (h *DefaultHandlers) ListResourceTemplates(ctx context.Context, sess *session.Session, params *schema.PaginatedParams) (*schema.ListResourceTemplatesResult, *jsonrpc.Error) {
	items, next := schema.Page(sess.ResourceTemplates(), params.Cursor, h.engine.pageSize, func(item schema.ResourceTemplate) string { return item.Name })
	return &schema.ListResourceTemplatesResult{ResourceTemplates: items, NextCursor: next}, nil
}

// ReadResource serves a registered resource through its ResourceFunc. A
// resource without one reads as empty contents.
func (h *DefaultHandlers) ReadResource(ctx context.Context, sess *session.Session, params *schema.ReadResourceParams) (*schema.ReadResourceResult, *jsonrpc.Error) {
	if !hasResource(sess.Resources(), params.URI) {
		return nil, jsonrpc.NewInvalidParamsError(fmt.Sprintf("unknown resource: %v", params.URI), nil)
	}
	fn := h.engine.resourceFunc(params.URI)
	if fn == nil {
		return &schema.ReadResourceResult{Contents: []schema.ResourceContents{}}, nil
	}
	result, err := fn(ctx, sess, params)
	if err != nil {
		return nil, asError(err)
	}
	return result, nil
}

// Subscribe registers the session's interest in a resource URI. Idempotent.
func (h *DefaultHandlers) Subscribe(ctx context.Context, sess *session.Session, params *schema.SubscribeParams) *jsonrpc.Error {
	if err := h.engine.subscribe(ctx, sess, params.URI); err != nil {
		return jsonrpc.NewInternalError(err.Error(), nil)
	}
	return nil
}

// Unsubscribe removes the session's interest in a resource URI. Idempotent.
func (h *DefaultHandlers) Unsubscribe(ctx context.Context, sess *session.Session, params *schema.UnsubscribeParams) *jsonrpc.Error {
	if err := h.engine.unsubscribe(ctx, sess, params.URI); err != nil {
		return jsonrpc.NewInternalError(err.Error(), nil)
	}
	return nil
}

// ListPrompts pages the session's prompt collection.
func (h *DefaultHandlers) ListPrompts(ctx context.Context, sess *session.Session, params *schema.PaginatedParams) (*schema.ListPromptsResult, *jsonrpc.Error) {
	items, next := schema.Page(sess.Prompts(), params.Cursor, h.engine.pageSize, func(item schema.Prompt) string { return item.Name })
	return &schema.ListPromptsResult{Prompts: items, NextCursor: next}, nil
}

// GetPrompt renders a registered prompt through its PromptFunc. A prompt
// without one yields its description and no messages.
func (h *DefaultHandlers) GetPrompt(ctx context.Context, sess *session.Session, params *schema.GetPromptParams) (*schema.GetPromptResult, *jsonrpc.Error) {
	prompt := findPrompt(sess.Prompts(), params.Name)
	if prompt == nil {
		return nil, jsonrpc.NewInvalidParamsError(fmt.Sprintf("unknown prompt: %v", params.Name), nil)
	}
	fn := h.engine.promptFunc(params.Name)
	if fn == nil {
		return &schema.GetPromptResult{Description: prompt.Description, Messages: []schema.PromptMessage{}}, nil
	}
	result, err := fn(ctx, sess, params)
	if err != nil {
		return nil, asError(err)
	}
	return result, nil
}

// ListTools pages the session's tool collection.
func (h *DefaultHandlers) ListTools(ctx context.Context, sess *session.Session, params *schema.PaginatedParams) (*schema.ListToolsResult, *jsonrpc.Error) {
	items, next := schema.Page(sess.Tools(), params.Cursor, h.engine.pageSize, func(item schema.Tool) string { return item.Name })
	return &schema.ListToolsResult{Tools: items, NextCursor: next}, nil
}

// CallTool validates arguments against the tool's input schema and invokes its
// ToolFunc. Tool failures surface as IsError results, not protocol errors.
func (h *DefaultHandlers) CallTool(ctx context.Context, sess *session.Session, params *schema.CallToolParams) (*schema.CallToolResult, *jsonrpc.Error) {
	tool := findTool(sess.Tools(), params.Name)
	if tool == nil {
		return nil, jsonrpc.NewInvalidParamsError(fmt.Sprintf("unknown tool: %v", params.Name), nil)
	}
	if err := schema.ValidateToolArguments(tool, params.Arguments); err != nil {
		return nil, jsonrpc.NewInvalidParamsError(err.Error(), nil)
	}
	fn := h.engine.toolFunc(params.Name)
	if fn == nil {
		return nil, jsonrpc.NewInternalError(fmt.Sprintf("tool %v has no implementation", params.Name), nil)
	}
	result, err := fn(ctx, sess, params)
	if err != nil {
		var protocolErr *jsonrpc.Error
		if errors.As(err, &protocolErr) {
			return nil, protocolErr
		}
		return &schema.CallToolResult{
			Content: []schema.Content{schema.NewTextContent(err.Error())},
			IsError: true,
		}, nil
	}
	return result, nil
}

// Complete delegates to the registered CompleteFunc, or answers with no
// candidate values when none is registered.
func (h *DefaultHandlers) Complete(ctx context.Context, sess *session.Session, params *schema.CompleteParams) (*schema.CompleteResult, *jsonrpc.Error) {
	fn := h.engine.completeFunc()
	if fn == nil {
		return &schema.CompleteResult{Completion: schema.Completion{Values: []string{}}}, nil
	}
	result, err := fn(ctx, sess, params)
	if err != nil {
		return nil, asError(err)
	}
	return result, nil
}

// SetLevel persists the client's minimum logging level on the session.
func (h *DefaultHandlers) SetLevel(ctx context.Context, sess *session.Session, params *schema.SetLevelParams) *jsonrpc.Error {
	if !params.Level.Valid() {
		return jsonrpc.NewInvalidParamsError(fmt.Sprintf("unknown logging level: %v", params.Level), nil)
	}
	if err := sess.UpdateData(ctx, func(data *session.Data) {
		data.LoggingLevel = params.Level
	}); err != nil {
		return jsonrpc.NewInternalError(err.Error(), nil)
	}
	return nil
}

func findTool(items []schema.Tool, name string) *schema.Tool {
	for i := range items {
		if items[i].Name == name {
			return &items[i]
		}
	}
	return nil
}

func findPrompt(items []schema.Prompt, name string) *schema.Prompt {
	for i := range items {
		if items[i].Name == name {
			return &items[i]
		}
	}
	return nil
}

func hasResource(items []schema.Resource, uri string) bool {
	for i := range items {
		if items[i].URI == uri {
			return true
		}
	}
	return false
}

// asError maps a handler error to a protocol error, preserving *jsonrpc.Error
// verbatim and wrapping anything else as internal.
func asError(err error) *jsonrpc.Error {
	var protocolErr *jsonrpc.Error
	if errors.As(err, &protocolErr) {
		return protocolErr
	}
	return jsonrpc.NewInternalError(err.Error(), nil)
}
