package client

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/schema"
)

// Ping verifies the server answers at all; it needs no session.
func (c *Connector) Ping(ctx context.Context) error {
	_, err := c.call(ctx, schema.MethodPing, nil, &struct{}{})
	return err
}

// ListTools returns the server's tools. An uncursored call is served from the
// list cache until the entry expires or the server announces a change.
func (c *Connector) ListTools(ctx context.Context, cursor string) (*schema.ListToolsResult, error) {
	if cursor == "" {
		if cached, ok := c.cache.Get(c.cacheServer, KindTools); ok {
			return cached.(*schema.ListToolsResult), nil
		}
	}
	result := &schema.ListToolsResult{}
	if _, err := c.call(ctx, schema.MethodToolsList, listParams(cursor), result); err != nil {
		return nil, err
	}
	if cursor == "" && result.NextCursor == "" {
		c.cache.Put(c.cacheServer, KindTools, result)
	}
	return result, nil
}

// CallTool invokes a tool by name.
func (c *Connector) CallTool(ctx context.Context, params *schema.CallToolParams) (*schema.CallToolResult, error) {
	result := &schema.CallToolResult{}
	if _, err := c.call(ctx, schema.MethodToolsCall, params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListResources returns the server's resources, cached like ListTools.
func (c *Connector) ListResources(ctx context.Context, cursor string) (*schema.ListResourcesResult, error) {
	if cursor == "" {
		if cached, ok := c.cache.Get(c.cacheServer, KindResources); ok {
			return cached.(*schema.ListResourcesResult), nil
		}
	}
	result := &schema.ListResourcesResult{}
	if _, err := c.call(ctx, schema.MethodResourcesList, listParams(cursor), result); err != nil {
		return nil, err
	}
	if cursor == "" && result.NextCursor == "" {
		c.cache.Put(c.cacheServer, KindResources, result)
	}
	return result, nil
}

// ListResourceTemplates returns the server's resource templates.
func (c *Connector) ListResourceTemplates(ctx context.Context, cursor string) (*schema.ListResourceTemplatesResult, error) {
	if cursor == "" {
		if cached, ok := c.cache.Get(c.cacheServer, KindResourceTemplates); ok {
			return cached.(*schema.ListResourceTemplatesResult), nil
		}
	}
	result := &schema.ListResourceTemplatesResult{}
	if _, err := c.call(ctx, schema.MethodResourceTemplatesList, listParams(cursor), result); err != nil {
		return nil, err
	}
	if cursor == "" && result.NextCursor == "" {
		c.cache.Put(c.cacheServer, KindResourceTemplates, result)
	}
	return result, nil
}

// ReadResource fetches the contents of one resource.
func (c *Connector) ReadResource(ctx context.Context, uri string) (*schema.ReadResourceResult, error) {
	result := &schema.ReadResourceResult{}
	if _, err := c.call(ctx, schema.MethodResourcesRead, &schema.ReadResourceParams{URI: uri}, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Subscribe registers for update notifications on uri.
func (c *Connector) Subscribe(ctx context.Context, uri string) error {
	_, err := c.call(ctx, schema.MethodResourcesSubscribe, &schema.SubscribeParams{URI: uri}, &struct{}{})
	return err
}

// Unsubscribe removes the update registration for uri.
func (c *Connector) Unsubscribe(ctx context.Context, uri string) error {
	_, err := c.call(ctx, schema.MethodResourcesUnsubscribe, &schema.UnsubscribeParams{URI: uri}, &struct{}{})
	return err
}

// ListPrompts returns the server's prompts, cached like ListTools.
func (c *Connector) ListPrompts(ctx context.Context, cursor string) (*schema.ListPromptsResult, error) {
	if cursor == "" {
		if cached, ok := c.cache.Get(c.cacheServer, KindPrompts); ok {
			return cached.(*schema.ListPromptsResult), nil
		}
	}
	result := &schema.ListPromptsResult{}
	if _, err := c.call(ctx, schema.MethodPromptsList, listParams(cursor), result); err != nil {
		return nil, err
	}
	if cursor == "" && result.NextCursor == "" {
		c.cache.Put(c.cacheServer, KindPrompts, result)
	}
	return result, nil
}

// GetPrompt renders one prompt with the supplied arguments.
func (c *Connector) GetPrompt(ctx context.Context, params *schema.GetPromptParams) (*schema.GetPromptResult, error) {
	result := &schema.GetPromptResult{}
	if _, err := c.call(ctx, schema.MethodPromptsGet, params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Complete asks the server for argument completions.
func (c *Connector) Complete(ctx context.Context, params *schema.CompleteParams) (*schema.CompleteResult, error) {
	result := &schema.CompleteResult{}
	if _, err := c.call(ctx, schema.MethodComplete, params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SetLoggingLevel adjusts the threshold of notifications/message deliveries.
func (c *Connector) SetLoggingLevel(ctx context.Context, level schema.LoggingLevel) error {
	_, err := c.call(ctx, schema.MethodLoggingSetLevel, &schema.SetLevelParams{Level: level}, &struct{}{})
	return err
}

// call sends a typed request and binds the result into result.
func (c *Connector) call(ctx context.Context, method string, params interface{}, result interface{}) (*jsonrpc.Response, error) {
	request, err := jsonrpc.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	response, err := c.Send(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return response, response.Error
	}
	if result != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return response, fmt.Errorf("failed to parse %v result: %w", method, err)
		}
	}
	return response, nil
}

func listParams(cursor string) interface{} {
	if cursor == "" {
		return nil
	}
	return &schema.PaginatedParams{Cursor: cursor}
}
