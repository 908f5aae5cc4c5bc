package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/viant/mcp/schema"
	"github.com/viant/mcp/session"
)

// Option represents an engine option.
type Option func(e *Engine)

// WithLogger sets the engine logger, shared with every session it creates.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStore sets the session store.
func WithStore(store session.Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithIdGenerator sets the session id generator.
func WithIdGenerator(generator session.IdGenerator) Option {
	return func(e *Engine) {
		e.idGenerator = generator
	}
}

// WithServerInfo sets the implementation advertised in initialize results.
func WithServerInfo(info schema.Implementation) Option {
	return func(e *Engine) {
		e.serverInfo = info
	}
}

// WithCapabilities overrides the advertised server capabilities.
func WithCapabilities(capabilities schema.ServerCapabilities) Option {
	return func(e *Engine) {
		e.capabilities = capabilities
	}
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instructions string) Option {
	return func(e *Engine) {
		e.instructions = instructions
	}
}

// WithHandlers replaces the default feature handlers.
func WithHandlers(handlers Handlers) Option {
	return func(e *Engine) {
		e.handlers = handlers
	}
}

// WithResumeTimeout bounds how long a resumed channel waits for its request's
// terminal response.
func WithResumeTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.resumeTimeout = timeout
		}
	}
}

// WithPullInterval sets the store poll cadence of session sync loops.
func WithPullInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.pullInterval = interval
		}
	}
}

// WithRequestTimeout bounds server to client round trips.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.requestTimeout = timeout
		}
	}
}

// WithInactivityTimeout sets the idle threshold used by RemovalAfterIdle.
func WithInactivityTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.inactivityTimeout = timeout
		}
	}
}

// WithSweepInterval sets the sweeper cadence. Zero disables the sweeper.
func WithSweepInterval(interval time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = interval
	}
}

// WithRemovalPolicy selects when the sweeper evicts sessions.
func WithRemovalPolicy(policy RemovalPolicy) Option {
	return func(e *Engine) {
		e.removalPolicy = policy
	}
}

// WithReconnectGrace sets how long a detached session survives under
// RemovalAfterGrace.
func WithReconnectGrace(grace time.Duration) Option {
	return func(e *Engine) {
		if grace > 0 {
			e.reconnectGrace = grace
		}
	}
}

// WithMaxLifetime evicts sessions older than the given duration regardless of
// activity. Zero means no lifetime cap.
func WithMaxLifetime(lifetime time.Duration) Option {
	return func(e *Engine) {
		e.maxLifetime = lifetime
	}
}

// WithPageSize caps list replies at the given size, enabling cursors. Zero
// returns full lists.
func WithPageSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.pageSize = size
		}
	}
}

// WithOnSessionInitialized installs a hook fired asynchronously after each
// completed handshake.
func WithOnSessionInitialized(hook func(sessionId, userId string)) Option {
	return func(e *Engine) {
		e.onSessionInitialized = hook
	}
}

// WithTool registers a tool before any session exists.
func WithTool(tool schema.Tool, fn ToolFunc) Option {
	return func(e *Engine) {
		replaceTool(&e.tools, tool)
		e.toolFns[tool.Name] = fn
	}
}

// WithPrompt registers a prompt before any session exists.
func WithPrompt(prompt schema.Prompt, fn PromptFunc) Option {
	return func(e *Engine) {
		replacePrompt(&e.prompts, prompt)
		e.promptFns[prompt.Name] = fn
	}
}

// WithResource registers a resource before any session exists.
func WithResource(resource schema.Resource, fn ResourceFunc) Option {
	return func(e *Engine) {
		replaceResource(&e.resources, resource)
		e.resourceFns[resource.URI] = fn
	}
}

// WithResourceTemplate registers a resource template before any session exists.
func WithResourceTemplate(template schema.ResourceTemplate) Option {
	return func(e *Engine) {
		replaceTemplate(&e.templates, template)
	}
}

// WithCompletion installs the completion/complete implementation.
func WithCompletion(fn CompleteFunc) Option {
	return func(e *Engine) {
		e.completion = fn
	}
}
