package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/viant/mcp/jsonrpc"
	"github.com/viant/mcp/schema"
	"github.com/viant/mcp/session"
)

func newTestEngine(t *testing.T, options ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithSweepInterval(0),
		WithPullInterval(5 * time.Millisecond),
		WithServerInfo(schema.Implementation{Name: "test-server", Version: "1.0.0"}),
		WithInstructions("use the echo tool"),
	}
	engine := New(append(base, options...)...)
	t.Cleanup(func() {
		engine.Shutdown(context.Background())
	})
	return engine
}

func requestEnvelope(t *testing.T, id interface{}, method string, params interface{}) []byte {
	t.Helper()
	envelope := map[string]interface{}{"jsonrpc": jsonrpc.Version, "id": id, "method": method}
	if params != nil {
		envelope["params"] = params
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return data
}

func notificationEnvelope(t *testing.T, method string, params interface{}) []byte {
	t.Helper()
	envelope := map[string]interface{}{"jsonrpc": jsonrpc.Version, "method": method}
	if params != nil {
		envelope["params"] = params
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return data
}

func initializeParams(version string) map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": version,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "test-client", "version": "0.0.1"},
	}
}

// startSession completes the handshake and returns a conn bound to the new session.
func startSession(t *testing.T, engine *Engine, userId string) *Conn {
	t.Helper()
	conn := &Conn{UserId: userId}
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 1, schema.MethodInitialize, initializeParams(schema.LatestVersion)))
	if handled.Response == nil {
		t.Fatalf("expected initialize response")
	}
	if handled.Response.Error != nil {
		t.Fatalf("initialize failed: %v", handled.Response.Error)
	}
	if handled.Session == nil {
		t.Fatalf("expected session after initialize")
	}
	return &Conn{SessionId: handled.Session.Id(), UserId: userId}
}

func decodeResult(t *testing.T, response *jsonrpc.Response, target interface{}) {
	t.Helper()
	if response == nil {
		t.Fatalf("expected response")
	}
	if response.Error != nil {
		t.Fatalf("unexpected error: %v", response.Error)
	}
	if err := json.Unmarshal(response.Result, target); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
}

func awaitEvents(t *testing.T, sess *session.Session, count int) []*session.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := sess.Events()
		if len(events) >= count {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", count, len(sess.Events()))
	return nil
}

func echoTool() schema.Tool {
	return schema.Tool{
		Name:        "echo",
		Description: "echoes text back",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"text": {Type: "string"},
			},
			Required: []string{"text"},
		},
	}
}

func echoToolFunc(ctx context.Context, sess *session.Session, params *schema.CallToolParams) (*schema.CallToolResult, error) {
	arguments := struct {
		Text string `json:"text"`
	}{}
	if err := json.Unmarshal(params.Arguments, &arguments); err != nil {
		return nil, err
	}
	return &schema.CallToolResult{Content: []schema.Content{schema.NewTextContent(arguments.Text)}}, nil
}

func TestRouter_InitializeNegotiation(t *testing.T) {
	testCases := []struct {
		description string
		requested   string
		expect      string
	}{
		{
			description: "supported version is echoed",
			requested:   schema.SupportedVersions[1],
			expect:      schema.SupportedVersions[1],
		},
		{
			description: "latest version is echoed",
			requested:   schema.LatestVersion,
			expect:      schema.LatestVersion,
		},
		{
			description: "unsupported version falls back to latest",
			requested:   "1999-01-01",
			expect:      schema.LatestVersion,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			engine := newTestEngine(t)
			conn := &Conn{}
			handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 1, schema.MethodInitialize, initializeParams(testCase.requested)))
			result := &schema.InitializeResult{}
			decodeResult(t, handled.Response, result)
			if result.ProtocolVersion != testCase.expect {
				t.Errorf("negotiated version: got %v, want %v", result.ProtocolVersion, testCase.expect)
			}
			if handled.Session == nil || handled.Session.ProtocolVersion() != testCase.expect {
				t.Errorf("session version does not match negotiated version")
			}
		})
	}
}

func TestRouter_InitializeResult(t *testing.T) {
	engine := newTestEngine(t, WithTool(echoTool(), echoToolFunc))
	handled := engine.Router().HandleMessage(context.Background(), &Conn{}, requestEnvelope(t, 1, schema.MethodInitialize, initializeParams(schema.LatestVersion)))
	result := &schema.InitializeResult{}
	decodeResult(t, handled.Response, result)
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("serverInfo.name: got %v, want test-server", result.ServerInfo.Name)
	}
	if result.Instructions != "use the echo tool" {
		t.Errorf("instructions: got %v", result.Instructions)
	}
	if result.Capabilities.Tools == nil || !result.Capabilities.Tools.ListChanged {
		t.Errorf("expected tools capability with listChanged")
	}
	if result.Capabilities.Resources == nil || !result.Capabilities.Resources.Subscribe {
		t.Errorf("expected resources capability with subscribe")
	}
	// the handshake and its reply are both on record
	events := awaitEvents(t, handled.Session, 2)
	if events[0].Kind != session.EventClientMessage {
		t.Errorf("first event: got %v, want client message", events[0].Kind)
	}
	if !events[1].IsTerminalResponse() {
		t.Errorf("second event should be the terminal response")
	}
}

func TestRouter_PingWithoutSession(t *testing.T) {
	engine := newTestEngine(t)
	handled := engine.Router().HandleMessage(context.Background(), &Conn{}, requestEnvelope(t, 1, schema.MethodPing, nil))
	if handled.Response == nil || handled.Response.Error != nil {
		t.Fatalf("expected ping to succeed without a session, got %+v", handled.Response)
	}
	if string(handled.Response.Result) != "{}" {
		t.Errorf("ping result: got %s, want {}", handled.Response.Result)
	}
	if handled.Session != nil {
		t.Errorf("ping must not create a session")
	}
}

func TestRouter_PingLeavesNoTrace(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	sess, _ := engine.Session(conn.SessionId)
	before := len(awaitEvents(t, sess, 2))
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 99, schema.MethodPing, nil))
	if handled.Response == nil || handled.Response.Error != nil {
		t.Fatalf("ping failed: %+v", handled.Response)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(sess.Events()); got != before {
		t.Errorf("ping appended events: got %d, want %d", got, before)
	}
}

func TestRouter_UnknownMethod(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, "foo/bar", nil))
	if handled.Response == nil || handled.Response.Error == nil {
		t.Fatalf("expected error response")
	}
	if handled.Response.Error.Code != jsonrpc.MethodNotFound {
		t.Errorf("code: got %v, want %v", handled.Response.Error.Code, jsonrpc.MethodNotFound)
	}
	if handled.Response.Error.Message != "Unknown request: foo/bar" {
		t.Errorf("message: got %q, want %q", handled.Response.Error.Message, "Unknown request: foo/bar")
	}
}

func TestRouter_RequestWithoutSession(t *testing.T) {
	engine := newTestEngine(t)
	handled := engine.Router().HandleMessage(context.Background(), &Conn{}, requestEnvelope(t, 1, schema.MethodToolsList, nil))
	if handled.Response == nil || handled.Response.Error == nil {
		t.Fatalf("expected error response")
	}
	if handled.Response.Error.Code != jsonrpc.InvalidRequest {
		t.Errorf("code: got %v, want %v", handled.Response.Error.Code, jsonrpc.InvalidRequest)
	}
}

func TestRouter_UnknownSession(t *testing.T) {
	engine := newTestEngine(t)
	conn := &Conn{SessionId: "no-such-session"}
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 1, schema.MethodToolsList, nil))
	if handled.Response == nil || handled.Response.Error == nil {
		t.Fatalf("expected error response")
	}
	if handled.Response.Error.Code != jsonrpc.ResourceNotFound {
		t.Errorf("code: got %v, want %v", handled.Response.Error.Code, jsonrpc.ResourceNotFound)
	}
	if handled.Status != http.StatusNotFound {
		t.Errorf("status: got %v, want %v", handled.Status, http.StatusNotFound)
	}
}

func TestRouter_ProtocolVersionMismatch(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	conn.ProtocolVersion = "1999-01-01"
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodToolsList, nil))
	if handled.Response == nil || handled.Response.Error == nil {
		t.Fatalf("expected error response")
	}
	if handled.Response.Error.Code != jsonrpc.InvalidRequest {
		t.Errorf("code: got %v, want %v", handled.Response.Error.Code, jsonrpc.InvalidRequest)
	}
	if handled.Status != http.StatusBadRequest {
		t.Errorf("status: got %v, want %v", handled.Status, http.StatusBadRequest)
	}
}

func TestRouter_MatchingProtocolVersionHeader(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	conn.ProtocolVersion = schema.LatestVersion
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodToolsList, nil))
	if handled.Response == nil || handled.Response.Error != nil {
		t.Fatalf("expected success, got %+v", handled.Response)
	}
}

func TestRouter_ListToolsEmpty(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodToolsList, nil))
	result := &schema.ListToolsResult{}
	decodeResult(t, handled.Response, result)
	if len(result.Tools) != 0 {
		t.Errorf("expected no tools, got %d", len(result.Tools))
	}
	if result.NextCursor != "" {
		t.Errorf("expected no cursor, got %v", result.NextCursor)
	}
}

func TestRouter_ListToolsPaged(t *testing.T) {
	options := []Option{}
	for i := 0; i < 5; i++ {
		tool := schema.Tool{Name: fmt.Sprintf("tool-%d", i)}
		options = append(options, WithTool(tool, nil))
	}
	options = append(options, WithPageSize(2))
	engine := newTestEngine(t, options...)
	conn := startSession(t, engine, "")

	var collected []string
	cursor := ""
	for id := 2; ; id++ {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, id, schema.MethodToolsList, params))
		result := &schema.ListToolsResult{}
		decodeResult(t, handled.Response, result)
		for _, tool := range result.Tools {
			collected = append(collected, tool.Name)
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	if len(collected) != 5 {
		t.Fatalf("expected 5 tools across pages, got %d", len(collected))
	}
	for i, name := range collected {
		if name != fmt.Sprintf("tool-%d", i) {
			t.Errorf("page order broken at %d: got %v", i, name)
		}
	}
}

func TestRouter_CallTool(t *testing.T) {
	engine := newTestEngine(t, WithTool(echoTool(), echoToolFunc))
	conn := startSession(t, engine, "")
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodToolsCall, map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]interface{}{"text": "hello"},
	}))
	result := &schema.CallToolResult{}
	decodeResult(t, handled.Response, result)
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hello" {
		t.Errorf("content: got %+v", result.Content)
	}
}

func TestRouter_CallToolErrors(t *testing.T) {
	failing := schema.Tool{Name: "fail"}
	engine := newTestEngine(t,
		WithTool(echoTool(), echoToolFunc),
		WithTool(failing, func(ctx context.Context, sess *session.Session, params *schema.CallToolParams) (*schema.CallToolResult, error) {
			return nil, fmt.Errorf("backend unavailable")
		}),
		WithTool(schema.Tool{Name: "panics"}, func(ctx context.Context, sess *session.Session, params *schema.CallToolParams) (*schema.CallToolResult, error) {
			panic("boom")
		}),
	)
	conn := startSession(t, engine, "")

	t.Run("unknown tool", func(t *testing.T) {
		handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodToolsCall, map[string]interface{}{"name": "missing"}))
		if handled.Response.Error == nil || handled.Response.Error.Code != jsonrpc.InvalidParams {
			t.Errorf("expected invalid params, got %+v", handled.Response.Error)
		}
	})
	t.Run("arguments rejected by schema", func(t *testing.T) {
		handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 3, schema.MethodToolsCall, map[string]interface{}{
			"name":      "echo",
			"arguments": map[string]interface{}{"text": 42},
		}))
		if handled.Response.Error == nil || handled.Response.Error.Code != jsonrpc.InvalidParams {
			t.Errorf("expected invalid params, got %+v", handled.Response.Error)
		}
	})
	t.Run("tool failure becomes result", func(t *testing.T) {
		handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 4, schema.MethodToolsCall, map[string]interface{}{"name": "fail"}))
		result := &schema.CallToolResult{}
		decodeResult(t, handled.Response, result)
		if !result.IsError {
			t.Fatalf("expected tool level error")
		}
		if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "backend unavailable") {
			t.Errorf("content: got %+v", result.Content)
		}
	})
	t.Run("panic becomes internal error", func(t *testing.T) {
		handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 5, schema.MethodToolsCall, map[string]interface{}{"name": "panics"}))
		if handled.Response.Error == nil || handled.Response.Error.Code != jsonrpc.InternalError {
			t.Errorf("expected internal error, got %+v", handled.Response.Error)
		}
	})
}

func TestRouter_UnknownPrompt(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodPromptsGet, map[string]interface{}{"name": "missing"}))
	if handled.Response.Error == nil || handled.Response.Error.Code != jsonrpc.InvalidParams {
		t.Errorf("expected invalid params, got %+v", handled.Response.Error)
	}
}

func TestRouter_GetPromptWithoutRenderer(t *testing.T) {
	prompt := schema.Prompt{Name: "greeting", Description: "a greeting"}
	engine := newTestEngine(t, WithPrompt(prompt, nil))
	conn := startSession(t, engine, "")
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodPromptsGet, map[string]interface{}{"name": "greeting"}))
	result := &schema.GetPromptResult{}
	decodeResult(t, handled.Response, result)
	if result.Description != "a greeting" {
		t.Errorf("description: got %v", result.Description)
	}
	if len(result.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(result.Messages))
	}
}

func TestRouter_ReadResource(t *testing.T) {
	resource := schema.Resource{URI: "mem://docs/readme", Name: "readme", MimeType: "text/plain"}
	engine := newTestEngine(t, WithResource(resource, func(ctx context.Context, sess *session.Session, params *schema.ReadResourceParams) (*schema.ReadResourceResult, error) {
		return &schema.ReadResourceResult{Contents: []schema.ResourceContents{{URI: params.URI, MimeType: "text/plain", Text: "hello"}}}, nil
	}))
	conn := startSession(t, engine, "")

	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodResourcesRead, map[string]interface{}{"uri": "mem://docs/readme"}))
	result := &schema.ReadResourceResult{}
	decodeResult(t, handled.Response, result)
	if len(result.Contents) != 1 || result.Contents[0].Text != "hello" {
		t.Errorf("contents: got %+v", result.Contents)
	}

	handled = engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 3, schema.MethodResourcesRead, map[string]interface{}{"uri": "mem://missing"}))
	if handled.Response.Error == nil || handled.Response.Error.Code != jsonrpc.InvalidParams {
		t.Errorf("expected invalid params for unknown resource, got %+v", handled.Response.Error)
	}
}

func TestRouter_SetLevelPersists(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	handled := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodLoggingSetLevel, map[string]interface{}{"level": "warning"}))
	if handled.Response == nil || handled.Response.Error != nil {
		t.Fatalf("setLevel failed: %+v", handled.Response)
	}
	sess, _ := engine.Session(conn.SessionId)
	if got := sess.LoggingLevel(); got != schema.LoggingLevel("warning") {
		t.Errorf("logging level: got %v, want warning", got)
	}
}

func TestRouter_CancelledNotification(t *testing.T) {
	started := make(chan struct{})
	blocked := schema.Tool{Name: "block"}
	engine := newTestEngine(t, WithTool(blocked, func(ctx context.Context, sess *session.Session, params *schema.CallToolParams) (*schema.CallToolResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	conn := startSession(t, engine, "")

	done := make(chan Handled, 1)
	go func() {
		done <- engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodToolsCall, map[string]interface{}{"name": "block"}))
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("tool did not start")
	}

	engine.Router().HandleMessage(context.Background(), conn, notificationEnvelope(t, schema.NotificationCancelled, map[string]interface{}{"requestId": 2, "reason": "user gave up"}))

	select {
	case handled := <-done:
		result := &schema.CallToolResult{}
		decodeResult(t, handled.Response, result)
		if !result.IsError {
			t.Errorf("expected cancelled call to surface a tool error, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled request never completed")
	}
}

func TestRouter_InitializedNotificationAccepted(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	handled := engine.Router().HandleMessage(context.Background(), conn, notificationEnvelope(t, schema.NotificationInitialized, nil))
	if !handled.Accepted {
		t.Errorf("expected notification to be accepted")
	}
	if handled.Response != nil {
		t.Errorf("notifications must never be answered")
	}
}

func TestRouter_UnknownNotificationNeverReplied(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	handled := engine.Router().HandleMessage(context.Background(), conn, notificationEnvelope(t, "notifications/does-not-exist", nil))
	if !handled.Accepted {
		t.Errorf("expected notification to be accepted")
	}
	if handled.Response != nil {
		t.Errorf("unknown notifications must be dropped silently, got %+v", handled.Response)
	}
}

func TestRouter_TerminatedNotification(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	handled := engine.Router().HandleMessage(context.Background(), conn, notificationEnvelope(t, schema.NotificationSessionTerminated, map[string]interface{}{"reason": "graceful"}))
	if !handled.Accepted {
		t.Errorf("expected notification to be accepted")
	}
	if _, ok := engine.Session(conn.SessionId); ok {
		t.Errorf("expected session to be gone")
	}
	// the durable record is gone as well, the id cannot be resumed
	followUp := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodToolsList, nil))
	if followUp.Response.Error == nil || followUp.Response.Error.Code != jsonrpc.ResourceNotFound {
		t.Errorf("expected resource not found after termination, got %+v", followUp.Response.Error)
	}
}

func TestRouter_SessionOwnership(t *testing.T) {
	testCases := []struct {
		description string
		owner       string
		caller      string
		expectCode  int
	}{
		{description: "owner can call", owner: "alice", caller: "alice", expectCode: 0},
		{description: "other user is rejected", owner: "alice", caller: "bob", expectCode: jsonrpc.AuthorizationFailed},
		{description: "anonymous cannot adopt an owned session", owner: "alice", caller: "", expectCode: jsonrpc.AuthorizationFailed},
		{description: "authenticated cannot adopt an anonymous session", owner: "", caller: "alice", expectCode: jsonrpc.AuthorizationFailed},
	}
	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			engine := newTestEngine(t)
			conn := startSession(t, engine, testCase.owner)
			caller := &Conn{SessionId: conn.SessionId, UserId: testCase.caller}
			handled := engine.Router().HandleMessage(context.Background(), caller, requestEnvelope(t, 2, schema.MethodToolsList, nil))
			if testCase.expectCode == 0 {
				if handled.Response == nil || handled.Response.Error != nil {
					t.Fatalf("expected success, got %+v", handled.Response)
				}
				return
			}
			if handled.Response.Error == nil || handled.Response.Error.Code != testCase.expectCode {
				t.Errorf("code: got %+v, want %v", handled.Response.Error, testCase.expectCode)
			}
		})
	}
}

func TestRouter_DuplicateRequestId(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	first := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodToolsList, nil))
	if first.Response == nil || first.Response.Error != nil {
		t.Fatalf("first call failed: %+v", first.Response)
	}
	second := engine.Router().HandleMessage(context.Background(), conn, requestEnvelope(t, 2, schema.MethodToolsList, nil))
	if second.Response.Error == nil || second.Response.Error.Code != jsonrpc.InvalidRequest {
		t.Fatalf("expected duplicate id rejection, got %+v", second.Response)
	}

	sess, _ := engine.Session(conn.SessionId)
	time.Sleep(50 * time.Millisecond)
	terminal := 0
	for _, event := range sess.Events() {
		if event.IsTerminalResponse() && event.ResponseToRequestId == "2" {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal responses for id 2: got %d, want 1", terminal)
	}
}

func TestRouter_Batch(t *testing.T) {
	engine := newTestEngine(t, WithTool(echoTool(), echoToolFunc))
	conn := startSession(t, engine, "")

	t.Run("responses preserve request order", func(t *testing.T) {
		batch := fmt.Sprintf(`[%s,%s,%s]`,
			requestEnvelope(t, 10, schema.MethodToolsList, nil),
			notificationEnvelope(t, schema.NotificationInitialized, nil),
			requestEnvelope(t, 11, schema.MethodPromptsList, nil),
		)
		handled := engine.Router().HandleMessage(context.Background(), conn, []byte(batch))
		if len(handled.Batch) != 2 {
			t.Fatalf("expected 2 responses, got %d", len(handled.Batch))
		}
		if jsonrpc.IdKey(handled.Batch[0].Id) != "10" || jsonrpc.IdKey(handled.Batch[1].Id) != "11" {
			t.Errorf("order: got %v, %v", handled.Batch[0].Id, handled.Batch[1].Id)
		}
	})
	t.Run("all notifications is accepted", func(t *testing.T) {
		batch := fmt.Sprintf(`[%s,%s]`,
			notificationEnvelope(t, schema.NotificationInitialized, nil),
			notificationEnvelope(t, schema.NotificationInitialized, nil),
		)
		handled := engine.Router().HandleMessage(context.Background(), conn, []byte(batch))
		if !handled.Accepted || len(handled.Batch) != 0 {
			t.Errorf("expected accepted outcome, got %+v", handled)
		}
	})
	t.Run("initialize cannot be batched", func(t *testing.T) {
		batch := fmt.Sprintf(`[%s]`, requestEnvelope(t, 12, schema.MethodInitialize, initializeParams(schema.LatestVersion)))
		handled := engine.Router().HandleMessage(context.Background(), conn, []byte(batch))
		if len(handled.Batch) != 1 || handled.Batch[0].Error == nil || handled.Batch[0].Error.Code != jsonrpc.InvalidRequest {
			t.Errorf("expected invalid request, got %+v", handled.Batch)
		}
	})
	t.Run("empty batch is invalid", func(t *testing.T) {
		handled := engine.Router().HandleMessage(context.Background(), conn, []byte(`[]`))
		if handled.Response == nil || handled.Response.Error == nil || handled.Response.Error.Code != jsonrpc.InvalidRequest {
			t.Errorf("expected invalid request, got %+v", handled.Response)
		}
	})
}

func TestRouter_ClientResponseCorrelation(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	sess, _ := engine.Session(conn.SessionId)

	request, err := jsonrpc.NewRequest(schema.MethodSamplingCreateMessage, map[string]interface{}{"messages": []interface{}{}})
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	trip, err := sess.SendRequest(ctx, request)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	reply := map[string]interface{}{"jsonrpc": jsonrpc.Version, "id": request.Id, "result": map[string]interface{}{"role": "assistant"}}
	data, _ := json.Marshal(reply)
	handled := engine.Router().HandleMessage(ctx, conn, data)
	if !handled.Accepted {
		t.Fatalf("expected response to be accepted, got %+v", handled)
	}

	if err := trip.Wait(ctx, 2*time.Second); err != nil {
		t.Fatalf("round trip did not settle: %v", err)
	}
	if trip.Response == nil || trip.Response.Error != nil {
		t.Errorf("unexpected trip outcome: %+v", trip.Response)
	}
}

func TestRouter_EnvelopeValidation(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	testCases := []struct {
		description string
		payload     string
		expectCode  int
	}{
		{
			description: "unknown envelope member",
			payload:     `{"jsonrpc":"2.0","id":5,"method":"tools/list","extra":true}`,
			expectCode:  jsonrpc.InvalidRequest,
		},
		{
			description: "missing jsonrpc version",
			payload:     `{"id":5,"method":"tools/list"}`,
			expectCode:  jsonrpc.InvalidRequest,
		},
		{
			description: "malformed json",
			payload:     `{"jsonrpc":"2.0",`,
			expectCode:  jsonrpc.ParseError,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			handled := engine.Router().HandleMessage(context.Background(), conn, []byte(testCase.payload))
			if handled.Response == nil || handled.Response.Error == nil {
				t.Fatalf("expected error response")
			}
			if handled.Response.Error.Code != testCase.expectCode {
				t.Errorf("code: got %v, want %v", handled.Response.Error.Code, testCase.expectCode)
			}
		})
	}
}

func TestRouter_StrictParamsAfterNegotiation(t *testing.T) {
	engine := newTestEngine(t)
	conn := startSession(t, engine, "")
	// a member unknown to the negotiated revision is rejected outside initialize
	handled := engine.Router().HandleMessage(context.Background(), conn, []byte(`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"mem://x","futureMember":true}}`))
	if handled.Response.Error == nil || handled.Response.Error.Code != jsonrpc.InvalidParams {
		t.Errorf("expected invalid params, got %+v", handled.Response.Error)
	}
}
