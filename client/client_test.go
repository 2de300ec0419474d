package client_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gate4ai/mcp-client/client"
	"github.com/gate4ai/mcp-client/client/registry"
	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

func TestClient_ListToolsPagination(t *testing.T) {
	var listCalls int
	c, _ := connect(t, func(msg *shared.Message) string {
		if !msg.IsRequest() {
			return ""
		}
		switch *msg.Method {
		case shared.MethodInitialize:
			return initializeReply(msg)
		case shared.MethodToolsList:
			listCalls++
			switch listCalls {
			case 1:
				assert.Nil(t, msg.Params, "the first page carries no cursor")
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{
					"tools":[{"name":"alpha","inputSchema":{"type":"object"}}],
					"nextCursor":"page-2"}}`, msg.ID.String())
			default:
				var params schema.PaginatedRequestParams
				require.NoError(t, msg.UnmarshalParams(&params))
				require.NotNil(t, params.Cursor)
				assert.Equal(t, "page-2", *params.Cursor)
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{
					"tools":[{"name":"beta","inputSchema":{"type":"object"}}]}}`, msg.ID.String())
			}
		}
		return emptyResult(msg)
	})

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "alpha", tools[0].Name)
	assert.Equal(t, "beta", tools[1].Name)
	assert.Equal(t, 2, listCalls)
}

func TestClient_CallTool(t *testing.T) {
	c, _ := connect(t, func(msg *shared.Message) string {
		if !msg.IsRequest() {
			return ""
		}
		switch *msg.Method {
		case shared.MethodInitialize:
			return initializeReply(msg)
		case shared.MethodToolsCall:
			var params schema.CallToolRequestParams
			require.NoError(t, msg.UnmarshalParams(&params))
			assert.Equal(t, "echo", params.Name)
			assert.Equal(t, "hi", params.Arguments["text"])
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{
				"content":[{"type":"text","text":"hi"}]}}`, msg.ID.String())
		}
		return emptyResult(msg)
	})

	result, err := c.CallTool(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)
}

func TestClient_CallToolDenied(t *testing.T) {
	c, ft := connect(t, defaultReply,
		client.WithApprovalCallback(func(ctx context.Context, id, toolName string, args map[string]interface{}) (*client.ApprovalDecision, error) {
			assert.Equal(t, "rm_rf", toolName)
			return &client.ApprovalDecision{Approved: false, Reason: "too dangerous"}, nil
		}))

	result, err := c.CallTool(context.Background(), "rm_rf", nil)
	require.NoError(t, err, "a denial is an in-band result, not a Go error")
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "too dangerous")

	// The request never reached the server.
	for _, msg := range ft.sentMessages() {
		if msg.IsRequest() && *msg.Method == shared.MethodToolsCall {
			t.Fatal("denied tool call must not be sent")
		}
	}
}

func TestClient_CallToolDeferredApproval(t *testing.T) {
	ids := make(chan string, 1)
	c, _ := connect(t, func(msg *shared.Message) string {
		if !msg.IsRequest() {
			return ""
		}
		if *msg.Method == shared.MethodInitialize {
			return initializeReply(msg)
		}
		if *msg.Method == shared.MethodToolsCall {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{
				"content":[{"type":"text","text":"done"}]}}`, msg.ID.String())
		}
		return emptyResult(msg)
	},
		client.WithApprovalCallback(func(ctx context.Context, id, toolName string, args map[string]interface{}) (*client.ApprovalDecision, error) {
			ids <- id
			return &client.ApprovalDecision{Deferred: true}, nil
		}))

	// Approve from the outside once the callback has parked the decision.
	go func() {
		id := <-ids
		for i := 0; i < 100; i++ {
			if registry.Approve(id) == nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	result, err := c.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "done", result.Content[0].Text)
}

func TestClient_CallToolDeferredDenialTimesOut(t *testing.T) {
	c, _ := connect(t, defaultReply,
		client.WithHandlerTimeout(100*time.Millisecond),
		client.WithApprovalCallback(func(ctx context.Context, id, toolName string, args map[string]interface{}) (*client.ApprovalDecision, error) {
			return &client.ApprovalDecision{Deferred: true}, nil
		}))

	result, err := c.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError, "an expired approval counts as denial")
	assert.Contains(t, result.Content[0].Text, "Approval timed out")
}

func TestClient_ReadResource(t *testing.T) {
	c, _ := connect(t, func(msg *shared.Message) string {
		if !msg.IsRequest() {
			return ""
		}
		switch *msg.Method {
		case shared.MethodInitialize:
			return initializeReply(msg)
		case shared.MethodResourcesRead:
			var params schema.ReadResourceRequestParams
			require.NoError(t, msg.UnmarshalParams(&params))
			assert.Equal(t, "file:///readme.md", params.URI)
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{
				"contents":[{"uri":"file:///readme.md","mimeType":"text/markdown","text":"# hi"}]}}`, msg.ID.String())
		}
		return emptyResult(msg)
	})

	result, err := c.ReadResource(context.Background(), "file:///readme.md")
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "# hi", result.Contents[0].Text)
}

func TestClient_SubscribeResource(t *testing.T) {
	c, ft := connect(t, defaultReply)

	require.NoError(t, c.SubscribeResource(context.Background(), "file:///watched"))
	sub := ft.waitSent(t, func(m *shared.Message) bool {
		return m.IsRequest() && *m.Method == shared.MethodResourcesSubscribe
	})
	var params schema.SubscribeRequestParams
	require.NoError(t, sub.UnmarshalParams(&params))
	assert.Equal(t, "file:///watched", params.URI)
}

func TestClient_SubscribeResourceUnsupported(t *testing.T) {
	c, _ := connect(t, func(msg *shared.Message) string {
		if !msg.IsRequest() {
			return ""
		}
		if *msg.Method == shared.MethodInitialize {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{
				"protocolVersion":"2025-06-18","capabilities":{},
				"serverInfo":{"name":"fake","version":"0"}}}`, msg.ID.String())
		}
		return emptyResult(msg)
	})

	err := c.SubscribeResource(context.Background(), "file:///watched")
	var unsupported *shared.UnsupportedFeatureError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "resources/subscribe", unsupported.Feature)
}

func TestClient_GetPrompt(t *testing.T) {
	c, _ := connect(t, func(msg *shared.Message) string {
		if !msg.IsRequest() {
			return ""
		}
		switch *msg.Method {
		case shared.MethodInitialize:
			return initializeReply(msg)
		case shared.MethodPromptsGet:
			var params schema.GetPromptRequestParams
			require.NoError(t, msg.UnmarshalParams(&params))
			assert.Equal(t, "greet", params.Name)
			assert.Equal(t, "Ada", params.Arguments["who"])
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{
				"messages":[{"role":"user","content":{"type":"text","text":"Hello Ada"}}]}}`, msg.ID.String())
		}
		return emptyResult(msg)
	})

	result, err := c.GetPrompt(context.Background(), "greet", map[string]string{"who": "Ada"})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "Hello Ada", result.Messages[0].Content.Text)
}

func TestClient_CompletePrompt(t *testing.T) {
	c, _ := connect(t, func(msg *shared.Message) string {
		if !msg.IsRequest() {
			return ""
		}
		switch *msg.Method {
		case shared.MethodInitialize:
			return initializeReply(msg)
		case shared.MethodCompletionComplete:
			var params struct {
				Ref struct {
					Type string `json:"type"`
					Name string `json:"name"`
				} `json:"ref"`
				Argument schema.CompleteArgument `json:"argument"`
			}
			require.NoError(t, msg.UnmarshalParams(&params))
			assert.Equal(t, "ref/prompt", params.Ref.Type)
			assert.Equal(t, "greet", params.Ref.Name)
			assert.Equal(t, "who", params.Argument.Name)
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{
				"completion":{"values":["Ada","Alan"],"hasMore":false}}}`, msg.ID.String())
		}
		return emptyResult(msg)
	})

	result, err := c.CompletePrompt(context.Background(), "greet", "who", "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada", "Alan"}, result.Completion.Values)
}

func TestClient_SetLogLevel(t *testing.T) {
	c, ft := connect(t, defaultReply)

	require.NoError(t, c.SetLogLevel(context.Background(), schema.LoggingLevelWarning))
	msg := ft.waitSent(t, func(m *shared.Message) bool {
		return m.IsRequest() && *m.Method == shared.MethodLoggingSetLevel
	})
	var params schema.SetLevelRequestParams
	require.NoError(t, msg.UnmarshalParams(&params))
	assert.Equal(t, schema.LoggingLevelWarning, params.Level)
}
