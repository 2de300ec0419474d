package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gate4ai/mcp-client/client/transport"
	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

// Client is the typed operation surface over one session.
type Client struct {
	session *Session
	logger  *zap.Logger
}

// New builds a client from a transport configuration.
func New(cfg *transport.Config, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	t, err := transport.New(cfg, o.logger)
	if err != nil {
		return nil, err
	}
	return NewWithTransport(t, opts...), nil
}

// NewWithTransport builds a client over an already constructed transport.
func NewWithTransport(t transport.Transport, opts ...Option) *Client {
	session := NewSession(t, opts...)
	return &Client{
		session: session,
		logger:  session.logger,
	}
}

// Session exposes the underlying coordinator for advanced use.
func (c *Client) Session() *Session { return c.session }

// Connect starts the transport and completes the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Start(ctx)
}

// Close shuts the session down. Pending requests fail with the shutdown
// sentinel.
func (c *Client) Close() error {
	return c.session.Close()
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.session.Request(ctx, shared.MethodPing, nil)
	return err
}

// ListTools returns every tool the server offers, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]schema.Tool, error) {
	var tools []schema.Tool
	err := c.paginate(ctx, shared.MethodToolsList, func(msg *shared.Message) (*schema.Cursor, error) {
		var result schema.ListToolsResult
		if err := msg.UnmarshalResult(&result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		return result.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool invokes a tool. When an approval callback is configured the
// call is gated behind it; denial returns an in-band error result, not a
// Go error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*schema.CallToolResult, error) {
	if c.session.opts.approvalCallback != nil {
		approved, reason, err := c.session.requestApproval(ctx, name, args)
		if err != nil {
			return nil, err
		}
		if !approved {
			return deniedResult(name, reason), nil
		}
	}

	resp, err := c.session.Request(ctx, shared.MethodToolsCall, &schema.CallToolRequestParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	var result schema.CallToolResult
	if err := resp.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("invalid tools/call result: %w", err)
	}
	return &result, nil
}

// ListResources returns every resource the server offers.
func (c *Client) ListResources(ctx context.Context) ([]schema.Resource, error) {
	var resources []schema.Resource
	err := c.paginate(ctx, shared.MethodResourcesList, func(msg *shared.Message) (*schema.Cursor, error) {
		var result schema.ListResourcesResult
		if err := msg.UnmarshalResult(&result); err != nil {
			return nil, err
		}
		resources = append(resources, result.Resources...)
		return result.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// ReadResource fetches the contents of one resource.
func (c *Client) ReadResource(ctx context.Context, uri string) (*schema.ReadResourceResult, error) {
	resp, err := c.session.Request(ctx, shared.MethodResourcesRead, &schema.ReadResourceRequestParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var result schema.ReadResourceResult
	if err := resp.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("invalid resources/read result: %w", err)
	}
	return &result, nil
}

// ListResourceTemplates returns every resource template the server offers.
func (c *Client) ListResourceTemplates(ctx context.Context) ([]schema.ResourceTemplate, error) {
	var templates []schema.ResourceTemplate
	err := c.paginate(ctx, shared.MethodResourceTemplatesList, func(msg *shared.Message) (*schema.Cursor, error) {
		var result schema.ListResourceTemplatesResult
		if err := msg.UnmarshalResult(&result); err != nil {
			return nil, err
		}
		templates = append(templates, result.ResourceTemplates...)
		return result.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return templates, nil
}

// SubscribeResource registers for update notifications on one resource.
// The server must advertise the subscribe capability.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	caps := c.session.ServerCapabilities()
	if caps == nil || caps.Resources == nil || !caps.Resources.Subscribe {
		return &shared.UnsupportedFeatureError{Feature: "resources/subscribe"}
	}
	_, err := c.session.Request(ctx, shared.MethodResourcesSubscribe, &schema.SubscribeRequestParams{URI: uri})
	return err
}

// ListPrompts returns every prompt the server offers.
func (c *Client) ListPrompts(ctx context.Context) ([]schema.Prompt, error) {
	var prompts []schema.Prompt
	err := c.paginate(ctx, shared.MethodPromptsList, func(msg *shared.Message) (*schema.Cursor, error) {
		var result schema.ListPromptsResult
		if err := msg.UnmarshalResult(&result); err != nil {
			return nil, err
		}
		prompts = append(prompts, result.Prompts...)
		return result.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return prompts, nil
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*schema.GetPromptResult, error) {
	resp, err := c.session.Request(ctx, shared.MethodPromptsGet, &schema.GetPromptRequestParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	var result schema.GetPromptResult
	if err := resp.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("invalid prompts/get result: %w", err)
	}
	return &result, nil
}

// CompletePrompt asks the server to complete a prompt argument value.
func (c *Client) CompletePrompt(ctx context.Context, promptName, argName, argValue string) (*schema.CompleteResult, error) {
	return c.complete(ctx, schema.PromptReference{Type: "ref/prompt", Name: promptName}, argName, argValue)
}

// CompleteResource asks the server to complete a resource template
// argument value.
func (c *Client) CompleteResource(ctx context.Context, uri, argName, argValue string) (*schema.CompleteResult, error) {
	return c.complete(ctx, schema.ResourceReference{Type: "ref/resource", URI: uri}, argName, argValue)
}

func (c *Client) complete(ctx context.Context, ref interface{}, argName, argValue string) (*schema.CompleteResult, error) {
	resp, err := c.session.Request(ctx, shared.MethodCompletionComplete, &schema.CompleteRequestParams{
		Ref:      ref,
		Argument: schema.CompleteArgument{Name: argName, Value: argValue},
	})
	if err != nil {
		return nil, err
	}
	var result schema.CompleteResult
	if err := resp.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("invalid completion/complete result: %w", err)
	}
	return &result, nil
}

// SetLogLevel asks the server to deliver log notifications at or above the
// given level.
func (c *Client) SetLogLevel(ctx context.Context, level schema.LoggingLevel) error {
	_, err := c.session.Request(ctx, shared.MethodLoggingSetLevel, &schema.SetLevelRequestParams{Level: level})
	return err
}

// paginate issues a list request repeatedly, feeding each page to collect
// until the server stops returning a cursor.
func (c *Client) paginate(ctx context.Context, method string, collect func(*shared.Message) (*schema.Cursor, error)) error {
	var cursor *schema.Cursor
	for {
		var params interface{}
		if cursor != nil {
			params = &schema.PaginatedRequestParams{Cursor: cursor}
		}
		resp, err := c.session.Request(ctx, method, params)
		if err != nil {
			return err
		}
		next, err := collect(resp)
		if err != nil {
			return fmt.Errorf("invalid %s result: %w", method, err)
		}
		if next == nil || *next == "" {
			return nil
		}
		cursor = next
	}
}
