// Package mcp wraps the MCP SDK client: per-server sessions, a pooled
// connection layer, and the tool catalog exposed to the agent.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/yudduy/oneshot/internal/config"
)

// ToolInfo describes a tool advertised by an MCP server.
type ToolInfo struct {
	ServerName  string         `json:"server_name"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Session is the surface the catalog needs from one server
// connection. *Client implements it; tests substitute fakes via a
// Dialer.
type Session interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Client wraps an MCP SDK session for a single server.
type Client struct {
	alias   string
	spec    config.ServerSpec
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// NewClient creates a client for the given server spec.
func NewClient(alias string, spec config.ServerSpec) *Client {
	return &Client{alias: alias, spec: spec}
}

// Connect establishes the session over the spec's transport.
func (c *Client) Connect(ctx context.Context) error {
	impl := &mcpsdk.Implementation{
		Name:    "oneshot",
		Version: "0.2.0",
	}
	c.client = mcpsdk.NewClient(impl, nil)

	transport, err := buildTransport(ctx, c.spec)
	if err != nil {
		return fmt.Errorf("mcp %s: %w", c.alias, err)
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp connect to %s: %w", c.alias, err)
	}
	c.session = session
	return nil
}

func buildTransport(ctx context.Context, spec config.ServerSpec) (mcpsdk.Transport, error) {
	switch s := spec.(type) {
	case config.StdioServerSpec:
		cmd := exec.CommandContext(ctx, s.Command, s.Args...)
		if len(s.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range s.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		if s.Cwd != "" {
			cmd.Dir = s.Cwd
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case config.HTTPServerSpec:
		var rt http.RoundTripper = http.DefaultTransport
		if len(s.Headers) > 0 {
			rt = &headerRoundTripper{base: rt, headers: s.Headers}
		}
		httpClient := &http.Client{Transport: rt}

		if s.Transport == config.TransportSSE {
			return &mcpsdk.SSEClientTransport{
				Endpoint:   s.URL,
				HTTPClient: httpClient,
			}, nil
		}
		return &mcpsdk.StreamableClientTransport{
			Endpoint:   s.URL,
			HTTPClient: httpClient,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server spec %T", spec)
	}
}

// headerRoundTripper adds fixed headers to every request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for key, value := range rt.headers {
		req.Header.Set(key, value)
	}
	return rt.base.RoundTrip(req)
}

// ListTools returns all tools advertised by this server, with the raw
// JSON-Schema input definition decoded into a generic map.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if c.session == nil {
		return nil, fmt.Errorf("mcp %s: not connected", c.alias)
	}

	var tools []ToolInfo
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp %s: list tools: %w", c.alias, err)
		}
		tools = append(tools, ToolInfo{
			ServerName:  c.alias,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: decodeSchema(tool.InputSchema),
		})
	}
	return tools, nil
}

// decodeSchema round-trips the SDK's schema value through JSON into a
// generic map, the shape the catalog and the model consume.
func decodeSchema(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil || len(out) == 0 {
		return map[string]any{"type": "object"}
	}
	return out
}

// CallTool invokes a tool and unwraps the result, preferring
// structured data, then text content, then the raw content blocks.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.session == nil {
		return "", fmt.Errorf("mcp %s: not connected", c.alias)
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp %s: call tool %s: %w", c.alias, name, err)
	}

	text := unwrapResult(result)
	if result.IsError {
		if text == "" {
			text = fmt.Sprintf("tool %s returned an error", name)
		}
		return "", fmt.Errorf("mcp %s: %s", c.alias, text)
	}
	return text, nil
}

func unwrapResult(result *mcpsdk.CallToolResult) string {
	if result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return string(data)
		}
	}

	var text string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	if text != "" {
		return text
	}

	if len(result.Content) > 0 {
		if data, err := json.Marshal(result.Content); err == nil {
			return string(data)
		}
	}
	return ""
}

// Close gracefully closes the session.
func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}
