package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/yudduy/oneshot/internal/config"
	"github.com/yudduy/oneshot/internal/llm"
)

// ToolInvocationError wraps a failure from the MCP client during a
// tool call. It is surfaced to the model as the tool's result rather
// than terminating the turn.
type ToolInvocationError struct {
	Server string
	Tool   string
	Err    error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s on server %s failed: %v", e.Tool, e.Server, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// Tool is one catalog entry visible to the model.
type Tool struct {
	Name        string         // exposed name, unique across servers
	Description string
	Server      string         // owning server alias
	Args        []ArgSpec      // structured argument definitions
	InputSchema map[string]any // original JSON-Schema input
}

// Definition converts the tool into the model-facing shape.
func (t Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}

// Stats reports per-server tool counts after a load.
type Stats struct {
	Total  int `json:"total"`
	Loaded int `json:"loaded"`
}

// Tracer receives tool invocation trace callbacks.
type Tracer interface {
	Before(server, tool string, args map[string]any)
	After(server, tool, result string)
	Failed(server, tool string, err error)
}

// Catalog aggregates the tools of a server set and routes invocations
// back to the owning session.
type Catalog struct {
	specs      map[string]config.ServerSpec
	pool       *Pool
	maxPerSrv  int
	logger     *slog.Logger
	tracer     Tracer

	tools  []Tool
	routes map[string]route // exposed name → owning server + wire name
	stats  map[string]Stats
}

type route struct {
	server   string
	wireName string
}

// CatalogOption configures a catalog.
type CatalogOption func(*Catalog)

// WithMaxToolsPerServer overrides the per-server tool cap.
func WithMaxToolsPerServer(n int) CatalogOption {
	return func(c *Catalog) { c.maxPerSrv = n }
}

// WithDialer substitutes the session dialer.
func WithDialer(d Dialer) CatalogOption {
	return func(c *Catalog) { c.pool = NewPool(d) }
}

// WithTracer enables before/after/error trace callbacks.
func WithTracer(t Tracer) CatalogOption {
	return func(c *Catalog) { c.tracer = t }
}

// WithCatalogLogger sets the structured logger.
func WithCatalogLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) { c.logger = logger }
}

// NewCatalog creates a catalog over the given server specs. Call Load
// before Tools or Call.
func NewCatalog(specs map[string]config.ServerSpec, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		specs:     specs,
		pool:      NewPool(nil),
		maxPerSrv: config.MaxToolsPerServer,
		logger:    slog.Default(),
		routes:    make(map[string]route),
		stats:     make(map[string]Stats),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load opens a session per server, lists tools, applies the per-server
// cap and disambiguates names across servers. Aliases are processed in
// sorted order so disambiguation is deterministic.
func (c *Catalog) Load(ctx context.Context) error {
	aliases := make([]string, 0, len(c.specs))
	for alias := range c.specs {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	c.tools = nil
	c.routes = make(map[string]route)
	c.stats = make(map[string]Stats)
	seen := make(map[string]bool)

	for _, alias := range aliases {
		session, err := c.pool.Connect(ctx, alias, c.specs[alias])
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		infos, err := session.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}

		total := len(infos)
		if total > c.maxPerSrv {
			c.logger.Debug("tool cap applied", "server", alias, "total", total, "loaded", c.maxPerSrv)
			infos = infos[:c.maxPerSrv]
		}
		c.stats[alias] = Stats{Total: total, Loaded: len(infos)}

		for _, info := range infos {
			exposed := info.Name
			if seen[exposed] {
				exposed = alias + "_" + info.Name
			}
			for n := 2; seen[exposed]; n++ {
				exposed = fmt.Sprintf("%s_%s_%d", alias, info.Name, n)
			}
			seen[exposed] = true

			c.tools = append(c.tools, Tool{
				Name:        exposed,
				Description: info.Description,
				Server:      alias,
				Args:        translateSchema(info.InputSchema),
				InputSchema: info.InputSchema,
			})
			c.routes[exposed] = route{server: alias, wireName: info.Name}
		}
	}
	return nil
}

// Tools returns the loaded catalog entries.
func (c *Catalog) Tools() []Tool {
	return c.tools
}

// Definitions returns the model-facing tool definitions.
func (c *Catalog) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(c.tools))
	for i, t := range c.tools {
		defs[i] = t.Definition()
	}
	return defs
}

// Stats returns per-server total/loaded counts from the last load.
func (c *Catalog) Stats() map[string]Stats {
	return c.stats
}

// Call routes a tool invocation to the owning server and unwraps the
// result. Failures are wrapped in ToolInvocationError.
func (c *Catalog) Call(ctx context.Context, toolName string, args map[string]any) (string, error) {
	r, ok := c.routes[toolName]
	if !ok {
		return "", &ToolInvocationError{
			Tool: toolName,
			Err:  fmt.Errorf("unknown tool"),
		}
	}

	if c.tracer != nil {
		c.tracer.Before(r.server, toolName, args)
	}

	session, err := c.pool.Connect(ctx, r.server, c.specs[r.server])
	if err != nil {
		ierr := &ToolInvocationError{Server: r.server, Tool: toolName, Err: err}
		if c.tracer != nil {
			c.tracer.Failed(r.server, toolName, ierr)
		}
		return "", ierr
	}

	result, err := session.CallTool(ctx, r.wireName, args)
	if err != nil {
		ierr := &ToolInvocationError{Server: r.server, Tool: toolName, Err: err}
		if c.tracer != nil {
			c.tracer.Failed(r.server, toolName, ierr)
		}
		return "", ierr
	}

	if c.tracer != nil {
		c.tracer.After(r.server, toolName, result)
	}
	return result, nil
}

// Close releases all pooled sessions.
func (c *Catalog) Close() error {
	return c.pool.Close()
}
