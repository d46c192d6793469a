// Package orchestrator owns the conversation: it routes user turns to
// the agent, detects missing capabilities, drives registry discovery,
// and rebuilds the agent without losing message history.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/yudduy/oneshot/internal/agent"
	"github.com/yudduy/oneshot/internal/config"
	"github.com/yudduy/oneshot/internal/installer"
	"github.com/yudduy/oneshot/internal/llm"
	"github.com/yudduy/oneshot/internal/mcp"
	"github.com/yudduy/oneshot/internal/oauth"
	"github.com/yudduy/oneshot/internal/registry"
	"github.com/yudduy/oneshot/internal/telemetry"
	"github.com/yudduy/oneshot/internal/tokenstore"
)

const noToolsReply = "I don't have access to any tools yet to help with this request."

// Prompter asks the user a question on the terminal and returns the
// typed answer.
type Prompter interface {
	Ask(prompt string) (string, error)
}

// Options configures an orchestrator.
type Options struct {
	// Model is a provider-id string. Ignored when Client is set.
	Model string
	// Client is a pre-built model handle.
	Client llm.Client
	// Servers is the initial server set, keyed by local alias.
	Servers map[string]config.ServerSpec
	// Registry performs discovery searches and metadata fetches.
	Registry *registry.Client
	// Tokens persists OAuth tokens.
	Tokens *tokenstore.Store
	// Instructions overrides the default system prompt.
	Instructions string
	Verbose      bool
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	// Prompter handles consent and configuration questions. nil means
	// non-interactive: OAuth consent is declined and installer prompts
	// are skipped.
	Prompter Prompter
	// Out receives user-facing status lines. Defaults to stdout.
	Out io.Writer

	// Dialer substitutes the MCP session dialer (tests).
	Dialer mcp.Dialer
	// Authorize substitutes the browser + callback flow (tests).
	Authorize func(ctx context.Context, authURL string) (string, error)
	// Installer substitutes the local installer (tests).
	Installer LocalInstaller
}

// LocalInstaller materializes registry entries as local subprocess
// specs. *installer.Installer implements it.
type LocalInstaller interface {
	AttemptLocalInstallation(ctx context.Context, md *registry.Metadata, userConfig map[string]string, interactive bool) (*config.StdioServerSpec, error)
}

// Orchestrator holds the conversation state and the active agent.
type Orchestrator struct {
	model        string
	client       llm.Client
	servers      map[string]config.ServerSpec
	registry     *registry.Client
	tokens       *tokenstore.Store
	installer    LocalInstaller
	instructions string
	verbose      bool
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	prompter     Prompter
	out          io.Writer

	messages []llm.Message
	agent    *agent.Agent
	catalog  *mcp.Catalog

	dialer    mcp.Dialer
	authorize func(ctx context.Context, authURL string) (string, error)
	turn      int
}

// New creates an orchestrator. The agent is built lazily on first use.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	servers := make(map[string]config.ServerSpec, len(opts.Servers))
	for alias, spec := range opts.Servers {
		servers[alias] = spec
	}

	o := &Orchestrator{
		model:        opts.Model,
		client:       opts.Client,
		servers:      servers,
		registry:     opts.Registry,
		tokens:       opts.Tokens,
		instructions: opts.Instructions,
		verbose:      opts.Verbose,
		logger:       logger,
		metrics:      opts.Metrics,
		prompter:     opts.Prompter,
		out:          out,
		dialer:       opts.Dialer,
		authorize:    opts.Authorize,
	}
	o.installer = opts.Installer
	if o.installer == nil {
		o.installer = installer.New(logger, installerPrompter{o})
	}
	if o.authorize == nil {
		o.authorize = o.browserAuthorize
	}
	return o
}

// installerPrompter adapts the orchestrator's prompter to the
// installer's field-oriented interface.
type installerPrompter struct{ o *Orchestrator }

func (p installerPrompter) Ask(field, description, envVar string) (string, error) {
	if p.o.prompter == nil {
		return "", io.EOF
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Configuration required: %s", field)
	if description != "" {
		fmt.Fprintf(&b, " (%s)", description)
	}
	if envVar != "" {
		fmt.Fprintf(&b, " [env %s]", envVar)
	}
	b.WriteString(": ")
	return p.o.prompter.Ask(b.String())
}

// Chat runs one conversation turn: append the user message, run
// proactive discovery when the user names a capability, invoke the
// agent, and recover once via reactive discovery when the reply
// signals missing tools. A turn that returns without error grows the
// history by exactly two messages.
func (o *Orchestrator) Chat(ctx context.Context, userMessage string) (string, error) {
	o.turn++
	ctx = telemetry.WithCorrelationID(ctx, "")
	logger := telemetry.TurnLogger(o.logger, ctx, o.turn)

	o.messages = append(o.messages, llm.Message{Role: llm.RoleUser, Content: userMessage})

	// Proactive discovery: the user explicitly asked for a server.
	// Failure here is not fatal; the turn proceeds with what we have.
	if capability := extractExplicitRequest(userMessage); capability != "" {
		logger.Debug("proactive discovery", "capability", capability)
		if o.discoverAndAdd(ctx, capability) {
			if err := o.rebuildAgent(ctx); err != nil {
				return "", err
			}
		}
	}

	var finalText string
	if len(o.servers) == 0 {
		// Synthetic reply so reactive discovery can kick in below.
		finalText = noToolsReply
	} else {
		text, err := o.invokeAgent(ctx)
		if err != nil {
			return "", err
		}
		finalText = text
	}

	o.messages = append(o.messages, llm.Message{Role: llm.RoleAssistant, Content: finalText})

	// Reactive discovery: the reply says tools are missing. The
	// capability comes from the user's phrasing, not the reply.
	if detectsMissingTools(finalText) {
		capability := extractCapability(userMessage)
		if capability != "" && o.discoverAndAdd(ctx, capability) {
			if err := o.rebuildAgent(ctx); err != nil {
				return "", err
			}

			// Drop the failed reply and retry once with the larger
			// catalog.
			o.messages = o.messages[:len(o.messages)-1]
			text, err := o.invokeAgent(ctx)
			if err != nil {
				return "", err
			}
			finalText = text
			o.messages = append(o.messages, llm.Message{Role: llm.RoleAssistant, Content: finalText})
		}
	}

	return finalText, nil
}

// invokeAgent lazily builds the agent and runs it over the full
// history, returning the final assistant text.
func (o *Orchestrator) invokeAgent(ctx context.Context) (string, error) {
	if o.agent == nil {
		if err := o.rebuildAgent(ctx); err != nil {
			return "", err
		}
	}
	if o.metrics != nil {
		o.metrics.AgentTurns.Inc()
	}
	_, text, err := o.agent.Run(ctx, o.messages)
	if err != nil {
		return "", err
	}
	return text, nil
}

// rebuildAgent swaps in an agent over the current server set. On
// failure the error propagates and the agent and catalog are cleared,
// so the next use rebuilds; the message history is never touched.
func (o *Orchestrator) rebuildAgent(ctx context.Context) error {
	o.logger.Debug("rebuilding agent", "servers", len(o.servers))

	var tracer mcp.Tracer
	if o.metrics != nil {
		tracer = &callTracer{o: o}
	}
	newAgent, newCatalog, err := agent.Build(ctx, o.servers, agent.Options{
		Model:  o.model,
		Client: o.client,
		System: o.instructions,
		Tracer: tracer,
		Dialer: o.dialer,
		Logger: o.logger,
	})
	if err != nil {
		o.agent = nil
		o.catalog = nil
		return err
	}

	o.agent = newAgent
	o.catalog = newCatalog

	if o.verbose {
		for _, alias := range sortedAliases(o.servers) {
			stats := newCatalog.Stats()[alias]
			if stats.Total > stats.Loaded {
				fmt.Fprintf(o.out, "[build] %s: loaded %d/%d tools (filtered)\n", alias, stats.Loaded, stats.Total)
			} else {
				fmt.Fprintf(o.out, "[build] %s: loaded %d tools\n", alias, stats.Loaded)
			}
		}
	}
	return nil
}

// AddServer registers a spec under an alias. The agent is rebuilt on
// the next use.
func (o *Orchestrator) AddServer(alias string, spec config.ServerSpec) {
	o.servers[alias] = spec
	o.agent = nil
}

// RemoveServer drops a server by alias and reports whether it existed.
func (o *Orchestrator) RemoveServer(alias string) bool {
	if _, ok := o.servers[alias]; !ok {
		return false
	}
	delete(o.servers, alias)
	o.agent = nil
	return true
}

// ListServers returns the registered aliases in sorted order.
func (o *Orchestrator) ListServers() []string {
	return sortedAliases(o.servers)
}

// Servers returns a copy of the active server set.
func (o *Orchestrator) Servers() map[string]config.ServerSpec {
	out := make(map[string]config.ServerSpec, len(o.servers))
	for alias, spec := range o.servers {
		out[alias] = spec
	}
	return out
}

// Messages returns the conversation history.
func (o *Orchestrator) Messages() []llm.Message {
	return o.messages
}

// Catalog returns the active tool catalog, nil before first build.
func (o *Orchestrator) Catalog() *mcp.Catalog {
	return o.catalog
}

// callTracer counts tool invocations and, in verbose mode, narrates
// them.
type callTracer struct {
	o *Orchestrator
}

func (t *callTracer) Before(server, tool string, _ map[string]any) {
	if t.o.verbose {
		fmt.Fprintf(t.o.out, "[tool] %s → %s\n", server, tool)
	}
}

func (t *callTracer) After(server, _, _ string) {
	t.o.metrics.ToolCalls.WithLabelValues(server, "ok").Inc()
}

func (t *callTracer) Failed(server, tool string, err error) {
	t.o.metrics.ToolCalls.WithLabelValues(server, "error").Inc()
	if t.o.verbose {
		fmt.Fprintf(t.o.out, "[tool] %s → %s failed: %v\n", server, tool, err)
	}
}

func (o *Orchestrator) browserAuthorize(ctx context.Context, authURL string) (string, error) {
	server := oauth.NewCallbackServer(redirectURI)
	return server.Authorize(ctx, authURL)
}

func sortedAliases(servers map[string]config.ServerSpec) []string {
	aliases := make([]string, 0, len(servers))
	for alias := range servers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}
