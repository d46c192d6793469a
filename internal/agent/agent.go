// Package agent composes a chat model, a tool catalog and a system
// prompt into a runnable agent.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yudduy/oneshot/internal/config"
	"github.com/yudduy/oneshot/internal/llm"
	"github.com/yudduy/oneshot/internal/mcp"
)

const (
	defaultMaxTurns  = 10
	defaultMaxTokens = 4096
)

// StartupError indicates that the initial tool listing across the
// configured servers failed. It is fatal for the build.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("agent startup: %v", e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Agent runs a Reason-Act-Observe loop over a message history.
type Agent struct {
	client    llm.Client
	model     string
	catalog   *mcp.Catalog
	system    string
	maxTurns  int
	maxTokens int
	logger    *slog.Logger
}

// Options configures Build.
type Options struct {
	// Model is a provider-id string resolved by the llm factory.
	// Ignored when Client is set.
	Model string
	// Client is a pre-built model handle. Optional.
	Client llm.Client
	// System overrides the default system prompt.
	System string
	// Tracer enables tool invocation tracing on the catalog.
	Tracer mcp.Tracer
	// Dialer substitutes the MCP session dialer. Tests use this to
	// script servers.
	Dialer mcp.Dialer
	Logger *slog.Logger
}

// Build discovers tools from the server specs and wires them to the
// model. A catalog listing failure is fatal; an empty catalog is
// warned but allowed.
func Build(ctx context.Context, specs map[string]config.ServerSpec, opts Options) (*Agent, *mcp.Catalog, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := opts.Client
	model := opts.Model
	if client == nil {
		if model == "" {
			return nil, nil, fmt.Errorf("agent: a model is required")
		}
		client, model = llm.NewClientForModel(model)
	}

	catalogOpts := []mcp.CatalogOption{mcp.WithCatalogLogger(logger)}
	if opts.Tracer != nil {
		catalogOpts = append(catalogOpts, mcp.WithTracer(opts.Tracer))
	}
	if opts.Dialer != nil {
		catalogOpts = append(catalogOpts, mcp.WithDialer(opts.Dialer))
	}
	catalog := mcp.NewCatalog(specs, catalogOpts...)

	if err := catalog.Load(ctx); err != nil {
		return nil, nil, &StartupError{Err: err}
	}
	if len(catalog.Tools()) == 0 {
		logger.Warn("agent built with an empty tool catalog")
	}

	system := opts.System
	if system == "" {
		system = DefaultSystemPrompt
	}

	return &Agent{
		client:    client,
		model:     model,
		catalog:   catalog,
		system:    system,
		maxTurns:  defaultMaxTurns,
		maxTokens: defaultMaxTokens,
		logger:    logger,
	}, catalog, nil
}

// Run executes the ReAct loop over the given history and returns the
// updated history, terminating in an assistant text message, plus that
// final text. The input slice is not mutated.
func (a *Agent) Run(ctx context.Context, history []llm.Message) ([]llm.Message, string, error) {
	messages := make([]llm.Message, len(history))
	copy(messages, history)

	var finalText string

	for turn := 0; turn < a.maxTurns; turn++ {
		resp, err := a.client.Chat(ctx, llm.ChatRequest{
			Model:     a.model,
			Messages:  messages,
			System:    a.system,
			Tools:     a.catalog.Definitions(),
			MaxTokens: a.maxTokens,
		})
		if err != nil {
			return nil, "", fmt.Errorf("agent: turn %d: %w", turn+1, err)
		}

		if resp.Content != "" {
			finalText = resp.Content
		}

		if len(resp.ToolCalls) == 0 || resp.StopReason != llm.StopToolUse {
			messages = append(messages, llm.Message{
				Role:    llm.RoleAssistant,
				Content: resp.Content,
			})
			return messages, finalText, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Tool calls run serially; failures go back to the model as
		// error results so it can react.
		for _, call := range resp.ToolCalls {
			result, err := a.catalog.Call(ctx, call.Name, call.Input)
			toolResult := llm.ToolResult{
				ToolUseID: call.ID,
				Content:   result,
			}
			if err != nil {
				toolResult.Content = err.Error()
				toolResult.IsError = true
				a.logger.Debug("tool call failed", "tool", call.Name, "error", err)
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolResult: &toolResult,
			})
		}
	}

	// Turn budget exhausted: close with whatever text we have.
	messages = append(messages, llm.Message{
		Role:    llm.RoleAssistant,
		Content: finalText,
	})
	return messages, finalText, nil
}
