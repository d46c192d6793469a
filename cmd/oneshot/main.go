// Package main is the entry point for the oneshot CLI: a chat agent
// that discovers and configures MCP servers on demand.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yudduy/oneshot/internal/config"
	"github.com/yudduy/oneshot/internal/orchestrator"
	"github.com/yudduy/oneshot/internal/registry"
	"github.com/yudduy/oneshot/internal/telemetry"
	"github.com/yudduy/oneshot/internal/tokenstore"
)

// Version information set at build time.
var version = "0.2.0"

const defaultModel = "openai:gpt-4.1-nano"

// usageError exits with code 2: a malformed flag value.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// missingKeyError exits with code 1: a required key is absent.
type missingKeyError struct{ msg string }

func (e *missingKeyError) Error() string { return e.msg }

func newRootCmd() *cobra.Command {
	var (
		showVersion  bool
		model        string
		smitheryKey  string
		httpBlocks   []string
		stdioBlocks  []string
		serversFile  string
		instructions string
		verbose      bool
		metricsAddr  string
	)

	root := &cobra.Command{
		Use:   "oneshot",
		Short: "Dynamic MCP agent with automatic tool discovery",
		Long: `oneshot chats with an LLM agent backed by MCP servers. When the agent
lacks a capability, oneshot searches the Smithery registry, installs or
authorizes a matching server, and retries — without losing the
conversation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("oneshot version %s\n", version)
				return nil
			}

			if smitheryKey == "" {
				smitheryKey = os.Getenv("SMITHERY_API_KEY")
			}
			if smitheryKey == "" {
				return &missingKeyError{msg: "SMITHERY_API_KEY is required (set the env var or pass --smithery-key)"}
			}

			if model == "" {
				model = os.Getenv("ONESHOT_MODEL")
			}
			if model == "" {
				model = defaultModel
			}

			servers, err := assembleServers(serversFile, stdioBlocks, httpBlocks)
			if err != nil {
				return &usageError{err: err}
			}

			return runChat(cmd.Context(), chatConfig{
				model:        model,
				smitheryKey:  smitheryKey,
				servers:      servers,
				instructions: instructions,
				verbose:      verbose,
				metricsAddr:  metricsAddr,
			})
		},
	}

	root.Flags().BoolVar(&showVersion, "version", false, "Show version and exit")
	root.Flags().StringVar(&model, "model", "", "Model provider id (env ONESHOT_MODEL)")
	root.Flags().StringVar(&smitheryKey, "smithery-key", "", "Smithery API key (env SMITHERY_API_KEY)")
	root.Flags().StringArrayVar(&httpBlocks, "http", nil,
		`Add HTTP server: "name=... url=... [transport=http|streamable-http|sse] [header.X=Y] [auth=...]". Repeatable.`)
	root.Flags().StringArrayVar(&stdioBlocks, "stdio", nil,
		`Add stdio server: "name=... command=... args='...' [env.X=Y] [cwd=...] [keep_alive=true|false]". Repeatable.`)
	root.Flags().StringVar(&serversFile, "servers-file", "", "YAML file with server definitions")
	root.Flags().StringVar(&instructions, "instructions", "", "Custom system prompt")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show discovery and tool activity")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return root
}

// assembleServers merges the server sources. Precedence: env defaults
// < servers file < flag blocks.
func assembleServers(serversFile string, stdioBlocks, httpBlocks []string) (map[string]config.ServerSpec, error) {
	servers := defaultServers()

	if serversFile != "" {
		fromFile, err := config.LoadServersFile(serversFile)
		if err != nil {
			return nil, err
		}
		for alias, spec := range fromFile {
			servers[alias] = spec
		}
	}

	for _, block := range stdioBlocks {
		alias, spec, err := config.ParseStdioBlock(block)
		if err != nil {
			return nil, err
		}
		servers[alias] = spec
	}
	for _, block := range httpBlocks {
		alias, spec, err := config.ParseHTTPBlock(block)
		if err != nil {
			return nil, err
		}
		servers[alias] = spec
	}
	return servers, nil
}

// defaultServers wires well-known servers from the environment.
func defaultServers() map[string]config.ServerSpec {
	servers := make(map[string]config.ServerSpec)
	if key := os.Getenv("TAVILY_API_KEY"); key != "" {
		servers["tavily"] = config.HTTPServerSpec{
			URL:       "https://mcp.tavily.com/mcp/?tavilyApiKey=" + key,
			Transport: config.TransportHTTP,
		}
	}
	return servers
}

type chatConfig struct {
	model        string
	smitheryKey  string
	servers      map[string]config.ServerSpec
	instructions string
	verbose      bool
	metricsAddr  string
}

func runChat(ctx context.Context, cfg chatConfig) error {
	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := telemetry.NewLogger(os.Stderr, level)
	metrics := telemetry.NewMetrics()

	if cfg.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
				logger.Warn("metrics listener failed", "addr", cfg.metricsAddr, "error", err)
			}
		}()
	}

	tokens := tokenstore.New("")
	reg := registry.NewClient(cfg.smitheryKey,
		registry.WithTokenSource(tokens),
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
	)

	stdin := bufio.NewReader(os.Stdin)
	orch := orchestrator.New(orchestrator.Options{
		Model:        cfg.model,
		Servers:      cfg.servers,
		Registry:     reg,
		Tokens:       tokens,
		Instructions: cfg.instructions,
		Verbose:      cfg.verbose,
		Logger:       logger,
		Metrics:      metrics,
		Prompter:     newTerminalPrompter(stdin, os.Stdout),
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("oneshot ready (model: %s)\n", cfg.model)
	fmt.Println("Dynamic tool discovery enabled via the Smithery registry.")
	fmt.Println("Type 'exit' to quit, '/servers' to list servers, '/drop <alias>' to remove one.")
	fmt.Println()

	for {
		fmt.Print("> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("\nExiting.")
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)

		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Println("Exiting.")
			return nil
		case input == "/servers":
			printServers(orch)
			continue
		case strings.HasPrefix(input, "/drop "):
			alias := strings.TrimSpace(strings.TrimPrefix(input, "/drop "))
			if orch.RemoveServer(alias) {
				fmt.Printf("Dropped %q.\n", alias)
			} else {
				fmt.Printf("No server named %q.\n", alias)
			}
			continue
		}

		reply, err := orch.Chat(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("\nInterrupted.")
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(reply)
		fmt.Println()
	}
}

func printServers(orch *orchestrator.Orchestrator) {
	aliases := orch.ListServers()
	if len(aliases) == 0 {
		fmt.Println("No servers configured.")
		return
	}
	wire := config.ToWireConfig(orch.Servers())
	for _, alias := range aliases {
		entry := wire[alias]
		switch entry["transport"] {
		case "stdio":
			fmt.Printf("  %s: stdio %v %v\n", alias, entry["command"], entry["args"])
		default:
			fmt.Printf("  %s: %s %s\n", alias, entry["transport"], entry["url"])
		}
	}
}

func main() {
	_ = godotenv.Load()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var missing *missingKeyError
		if errors.As(err, &missing) {
			os.Exit(1)
		}
		var usage *usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		if strings.HasPrefix(err.Error(), "unknown flag") || strings.HasPrefix(err.Error(), "invalid argument") {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
