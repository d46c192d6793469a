// Package installer materializes npm-published MCP servers as local
// subprocess specs. Discovery tries local installation for each
// candidate before resolving its registry-hosted endpoint.
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/yudduy/oneshot/internal/config"
	"github.com/yudduy/oneshot/internal/registry"
)

const (
	versionProbeTimeout = 5 * time.Second
	packageProbeTimeout = 10 * time.Second
)

// npmPackagePattern matches valid scoped and unscoped npm package
// names.
var npmPackagePattern = regexp.MustCompile(`(?i)^(@[a-z0-9-_.]+/)?[a-z0-9-_.]+$`)

var kebabPattern = regexp.MustCompile(`([A-Z])`)

// Prompter asks the user for a configuration value. An error (EOF,
// interrupt) cancels the installation.
type Prompter interface {
	Ask(field, description, envVar string) (string, error)
}

// commandRunner executes a probe command and returns its combined
// output. Replaced in tests.
type commandRunner func(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)

// Installer validates, configures and launches npm-published MCP
// servers.
type Installer struct {
	logger   *slog.Logger
	prompter Prompter

	run       commandRunner
	lookupEnv func(string) (string, bool)
}

// New creates an installer. prompter may be nil for non-interactive
// use.
func New(logger *slog.Logger, prompter Prompter) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		logger:    logger,
		prompter:  prompter,
		run:       runCommand,
		lookupEnv: os.LookupEnv,
	}
}

// AttemptLocalInstallation tries to turn a registry record into a
// runnable subprocess spec. It returns (nil, nil) when the package
// cannot be installed locally; discovery then moves on to the next
// candidate.
func (i *Installer) AttemptLocalInstallation(ctx context.Context, md *registry.Metadata, userConfig map[string]string, interactive bool) (*config.StdioServerSpec, error) {
	pkg := md.QualifiedName
	if !npmPackagePattern.MatchString(pkg) {
		i.logger.Debug("not an npm package name", "qualified_name", pkg)
		return nil, nil
	}

	if !i.npxAvailable(ctx) {
		i.logger.Debug("npx unavailable, skipping local installation")
		return nil, nil
	}

	if !i.packageExists(ctx, pkg) {
		i.logger.Debug("package not found in npm registry", "package", pkg)
		return nil, nil
	}

	if reason, ok := i.hasExecutableEntry(ctx, pkg); !ok {
		i.logger.Debug("package has no executable entry point", "package", pkg, "reason", reason)
		return nil, nil
	}

	schema := extractConfigSchema(md)

	enriched := make(map[string]string, len(userConfig))
	for k, v := range userConfig {
		enriched[k] = v
	}
	for field, prop := range schema.Properties {
		if _, ok := enriched[field]; ok || prop.EnvVar == "" {
			continue
		}
		if value, ok := i.lookupEnv(prop.EnvVar); ok && value != "" {
			enriched[field] = value
		}
	}

	if interactive && i.prompter != nil {
		for _, field := range schema.Required {
			if _, ok := enriched[field]; ok {
				continue
			}
			prop := schema.Properties[field]
			value, err := i.prompter.Ask(field, prop.Description, prop.EnvVar)
			if err != nil {
				i.logger.Info("installation cancelled", "package", pkg)
				return nil, nil
			}
			if value != "" {
				enriched[field] = value
			}
		}
	}

	for _, field := range schema.Required {
		if _, ok := enriched[field]; !ok {
			i.logger.Debug("missing required configuration", "package", pkg, "field", field)
			return nil, nil
		}
	}

	spec := buildSpec(pkg, schema, enriched)
	return &spec, nil
}

func (i *Installer) npxAvailable(ctx context.Context) bool {
	_, err := i.run(ctx, versionProbeTimeout, "npx", "--version")
	return err == nil
}

func (i *Installer) packageExists(ctx context.Context, pkg string) bool {
	_, err := i.run(ctx, packageProbeTimeout, "npm", "view", pkg, "name")
	return err == nil
}

// hasExecutableEntry checks that the package declares a binary; a
// library-only main cannot serve as an MCP server process.
func (i *Installer) hasExecutableEntry(ctx context.Context, pkg string) (string, bool) {
	out, err := i.run(ctx, packageProbeTimeout, "npm", "view", pkg, "bin", "--json")
	if err != nil {
		return fmt.Sprintf("bin probe failed: %v", err), false
	}

	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return "package declares no bin entry", false
	}

	var bins any
	if err := json.Unmarshal([]byte(trimmed), &bins); err != nil {
		// npm prints bare strings for single-bin packages.
		return "", true
	}
	switch v := bins.(type) {
	case map[string]any:
		if len(v) == 0 {
			return "package declares an empty bin map", false
		}
	case nil:
		return "package declares no bin entry", false
	}
	return "", true
}

type configSchema struct {
	Required   []string
	Properties map[string]property
}

type property struct {
	Type        string
	Description string
	EnvVar      string
}

// extractConfigSchema pulls the configSchema from the first connection
// entry.
func extractConfigSchema(md *registry.Metadata) configSchema {
	out := configSchema{Properties: map[string]property{}}
	if len(md.Connections) == 0 || md.Connections[0].ConfigSchema == nil {
		return out
	}
	raw := md.Connections[0].ConfigSchema

	if req, ok := raw["required"].([]any); ok {
		for _, f := range req {
			if s, ok := f.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		for name, p := range props {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			var prop property
			prop.Type, _ = pm["type"].(string)
			prop.Description, _ = pm["description"].(string)
			prop.EnvVar, _ = pm["envVar"].(string)
			out.Properties[name] = prop
		}
	}
	return out
}

// buildSpec assembles the npx invocation. Fields with an envVar travel
// through the subprocess environment; the rest become kebab-case CLI
// flags.
func buildSpec(pkg string, schema configSchema, cfg map[string]string) config.StdioServerSpec {
	args := []string{"-y", pkg}
	env := map[string]string{}

	fields := make([]string, 0, len(cfg))
	for field := range cfg {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		prop, known := schema.Properties[field]
		if !known {
			continue
		}
		value := cfg[field]
		if prop.EnvVar != "" {
			env[prop.EnvVar] = value
			continue
		}
		flag := "--" + strings.ToLower(kebabPattern.ReplaceAllString(field, "-$1"))
		args = append(args, flag, value)
	}

	return config.StdioServerSpec{
		Command:   "npx",
		Args:      args,
		Env:       env,
		KeepAlive: true,
	}
}

func runCommand(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, name, args...).Output()
	if err != nil {
		return nil, err
	}
	return out, nil
}
