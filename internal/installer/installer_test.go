package installer

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/yudduy/oneshot/internal/registry"
	"github.com/yudduy/oneshot/internal/telemetry"
)

// fakeRunner scripts probe outcomes keyed by the joined command line.
type fakeRunner map[string]struct {
	out string
	err error
}

func (f fakeRunner) run(_ context.Context, _ time.Duration, name string, args ...string) ([]byte, error) {
	key := name
	for _, a := range args {
		key += " " + a
	}
	res, ok := f[key]
	if !ok {
		return nil, fmt.Errorf("unexpected command: %s", key)
	}
	return []byte(res.out), res.err
}

type scriptedPrompter struct {
	answers map[string]string
	err     error
}

func (p *scriptedPrompter) Ask(field, _, _ string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.answers[field], nil
}

func newTestInstaller(runner fakeRunner, prompter Prompter) *Installer {
	inst := New(telemetry.NewLogger(io.Discard, 0), prompter)
	inst.run = runner.run
	inst.lookupEnv = func(string) (string, bool) { return "", false }
	return inst
}

func metadataWithSchema(name string, schema map[string]any) *registry.Metadata {
	return &registry.Metadata{
		QualifiedName: name,
		Connections: []registry.Connection{
			{DeploymentURL: "https://server.smithery.ai/" + name + "/mcp", Type: "http", ConfigSchema: schema},
		},
	}
}

func probesFor(pkg string) fakeRunner {
	return fakeRunner{
		"npx --version":                 {out: "10.2.0"},
		"npm view " + pkg + " name":     {out: pkg},
		"npm view " + pkg + " bin --json": {out: `{"` + pkg + `": "dist/index.js"}`},
	}
}

func TestAttemptLocalInstallation_Success(t *testing.T) {
	md := metadataWithSchema("@x/vercel-api", nil)
	inst := newTestInstaller(probesFor("@x/vercel-api"), nil)

	spec, err := inst.AttemptLocalInstallation(context.Background(), md, nil, false)
	if err != nil {
		t.Fatalf("AttemptLocalInstallation: %v", err)
	}
	if spec == nil {
		t.Fatal("expected a spec")
	}
	if spec.Command != "npx" {
		t.Fatalf("command = %q", spec.Command)
	}
	if !reflect.DeepEqual(spec.Args, []string{"-y", "@x/vercel-api"}) {
		t.Fatalf("args = %v", spec.Args)
	}
	if !spec.KeepAlive {
		t.Fatal("keep_alive must be true")
	}
}

func TestAttemptLocalInstallation_InvalidPackageName(t *testing.T) {
	md := &registry.Metadata{QualifiedName: "not a package!"}
	inst := newTestInstaller(fakeRunner{}, nil)

	spec, err := inst.AttemptLocalInstallation(context.Background(), md, nil, false)
	if err != nil || spec != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", spec, err)
	}
}

func TestAttemptLocalInstallation_NpxUnavailable(t *testing.T) {
	runner := fakeRunner{
		"npx --version": {err: fmt.Errorf("not found")},
	}
	md := metadataWithSchema("@x/pkg", nil)

	spec, err := newTestInstaller(runner, nil).AttemptLocalInstallation(context.Background(), md, nil, false)
	if err != nil || spec != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", spec, err)
	}
}

func TestAttemptLocalInstallation_PackageMissing(t *testing.T) {
	runner := fakeRunner{
		"npx --version":           {out: "10.2.0"},
		"npm view @x/pkg name":    {err: fmt.Errorf("404")},
	}
	md := metadataWithSchema("@x/pkg", nil)

	spec, err := newTestInstaller(runner, nil).AttemptLocalInstallation(context.Background(), md, nil, false)
	if err != nil || spec != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", spec, err)
	}
}

func TestAttemptLocalInstallation_LibraryOnlyPackage(t *testing.T) {
	runner := fakeRunner{
		"npx --version":               {out: "10.2.0"},
		"npm view @x/lib name":        {out: "@x/lib"},
		"npm view @x/lib bin --json":  {out: "{}"},
	}
	md := metadataWithSchema("@x/lib", nil)

	spec, err := newTestInstaller(runner, nil).AttemptLocalInstallation(context.Background(), md, nil, false)
	if err != nil || spec != nil {
		t.Fatalf("library-only package must be rejected, got (%v, %v)", spec, err)
	}
}

func TestAttemptLocalInstallation_MissingRequiredNonInteractive(t *testing.T) {
	schema := map[string]any{
		"required": []any{"apiKey"},
		"properties": map[string]any{
			"apiKey": map[string]any{"type": "string", "description": "API key"},
		},
	}
	md := metadataWithSchema("@x/pkg", schema)

	spec, err := newTestInstaller(probesFor("@x/pkg"), nil).AttemptLocalInstallation(context.Background(), md, nil, false)
	if err != nil || spec != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", spec, err)
	}
}

func TestAttemptLocalInstallation_EnvVarEnrichment(t *testing.T) {
	schema := map[string]any{
		"required": []any{"apiKey"},
		"properties": map[string]any{
			"apiKey": map[string]any{"type": "string", "envVar": "PKG_API_KEY"},
		},
	}
	md := metadataWithSchema("@x/pkg", schema)

	inst := newTestInstaller(probesFor("@x/pkg"), nil)
	inst.lookupEnv = func(name string) (string, bool) {
		if name == "PKG_API_KEY" {
			return "from-env", true
		}
		return "", false
	}

	spec, err := inst.AttemptLocalInstallation(context.Background(), md, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if spec == nil {
		t.Fatal("expected a spec")
	}
	// envVar fields travel via the environment, not CLI args.
	if spec.Env["PKG_API_KEY"] != "from-env" {
		t.Fatalf("env = %v", spec.Env)
	}
	if !reflect.DeepEqual(spec.Args, []string{"-y", "@x/pkg"}) {
		t.Fatalf("args = %v", spec.Args)
	}
}

func TestAttemptLocalInstallation_KebabCaseFlags(t *testing.T) {
	schema := map[string]any{
		"required": []any{"apiKey", "baseUrl"},
		"properties": map[string]any{
			"apiKey":  map[string]any{"type": "string"},
			"baseUrl": map[string]any{"type": "string"},
		},
	}
	md := metadataWithSchema("@x/pkg", schema)
	userConfig := map[string]string{"apiKey": "k1", "baseUrl": "https://api"}

	spec, err := newTestInstaller(probesFor("@x/pkg"), nil).AttemptLocalInstallation(context.Background(), md, userConfig, false)
	if err != nil {
		t.Fatal(err)
	}
	if spec == nil {
		t.Fatal("expected a spec")
	}
	want := []string{"-y", "@x/pkg", "--api-key", "k1", "--base-url", "https://api"}
	if !reflect.DeepEqual(spec.Args, want) {
		t.Fatalf("args = %v, want %v", spec.Args, want)
	}
}

func TestAttemptLocalInstallation_InteractivePrompt(t *testing.T) {
	schema := map[string]any{
		"required": []any{"apiKey"},
		"properties": map[string]any{
			"apiKey": map[string]any{"type": "string", "description": "API key"},
		},
	}
	md := metadataWithSchema("@x/pkg", schema)
	prompter := &scriptedPrompter{answers: map[string]string{"apiKey": "typed-in"}}

	spec, err := newTestInstaller(probesFor("@x/pkg"), prompter).AttemptLocalInstallation(context.Background(), md, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if spec == nil {
		t.Fatal("expected a spec")
	}
	want := []string{"-y", "@x/pkg", "--api-key", "typed-in"}
	if !reflect.DeepEqual(spec.Args, want) {
		t.Fatalf("args = %v, want %v", spec.Args, want)
	}
}

func TestAttemptLocalInstallation_PromptCancelled(t *testing.T) {
	schema := map[string]any{
		"required": []any{"apiKey"},
		"properties": map[string]any{
			"apiKey": map[string]any{"type": "string"},
		},
	}
	md := metadataWithSchema("@x/pkg", schema)
	prompter := &scriptedPrompter{err: io.EOF}

	spec, err := newTestInstaller(probesFor("@x/pkg"), prompter).AttemptLocalInstallation(context.Background(), md, nil, true)
	if err != nil || spec != nil {
		t.Fatalf("cancelled prompt must return (nil, nil), got (%v, %v)", spec, err)
	}
}

func TestNpmPackagePattern(t *testing.T) {
	valid := []string{"@upstash/context7-mcp", "@x/vercel-api", "plain-package", "dots.ok", "Under_score"}
	invalid := []string{"has space", "bad@place", "@scope/", "scope/@name", ""}

	for _, name := range valid {
		if !npmPackagePattern.MatchString(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	for _, name := range invalid {
		if npmPackagePattern.MatchString(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}
