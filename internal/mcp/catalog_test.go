package mcp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/yudduy/oneshot/internal/config"
)

// fakeConn is a scripted server session.
type fakeConn struct {
	tools    []ToolInfo
	results  map[string]string
	failWith error
	calls    []string
}

func (f *fakeConn) ListTools(_ context.Context) ([]ToolInfo, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.tools, nil
}

func (f *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	if f.failWith != nil {
		return "", f.failWith
	}
	res, ok := f.results[name]
	if !ok {
		return "", fmt.Errorf("no such tool %s", name)
	}
	return res, nil
}

func (f *fakeConn) Close() error { return nil }

// fakeDialer serves scripted sessions by alias.
type fakeDialer map[string]*fakeConn

func (d fakeDialer) Dial(_ context.Context, alias string, _ config.ServerSpec) (Session, error) {
	c, ok := d[alias]
	if !ok {
		return nil, fmt.Errorf("unexpected alias %s", alias)
	}
	return c, nil
}

func newFakeCatalog(t *testing.T, conns map[string]*fakeConn, opts ...CatalogOption) *Catalog {
	t.Helper()
	specs := make(map[string]config.ServerSpec, len(conns))
	for alias := range conns {
		specs[alias] = config.HTTPServerSpec{URL: "http://" + alias + ".test/mcp", Transport: config.TransportHTTP}
	}
	opts = append(opts, WithDialer(fakeDialer(conns)))
	return NewCatalog(specs, opts...)
}

func tool(name string) ToolInfo {
	return ToolInfo{
		Name:        name,
		Description: "tool " + name,
		InputSchema: map[string]any{"type": "object"},
	}
}

func TestCatalog_LoadAndCall(t *testing.T) {
	conns := map[string]*fakeConn{
		"math": {
			tools:   []ToolInfo{tool("add"), tool("mul")},
			results: map[string]string{"add": "4", "mul": "6"},
		},
	}
	catalog := newFakeCatalog(t, conns)
	if err := catalog.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := len(catalog.Tools()); got != 2 {
		t.Fatalf("tools = %d, want 2", got)
	}

	result, err := catalog.Call(context.Background(), "add", map[string]any{"a": 2, "b": 2})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "4" {
		t.Fatalf("result = %q", result)
	}
}

func TestCatalog_PerServerCap(t *testing.T) {
	var tools []ToolInfo
	for i := 0; i < 150; i++ {
		tools = append(tools, tool(fmt.Sprintf("tool_%03d", i)))
	}
	conns := map[string]*fakeConn{"big": {tools: tools}}

	catalog := newFakeCatalog(t, conns, WithMaxToolsPerServer(30))
	if err := catalog.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := len(catalog.Tools()); got != 30 {
		t.Fatalf("loaded %d tools, want 30", got)
	}
	stats := catalog.Stats()["big"]
	if stats.Total != 150 || stats.Loaded != 30 {
		t.Fatalf("stats = %+v, want {150 30}", stats)
	}
}

func TestCatalog_NameDisambiguation(t *testing.T) {
	conns := map[string]*fakeConn{
		"alpha": {tools: []ToolInfo{tool("search")}, results: map[string]string{"search": "from alpha"}},
		"beta":  {tools: []ToolInfo{tool("search")}, results: map[string]string{"search": "from beta"}},
	}
	catalog := newFakeCatalog(t, conns)
	if err := catalog.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	names := make(map[string]bool)
	for _, tl := range catalog.Tools() {
		if names[tl.Name] {
			t.Fatalf("duplicate exposed name %q", tl.Name)
		}
		names[tl.Name] = true
	}
	// Aliases load in sorted order: alpha keeps the bare name.
	if !names["search"] || !names["beta_search"] {
		t.Fatalf("names = %v", names)
	}

	// The prefixed name routes to beta with the original wire name.
	result, err := catalog.Call(context.Background(), "beta_search", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "from beta" {
		t.Fatalf("result = %q", result)
	}
	if got := conns["beta"].calls; len(got) != 1 || got[0] != "search" {
		t.Fatalf("beta received calls %v, want [search]", got)
	}
}

func TestCatalog_CallUnknownTool(t *testing.T) {
	catalog := newFakeCatalog(t, map[string]*fakeConn{"s": {}})
	_ = catalog.Load(context.Background())

	_, err := catalog.Call(context.Background(), "nope", nil)
	var ierr *ToolInvocationError
	if !errors.As(err, &ierr) {
		t.Fatalf("err = %v, want ToolInvocationError", err)
	}
}

func TestCatalog_CallFailureWrapsServerAndTool(t *testing.T) {
	conns := map[string]*fakeConn{
		"github": {tools: []ToolInfo{tool("create_issue")}},
	}
	catalog := newFakeCatalog(t, conns)
	_ = catalog.Load(context.Background())
	conns["github"].failWith = fmt.Errorf("boom")

	_, err := catalog.Call(context.Background(), "create_issue", nil)
	var ierr *ToolInvocationError
	if !errors.As(err, &ierr) {
		t.Fatalf("err = %v", err)
	}
	if ierr.Server != "github" || ierr.Tool != "create_issue" {
		t.Fatalf("ierr = %+v", ierr)
	}
}

func TestCatalog_ListFailureIsFatal(t *testing.T) {
	conns := map[string]*fakeConn{"bad": {failWith: fmt.Errorf("connection refused")}}
	catalog := newFakeCatalog(t, conns)
	if err := catalog.Load(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
}

type recordingTracer struct {
	before, after, failed []string
}

func (r *recordingTracer) Before(server, tool string, _ map[string]any) {
	r.before = append(r.before, server+"/"+tool)
}
func (r *recordingTracer) After(server, tool, _ string) {
	r.after = append(r.after, server+"/"+tool)
}
func (r *recordingTracer) Failed(server, tool string, _ error) {
	r.failed = append(r.failed, server+"/"+tool)
}

func TestCatalog_TraceCallbacks(t *testing.T) {
	conns := map[string]*fakeConn{
		"math": {tools: []ToolInfo{tool("add")}, results: map[string]string{"add": "4"}},
	}
	tracer := &recordingTracer{}
	catalog := newFakeCatalog(t, conns, WithTracer(tracer))
	_ = catalog.Load(context.Background())

	if _, err := catalog.Call(context.Background(), "add", nil); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tracer.before, []string{"math/add"}) || !reflect.DeepEqual(tracer.after, []string{"math/add"}) {
		t.Fatalf("tracer = %+v", tracer)
	}

	conns["math"].failWith = fmt.Errorf("down")
	if _, err := catalog.Call(context.Background(), "add", nil); err == nil {
		t.Fatal("expected error")
	}
	if !reflect.DeepEqual(tracer.failed, []string{"math/add"}) {
		t.Fatalf("failed = %v", tracer.failed)
	}
}

func TestTranslateSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":   map[string]any{"type": "string", "description": "search query"},
			"limit":   map[string]any{"type": "integer", "default": float64(10)},
			"ratio":   map[string]any{"type": "number"},
			"exact":   map[string]any{"type": "boolean"},
			"tags":    map[string]any{"type": "array"},
			"filters": map[string]any{"type": "object"},
			"blob":    map[string]any{},
		},
		"required": []any{"query"},
	}

	args := translateSchema(schema)
	byName := make(map[string]ArgSpec, len(args))
	for _, a := range args {
		byName[a.Name] = a
	}

	if a := byName["query"]; a.Type != ArgText || !a.Required || a.Default != nil {
		t.Fatalf("query = %+v", a)
	}
	if a := byName["limit"]; a.Type != ArgInt || a.Required || a.Default != float64(10) {
		t.Fatalf("limit = %+v", a)
	}
	if byName["ratio"].Type != ArgFloat {
		t.Fatalf("ratio = %+v", byName["ratio"])
	}
	if byName["exact"].Type != ArgBool {
		t.Fatalf("exact = %+v", byName["exact"])
	}
	if byName["tags"].Type != ArgList {
		t.Fatalf("tags = %+v", byName["tags"])
	}
	if byName["filters"].Type != ArgMapping {
		t.Fatalf("filters = %+v", byName["filters"])
	}
	if byName["blob"].Type != ArgOpaque {
		t.Fatalf("blob = %+v", byName["blob"])
	}
}

func TestTranslateSchema_Empty(t *testing.T) {
	if args := translateSchema(map[string]any{"type": "object"}); args != nil {
		t.Fatalf("args = %v, want nil", args)
	}
}
