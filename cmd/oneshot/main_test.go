package main

import (
	"testing"

	"github.com/yudduy/oneshot/internal/config"
)

func TestAssembleServers_FlagBlocks(t *testing.T) {
	t.Setenv("TAVILY_API_KEY", "")

	servers, err := assembleServers("",
		[]string{"name=local command=npx args='-y @foo/bar'"},
		[]string{"name=remote url=http://localhost:8000/mcp transport=sse"},
	)
	if err != nil {
		t.Fatalf("assembleServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %v", servers)
	}
	if _, ok := servers["local"].(config.StdioServerSpec); !ok {
		t.Fatalf("local = %#v", servers["local"])
	}
	if spec, ok := servers["remote"].(config.HTTPServerSpec); !ok || spec.Transport != config.TransportSSE {
		t.Fatalf("remote = %#v", servers["remote"])
	}
}

func TestAssembleServers_BadBlock(t *testing.T) {
	if _, err := assembleServers("", nil, []string{"name=broken"}); err == nil {
		t.Fatal("expected error for block without url")
	}
}

func TestDefaultServers_TavilyAutoWiring(t *testing.T) {
	t.Setenv("TAVILY_API_KEY", "tvly-test-123")

	servers := defaultServers()
	spec, ok := servers["tavily"].(config.HTTPServerSpec)
	if !ok {
		t.Fatalf("tavily = %#v", servers["tavily"])
	}
	if spec.URL != "https://mcp.tavily.com/mcp/?tavilyApiKey=tvly-test-123" {
		t.Fatalf("url = %q", spec.URL)
	}

	t.Setenv("TAVILY_API_KEY", "")
	if _, ok := defaultServers()["tavily"]; ok {
		t.Fatal("tavily must not be wired without the key")
	}
}

func TestIsSecretPrompt(t *testing.T) {
	secret := []string{
		"Configuration required: apiKey (API key) [env PKG_API_KEY]: ",
		"Enter your token: ",
	}
	plain := []string{
		"Configuration required: region: ",
		"Server @x/y requires sign-in via your browser. Authorize? [yes/no]: ",
	}
	for _, p := range secret {
		if !isSecretPrompt(p) {
			t.Errorf("isSecretPrompt(%q) = false", p)
		}
	}
	for _, p := range plain {
		if isSecretPrompt(p) {
			t.Errorf("isSecretPrompt(%q) = true", p)
		}
	}
}
