// Package config defines typed MCP server specifications and their
// translation to and from the wire configuration consumed by the MCP
// client layer.
package config

import (
	"fmt"
)

// MaxToolsPerServer caps how many tools a single server may contribute
// to the agent's catalog. Larger servers have their tail dropped so the
// tool catalog stays within the model's context budget.
const MaxToolsPerServer = 30

// Supported HTTP transports.
const (
	TransportHTTP           = "http"
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// ServerSpec describes how to reach one MCP server. It is a closed
// union: StdioServerSpec or HTTPServerSpec.
type ServerSpec interface {
	serverSpec()
	Validate() error
}

// StdioServerSpec describes a local MCP server launched as a subprocess
// speaking the stdio transport.
type StdioServerSpec struct {
	Command   string            `json:"command" yaml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	KeepAlive bool              `json:"keep_alive" yaml:"keep_alive"`
}

func (StdioServerSpec) serverSpec() {}

// Validate checks the spec invariants.
func (s StdioServerSpec) Validate() error {
	if s.Command == "" {
		return fmt.Errorf("stdio server: command is required")
	}
	return nil
}

// HTTPServerSpec describes a remote MCP server reachable over HTTP.
type HTTPServerSpec struct {
	URL       string            `json:"url" yaml:"url"`
	Transport string            `json:"transport" yaml:"transport"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth      string            `json:"auth,omitempty" yaml:"auth,omitempty"`
}

func (HTTPServerSpec) serverSpec() {}

// Validate checks the spec invariants: non-empty URL and a transport
// from the allowed set.
func (s HTTPServerSpec) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("http server: url is required")
	}
	switch s.Transport {
	case TransportHTTP, TransportStreamableHTTP, TransportSSE:
		return nil
	default:
		return fmt.Errorf("http server: unsupported transport %q", s.Transport)
	}
}

// ToWireConfig converts server specs into the configuration mapping
// consumed by the MCP client layer, keyed by local alias.
//
// Empty env maps and absent working directories are omitted rather than
// encoded as nulls: the downstream client rejects explicit nulls.
// Headers and auth appear only when non-empty.
func ToWireConfig(servers map[string]ServerSpec) map[string]map[string]any {
	cfg := make(map[string]map[string]any, len(servers))
	for name, spec := range servers {
		switch s := spec.(type) {
		case StdioServerSpec:
			entry := map[string]any{
				"transport":  "stdio",
				"command":    s.Command,
				"args":       append([]string{}, s.Args...),
				"keep_alive": s.KeepAlive,
			}
			if len(s.Env) > 0 {
				entry["env"] = s.Env
			}
			if s.Cwd != "" {
				entry["cwd"] = s.Cwd
			}
			cfg[name] = entry
		case HTTPServerSpec:
			entry := map[string]any{
				"transport": s.Transport,
				"url":       s.URL,
			}
			if len(s.Headers) > 0 {
				entry["headers"] = s.Headers
			}
			if s.Auth != "" {
				entry["auth"] = s.Auth
			}
			cfg[name] = entry
		}
	}
	return cfg
}

// SpecsFromWire is the inverse of ToWireConfig. It accepts the wire
// mapping and reconstructs typed specs, validating each entry.
func SpecsFromWire(wire map[string]map[string]any) (map[string]ServerSpec, error) {
	servers := make(map[string]ServerSpec, len(wire))
	for name, entry := range wire {
		transport, _ := entry["transport"].(string)
		if transport == "stdio" {
			spec := StdioServerSpec{KeepAlive: true}
			spec.Command, _ = entry["command"].(string)
			spec.Args = toStringSlice(entry["args"])
			spec.Env = toStringMap(entry["env"])
			spec.Cwd, _ = entry["cwd"].(string)
			if ka, ok := entry["keep_alive"].(bool); ok {
				spec.KeepAlive = ka
			}
			if err := spec.Validate(); err != nil {
				return nil, fmt.Errorf("server %q: %w", name, err)
			}
			servers[name] = spec
			continue
		}
		spec := HTTPServerSpec{Transport: transport}
		spec.URL, _ = entry["url"].(string)
		spec.Headers = toStringMap(entry["headers"])
		spec.Auth, _ = entry["auth"].(string)
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		servers[name] = spec
	}
	return servers, nil
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string{}, vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, it := range vv {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toStringMap(v any) map[string]string {
	switch vv := v.(type) {
	case map[string]string:
		if len(vv) == 0 {
			return nil
		}
		out := make(map[string]string, len(vv))
		for k, val := range vv {
			out[k] = val
		}
		return out
	case map[string]any:
		if len(vv) == 0 {
			return nil
		}
		out := make(map[string]string, len(vv))
		for k, val := range vv {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
