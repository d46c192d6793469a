package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadServersFile reads a YAML mapping of server alias to wire-shaped
// entries and returns typed specs. The file uses the same keys as the
// wire configuration:
//
//	math:
//	  transport: http
//	  url: http://127.0.0.1:8000/mcp
//	local:
//	  transport: stdio
//	  command: npx
//	  args: ["-y", "@foo/bar"]
func LoadServersFile(path string) (map[string]ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("servers file: %w", err)
	}

	var wire map[string]map[string]any
	if err := yaml.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("servers file %s: %w", path, err)
	}

	servers, err := SpecsFromWire(wire)
	if err != nil {
		return nil, fmt.Errorf("servers file %s: %w", path, err)
	}
	return servers, nil
}
