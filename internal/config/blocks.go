package config

import (
	"fmt"
	"strings"
)

// ParseStdioBlock parses a --stdio flag value of the form
//
//	"name=echo command=python args='-m mymod --port 3333' env.API_KEY=xyz cwd=/tmp keep_alive=false"
//
// into the server alias and its spec.
func ParseStdioBlock(block string) (string, StdioServerSpec, error) {
	kv, err := parseKV(block)
	if err != nil {
		return "", StdioServerSpec{}, err
	}

	name := kv["name"]
	if name == "" {
		return "", StdioServerSpec{}, fmt.Errorf("--stdio block: missing required key: name")
	}
	command := kv["command"]
	if command == "" {
		return "", StdioServerSpec{}, fmt.Errorf("--stdio block: missing required key: command")
	}

	var args []string
	if raw := kv["args"]; raw != "" {
		args, err = splitQuoted(raw)
		if err != nil {
			return "", StdioServerSpec{}, fmt.Errorf("--stdio block: args: %w", err)
		}
	}

	spec := StdioServerSpec{
		Command:   command,
		Args:      args,
		Env:       prefixedValues(kv, "env."),
		Cwd:       kv["cwd"],
		KeepAlive: strings.ToLower(kv["keep_alive"]) != "false",
	}
	return name, spec, spec.Validate()
}

// ParseHTTPBlock parses a --http flag value of the form
//
//	"name=remote url=http://127.0.0.1:8000/mcp transport=http header.X-Key=abc auth=bearer"
//
// into the server alias and its spec.
func ParseHTTPBlock(block string) (string, HTTPServerSpec, error) {
	kv, err := parseKV(block)
	if err != nil {
		return "", HTTPServerSpec{}, err
	}

	name := kv["name"]
	if name == "" {
		return "", HTTPServerSpec{}, fmt.Errorf("--http block: missing required key: name")
	}
	url := kv["url"]
	if url == "" {
		return "", HTTPServerSpec{}, fmt.Errorf("--http block: missing required key: url")
	}

	transport := kv["transport"]
	if transport == "" {
		transport = TransportHTTP
	}

	spec := HTTPServerSpec{
		URL:       url,
		Transport: transport,
		Headers:   prefixedValues(kv, "header."),
		Auth:      kv["auth"],
	}
	return name, spec, spec.Validate()
}

// parseKV splits a block into shell-style tokens and parses each token
// as key=value. Values may be single- or double-quoted to contain
// spaces.
func parseKV(block string) (map[string]string, error) {
	tokens, err := splitQuoted(block)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got: %s", tok)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

// splitQuoted splits s on whitespace, honoring single and double quotes.
// Quotes may appear mid-token (args='-m mod') and are stripped from the
// result.
func splitQuoted(s string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		quote  rune
		inTok  bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inTok = true
		case r == ' ' || r == '\t' || r == '\n':
			if inTok {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inTok {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

func prefixedValues(kv map[string]string, prefix string) map[string]string {
	var out map[string]string
	for k, v := range kv {
		if strings.HasPrefix(k, prefix) {
			if out == nil {
				out = make(map[string]string)
			}
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}
