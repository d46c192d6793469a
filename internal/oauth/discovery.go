package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// smitheryHostSubstring marks servers on the registry's centralized
// hosting, whose OAuth configuration is fixed.
const smitheryHostSubstring = "server.smithery.ai"

// smitheryConfig avoids a discovery round-trip for registry-hosted
// servers.
func smitheryConfig(resource string) Config {
	return Config{
		AuthorizationEndpoint: "https://auth.smithery.ai/oauth/authorize",
		TokenEndpoint:         "https://auth.smithery.ai/oauth/token",
		Resource:              resource,
		Scopes:                []string{"read", "write"},
		TokenTypes:            []string{"Bearer"},
	}
}

// IsSmitheryHosted reports whether a deployment URL points at the
// registry's centralized hosting.
func IsSmitheryHosted(resourceURL string) bool {
	return strings.Contains(resourceURL, smitheryHostSubstring)
}

type wellKnownMetadata struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	Resource              string   `json:"resource,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	TokenTypesSupported   []string `json:"token_types_supported,omitempty"`
}

// DiscoverConfig resolves the OAuth configuration for a protected
// resource. It tries the RFC 8414 authorization-server metadata
// endpoint first and falls back to RFC 9728 protected-resource
// metadata. Registry-hosted resources short-circuit to the known
// configuration.
func DiscoverConfig(ctx context.Context, resourceURL string, client *http.Client) (Config, error) {
	if IsSmitheryHosted(resourceURL) {
		return smitheryConfig(resourceURL), nil
	}

	parsed, err := url.Parse(resourceURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Config{}, &Error{Op: "discovery", Err: fmt.Errorf("invalid resource url %q", resourceURL)}
	}
	origin := parsed.Scheme + "://" + parsed.Host

	if client == nil {
		client = http.DefaultClient
	}

	md, err := fetchWellKnown(ctx, client, origin+"/.well-known/oauth-authorization-server")
	if err != nil {
		fallbackMD, fallbackErr := fetchWellKnown(ctx, client, origin+"/.well-known/oauth-protected-resource")
		if fallbackErr != nil {
			return Config{}, &Error{Op: "discovery",
				Err: fmt.Errorf("both RFC 8414 and RFC 9728 endpoints failed: %w", fallbackErr)}
		}
		md = fallbackMD
	}

	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return Config{}, &Error{Op: "discovery", Err: fmt.Errorf("metadata missing endpoint fields")}
	}

	cfg := Config{
		AuthorizationEndpoint: md.AuthorizationEndpoint,
		TokenEndpoint:         md.TokenEndpoint,
		Resource:              md.Resource,
		Scopes:                md.ScopesSupported,
		TokenTypes:            md.TokenTypesSupported,
	}
	if cfg.Resource == "" {
		cfg.Resource = resourceURL
	}
	if len(cfg.TokenTypes) == 0 {
		cfg.TokenTypes = []string{"Bearer"}
	}
	return cfg, nil
}

func fetchWellKnown(ctx context.Context, client *http.Client, endpoint string) (wellKnownMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return wellKnownMetadata{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return wellKnownMetadata{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wellKnownMetadata{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return wellKnownMetadata{}, fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
	}

	var md wellKnownMetadata
	if err := json.Unmarshal(body, &md); err != nil {
		return wellKnownMetadata{}, fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return md, nil
}
