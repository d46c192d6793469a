package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestGeneratePKCEPair(t *testing.T) {
	verifier, challenge, err := GeneratePKCEPair()
	if err != nil {
		t.Fatal(err)
	}
	if len(verifier) != 64 {
		t.Fatalf("verifier length = %d, want 64", len(verifier))
	}
	if len(challenge) != 43 {
		t.Fatalf("challenge length = %d, want 43", len(challenge))
	}
	if strings.ContainsAny(verifier, "=+/") || strings.ContainsAny(challenge, "=+/") {
		t.Fatal("pair must be unpadded URL-safe base64")
	}

	sum := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if challenge != want {
		t.Fatalf("challenge = %q, want base64url(sha256(verifier)) = %q", challenge, want)
	}
}

func TestGeneratePKCEPair_Unique(t *testing.T) {
	v1, _, _ := GeneratePKCEPair()
	v2, _, _ := GeneratePKCEPair()
	if v1 == v2 {
		t.Fatal("verifiers must be random")
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	auth := &Authenticator{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
		ClientID:              "oneshot",
		Scopes:                []string{"read", "write"},
	}

	raw := auth.BuildAuthorizationURL("http://localhost:8765/callback", "chal", "st4te")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := parsed.Query()

	for key, want := range map[string]string{
		"response_type":         "code",
		"client_id":             "oneshot",
		"redirect_uri":          "http://localhost:8765/callback",
		"code_challenge":        "chal",
		"code_challenge_method": "S256",
		"scope":                 "read write",
		"state":                 "st4te",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestBuildAuthorizationURL_OptionalParams(t *testing.T) {
	auth := &Authenticator{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		ClientID:              "oneshot",
	}
	raw := auth.BuildAuthorizationURL("http://localhost:8765/callback", "chal", "")
	q, _ := url.Parse(raw)
	if q.Query().Has("scope") || q.Query().Has("state") {
		t.Fatal("empty scope and state must be omitted")
	}
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", got)
		}
		for key, want := range map[string]string{
			"grant_type":    "authorization_code",
			"code":          "auth-code",
			"redirect_uri":  "http://localhost:8765/callback",
			"client_id":     "oneshot",
			"code_verifier": "verifier-123",
		} {
			if got := r.PostFormValue(key); got != want {
				t.Errorf("%s = %q, want %q", key, got, want)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "at", "token_type": "Bearer", "expires_in": 3600, "refresh_token": "rt"}`))
	}))
	defer srv.Close()

	auth := &Authenticator{TokenEndpoint: srv.URL, ClientID: "oneshot"}
	tokens, err := auth.ExchangeCode(context.Background(), "auth-code", "verifier-123", "http://localhost:8765/callback")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokens.AccessToken != "at" || tokens.RefreshToken != "rt" || tokens.ExpiresIn != 3600 {
		t.Fatalf("tokens = %+v", tokens)
	}
}

func TestExchangeCode_VerifierMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": "invalid_grant", "error_description": "verifier validation failed"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	auth := &Authenticator{TokenEndpoint: srv.URL, ClientID: "oneshot"}
	_, err := auth.ExchangeCode(context.Background(), "code", "wrong-verifier", "http://localhost:8765/callback")
	if err == nil {
		t.Fatal("expected error")
	}
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("error type = %T", err)
	}
	if oerr.Status != http.StatusBadRequest {
		t.Fatalf("status = %d", oerr.Status)
	}
	if !strings.Contains(oerr.Body, "verifier validation failed") {
		t.Fatalf("body = %q", oerr.Body)
	}
}

func TestRefresh_RotatesToken(t *testing.T) {
	// First refresh succeeds and rotates; reusing the old refresh
	// token then fails.
	valid := "rt-1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostFormValue("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostFormValue("grant_type"))
		}
		if r.PostFormValue("refresh_token") != valid {
			http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
			return
		}
		valid = "rt-2"
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "at-2", "token_type": "Bearer", "refresh_token": "rt-2"}`))
	}))
	defer srv.Close()

	auth := &Authenticator{TokenEndpoint: srv.URL, ClientID: "oneshot"}

	tokens, err := auth.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tokens.RefreshToken != "rt-2" {
		t.Fatalf("refresh token = %q, want rotated rt-2", tokens.RefreshToken)
	}

	if _, err := auth.Refresh(context.Background(), "rt-1"); err == nil {
		t.Fatal("old refresh token must fail after rotation")
	}
}

func TestDiscoverConfig_RFC8414(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"authorization_endpoint": "https://auth.example.com/authorize",
			"token_endpoint": "https://auth.example.com/token",
			"scopes_supported": ["mcp"]
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg, err := DiscoverConfig(context.Background(), srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if cfg.AuthorizationEndpoint != "https://auth.example.com/authorize" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Resource != srv.URL+"/mcp" {
		t.Fatalf("resource = %q", cfg.Resource)
	}
	if len(cfg.TokenTypes) != 1 || cfg.TokenTypes[0] != "Bearer" {
		t.Fatalf("token types = %v, want Bearer default", cfg.TokenTypes)
	}
}

func TestDiscoverConfig_FallsBackToRFC9728(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"authorization_endpoint": "https://fallback.example.com/authorize",
			"token_endpoint": "https://fallback.example.com/token",
			"resource": "https://resource.example.com/mcp"
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg, err := DiscoverConfig(context.Background(), srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if cfg.AuthorizationEndpoint != "https://fallback.example.com/authorize" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Resource != "https://resource.example.com/mcp" {
		t.Fatalf("resource = %q", cfg.Resource)
	}
}

func TestDiscoverConfig_BothEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	if _, err := DiscoverConfig(context.Background(), srv.URL+"/mcp", nil); err == nil {
		t.Fatal("expected error when both discovery endpoints fail")
	}
}

func TestDiscoverConfig_SmitheryShortCircuit(t *testing.T) {
	cfg, err := DiscoverConfig(context.Background(), "https://server.smithery.ai/@x/github/mcp", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthorizationEndpoint != "https://auth.smithery.ai/oauth/authorize" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.TokenEndpoint != "https://auth.smithery.ai/oauth/token" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestCallbackServer_ReceivesCode(t *testing.T) {
	server := NewCallbackServer("http://localhost:18923/callback")
	server.Timeout = 5 * time.Second

	visited := make(chan string, 1)
	server.OpenBrowser = func(u string) error {
		visited <- u
		// Simulate the redirect back from the authorization server.
		go func() {
			resp, err := http.Get("http://127.0.0.1:18923/callback?code=the-code&state=s")
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}

	code, err := server.Authorize(context.Background(), "https://auth.example.com/authorize?x=1")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if code != "the-code" {
		t.Fatalf("code = %q", code)
	}
	if got := <-visited; got != "https://auth.example.com/authorize?x=1" {
		t.Fatalf("browser opened %q", got)
	}
}

func TestCallbackServer_ErrorRedirect(t *testing.T) {
	server := NewCallbackServer("http://localhost:18924/callback")
	server.Timeout = 5 * time.Second
	server.OpenBrowser = func(string) error {
		go func() {
			resp, err := http.Get("http://127.0.0.1:18924/callback?error=access_denied&error_description=user+declined")
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}

	_, err := server.Authorize(context.Background(), "https://auth.example.com/authorize")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "user declined") {
		t.Fatalf("err = %v", err)
	}
}

func TestCallbackServer_Timeout(t *testing.T) {
	server := NewCallbackServer("http://localhost:18925/callback")
	server.Timeout = 100 * time.Millisecond
	server.OpenBrowser = func(string) error { return nil }

	_, err := server.Authorize(context.Background(), "https://auth.example.com/authorize")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}
}
