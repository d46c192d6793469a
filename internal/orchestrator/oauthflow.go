package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yudduy/oneshot/internal/oauth"
	"github.com/yudduy/oneshot/internal/registry"
	"github.com/yudduy/oneshot/internal/tokenstore"
)

const (
	oauthClientID = "oneshot-mcp"
	redirectURI   = "http://localhost:8765/callback"
)

// isConsent accepts the yes-variants, case-insensitively and with
// surrounding whitespace stripped.
func isConsent(answer string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), "yes") ||
		strings.EqualFold(strings.TrimSpace(answer), "y")
}

// handleOAuthRequired coordinates consent, the PKCE flow, token
// persistence and cache invalidation for one candidate. It never
// returns an error: any failure declines the candidate and discovery
// moves on.
func (o *Orchestrator) handleOAuthRequired(ctx context.Context, req *registry.OAuthRequiredError) bool {
	outcome := "declined"
	defer func() {
		if o.metrics != nil {
			o.metrics.OAuthFlows.WithLabelValues(outcome).Inc()
		}
	}()

	if o.prompter == nil {
		o.logger.Debug("oauth required but no prompter; skipping", "server", req.QualifiedName)
		return false
	}

	answer, err := o.prompter.Ask(fmt.Sprintf(
		"Server %s requires sign-in via your browser. Authorize? [yes/no]: ", req.QualifiedName))
	if err != nil || !isConsent(answer) {
		return false
	}

	verifier, challenge, err := oauth.GeneratePKCEPair()
	if err != nil {
		o.logger.Debug("pkce generation failed", "error", err)
		outcome = "failure"
		return false
	}

	authenticator := oauth.NewAuthenticator(req.Config, oauthClientID)
	state := uuid.NewString()
	authURL := authenticator.BuildAuthorizationURL(redirectURI, challenge, state)

	code, err := o.authorize(ctx, authURL)
	if err != nil {
		if o.verbose {
			fmt.Fprintf(o.out, "[oauth] authorization failed for %s: %v\n", req.QualifiedName, err)
		}
		outcome = "failure"
		return false
	}

	tokens, err := authenticator.ExchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		if o.verbose {
			fmt.Fprintf(o.out, "[oauth] token exchange failed for %s: %v\n", req.QualifiedName, err)
		}
		outcome = "failure"
		return false
	}

	if o.tokens != nil {
		record := tokenstore.Record{
			AccessToken:  tokens.AccessToken,
			TokenType:    tokens.TokenType,
			ExpiresIn:    tokens.ExpiresIn,
			RefreshToken: tokens.RefreshToken,
		}
		if err := o.tokens.Save(req.QualifiedName, record); err != nil {
			o.logger.Warn("failed to persist tokens", "server", req.QualifiedName, "error", err)
		}
	}

	// The cached spec (if any) predates the token.
	if o.registry != nil {
		o.registry.InvalidateServer(req.QualifiedName)
	}

	outcome = "success"
	return true
}
