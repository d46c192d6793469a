package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yudduy/oneshot/internal/agent"
	"github.com/yudduy/oneshot/internal/config"
	"github.com/yudduy/oneshot/internal/llm"
	"github.com/yudduy/oneshot/internal/registry"
)

const (
	maxAttempts   = 5
	searchLimit   = 5
	maxKeywords   = 5
	maxSuggestion = 3
)

// researchAliases name server specs usable as the research agent's web
// search backend.
var researchAliases = []string{"tavily", "search", "websearch"}

// research is the capability summary produced by phase 1.
type research struct {
	Description string
	Keywords    []string
}

func (r research) empty() bool {
	return r.Description == "" && len(r.Keywords) == 0
}

// discoverAndAdd resolves a capability keyword into a registered,
// working server spec. Returns true when a server was added.
func (o *Orchestrator) discoverAndAdd(ctx context.Context, capability string) bool {
	if o.registry == nil {
		return false
	}

	outcome := "failure"
	defer func() {
		if o.metrics != nil {
			o.metrics.DiscoveryRuns.WithLabelValues(outcome).Inc()
		}
	}()

	// Phase 1: research the capability with a throwaway web-search
	// agent. Any failure degrades to empty research.
	summary := o.researchCapability(ctx, capability)

	// Phase 2: expand into search queries.
	queries := buildQueries(capability, summary)

	// Phase 3: multi-query search, deduplicated by qualified name in
	// first-seen order.
	candidates := o.multiSearch(ctx, queries)
	if len(candidates) == 0 {
		fmt.Fprintf(o.out, "No MCP servers found for %q.\n", capability)
		return false
	}

	// Phase 4: rank and drop unrelated results.
	ranked := rankCandidates(capability, summary, candidates)
	if len(ranked) == 0 {
		o.suggestAlternatives(capability, candidates)
		return false
	}

	// Phase 5: attempt candidates in order.
	attempts := min(maxAttempts, len(ranked))
	for _, cand := range ranked[:attempts] {
		if o.attemptCandidate(ctx, capability, cand) {
			outcome = "success"
			return true
		}
	}

	o.suggestAlternatives(capability, ranked)
	return false
}

// researchCapability asks a temporary agent, restricted to the web
// search server, to define the capability.
func (o *Orchestrator) researchCapability(ctx context.Context, capability string) research {
	var searchSpec config.ServerSpec
	var alias string
	for _, name := range researchAliases {
		if spec, ok := o.servers[name]; ok {
			searchSpec, alias = spec, name
			break
		}
	}
	if searchSpec == nil {
		return research{}
	}

	researcher, _, err := agent.Build(ctx, map[string]config.ServerSpec{alias: searchSpec}, agent.Options{
		Model:  o.model,
		Client: o.client,
		System: "You are a research assistant. Answer concisely.",
		Dialer: o.dialer,
		Logger: o.logger,
	})
	if err != nil {
		o.logger.Debug("research agent build failed", "error", err)
		return research{}
	}

	prompt := fmt.Sprintf(
		"Define the capability %q in 1-2 sentences. Then on a final line write "+
			"\"Keywords:\" followed by up to 5 comma-separated search keywords for it.",
		capability)
	_, answer, err := researcher.Run(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		o.logger.Debug("research failed", "capability", capability, "error", err)
		return research{}
	}

	return parseResearch(answer)
}

// parseResearch splits a research answer into a description and up to
// five keywords.
func parseResearch(answer string) research {
	var out research
	for _, line := range strings.Split(answer, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if rest, ok := cutPrefixFold(trimmed, "keywords:"); ok {
			for _, kw := range strings.Split(rest, ",") {
				kw = strings.TrimSpace(kw)
				if kw != "" && len(out.Keywords) < maxKeywords {
					out.Keywords = append(out.Keywords, kw)
				}
			}
			continue
		}
		if out.Description == "" {
			out.Description = trimmed
		} else {
			out.Description += " " + trimmed
		}
	}
	return out
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return strings.TrimSpace(s[len(prefix):]), true
	}
	return "", false
}

// buildQueries yields the fixed query set, extended with research
// output when present.
func buildQueries(capability string, summary research) []string {
	queries := []string{
		capability,
		capability + " mcp",
		capability + " server",
	}
	if summary.empty() {
		return queries
	}
	if sentence := firstSentence(summary.Description); sentence != "" {
		queries = append(queries, sentence)
	}
	if len(summary.Keywords) > 0 {
		top := summary.Keywords
		if len(top) > 3 {
			top = top[:3]
		}
		queries = append(queries, strings.Join(top, " "))
	}
	return queries
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?"); i > 0 {
		return strings.TrimSpace(text[:i])
	}
	return text
}

// multiSearch runs all queries and concatenates the results,
// deduplicating by qualified name in first-seen order. Individual
// query failures are skipped.
func (o *Orchestrator) multiSearch(ctx context.Context, queries []string) []registry.Candidate {
	var out []registry.Candidate
	seen := make(map[string]bool)

	for _, query := range queries {
		results, err := o.registry.Search(ctx, query, searchLimit)
		if err != nil {
			o.logger.Debug("search failed", "query", query, "error", err)
			continue
		}
		for _, cand := range results {
			if seen[cand.QualifiedName] {
				continue
			}
			seen[cand.QualifiedName] = true
			out = append(out, cand)
		}
	}
	return out
}

// rankCandidates assigns relevance scores and returns the non-zero
// candidates in descending order. Score-zero candidates are dropped so
// fuzzy search noise is never attempted.
func rankCandidates(capability string, summary research, candidates []registry.Candidate) []registry.Candidate {
	type scored struct {
		cand  registry.Candidate
		score int
	}

	capLower := strings.ToLower(capability)
	var ranked []scored

	for _, cand := range candidates {
		score := 0
		switch {
		case strings.Contains(strings.ToLower(cand.QualifiedName), capLower):
			score = 100
		case strings.Contains(strings.ToLower(cand.DisplayName), capLower):
			score = 80
		case strings.Contains(strings.ToLower(cand.Description), capLower):
			score = 60
		default:
			if len(summary.Keywords) > 0 {
				descLower := strings.ToLower(cand.Description)
				matches := 0
				for _, kw := range summary.Keywords {
					if strings.Contains(descLower, strings.ToLower(kw)) {
						matches++
					}
				}
				if matches >= 1 {
					score = 40 + 5*matches
				}
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{cand, score})
		}
	}

	// Stable sort keeps first-seen order among equals.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	out := make([]registry.Candidate, len(ranked))
	for i, s := range ranked {
		out[i] = s.cand
	}
	return out
}

// attemptCandidate tries one ranked candidate: local installation
// first, then the registry-hosted endpoint.
func (o *Orchestrator) attemptCandidate(ctx context.Context, capability string, cand registry.Candidate) bool {
	md, err := o.registry.GetMetadata(ctx, cand.QualifiedName)
	if err != nil {
		o.logger.Debug("metadata fetch failed", "candidate", cand.QualifiedName, "error", err)
		return false
	}

	if spec, err := o.installer.AttemptLocalInstallation(ctx, md, nil, o.prompter != nil); err == nil && spec != nil {
		o.servers[capability] = *spec
		if o.verbose {
			fmt.Fprintf(o.out, "[discovery] installed %s locally as %q\n", cand.QualifiedName, capability)
		}
		return true
	}

	spec, err := o.registry.GetServer(ctx, cand.QualifiedName)
	if err != nil {
		var oauthReq *registry.OAuthRequiredError
		if errors.As(err, &oauthReq) {
			if !o.handleOAuthRequired(ctx, oauthReq) {
				return false
			}
			spec, err = o.registry.GetServer(ctx, cand.QualifiedName)
			if err != nil {
				o.logger.Debug("server fetch failed after authorization", "candidate", cand.QualifiedName, "error", err)
				return false
			}
		} else {
			o.logger.Debug("server fetch failed", "candidate", cand.QualifiedName, "error", err)
			return false
		}
	}

	o.servers[capability] = spec
	if o.verbose {
		fmt.Fprintf(o.out, "[discovery] added %s as %q\n", cand.QualifiedName, capability)
	}
	return true
}

// suggestAlternatives prints the top candidates and a manual
// configuration pointer after all attempts failed.
func (o *Orchestrator) suggestAlternatives(capability string, candidates []registry.Candidate) {
	fmt.Fprintf(o.out, "Could not add a working %q server automatically.\n", capability)
	n := min(maxSuggestion, len(candidates))
	if n > 0 {
		fmt.Fprintln(o.out, "Closest candidates:")
		for _, cand := range candidates[:n] {
			desc := cand.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Fprintf(o.out, "  - %s: %s\n", cand.QualifiedName, desc)
		}
	}
	fmt.Fprintln(o.out, "You can configure a server manually with --http or --stdio.")
}
