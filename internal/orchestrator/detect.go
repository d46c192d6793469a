package orchestrator

import (
	"regexp"
	"strings"
)

// The detection catalogs are data, compiled once.

// explicitRequestPatterns match user phrasing that names a wanted
// server outright; the first capture group is the capability.
var explicitRequestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`fetch\s+(\w+)\s+mcp`),
	regexp.MustCompile(`use\s+(\w+)\s+mcp`),
	regexp.MustCompile(`get\s+(\w+)\s+(server|mcp)`),
	regexp.MustCompile(`add\s+(\w+)\s+(server|tools|mcp)`),
	regexp.MustCompile(`install\s+(\w+)`),
	regexp.MustCompile(`load\s+(\w+)\s+(server|mcp)`),
}

// missingToolPatterns match assistant replies that signal a missing
// capability.
var missingToolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`i don'?t have (access to|tools for)`),
	regexp.MustCompile(`i (cannot|can'?t) .* without`),
	regexp.MustCompile(`i'?m unable to`),
	regexp.MustCompile(`(there are )?no .*(server|tool)s? .*(available|configured)`),
	regexp.MustCompile(`i don'?t have`),
	regexp.MustCompile(`i cannot`),
}

// capabilityKeywords maps a capability to the user phrasings that
// imply it. Ordered: the first match wins.
var capabilityKeywords = []struct {
	capability string
	keywords   []string
}{
	{"github", []string{"github", "git hub", "repository", "repositories"}},
	{"weather", []string{"weather", "forecast", "temperature", "climate"}},
	{"database", []string{"database", "db", "sql", "query", "queries"}},
	{"search", []string{"search", "google", "bing"}},
	{"email", []string{"email", "mail", "smtp"}},
	{"slack", []string{"slack", "messaging"}},
	{"jira", []string{"jira", "ticket", "issue tracker"}},
	{"calendar", []string{"calendar", "schedule", "appointment"}},
}

// extractExplicitRequest returns the capability when the user message
// names a server to add, or "" otherwise.
func extractExplicitRequest(userMessage string) string {
	lower := strings.ToLower(userMessage)
	for _, pattern := range explicitRequestPatterns {
		if m := pattern.FindStringSubmatch(lower); m != nil {
			return m[1]
		}
	}
	return ""
}

// detectsMissingTools reports whether the assistant reply indicates a
// missing capability.
func detectsMissingTools(response string) bool {
	lower := strings.ToLower(response)
	for _, pattern := range missingToolPatterns {
		if pattern.MatchString(lower) {
			return true
		}
	}
	return false
}

// extractCapability maps the user's phrasing to a capability keyword,
// or "" when unclear.
func extractCapability(userMessage string) string {
	lower := strings.ToLower(userMessage)
	for _, entry := range capabilityKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(lower, keyword) {
				return entry.capability
			}
		}
	}
	return ""
}
