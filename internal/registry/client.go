// Package registry implements the Smithery MCP server registry client:
// keyword search, server metadata retrieval, and resolution of
// registry-hosted endpoints that require OAuth.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yudduy/oneshot/internal/config"
	"github.com/yudduy/oneshot/internal/oauth"
	"github.com/yudduy/oneshot/internal/telemetry"
	"github.com/yudduy/oneshot/internal/tokenstore"
)

// DefaultBaseURL is the production registry endpoint.
const DefaultBaseURL = "https://registry.smithery.ai"

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
)

// Candidate is one search result.
type Candidate struct {
	QualifiedName string
	DisplayName   string
	Description   string
}

// Connection is one way to reach a registered server.
type Connection struct {
	DeploymentURL string         `json:"deploymentUrl"`
	Type          string         `json:"type"`
	ConfigSchema  map[string]any `json:"configSchema,omitempty"`
}

// Metadata is a server's canonical registry record.
type Metadata struct {
	QualifiedName string       `json:"qualifiedName"`
	DisplayName   string       `json:"displayName,omitempty"`
	Description   string       `json:"description,omitempty"`
	Connections   []Connection `json:"connections"`
}

// TokenSource looks up stored OAuth tokens by server identity.
type TokenSource interface {
	Get(serverID string) (tokenstore.Record, bool)
}

// Client queries the registry with in-memory caching and bounded
// retries on transient network failures.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries int
	tokens     TokenSource
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	isHosted   func(url string) bool

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	searchCache map[string][]Candidate
	metaCache   map[string]*Metadata
	serverCache map[string]config.HTTPServerSpec
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the registry endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource wires stored OAuth tokens into server resolution.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records request counters on the given collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHostedCheck overrides how the client recognizes the registry's
// centralized hosting, whose endpoints require OAuth bearer tokens.
func WithHostedCheck(isHosted func(url string) bool) Option {
	return func(c *Client) { c.isHosted = isHosted }
}

// NewClient creates a registry client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     DefaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxRetries:  defaultMaxRetries,
		logger:      slog.Default(),
		isHosted:    oauth.IsSmitheryHosted,
		sleep:       sleepCtx,
		searchCache: make(map[string][]Candidate),
		metaCache:   make(map[string]*Metadata),
		serverCache: make(map[string]config.HTTPServerSpec),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search returns candidate servers for a keyword query. Results are
// cached per (query, limit); a repeated call does not hit the network.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	cacheKey := fmt.Sprintf("%s:%d", query, limit)
	if cached, ok := c.searchCache[cacheKey]; ok {
		return cached, nil
	}

	endpoint := fmt.Sprintf("%s/servers?q=%s&pageSize=%d", c.baseURL, url.QueryEscape(query), limit)
	body, err := c.getWithRetry(ctx, fmt.Sprintf("search %q", query), endpoint)
	if err != nil {
		return nil, err
	}

	candidates, err := decodeSearchBody(body)
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("search %q", query), Err: err}
	}

	c.searchCache[cacheKey] = candidates
	return candidates, nil
}

// GetMetadata fetches a server's full registry record. Results are
// cached by qualified name.
func (c *Client) GetMetadata(ctx context.Context, qualifiedName string) (*Metadata, error) {
	if cached, ok := c.metaCache[qualifiedName]; ok {
		return cached, nil
	}

	encoded := strings.NewReplacer("/", "%2F", "@", "%40").Replace(qualifiedName)
	endpoint := fmt.Sprintf("%s/servers/%s", c.baseURL, encoded)
	body, err := c.getWithRetry(ctx, fmt.Sprintf("get server %q", qualifiedName), endpoint)
	if err != nil {
		return nil, err
	}

	md, err := decodeMetadata(body)
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("get server %q", qualifiedName), Err: err}
	}
	if md.QualifiedName == "" {
		md.QualifiedName = qualifiedName
	}

	c.metaCache[qualifiedName] = md
	return md, nil
}

// GetServer resolves a qualified name to a connectable HTTP spec.
//
// Registry-hosted deployments require a bearer token: with a stored
// token the spec carries an Authorization header; without one the call
// returns an OAuthRequiredError holding the discovered OAuth
// configuration. Self-hosted URLs pass through untouched.
func (c *Client) GetServer(ctx context.Context, qualifiedName string) (config.HTTPServerSpec, error) {
	if cached, ok := c.serverCache[qualifiedName]; ok {
		return cached, nil
	}

	md, err := c.GetMetadata(ctx, qualifiedName)
	if err != nil {
		return config.HTTPServerSpec{}, err
	}

	if len(md.Connections) == 0 {
		return config.HTTPServerSpec{}, &Error{
			Op:  fmt.Sprintf("get server %q", qualifiedName),
			Err: fmt.Errorf("no connections defined"),
		}
	}

	conn := md.Connections[0]
	if conn.DeploymentURL == "" {
		return config.HTTPServerSpec{}, &Error{
			Op:  fmt.Sprintf("get server %q", qualifiedName),
			Err: fmt.Errorf("connection missing deploymentUrl"),
		}
	}

	transport := conn.Type
	if transport == "" {
		transport = config.TransportHTTP
	}

	spec := config.HTTPServerSpec{
		URL:       conn.DeploymentURL,
		Transport: transport,
	}
	if err := spec.Validate(); err != nil {
		return config.HTTPServerSpec{}, &Error{
			Op:  fmt.Sprintf("get server %q", qualifiedName),
			Err: err,
		}
	}

	if c.isHosted(conn.DeploymentURL) {
		var record tokenstore.Record
		var have bool
		if c.tokens != nil {
			record, have = c.tokens.Get(qualifiedName)
		}
		if !have {
			cfg, derr := oauth.DiscoverConfig(ctx, conn.DeploymentURL, c.httpClient)
			if derr != nil {
				return config.HTTPServerSpec{}, &Error{
					Op:  fmt.Sprintf("get server %q", qualifiedName),
					Err: derr,
				}
			}
			return config.HTTPServerSpec{}, &OAuthRequiredError{
				QualifiedName: qualifiedName,
				Resource:      conn.DeploymentURL,
				Config:        cfg,
			}
		}
		spec.Headers = map[string]string{
			"Authorization": "Bearer " + record.AccessToken,
		}
	}

	c.serverCache[qualifiedName] = spec
	return spec, nil
}

// InvalidateServer drops the cached spec for a qualified name, used
// after tokens change.
func (c *Client) InvalidateServer(qualifiedName string) {
	delete(c.serverCache, qualifiedName)
}

// getWithRetry performs an idempotent GET with up to maxRetries
// attempts and exponential backoff on transport errors (1s before the
// second attempt, 2s before the third).
// HTTP error statuses are not retried.
func (c *Client) getWithRetry(ctx context.Context, op, endpoint string) (body []byte, err error) {
	if c.metrics != nil {
		defer func() {
			status := "ok"
			if err != nil {
				status = "error"
			}
			c.metrics.RegistryRequests.WithLabelValues(opLabel(op), status).Inc()
		}()
	}

	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.Debug("registry retry", "op", op, "attempt", attempt+1, "backoff", backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, &Error{Op: op, Err: err}
			}
		}

		body, status, err := c.get(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &Error{Op: op, Err: ctx.Err()}
			}
			lastErr = err
			continue
		}
		if status < 200 || status > 299 {
			return nil, &Error{Op: op, Status: status, Body: string(body)}
		}
		return body, nil
	}

	return nil, &Error{
		Op:  op,
		Err: fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr),
	}
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// opLabel reduces an operation description to its verb for metric
// labels, keeping cardinality bounded.
func opLabel(op string) string {
	if verb, _, ok := strings.Cut(op, " "); ok {
		return verb
	}
	return op
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// searchRecord tolerates both camelCase and snake_case key spellings in
// the registry's wire body.
type searchRecord struct {
	QualifiedName      string `json:"qualifiedName"`
	QualifiedNameSnake string `json:"qualified_name"`
	DisplayName        string `json:"displayName"`
	DisplayNameSnake   string `json:"display_name"`
	Description        string `json:"description"`
}

func (r searchRecord) candidate() Candidate {
	name := r.QualifiedName
	if name == "" {
		name = r.QualifiedNameSnake
	}
	display := r.DisplayName
	if display == "" {
		display = r.DisplayNameSnake
	}
	return Candidate{QualifiedName: name, DisplayName: display, Description: r.Description}
}

// decodeSearchBody accepts either a top-level array of records or a
// {"servers": [...]} wrapper.
func decodeSearchBody(body []byte) ([]Candidate, error) {
	var records []searchRecord
	if err := json.Unmarshal(body, &records); err != nil {
		var wrapper struct {
			Servers []searchRecord `json:"servers"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("decode search response: %w", err)
		}
		records = wrapper.Servers
	}

	candidates := make([]Candidate, 0, len(records))
	for _, r := range records {
		cand := r.candidate()
		if cand.QualifiedName == "" {
			continue
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

func decodeMetadata(body []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("decode server metadata: %w", err)
	}
	if md.QualifiedName == "" {
		// Tolerate the snake_case spelling here too.
		var alt struct {
			QualifiedName string `json:"qualified_name"`
		}
		if err := json.Unmarshal(body, &alt); err == nil {
			md.QualifiedName = alt.QualifiedName
		}
	}
	return &md, nil
}
