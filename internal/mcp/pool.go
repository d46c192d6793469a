package mcp

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/yudduy/oneshot/internal/config"
)

// Dialer opens a session to one server. The default dialer speaks the
// MCP wire protocol; tests substitute scripted sessions.
type Dialer interface {
	Dial(ctx context.Context, alias string, spec config.ServerSpec) (Session, error)
}

type clientDialer struct{}

func (clientDialer) Dial(ctx context.Context, alias string, spec config.ServerSpec) (Session, error) {
	client := NewClient(alias, spec)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Pool manages sessions keyed by server alias. singleflight ensures a
// single connection attempt per alias even under concurrent calls.
type Pool struct {
	dialer  Dialer
	clients sync.Map // map[string]Session
	group   singleflight.Group
	mu      sync.Mutex // for Close()
}

// NewPool creates an empty session pool. A nil dialer uses the MCP
// client.
func NewPool(dialer Dialer) *Pool {
	if dialer == nil {
		dialer = clientDialer{}
	}
	return &Pool{dialer: dialer}
}

// Connect returns the session for alias, opening one if needed.
func (p *Pool) Connect(ctx context.Context, alias string, spec config.ServerSpec) (Session, error) {
	if c, ok := p.clients.Load(alias); ok {
		return c.(Session), nil
	}

	result, err, _ := p.group.Do(alias, func() (any, error) {
		if c, ok := p.clients.Load(alias); ok {
			return c.(Session), nil
		}
		c, err := p.dialer.Dial(ctx, alias, spec)
		if err != nil {
			return nil, fmt.Errorf("pool connect %s: %w", alias, err)
		}
		p.clients.Store(alias, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Session), nil
}

// Get returns an existing session by alias.
func (p *Pool) Get(alias string) (Session, error) {
	c, ok := p.clients.Load(alias)
	if !ok {
		return nil, fmt.Errorf("mcp server %q not connected", alias)
	}
	return c.(Session), nil
}

// Close closes all sessions in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	p.clients.Range(func(key, value any) bool {
		alias := key.(string)
		c := value.(Session)
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", alias, err)
		}
		p.clients.Delete(key)
		return true
	})
	return firstErr
}
