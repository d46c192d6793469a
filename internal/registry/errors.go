package registry

import (
	"fmt"

	"github.com/yudduy/oneshot/internal/oauth"
)

// Error is raised when a registry operation fails: a non-2xx response
// or exhausted network attempts.
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("registry: %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("registry: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// OAuthRequiredError signals that a registry-hosted server needs a
// bearer token before it can be used. It is a control-flow signal, not
// a failure: the orchestrator authorizes and retries.
type OAuthRequiredError struct {
	QualifiedName string
	Resource      string
	Config        oauth.Config
}

func (e *OAuthRequiredError) Error() string {
	return fmt.Sprintf("registry: server %q requires OAuth authorization", e.QualifiedName)
}
