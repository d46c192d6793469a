package oauth

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"
)

// DefaultCallbackTimeout bounds how long the listener waits for the
// browser redirect.
const DefaultCallbackTimeout = 120 * time.Second

const successPage = `<html>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>Authorization successful</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`

const failurePage = `<html>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>Authorization failed</h1>
<p>%s</p>
<p>You can close this window.</p>
</body>
</html>`

type callbackResult struct {
	code string
	err  error
}

// CallbackServer receives the OAuth redirect on a loopback port derived
// from the redirect URI, accepts a single GET to /callback, and hands
// the authorization code back to the waiting flow.
type CallbackServer struct {
	RedirectURI string
	Timeout     time.Duration

	// OpenBrowser launches the user's browser at the authorization
	// URL. Defaults to the platform opener.
	OpenBrowser func(url string) error
}

// NewCallbackServer creates a callback server for the redirect URI.
func NewCallbackServer(redirectURI string) *CallbackServer {
	return &CallbackServer{
		RedirectURI: redirectURI,
		Timeout:     DefaultCallbackTimeout,
		OpenBrowser: openBrowser,
	}
}

// Authorize opens the browser at authURL and blocks until the callback
// delivers a code, the timeout elapses, or ctx is cancelled. The
// listener serves at most one callback and then shuts down.
func (s *CallbackServer) Authorize(ctx context.Context, authURL string) (string, error) {
	parsed, err := url.Parse(s.RedirectURI)
	if err != nil {
		return "", &Error{Op: "callback", Err: fmt.Errorf("invalid redirect uri %q: %w", s.RedirectURI, err)}
	}
	port := parsed.Port()
	if port == "" {
		port = "80"
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return "", &Error{Op: "callback", Err: fmt.Errorf("listen on port %s: %w", port, err)}
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if errCode := query.Get("error"); errCode != "" {
			desc := query.Get("error_description")
			if desc == "" {
				desc = errCode
			}
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, failurePage, desc)
			results <- callbackResult{err: &Error{Op: "authorization", Err: fmt.Errorf("%s", desc)}}
			return
		}

		code := query.Get("code")
		if code == "" {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, failurePage, "missing authorization code")
			results <- callbackResult{err: &Error{Op: "authorization", Err: fmt.Errorf("no authorization code received")}}
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, successPage)
		results <- callbackResult{code: code}
	})

	// ErrorLog swallows the listener's access and error output.
	server := &http.Server{Handler: mux, ErrorLog: discardLogger()}
	go func() { _ = server.Serve(listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if s.OpenBrowser != nil {
		if err := s.OpenBrowser(authURL); err != nil {
			// The user can still paste the URL manually; keep waiting.
			fmt.Printf("Open this URL in your browser to authorize:\n  %s\n", authURL)
		}
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		return res.code, res.err
	case <-timer.C:
		return "", &Error{Op: "authorization", Err: fmt.Errorf("timed out after %s waiting for browser callback", timeout)}
	case <-ctx.Done():
		return "", &Error{Op: "authorization", Err: ctx.Err()}
	}
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func openBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}
