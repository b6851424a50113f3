// Package edge implements the outer preview router: it parses a
// sandbox identity and target port out of the request host or path,
// authorizes it, resolves the sandbox's durable endpoint, and forwards
// the request.
package edge

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/security"
)

// hostnamePattern matches the production preview hostname shape
// {port}-{sandboxId}-{token}.{domain}.
var hostnamePattern = regexp.MustCompile(`^(\d+)-([A-Za-z0-9_-]+)-([a-z0-9_-]{16})\.(.+)$`)

// localHostnames are treated as development/localhost addressing, where
// the path carries /preview/{port}/{sandboxId}/... and the token arrives
// as a query parameter instead of a hostname segment.
var localHostnames = map[string]struct{}{
	"localhost": {}, "127.0.0.1": {}, "::1": {}, "[::1]": {}, "0.0.0.0": {},
}

// pathPattern matches the development preview path shape.
var pathPattern = regexp.MustCompile(`^/preview/(\d+)/([A-Za-z0-9_-]+)(/.*)?$`)

// Target describes a parsed, not-yet-validated routing request.
type Target struct {
	Port      int
	SandboxID string
	Token     string
	Path      string
	Query     string
}

// SandboxResolver resolves a sandbox ID to its durable in-container HTTP
// endpoint. Owning platforms plug in their own implementation; this
// package ships one static, config-file-backed implementation as the
// integration seam.
type SandboxResolver interface {
	Resolve(sandboxID string) (endpoint string, err error)
}

// TokenValidator checks a (sandboxID, port, token) triple against that
// sandbox's exposed-port registry.
type TokenValidator interface {
	ValidatePortToken(sandboxID string, port int, token string) bool
}

// Router forwards validated preview requests to the resolved sandbox.
type Router struct {
	resolver SandboxResolver
	tokens   TokenValidator
}

// New creates a Router.
func New(resolver SandboxResolver, tokens TokenValidator) *Router {
	return &Router{resolver: resolver, tokens: tokens}
}

// notMine is returned by parse functions to signal "this request doesn't
// address a sandbox"; it carries no error semantics of its own.
var errNotMine = fmt.Errorf("edge: request does not address a sandbox")

// ServeHTTP implements proxyToSandbox as an http.Handler: if the request
// doesn't address a sandbox, it responds 404 (the caller is expected to
// only mount this handler on hosts/paths meant for sandbox traffic; a
// standalone edge process has nothing else to fall back to).
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			http.Error(w, "Proxy routing error", http.StatusInternalServerError)
		}
	}()

	target, err := rt.parse(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if err := rt.validate(target); err != nil {
		if ae, ok := err.(*apiError); ok {
			http.Error(w, ae.body, ae.status)
			return
		}
		http.NotFound(w, r)
		return
	}

	rt.forward(w, r, target)
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string { return e.body }

func (rt *Router) parse(r *http.Request) (Target, error) {
	host := stripPort(r.Host)
	if _, isLocal := localHostnames[host]; isLocal {
		return rt.parsePath(r)
	}
	return rt.parseHostname(r)
}

func stripPort(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		// avoid mangling IPv6 [::1]:port — only strip when the suffix is numeric
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			return host[:idx]
		}
	}
	return host
}

func (rt *Router) parseHostname(r *http.Request) (Target, error) {
	m := hostnamePattern.FindStringSubmatch(r.Host)
	if m == nil {
		security.LogEvent("MALFORMED_SUBDOMAIN_ATTEMPT", security.SeverityMedium, map[string]any{"host": r.Host})
		return Target{}, errNotMine
	}
	port, _ := strconv.Atoi(m[1])
	return Target{
		Port:      port,
		SandboxID: m[2],
		Token:     m[3],
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
	}, nil
}

func (rt *Router) parsePath(r *http.Request) (Target, error) {
	m := pathPattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		security.LogEvent("MALFORMED_SUBDOMAIN_ATTEMPT", security.SeverityMedium, map[string]any{"path": r.URL.Path})
		return Target{}, errNotMine
	}
	port, _ := strconv.Atoi(m[1])
	rest := m[3]
	if rest == "" {
		rest = "/"
	}
	q := r.URL.Query()
	token := q.Get("token")
	q.Del("token")
	return Target{
		Port:      port,
		SandboxID: m[2],
		Token:     token,
		Path:      rest,
		Query:     q.Encode(),
	}, nil
}

// validate checks port range, then token, in that order.
func (rt *Router) validate(t Target) error {
	if !security.ValidatePort(t.Port) && t.Port != security.ControlPlanePort {
		security.LogEvent("INVALID_PORT_IN_SUBDOMAIN", security.SeverityHigh, map[string]any{"port": t.Port})
		return errNotMine
	}
	if len(t.SandboxID) > 63 {
		security.LogEvent("SANDBOX_ID_LENGTH_VIOLATION", security.SeverityMedium, map[string]any{"sandboxId": t.SandboxID})
		return errNotMine
	}
	if _, err := security.SanitizeSandboxID(t.SandboxID); err != nil {
		security.LogEvent("INVALID_SANDBOX_ID_IN_SUBDOMAIN", security.SeverityHigh, map[string]any{"sandboxId": t.SandboxID})
		return errNotMine
	}
	if t.Port != security.ControlPlanePort {
		if !rt.tokens.ValidatePortToken(t.SandboxID, t.Port, t.Token) {
			security.LogEvent("INVALID_TOKEN_ACCESS_BLOCKED", security.SeverityHigh, map[string]any{
				"sandboxId": t.SandboxID, "port": t.Port,
			})
			return &apiError{status: http.StatusNotFound, body: `{"error":"Access denied: Invalid token or port not exposed","code":"INVALID_TOKEN"}`}
		}
	}
	return nil
}

func (rt *Router) forward(w http.ResponseWriter, r *http.Request, t Target) {
	endpoint, err := rt.resolver.Resolve(t.SandboxID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	base, perr := url.Parse(endpoint)
	if perr != nil {
		http.Error(w, "Proxy routing error", http.StatusInternalServerError)
		return
	}

	// The sandbox's own control plane hosts the §4.7 reverse proxy logic;
	// the edge only needs to get the request there with the parsed
	// (port, token) attached so the in-sandbox proxy can apply its own
	// token check and dial localhost:{port}.
	proxy := httputil.NewSingleHostReverseProxy(base)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = t.Path
		req.URL.RawQuery = t.Query
		req.Header.Set("X-Sandbox-Port", strconv.Itoa(t.Port))
		req.Header.Set("X-Sandbox-Token", t.Token)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "Proxy routing error", http.StatusInternalServerError)
	}
	proxy.ServeHTTP(w, r)
}
