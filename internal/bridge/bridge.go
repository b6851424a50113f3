// Package bridge implements the bearer-authenticated front door
// (Authorization: Bearer <API_KEY>; missing/invalid => 401) that
// resolves a `{sandboxId}` path segment to a sandbox's in-container
// HTTP endpoint and forwards the remaining path to it.
package bridge

import (
	"crypto/subtle"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/wire"
)

// SandboxResolver resolves a sandbox ID to its durable in-container HTTP
// endpoint, the same integration seam the edge router requires.
type SandboxResolver interface {
	Resolve(sandboxID string) (endpoint string, err error)
}

// StaticResolver is a config-file-backed SandboxResolver: a fixed
// sandboxID→endpoint map. Real deployments supply their own
// SandboxResolver that talks to the outer platform.
type StaticResolver map[string]string

func (m StaticResolver) Resolve(sandboxID string) (string, error) {
	endpoint, ok := m[sandboxID]
	if !ok {
		return "", errUnknownSandbox
	}
	return endpoint, nil
}

var errUnknownSandbox = &notFoundError{"unknown sandbox id"}

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }

// Bridge is the bearer-authenticated multi-sandbox router.
type Bridge struct {
	apiKey   string
	resolver SandboxResolver
}

// New creates a Bridge that requires Authorization: Bearer apiKey on
// every request and routes path-prefixed requests via resolver.
func New(apiKey string, resolver SandboxResolver) *Bridge {
	return &Bridge{apiKey: apiKey, resolver: resolver}
}

// ServeHTTP expects paths shaped /{sandboxId}/... and forwards the
// remainder to that sandbox's resolved endpoint.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if wire.HandlePreflight(w, r) {
		return
	}
	wire.SetCORSHeaders(w)

	if !b.authorize(r) {
		http.Error(w, `{"success":false,"error":"unauthorized","code":"UNAUTHORIZED"}`, http.StatusUnauthorized)
		return
	}

	sandboxID, rest, ok := splitSandboxPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	endpoint, err := b.resolver.Resolve(sandboxID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	base, perr := url.Parse(endpoint)
	if perr != nil {
		http.Error(w, "Proxy routing error", http.StatusInternalServerError)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(base)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.URL.Path = rest
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "Proxy routing error", http.StatusInternalServerError)
	}
	proxy.ServeHTTP(w, r)
}

func (b *Bridge) authorize(r *http.Request) bool {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	supplied := strings.TrimPrefix(h, prefix)
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(b.apiKey)) == 1
}

// splitSandboxPath splits /{sandboxId}/rest into (sandboxId, "/rest").
func splitSandboxPath(path string) (sandboxID, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, "/", true
	}
	return trimmed[:idx], trimmed[idx:], true
}
