// Package proxy implements the sandbox reverse proxy: token validation
// against the port registry, HTTP forwarding with the added
// X-Original-URL/X-Forwarded-* headers, and WebSocket upgrade relay via
// gorilla/websocket.
package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/internal/ports"
	"github.com/nextlevelbuilder/goclaw/internal/security"
)

// Lookup resolves (port, token) to a registered port record.
type Lookup interface {
	Lookup(port int, token string) (ports.Record, bool)
}

// Proxy forwards requests into a sandbox's locally-bound ports.
type Proxy struct {
	registry    Lookup
	sandboxName string
	upgrader    websocket.Upgrader
}

// New creates a Proxy that validates requests against registry and
// stamps the X-Sandbox-Name header with sandboxName.
func New(registry Lookup, sandboxName string) *Proxy {
	return &Proxy{
		registry:    registry,
		sandboxName: sandboxName,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Route handles one inbound proxied request for the given target port
// and token. port == security.ControlPlanePort skips token validation;
// callers are responsible for routing 3000 directly to the control
// plane handler instead of calling Route for it.
func (p *Proxy) Route(w http.ResponseWriter, r *http.Request, port int, token string) {
	if port != security.ControlPlanePort {
		if _, ok := p.registry.Lookup(port, token); !ok {
			security.LogEvent("INVALID_TOKEN_ACCESS_BLOCKED", security.SeverityHigh, map[string]any{
				"port": port,
				"path": r.URL.Path,
			})
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"error":"Access denied: Invalid token or port not exposed","code":"INVALID_TOKEN"}`)
			return
		}
	}

	if websocket.IsWebSocketUpgrade(r) {
		p.relayWebSocket(w, r, port)
		return
	}
	p.relayHTTP(w, r, port)
}

func (p *Proxy) forwardURL(r *http.Request, port int, scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		Host:     "localhost:" + strconv.Itoa(port),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	return u.String()
}

func (p *Proxy) setForwardedHeaders(header http.Header, r *http.Request) {
	header.Set("X-Original-URL", r.URL.String())
	header.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	header.Set("X-Forwarded-Proto", proto)
	header.Set("X-Sandbox-Name", p.sandboxName)
}

func (p *Proxy) relayHTTP(w http.ResponseWriter, r *http.Request, port int) {
	target := p.forwardURL(r, port, "http")

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "proxy routing error", http.StatusInternalServerError)
		return
	}
	outReq.Header = r.Header.Clone()
	p.setForwardedHeaders(outReq.Header, r)

	resp, err := http.DefaultClient.Do(outReq)
	if err != nil {
		http.Error(w, "proxy routing error", http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (p *Proxy) relayWebSocket(w http.ResponseWriter, r *http.Request, port int) {
	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	target := p.forwardURL(r, port, "ws")
	header := http.Header{}
	p.setForwardedHeaders(header, r)

	backendConn, _, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		_ = clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "proxy routing error"))
		return
	}
	defer backendConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); relay(clientConn, backendConn) }()
	go func() { defer wg.Done(); relay(backendConn, clientConn) }()
	wg.Wait()
}

func relay(dst, src *websocket.Conn) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
