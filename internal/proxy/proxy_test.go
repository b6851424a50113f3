package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/ports"
)

type fakeLookup struct {
	port  int
	token string
}

func (f fakeLookup) Lookup(port int, token string) (ports.Record, bool) {
	if port == f.port && token == f.token {
		return ports.Record{Port: port, Token: token}, true
	}
	return ports.Record{}, false
}

func listenOnFreePort(t *testing.T, handler http.Handler) (port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	return ln.Addr().(*net.TCPAddr).Port, func() { srv.Close() }
}

func TestRouteRejectsInvalidToken(t *testing.T) {
	p := New(fakeLookup{port: 8080, token: "correct-token-16"}, "my-sandbox")

	req := httptest.NewRequest(http.MethodGet, "/some/path", nil)
	rec := httptest.NewRecorder()

	p.Route(rec, req, 8080, "wrong-token")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INVALID_TOKEN") {
		t.Fatalf("expected INVALID_TOKEN code in body, got %s", rec.Body.String())
	}
}

func TestRouteForwardsHTTPRequestWithHeaders(t *testing.T) {
	var gotHeader http.Header
	backendPort, closeFn := listenOnFreePort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.Header().Set("X-Backend", "1")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hello from backend"))
	}))
	defer closeFn()

	p := New(fakeLookup{port: backendPort, token: "tok1234567890123"}, "my-sandbox")

	req := httptest.NewRequest(http.MethodGet, "/widgets?x=1", nil)
	rec := httptest.NewRecorder()

	p.Route(rec, req, backendPort, "tok1234567890123")

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418 passthrough, got %d", rec.Code)
	}
	if rec.Body.String() != "hello from backend" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if rec.Header().Get("X-Backend") != "1" {
		t.Fatalf("expected backend response header to be relayed")
	}
	if gotHeader.Get("X-Sandbox-Name") != "my-sandbox" {
		t.Fatalf("expected X-Sandbox-Name header forwarded, got %q", gotHeader.Get("X-Sandbox-Name"))
	}
	if gotHeader.Get("X-Forwarded-Proto") != "http" {
		t.Fatalf("expected X-Forwarded-Proto header forwarded, got %q", gotHeader.Get("X-Forwarded-Proto"))
	}
}

func TestRouteSkipsTokenCheckForControlPlanePort(t *testing.T) {
	p := New(fakeLookup{port: 9999, token: "unrelated-token1"}, "sb")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	p.Route(rec, req, 3000, "")

	if strings.Contains(rec.Body.String(), "INVALID_TOKEN") {
		t.Fatalf("expected control-plane port to bypass token validation, got %s", rec.Body.String())
	}
}

func TestForwardURLBuildsExpectedTarget(t *testing.T) {
	p := New(fakeLookup{}, "sb")
	req := httptest.NewRequest(http.MethodGet, "/a/b?x=1", nil)
	got := p.forwardURL(req, 8080, "http")
	want := (&url.URL{Scheme: "http", Host: "localhost:" + strconv.Itoa(8080), Path: "/a/b", RawQuery: "x=1"}).String()
	if got != want {
		t.Fatalf("forwardURL = %q, want %q", got, want)
	}
}
