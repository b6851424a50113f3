package bridge

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMissingAuthorizationReturns401(t *testing.T) {
	b := New("secret", StaticResolver{})
	req := httptest.NewRequest(http.MethodGet, "/sandbox-a/api/ping", nil)
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInvalidBearerReturns401(t *testing.T) {
	b := New("secret", StaticResolver{})
	req := httptest.NewRequest(http.MethodGet, "/sandbox-a/api/ping", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestValidBearerForwardsToResolvedSandbox(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	b := New("secret", StaticResolver{"sandbox-a": backend.URL})
	req := httptest.NewRequest(http.MethodGet, "/sandbox-a/api/ping", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if gotPath != "/api/ping" {
		t.Fatalf("expected forwarded path /api/ping, got %q", gotPath)
	}
}

func TestUnknownSandboxReturns404(t *testing.T) {
	b := New("secret", StaticResolver{})
	req := httptest.NewRequest(http.MethodGet, "/sandbox-missing/api/ping", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPreflightReturnsNoContent(t *testing.T) {
	b := New("secret", StaticResolver{})
	req := httptest.NewRequest(http.MethodOptions, "/sandbox-a/api/ping", nil)
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}
